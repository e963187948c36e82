// Package transfer places completed downloads into the media library under
// rendered names and records every placed file.
package transfer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/meta"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/retry"
	"github.com/glefebvre/moviepilot/internal/store"
	"github.com/google/uuid"
)

const (
	defaultMovieFormat = "{{title}}{% if year %} ({{year}}){% endif %}/{{title}}{% if year %} ({{year}}){% endif %}{% if part %}-{{part}}{% endif %}{% if videoFormat %} - {{videoFormat}}{% endif %}{{fileExt}}"
	defaultTVFormat    = "{{title}}{% if year %} ({{year}}){% endif %}/Season {{season}}/{{title}} - {{season_episode}}{% if part %}-{{part}}{% endif %}{% if episode_title %} - {{episode_title}}{% endif %}{{fileExt}}"
	manualHashPrefix   = "manual-"
)

// Recognizer identifies parsed files
type Recognizer interface {
	Recognize(ctx context.Context, m *meta.Meta) (*media.MediaInfo, error)
	RecognizeByID(ctx context.Context, id int, kind models.MediaType, season int) (*media.MediaInfo, error)
}

// Options configures the library layout and how files get there
type Options struct {
	Roots              []string
	MovieDir           string
	TVDir              string
	AnimeDir           string
	Category           bool
	AnimeGenreIDs      []int
	MediaExtensions    []string
	SubtitleExtensions []string
	MovieFormat        string
	TVFormat           string
	Mode               Mode
	Rclone             RcloneConfig
	Retry              retry.Config
}

// Report summarises a poll
type Report struct {
	Downloads    int           `json:"downloads"`
	Transferred  int           `json:"transferred"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	Unrecognized int           `json:"unrecognized"`
	Coalesced    bool          `json:"coalesced"`
	Duration     time.Duration `json:"duration"`
}

// Result is the outcome of one download
type Result struct {
	Hash         string                   `json:"hash"`
	State        models.TransferState     `json:"state"`
	Placed       []models.TransferHistory `json:"placed"`
	Skipped      int                      `json:"skipped"`
	Failed       int                      `json:"failed"`
	Unrecognized int                      `json:"unrecognized"`
}

// Pipeline moves completed downloads into the library
type Pipeline struct {
	store      *store.Store
	registry   *provider.Registry
	bus        *eventbus.Bus
	recognizer Recognizer
	opts       Options
	ops        *FileOps
	parser     *meta.Parser
	movieTmpl  *Renderer
	tvTmpl     *Renderer

	mediaExts    map[string]bool
	subtitleExts map[string]bool

	running atomic.Bool
	log     *logger.Logger
}

// New creates a pipeline. The rename templates are compiled here so a bad
// template fails at startup.
func New(st *store.Store, registry *provider.Registry, bus *eventbus.Bus, recognizer Recognizer, opts Options) (*Pipeline, error) {
	if opts.Mode == "" {
		opts.Mode = ModeCopy
	}
	if !opts.Mode.Valid() {
		return nil, errors.ConfigError(fmt.Sprintf("unknown transfer mode %q", opts.Mode), nil)
	}
	if opts.MovieDir == "" {
		opts.MovieDir = "Movies"
	}
	if opts.TVDir == "" {
		opts.TVDir = "TV"
	}
	if opts.MovieFormat == "" {
		opts.MovieFormat = defaultMovieFormat
	}
	if opts.TVFormat == "" {
		opts.TVFormat = defaultTVFormat
	}
	movieTmpl, err := NewRenderer(opts.MovieFormat)
	if err != nil {
		return nil, err
	}
	tvTmpl, err := NewRenderer(opts.TVFormat)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:        st,
		registry:     registry,
		bus:          bus,
		recognizer:   recognizer,
		opts:         opts,
		ops:          NewFileOps(opts.Retry, opts.Rclone),
		movieTmpl:    movieTmpl,
		tvTmpl:       tvTmpl,
		mediaExts:    extSet(opts.MediaExtensions, defaultVideoExtensions),
		subtitleExts: extSet(opts.SubtitleExtensions, defaultSubtitleExtensions),
		log:          logger.AppLogger(),
	}
	p.parser = meta.NewParser(meta.Options{MediaExtensions: append(keys(p.mediaExts), keys(p.subtitleExts)...)})
	return p, nil
}

var defaultVideoExtensions = []string{
	".mp4", ".mkv", ".ts", ".iso", ".rmvb", ".avi", ".mov", ".mpeg", ".mpg",
	".wmv", ".3gp", ".asf", ".m4v", ".flv", ".m2ts", ".strm",
}

func extSet(exts, fallback []string) map[string]bool {
	if len(exts) == 0 {
		exts = fallback
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Poll transfers every completed download that has no finished task yet.
// A call made while a poll is running returns at once with Coalesced set.
func (p *Pipeline) Poll(ctx context.Context) (*Report, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Debug("transfer poll already running, skipping")
		return &Report{Coalesced: true}, nil
	}
	defer p.running.Store(false)

	start := time.Now()
	report := &Report{}
	downloaders := p.registry.Downloaders()
	if len(downloaders) == 0 {
		p.log.Info("no downloader configured, nothing to transfer")
		return report, nil
	}

	for _, d := range downloaders {
		completed, err := d.ListCompleted(ctx)
		if err != nil {
			p.log.WithFields(map[string]interface{}{"downloader": d.Name()}).Error("failed to list completed downloads", err)
			continue
		}
		for _, dl := range completed {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			task, err := p.store.Tasks.GetByHash(ctx, dl.Hash)
			if err != nil {
				return report, err
			}
			if task != nil && task.State.Terminal() {
				continue
			}
			p.run(ctx, dl, report)
		}
	}

	report.Duration = time.Since(start)
	p.log.WithFields(map[string]interface{}{
		"downloads":    report.Downloads,
		"transferred":  report.Transferred,
		"skipped":      report.Skipped,
		"failed":       report.Failed,
		"unrecognized": report.Unrecognized,
		"duration":     report.Duration.String(),
	}).Info("transfer poll finished")
	return report, ctx.Err()
}

// Resume continues tasks a previous run left in a non-terminal state
func (p *Pipeline) Resume(ctx context.Context) (*Report, error) {
	tasks, err := p.store.Tasks.ListUnfinished(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		p.log.WithFields(map[string]interface{}{
			"download_hash": task.DownloadHash,
			"state":         string(task.State),
		}).Info("resuming transfer")
		p.run(ctx, provider.Download{Hash: task.DownloadHash, Name: task.Name, Path: task.Path}, report)
	}
	return report, ctx.Err()
}

func (p *Pipeline) run(ctx context.Context, dl provider.Download, report *Report) {
	report.Downloads++
	res, err := p.TransferDownload(ctx, dl)
	if err != nil {
		report.Failed++
		p.log.WithFields(map[string]interface{}{"download_hash": dl.Hash, "name": dl.Name}).Error("transfer failed", err)
		return
	}
	report.Transferred += len(res.Placed)
	report.Skipped += res.Skipped
	report.Failed += res.Failed
	report.Unrecognized += res.Unrecognized
}

// TransferPath transfers a file or directory that no downloader reported.
// The pseudo hash is stable per path so reruns are idempotent.
func (p *Pipeline) TransferPath(ctx context.Context, path string) (*Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid path %q", path))
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, errors.NotFoundError("path", abs)
	}
	return p.TransferDownload(ctx, provider.Download{
		Hash: ManualHash(abs),
		Name: filepath.Base(abs),
		Path: abs,
	})
}

// ManualHash is the pseudo download hash of a manually transferred path
func ManualHash(abs string) string {
	return manualHashPrefix + uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String()
}

// item is one logical media unit of a download: a file, or a blu-ray
// directory tree
type item struct {
	src    string
	bluray bool
	size   int64
	meta   *meta.Meta
	info   *media.MediaInfo
	err    error
}

// placement is a transferred item waiting to be recorded and announced.
// A present placement found the library already holding the item: it is
// recorded so reruns skip it, but never announced.
type placement struct {
	item     *item
	dest     string
	category string
	present  bool
	history  *models.TransferHistory
}

// presentNote marks history rows for items the library already held
const presentNote = "destination already present"

// TransferDownload runs one download through the state machine. Progress is
// persisted after every step so an interrupted run resumes at the next tick.
func (p *Pipeline) TransferDownload(ctx context.Context, dl provider.Download) (*Result, error) {
	ctx = logger.ContextWithFields(ctx, map[string]interface{}{"download_hash": dl.Hash})
	task, err := p.store.Tasks.GetByHash(ctx, dl.Hash)
	if err != nil {
		return nil, err
	}
	if task == nil {
		task = &models.TransferTask{DownloadHash: dl.Hash}
	}
	task.Name = dl.Name
	task.Path = dl.Path
	task.State = models.TransferPending
	task.ErrorMessage = ""
	task.Attempts++
	if err := p.store.Tasks.Save(ctx, task); err != nil {
		return nil, err
	}

	log := p.log.WithFields(map[string]interface{}{
		"download_hash": dl.Hash,
		"name":          dl.Name,
		"path":          dl.Path,
	})
	result := &Result{Hash: dl.Hash}

	history, err := p.store.Downloads.GetByHash(ctx, dl.Hash)
	if err != nil {
		return nil, err
	}

	recovered, err := p.recordInterrupted(ctx, task)
	if err != nil {
		return nil, err
	}

	items, err := p.collect(dl.Path)
	if err != nil {
		if len(recovered) == 0 {
			return nil, p.fail(ctx, task, result, err)
		}
		// moved away by the interrupted run
		items = nil
	}

	// identify
	var recognized []*item
	for _, it := range items {
		if err := p.identify(ctx, it, history); err != nil {
			if errors.IsRateLimited(err) || ctx.Err() != nil {
				// leave the task pending; the next tick tries again
				return nil, err
			}
			it.err = err
			result.Unrecognized++
			log.WithFields(map[string]interface{}{"src": it.src}).Warn(fmt.Sprintf("unable to recognize: %v", err))
			continue
		}
		recognized = append(recognized, it)
	}
	if len(recognized) == 0 && len(recovered) == 0 {
		task.State = models.TransferUnrecognized
		task.ErrorMessage = "no recognizable media"
		if err := p.store.Tasks.Save(ctx, task); err != nil {
			return nil, err
		}
		result.State = task.State
		p.notice(ctx, history, fmt.Sprintf("%s unrecognized", dl.Name),
			fmt.Sprintf("no media information found for %s, left in place", dl.Path))
		log.Warn("download unrecognized")
		return result, nil
	}
	if err := p.advance(ctx, task, models.TransferIdentified); err != nil {
		return nil, err
	}

	// place; every placement is saved on the task before the next one so a
	// crash after a move still knows where the file went
	var placed []*placement
	var failures []string
	for _, it := range recognized {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pl, skipped, err := p.place(ctx, dl.Hash, it)
		switch {
		case err != nil:
			result.Failed++
			failures = append(failures, err.Error())
			p.recordFailure(ctx, dl.Hash, it, err)
			continue
		case skipped:
			result.Skipped++
		}
		if pl == nil {
			continue
		}
		placed = append(placed, pl)
		task.Pending = append(task.Pending, *pl.history)
		if err := p.store.Tasks.Save(ctx, task); err != nil {
			return nil, err
		}
	}
	if err := p.advance(ctx, task, models.TransferPlaced); err != nil {
		return nil, err
	}

	// record
	for _, pl := range placed {
		if err := p.store.Transfers.Insert(ctx, pl.history); err != nil {
			return nil, err
		}
	}
	task.Pending = nil
	if err := p.advance(ctx, task, models.TransferRecorded); err != nil {
		return nil, err
	}

	// notify
	placed = append(recovered, placed...)
	for _, pl := range placed {
		if pl.present {
			continue
		}
		result.Placed = append(result.Placed, *pl.history)
		p.announce(ctx, pl, history)
	}

	task.State = models.TransferNotified
	if len(failures) > 0 && len(result.Placed) == 0 && result.Skipped == 0 {
		task.State = models.TransferFailed
	}
	task.ErrorMessage = strings.Join(failures, "; ")
	if err := p.store.Tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	result.State = task.State

	log.WithFields(map[string]interface{}{
		"placed":       len(result.Placed),
		"skipped":      result.Skipped,
		"failed":       result.Failed,
		"unrecognized": result.Unrecognized,
		"state":        string(task.State),
	}).Info("download transferred")
	return result, nil
}

func (p *Pipeline) advance(ctx context.Context, task *models.TransferTask, state models.TransferState) error {
	task.State = state
	return p.store.Tasks.Save(ctx, task)
}

func (p *Pipeline) fail(ctx context.Context, task *models.TransferTask, result *Result, cause error) error {
	task.State = models.TransferFailed
	task.ErrorMessage = cause.Error()
	result.State = task.State
	if err := p.store.Tasks.Save(ctx, task); err != nil {
		return err
	}
	return cause
}

// recordInterrupted records the rows an interrupted run placed but never recorded
func (p *Pipeline) recordInterrupted(ctx context.Context, task *models.TransferTask) ([]*placement, error) {
	if len(task.Pending) == 0 {
		return nil, nil
	}
	var out []*placement
	for i := range task.Pending {
		row := task.Pending[i]
		row.ID = 0
		prior, err := p.store.Transfers.GetBySrc(ctx, row.DownloadHash, row.Src)
		if err != nil {
			return nil, err
		}
		switch {
		case prior != nil && prior.Status:
			// inserted before the crash but never announced
			row = *prior
		case prior != nil:
			if err := p.store.Transfers.Delete(ctx, prior.ID); err != nil {
				return nil, err
			}
			fallthrough
		default:
			if err := p.store.Transfers.Insert(ctx, &row); err != nil {
				return nil, err
			}
		}
		out = append(out, &placement{
			item:     rowItem(&row),
			dest:     row.Dest,
			category: row.Category,
			present:  row.ErrorMessage == presentNote,
			history:  &row,
		})
	}
	task.Pending = nil
	if err := p.store.Tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	p.log.WithFields(map[string]interface{}{
		"download_hash": task.DownloadHash,
		"recorded":      len(out),
	}).Info("recorded placements of interrupted run")
	return out, nil
}

// rowItem rebuilds enough of an item from its history row to announce it
func rowItem(row *models.TransferHistory) *item {
	it := &item{
		src:  row.Src,
		meta: &meta.Meta{},
		info: &media.MediaInfo{Type: row.Type, Title: row.Title, Year: row.Year, TMDBID: row.TMDBID, Season: row.Season},
	}
	if row.Type == models.MediaTypeTV {
		season := row.Season
		it.meta.BeginSeason = &season
		if n := len(row.Episodes); n > 0 {
			begin, end := row.Episodes[0], row.Episodes[n-1]
			it.meta.BeginEpisode = &begin
			it.meta.EndEpisode = &end
		}
	}
	return it
}

// collect lists the media items of a download path. A directory holding
// BDMV or CERTIFICATE is one item.
func (p *Pipeline) collect(root string) ([]*item, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFilesystemPermanent, "download path unavailable")
	}
	if !info.IsDir() {
		if !p.mediaExts[strings.ToLower(filepath.Ext(root))] {
			return nil, nil
		}
		return []*item{{src: root, size: info.Size()}}, nil
	}

	var items []*item
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if isBluray(path) {
				items = append(items, &item{src: path, bluray: true, size: dirSize(path)})
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), TempSuffix) || !p.mediaExts[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		items = append(items, &item{src: path, size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFilesystemPermanent, "failed to walk download")
	}
	return items, nil
}

func isBluray(dir string) bool {
	for _, marker := range []string{"BDMV", "CERTIFICATE"} {
		if fi, err := os.Stat(filepath.Join(dir, marker)); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}

// identify parses the item and links it to a work. A download dispatched by
// a subscription reuses its tmdb id; a failed lookup then falls back to what
// the download history says.
func (p *Pipeline) identify(ctx context.Context, it *item, history *models.DownloadHistory) error {
	if it.bluray {
		it.meta = p.parser.Parse(filepath.Base(it.src))
		it.meta.Raw = filepath.Base(it.src)
	} else {
		it.meta = p.parser.ParseFile(it.src)
	}

	if history != nil && history.TMDBID > 0 {
		season := it.meta.SeasonNumber()
		if season == 0 {
			season = history.Season
		}
		if p.recognizer != nil {
			info, err := p.recognizer.RecognizeByID(ctx, history.TMDBID, history.Type, season)
			if err == nil && info != nil {
				it.info = info
				return nil
			}
			if errors.IsRateLimited(err) {
				return err
			}
		}
		it.info = &media.MediaInfo{
			Type:   history.Type,
			Title:  history.Title,
			Year:   history.Year,
			TMDBID: history.TMDBID,
			Season: season,
		}
		return nil
	}

	if p.recognizer == nil {
		return errors.NotConfiguredError("metadata")
	}
	info, err := p.recognizer.Recognize(ctx, it.meta)
	if err != nil {
		return err
	}
	if !info.Recognized() {
		return errors.UnrecognizedError(it.meta.Raw)
	}
	it.info = info
	return nil
}

// place renders the destination and transfers the item. skipped is true
// when the item was already transferred for this download, or when the
// library already holds it; the latter still returns a present placement.
func (p *Pipeline) place(ctx context.Context, hash string, it *item) (*placement, bool, error) {
	prior, err := p.store.Transfers.GetBySrc(ctx, hash, it.src)
	if err != nil {
		return nil, false, err
	}
	if prior != nil {
		if prior.Status {
			return nil, true, nil
		}
		// a failed attempt is replaced by this one
		if err := p.store.Transfers.Delete(ctx, prior.ID); err != nil {
			return nil, false, err
		}
	}

	root, err := p.chooseRoot(it.src, it.size)
	if err != nil {
		return nil, false, err
	}
	category := p.category(it.info)
	dest := filepath.Join(root, p.libraryDir(it.info), category, p.render(ctx, it))

	pl := &placement{item: it, dest: dest, category: category}
	log := p.log.WithFields(map[string]interface{}{
		"download_hash": hash,
		"src":           it.src,
		"dest":          dest,
		"mode":          string(p.opts.Mode),
	})

	if it.bluray {
		if err := p.mirror(ctx, it.src, dest); err != nil {
			return nil, false, err
		}
		log.Info("blu-ray directory transferred")
	} else {
		present, err := p.precheck(it.src, dest)
		if err != nil {
			return nil, false, err
		}
		if present {
			log.Info(presentNote)
			pl.present = true
			pl.history = p.historyRow(hash, it, dest, category, true, presentNote)
			return pl, true, nil
		}
		if err := p.ops.Transfer(ctx, it.src, dest, p.opts.Mode); err != nil {
			return nil, false, err
		}
		sidecars := p.placeSidecars(ctx, it.src, dest, it.meta)
		log.WithFields(map[string]interface{}{"sidecars": len(sidecars)}).Info("file transferred")
	}

	pl.history = p.historyRow(hash, it, dest, category, true, "")
	return pl, false, nil
}

// precheck reports whether dest already holds the item. A smaller
// destination is removed so the source replaces it.
func (p *Pipeline) precheck(src, dest string) (bool, error) {
	di, err := os.Stat(dest)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, classify(err, "failed to stat destination")
	}
	si, err := os.Stat(src)
	if err != nil {
		return false, classify(err, "failed to stat source")
	}
	if di.Size() >= si.Size() {
		return true, nil
	}
	p.log.WithFields(map[string]interface{}{
		"dest":      dest,
		"dest_size": FormatBytes(uint64(di.Size())),
		"src_size":  FormatBytes(uint64(si.Size())),
	}).Info("destination is smaller, overwriting")
	return false, p.ops.Remove(dest)
}

// mirror copies a blu-ray tree file by file
func (p *Pipeline) mirror(ctx context.Context, src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return classify(err, "failed to walk blu-ray directory")
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if present, err := p.precheck(path, target); err != nil || present {
			return err
		}
		return p.ops.Transfer(ctx, path, target, p.opts.Mode)
	})
}

// chooseRoot prefers a root on the source's filesystem so hardlinks work,
// then one with room for size, then the first
func (p *Pipeline) chooseRoot(src string, size int64) (string, error) {
	if len(p.opts.Roots) == 0 {
		return "", errors.NotConfiguredError("library paths")
	}
	for _, root := range p.opts.Roots {
		if SameDevice(src, root) {
			return root, nil
		}
	}
	for _, root := range p.opts.Roots {
		space, err := GetDiskSpace(root)
		if err != nil {
			continue
		}
		if space.Available >= uint64(size) {
			return root, nil
		}
	}
	return p.opts.Roots[0], nil
}

func (p *Pipeline) libraryDir(info *media.MediaInfo) string {
	if info.Type != models.MediaTypeTV {
		return p.opts.MovieDir
	}
	if p.opts.AnimeDir != "" && info.IsAnime(p.opts.AnimeGenreIDs) {
		return p.opts.AnimeDir
	}
	return p.opts.TVDir
}

func (p *Pipeline) category(info *media.MediaInfo) string {
	if !p.opts.Category || len(info.Genres) == 0 {
		return ""
	}
	return sanitizeFilename(info.Genres[0])
}

func (p *Pipeline) render(ctx context.Context, it *item) string {
	ext := it.meta.FileExt
	if ext == "" && !it.bluray {
		ext = strings.ToLower(filepath.Ext(it.src))
	}
	tmpl := p.movieTmpl
	episodeTitle := ""
	if it.info.Type == models.MediaTypeTV {
		tmpl = p.tvTmpl
		episodeTitle = p.episodeTitle(ctx, it)
	}
	return tmpl.Render(NamingDict(it.meta, it.info, episodeTitle, ext))
}

// episodeTitle asks the metadata providers for the name of a single episode
func (p *Pipeline) episodeTitle(ctx context.Context, it *item) string {
	eps := it.meta.Episodes()
	if len(eps) != 1 || it.info.TMDBID == 0 {
		return ""
	}
	season := it.meta.SeasonNumber()
	if season == 0 {
		season = it.info.Season
	}
	for _, mp := range p.registry.MetadataProviders() {
		ep, err := mp.EpisodeDetail(ctx, it.info.TMDBKey(), season, eps[0])
		if err == nil && ep != nil && ep.Name != "" {
			return ep.Name
		}
	}
	return ""
}

func (p *Pipeline) historyRow(hash string, it *item, dest, category string, ok bool, msg string) *models.TransferHistory {
	row := &models.TransferHistory{
		Src:          it.src,
		Dest:         dest,
		Mode:         string(p.opts.Mode),
		Category:     category,
		DownloadHash: hash,
		Status:       ok,
		ErrorMessage: msg,
	}
	if it.info != nil {
		row.Type = it.info.Type
		row.Title = it.info.Title
		row.Year = it.info.Year
		row.TMDBID = it.info.TMDBID
		if it.info.Type == models.MediaTypeTV {
			row.Season = it.meta.SeasonNumber()
			if row.Season == 0 {
				row.Season = it.info.Season
			}
			row.Episodes = it.meta.Episodes()
		}
	}
	return row
}

// recordFailure stores a status=false row and tells the user; the source
// stays where it is
func (p *Pipeline) recordFailure(ctx context.Context, hash string, it *item, cause error) {
	row := p.historyRow(hash, it, "", "", false, cause.Error())
	if err := p.store.Transfers.Insert(ctx, row); err != nil {
		p.log.WithFields(map[string]interface{}{"src": it.src}).Error("failed to record transfer failure", err)
	}
	p.log.WithFields(map[string]interface{}{
		"download_hash": hash,
		"src":           it.src,
		"code":          string(errors.GetErrorCode(cause)),
	}).Error("transfer failed", cause)
	p.notice(ctx, nil, fmt.Sprintf("%s transfer failed", it.info.TitleYear()), cause.Error())
}

// announce emits TransferComplete for a recorded placement and notifies the
// user who asked for it
func (p *Pipeline) announce(ctx context.Context, pl *placement, history *models.DownloadHistory) {
	row := pl.history
	data := map[string]interface{}{
		"transfer_id":   row.ID,
		"download_hash": row.DownloadHash,
		"src":           row.Src,
		"dest":          row.Dest,
		"mode":          row.Mode,
		"type":          string(row.Type),
		"title":         row.Title,
		"year":          row.Year,
		"tmdb_id":       row.TMDBID,
		"season":        row.Season,
		"episodes":      []int(row.Episodes),
		"category":      row.Category,
	}
	if pl.item.meta != nil {
		data["meta"] = pl.item.meta
	}
	if pl.item.info != nil {
		data["media"] = pl.item.info
	}
	p.bus.Emit(ctx, eventbus.TransferComplete, data)

	title := pl.item.info.TitleYear()
	if row.Type == models.MediaTypeTV {
		title = fmt.Sprintf("%s %s", title, pl.item.meta.SeasonEpisode())
	}
	n := provider.Notification{
		Title: strings.TrimSpace(title) + " added to library",
		Text:  row.Dest,
		Image: pl.item.info.Poster,
	}
	if history != nil {
		n.UserID = history.Username
		n.Channel = history.Channel
	}
	p.send(ctx, n)
}

// notice emits a system notice and forwards it to the messagers
func (p *Pipeline) notice(ctx context.Context, history *models.DownloadHistory, title, text string) {
	p.bus.Emit(ctx, eventbus.NoticeMessage, map[string]interface{}{
		"title": title,
		"text":  text,
	})
	n := provider.Notification{Title: title, Text: text}
	if history != nil {
		n.UserID = history.Username
		n.Channel = history.Channel
	}
	p.send(ctx, n)
}

func (p *Pipeline) send(ctx context.Context, n provider.Notification) {
	if err := p.registry.Notify(ctx, n); err != nil && !errors.IsNotConfigured(err) {
		p.log.WithFields(map[string]interface{}{"title": n.Title}).Error("transfer notification failed", err)
	}
}
