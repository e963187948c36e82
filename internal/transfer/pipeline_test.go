package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/meta"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/provider/providertest"
	"github.com/glefebvre/moviepilot/internal/retry"
	"github.com/glefebvre/moviepilot/internal/store"
	testutil "github.com/glefebvre/moviepilot/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const simpleMovieFormat = "{{title}} ({{year}})/{{title}} ({{year}}){{fileExt}}"

type stubRecognizer struct {
	byName map[string]*media.MediaInfo
	byID   map[int]*media.MediaInfo
}

func (r *stubRecognizer) Recognize(ctx context.Context, m *meta.Meta) (*media.MediaInfo, error) {
	if info, ok := r.byName[m.Name()]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, errors.UnrecognizedError(m.Raw)
}

func (r *stubRecognizer) RecognizeByID(ctx context.Context, id int, kind models.MediaType, season int) (*media.MediaInfo, error) {
	if info, ok := r.byID[id]; ok {
		cp := *info
		cp.Season = season
		return &cp, nil
	}
	return nil, errors.NotFoundError("media", "id")
}

var movie2020 = &media.MediaInfo{Type: models.MediaTypeMovie, Title: "Movie", Year: "2020", TMDBID: 101, Genres: []string{"Drama"}}

type fixture struct {
	db         *gorm.DB
	store      *store.Store
	bus        *eventbus.Bus
	registry   *provider.Registry
	dl         *providertest.Downloader
	messager   *providertest.Messager
	recognizer *stubRecognizer
	events     <-chan eventbus.Event
	downloads  string
	library    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.TestDB(t)
	f := &fixture{
		db:         db,
		store:      store.New(db),
		bus:        eventbus.New(),
		registry:   provider.NewRegistry(nil),
		dl:         &providertest.Downloader{},
		messager:   &providertest.Messager{},
		recognizer: &stubRecognizer{byName: map[string]*media.MediaInfo{"Movie": movie2020}},
		downloads:  filepath.Join(t.TempDir(), "downloads"),
		library:    filepath.Join(t.TempDir(), "library"),
	}
	require.NoError(t, f.registry.Register(provider.CapDownloader, f.dl))
	require.NoError(t, f.registry.Register(provider.CapMessager, f.messager))
	require.NoError(t, os.MkdirAll(f.library, 0o755))

	events, cancel := f.bus.Subscribe(64)
	t.Cleanup(cancel)
	f.events = events
	return f
}

func (f *fixture) pipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if len(opts.Roots) == 0 {
		opts.Roots = []string{f.library}
	}
	if opts.MovieFormat == "" {
		opts.MovieFormat = simpleMovieFormat
	}
	opts.Retry = retry.Config{MaxAttempts: 1}
	p, err := New(f.store, f.registry, f.bus, f.recognizer, opts)
	require.NoError(t, err)
	return p
}

// download writes files under the downloads dir and returns the content path
func (f *fixture) download(t *testing.T, name string, files map[string]int) string {
	t.Helper()
	root := filepath.Join(f.downloads, name)
	for rel, size := range files {
		writeFile(t, filepath.Join(root, rel), size)
	}
	return root
}

func (f *fixture) emitted(t eventbus.Type) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-f.events:
			if ev.Type == t {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644))
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}

func TestTransferDownload_Movie(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.download(t, "Movie.2020.1080p.BluRay", map[string]int{
		"Movie.2020.1080p.BluRay.mkv":     1000,
		"Movie.2020.1080p.BluRay.chs.srt": 10,
		"Movie.2020.1080p.BluRay.eng.srt": 10,
		"readme.txt":                      5,
	})
	p := f.pipeline(t, Options{Category: true})

	res, err := p.TransferDownload(ctx, provider.Download{Hash: "abc", Name: "Movie.2020.1080p.BluRay", Path: path})
	require.NoError(t, err)
	assert.Equal(t, models.TransferNotified, res.State)
	require.Len(t, res.Placed, 1)

	dest := filepath.Join(f.library, "Movies", "Drama", "Movie (2020)", "Movie (2020).mkv")
	assert.Equal(t, dest, res.Placed[0].Dest)
	assert.Equal(t, int64(1000), fileSize(t, dest))
	assert.FileExists(t, filepath.Join(f.library, "Movies", "Drama", "Movie (2020)", "Movie (2020).chi.zh-cn.srt"))
	assert.FileExists(t, filepath.Join(f.library, "Movies", "Drama", "Movie (2020)", "Movie (2020).eng.srt"))
	assert.NoFileExists(t, dest+TempSuffix)
	assert.FileExists(t, filepath.Join(path, "Movie.2020.1080p.BluRay.mkv"), "copy keeps the source")

	events := f.emitted(eventbus.TransferComplete)
	require.Len(t, events, 1)
	assert.Equal(t, 101, events[0].Int("tmdb_id"))
	assert.Equal(t, dest, events[0].String("dest"))

	task, err := f.store.Tasks.GetByHash(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, models.TransferNotified, task.State)
	assert.Equal(t, 1, task.Attempts)
	assert.Empty(t, task.Pending, "recorded rows leave the task")

	sent := f.messager.Messages()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1].Title, "Movie (2020) added to library")
}

func TestTransferDownload_ReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.download(t, "Movie.2020.2160p", map[string]int{"Movie.2020.2160p.mkv": 500})
	p := f.pipeline(t, Options{})
	dl := provider.Download{Hash: "abc", Name: "Movie.2020.2160p", Path: path}

	_, err := p.TransferDownload(ctx, dl)
	require.NoError(t, err)
	f.emitted(eventbus.TransferComplete)

	res, err := p.TransferDownload(ctx, dl)
	require.NoError(t, err)
	assert.Empty(t, res.Placed)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, f.emitted(eventbus.TransferComplete))
	testutil.AssertCount(t, f.db, &models.TransferHistory{}, 1, "replay adds no rows")
}

func TestTransferDownload_SmallerDestinationIsOverwritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.download(t, "Movie (2020) 2160p", map[string]int{"Movie (2020) 2160p.mkv": 4000})
	dest := filepath.Join(f.library, "Movies", "Movie (2020)", "Movie (2020).mkv")
	writeFile(t, dest, 400)
	p := f.pipeline(t, Options{})

	res, err := p.TransferDownload(ctx, provider.Download{Hash: "d1", Name: "Movie (2020) 2160p", Path: path})
	require.NoError(t, err)
	require.Len(t, res.Placed, 1)
	assert.Equal(t, int64(4000), fileSize(t, dest))
	testutil.AssertCount(t, f.db, &models.TransferHistory{}, 1, "one history row")
	assert.Len(t, f.emitted(eventbus.TransferComplete), 1)
}

func TestTransferDownload_LargerDestinationIsKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.download(t, "Movie (2020) 720p", map[string]int{"Movie (2020) 720p.mkv": 100})
	dest := filepath.Join(f.library, "Movies", "Movie (2020)", "Movie (2020).mkv")
	writeFile(t, dest, 900)
	p := f.pipeline(t, Options{})

	dl := provider.Download{Hash: "d2", Name: "Movie (2020) 720p", Path: path}
	res, err := p.TransferDownload(ctx, dl)
	require.NoError(t, err)
	assert.Equal(t, models.TransferNotified, res.State)
	assert.Empty(t, res.Placed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int64(900), fileSize(t, dest))
	assert.Empty(t, f.emitted(eventbus.TransferComplete))
	for _, m := range f.messager.Messages() {
		assert.NotContains(t, m.Title, "added to library")
	}

	row, err := f.store.Transfers.GetBySrc(ctx, "d2", filepath.Join(path, "Movie (2020) 720p.mkv"))
	require.NoError(t, err)
	require.NotNil(t, row, "kept destination is remembered")
	assert.True(t, row.Status)
	assert.Equal(t, presentNote, row.ErrorMessage)

	res, err = p.TransferDownload(ctx, dl)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	testutil.AssertCount(t, f.db, &models.TransferHistory{}, 1, "rerun adds no rows")
}

func TestTransferDownload_Unrecognized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.download(t, "random.blob.2024", map[string]int{"random.blob.2024.mkv": 100})
	f.dl.Completed = []provider.Download{{Hash: "rnd", Name: "random.blob.2024", Path: path}}
	p := f.pipeline(t, Options{})

	report, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloads)
	assert.Equal(t, 1, report.Unrecognized)

	testutil.AssertCount(t, f.db, &models.TransferHistory{}, 0, "no history for unrecognized downloads")
	assert.Empty(t, f.emitted(eventbus.TransferComplete))
	assert.Len(t, f.emitted(eventbus.NoticeMessage), 1)

	sent := f.messager.Messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Title, "unrecognized")

	task, err := f.store.Tasks.GetByHash(ctx, "rnd")
	require.NoError(t, err)
	assert.Equal(t, models.TransferUnrecognized, task.State)
	assert.FileExists(t, filepath.Join(path, "random.blob.2024.mkv"))

	report, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Downloads, "unrecognized downloads are not retried automatically")
}

func TestTransferDownload_LinkedToSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.CreateDownloadHistory(f.db, func(h *models.DownloadHistory) {
		h.DownloadHash = "tv1"
		h.Type = models.MediaTypeTV
		h.Title = "Rick and Morty"
		h.Year = "2013"
		h.TMDBID = 60625
		h.Season = 6
		h.Username = "alice"
	})
	f.recognizer.byID = map[int]*media.MediaInfo{
		60625: {Type: models.MediaTypeTV, Title: "Rick and Morty", Year: "2013", TMDBID: 60625},
	}
	md := &providertest.Metadata{Seasons: map[string]*media.SeasonInfo{
		"60625/6": {Season: 6, Episodes: []media.EpisodeInfo{{Season: 6, Episode: 5, Name: "Final DeSmithation"}}},
	}}
	require.NoError(t, f.registry.Register(provider.CapMetadata, md))

	path := f.download(t, "Rick.and.Morty.S06E05.1080p.WEB-DL", map[string]int{
		"Rick.and.Morty.S06E05.1080p.WEB-DL.mkv": 300,
	})
	p := f.pipeline(t, Options{Mode: ModeMove})

	res, err := p.TransferDownload(ctx, provider.Download{Hash: "tv1", Name: "Rick.and.Morty.S06E05.1080p.WEB-DL", Path: path})
	require.NoError(t, err)
	require.Len(t, res.Placed, 1)

	dest := filepath.Join(f.library, "TV", "Rick and Morty (2013)", "Season 6", "Rick and Morty - S06E05 - Final DeSmithation.mkv")
	assert.FileExists(t, dest)
	assert.NoFileExists(t, filepath.Join(path, "Rick.and.Morty.S06E05.1080p.WEB-DL.mkv"), "move removes the source")

	row := res.Placed[0]
	assert.Equal(t, 6, row.Season)
	assert.Equal(t, models.IntList{5}, row.Episodes)
	assert.Equal(t, "tv1", row.DownloadHash)

	events := f.emitted(eventbus.TransferComplete)
	require.Len(t, events, 1)
	assert.Equal(t, 60625, events[0].Int("tmdb_id"))
	assert.Equal(t, 6, events[0].Int("season"))

	sent := f.messager.Messages()
	require.NotEmpty(t, sent)
	assert.Equal(t, "alice", sent[len(sent)-1].UserID)
}

func TestTransferDownload_AnimeTree(t *testing.T) {
	f := newFixture(t)
	f.recognizer.byName["Frieren"] = &media.MediaInfo{
		Type: models.MediaTypeTV, Title: "Frieren", Year: "2023", TMDBID: 209867, GenreIDs: []int{16, 18},
	}
	path := f.download(t, "Frieren.S01E02.1080p", map[string]int{"Frieren.S01E02.1080p.mkv": 50})
	p := f.pipeline(t, Options{AnimeDir: "Anime", AnimeGenreIDs: []int{16}})

	res, err := p.TransferDownload(context.Background(), provider.Download{Hash: "an1", Name: "Frieren.S01E02.1080p", Path: path})
	require.NoError(t, err)
	require.Len(t, res.Placed, 1)
	assert.Equal(t, filepath.Join(f.library, "Anime", "Frieren (2023)", "Season 1", "Frieren - S01E02.mkv"), res.Placed[0].Dest)
}

func TestTransferDownload_PermanentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// a file where the library root should be makes every placement fail
	root := filepath.Join(t.TempDir(), "not-a-dir")
	writeFile(t, root, 1)
	path := f.download(t, "Movie.2020.1080p", map[string]int{"Movie.2020.1080p.mkv": 100})
	p := f.pipeline(t, Options{Roots: []string{root}})

	res, err := p.TransferDownload(ctx, provider.Download{Hash: "bad", Name: "Movie.2020.1080p", Path: path})
	require.NoError(t, err)
	assert.Equal(t, models.TransferFailed, res.State)
	assert.Equal(t, 1, res.Failed)

	rows, err := f.store.Transfers.ListByHash(ctx, "bad")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Status)
	assert.NotEmpty(t, rows[0].ErrorMessage)

	assert.Empty(t, f.emitted(eventbus.TransferComplete), "failed rows are never announced")
	assert.FileExists(t, filepath.Join(path, "Movie.2020.1080p.mkv"))

	// a later successful attempt replaces the failed row
	p = f.pipeline(t, Options{})
	res, err = p.TransferDownload(ctx, provider.Download{Hash: "bad", Name: "Movie.2020.1080p", Path: path})
	require.NoError(t, err)
	require.Len(t, res.Placed, 1)
	rows, err = f.store.Transfers.ListByHash(ctx, "bad")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Status)
}

func TestTransferDownload_Bluray(t *testing.T) {
	f := newFixture(t)
	path := f.download(t, "Movie.2020.BluRay", map[string]int{
		"BDMV/STREAM/00001.m2ts": 700,
		"BDMV/index.bdmv":        10,
		"CERTIFICATE/id.bdmv":    10,
	})
	p := f.pipeline(t, Options{})

	res, err := p.TransferDownload(context.Background(), provider.Download{Hash: "bd", Name: "Movie.2020.BluRay", Path: path})
	require.NoError(t, err)
	require.Len(t, res.Placed, 1, "a blu-ray tree is one item")

	dest := res.Placed[0].Dest
	assert.Equal(t, filepath.Join(f.library, "Movies", "Movie (2020)", "Movie (2020)"), dest)
	assert.FileExists(t, filepath.Join(dest, "BDMV", "STREAM", "00001.m2ts"))
	assert.FileExists(t, filepath.Join(dest, "CERTIFICATE", "id.bdmv"))
}

func TestPoll_NoDownloader(t *testing.T) {
	f := newFixture(t)
	f.registry.Unregister(provider.CapDownloader, f.dl.Name())
	p := f.pipeline(t, Options{})

	report, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Downloads)
}

func TestPoll_Coalesced(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Options{})
	p.running.Store(true)

	report, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Coalesced)
}

func TestResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.download(t, "Movie.2020.1080p", map[string]int{"Movie.2020.1080p.mkv": 100})
	require.NoError(t, f.store.Tasks.Save(ctx, &models.TransferTask{
		DownloadHash: "crashed",
		Name:         "Movie.2020.1080p",
		Path:         path,
		State:        models.TransferPlaced,
	}))
	p := f.pipeline(t, Options{})

	report, err := p.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloads)
	assert.Equal(t, 1, report.Transferred)

	unfinished, err := f.store.Tasks.ListUnfinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}

func TestResume_MovedFilesOfInterruptedRunAreRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := filepath.Join(f.downloads, "Show.S01E02.1080p.mkv")
	dest := filepath.Join(f.library, "TV Shows", "Show (2019)", "Season 1", "Show - S01E02.mkv")
	writeFile(t, dest, 300)
	require.NoError(t, f.store.Tasks.Save(ctx, &models.TransferTask{
		DownloadHash: "moved",
		Name:         "Show.S01E02.1080p.mkv",
		Path:         src,
		State:        models.TransferPlaced,
		Pending: models.PendingTransfers{{
			Src:          src,
			Dest:         dest,
			Mode:         string(ModeMove),
			Type:         models.MediaTypeTV,
			Title:        "Show",
			Year:         "2019",
			TMDBID:       77,
			Season:       1,
			Episodes:     models.IntList{2},
			DownloadHash: "moved",
			Status:       true,
		}},
	}))
	p := f.pipeline(t, Options{Mode: ModeMove})

	report, err := p.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloads)
	assert.Equal(t, 1, report.Transferred)
	assert.Zero(t, report.Unrecognized)

	row, err := f.store.Transfers.GetBySrc(ctx, "moved", src)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, dest, row.Dest)
	assert.Equal(t, models.IntList{2}, row.Episodes)

	events := f.emitted(eventbus.TransferComplete)
	require.Len(t, events, 1)
	assert.Equal(t, 77, events[0].Int("tmdb_id"))
	sent := f.messager.Messages()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1].Title, "Show (2019) S01E02 added to library")

	task, err := f.store.Tasks.GetByHash(ctx, "moved")
	require.NoError(t, err)
	assert.Equal(t, models.TransferNotified, task.State)
	assert.Empty(t, task.Pending)

	// a second pass finds nothing left to record
	_, err = p.Resume(ctx)
	require.NoError(t, err)
	testutil.AssertCount(t, f.db, &models.TransferHistory{}, 1, "recorded once")
}

func TestTransferPath(t *testing.T) {
	f := newFixture(t)
	path := f.download(t, "Movie.2020.1080p", map[string]int{"Movie.2020.1080p.mkv": 100})
	p := f.pipeline(t, Options{})

	res, err := p.TransferPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, ManualHash(path), res.Hash)
	assert.True(t, strings.HasPrefix(res.Hash, manualHashPrefix))
	require.Len(t, res.Placed, 1)

	_, err = p.TransferPath(context.Background(), filepath.Join(path, "missing"))
	assert.True(t, errors.IsNotFound(err))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	f := newFixture(t)

	_, err := New(f.store, f.registry, f.bus, nil, Options{Mode: "teleport"})
	assert.Error(t, err)

	_, err = New(f.store, f.registry, f.bus, nil, Options{MovieFormat: "{% if year %}{{title}}"})
	assert.Error(t, err)
}
