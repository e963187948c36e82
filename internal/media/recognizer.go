package media

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/meta"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/retry"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Source is the part of a metadata provider recognition needs
type Source interface {
	Name() string
	Search(ctx context.Context, name, year string, kind models.MediaType) ([]Match, error)
	Detail(ctx context.Context, id string, kind models.MediaType) (*MediaInfo, error)
}

// Options configures a Recognizer
type Options struct {
	CacheTTL      time.Duration
	CacheSize     int
	MinConfidence float64
	Retry         retry.Config
}

// DefaultOptions returns the settings used by the server
func DefaultOptions() Options {
	return Options{
		CacheTTL:      time.Hour,
		CacheSize:     2048,
		MinConfidence: 0.8,
		Retry:         retry.RateLimitConfig(),
	}
}

// Recognizer links a parsed Meta to a MediaInfo
type Recognizer struct {
	sources func() []Source
	opts    Options
	cache   *expirable.LRU[string, *MediaInfo]
	log     *logger.Logger
}

// NewRecognizer creates a recognizer. sources is called on every lookup so
// provider activation changes apply without a restart.
func NewRecognizer(sources func() []Source, opts Options) *Recognizer {
	def := DefaultOptions()
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = def.MinConfidence
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = def.Retry
	}
	return &Recognizer{
		sources: sources,
		opts:    opts,
		cache:   expirable.NewLRU[string, *MediaInfo](opts.CacheSize, nil, opts.CacheTTL),
		log:     logger.AppLogger(),
	}
}

func fingerprint(name, year string, kind models.MediaType, season int) string {
	return fmt.Sprintf("%s|%s|%s|%d", NormalizeTitle(name), year, kind, season)
}

// Recognize resolves m against the metadata sources in order. A miss is
// reported as an Unrecognized error and cached like a hit.
func (r *Recognizer) Recognize(ctx context.Context, m *meta.Meta) (*MediaInfo, error) {
	name := m.Name()
	if name == "" {
		return nil, errors.UnrecognizedError(m.Raw)
	}
	kind := m.Type
	season := m.SeasonNumber()

	key := fingerprint(name, m.Year, kind, season)
	if info, ok := r.cache.Get(key); ok {
		if info == nil {
			return nil, errors.UnrecognizedError(m.Raw)
		}
		return withSeason(info, season), nil
	}

	names := []string{name}
	if m.CNName != "" && m.ENName != "" {
		names = append(names, m.ENName)
	}

	sources := r.sources()
	if len(sources) == 0 {
		return nil, errors.NotConfiguredError("metadata")
	}

	var lastErr error
	for _, src := range sources {
		info, err := r.recognizeWith(ctx, src, names, m.Year, kind)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			r.log.WithFields(map[string]interface{}{
				"source": src.Name(),
				"title":  m.Raw,
			}).Error("metadata lookup failed", err)
			continue
		}
		if info != nil {
			r.cache.Add(key, info)
			return withSeason(info, season), nil
		}
	}

	// provider errors are not cached so the next cycle tries again
	if lastErr != nil {
		return nil, lastErr
	}
	r.cache.Add(key, nil)
	return nil, errors.UnrecognizedError(m.Raw)
}

// RecognizeByID fetches details for a known id, e.g. a subscription's tmdb id
func (r *Recognizer) RecognizeByID(ctx context.Context, id int, kind models.MediaType, season int) (*MediaInfo, error) {
	key := fmt.Sprintf("id:%d|%s", id, kind)
	if info, ok := r.cache.Get(key); ok && info != nil {
		return withSeason(info, season), nil
	}

	var lastErr error = errors.NotConfiguredError("metadata")
	for _, src := range r.sources() {
		info, err := r.detailer(src)(ctx, detailRequest{id: strconv.Itoa(id), kind: kind})
		if err != nil {
			lastErr = err
			continue
		}
		if info != nil {
			r.cache.Add(key, info)
			return withSeason(info, season), nil
		}
	}
	return nil, lastErr
}

type detailRequest struct {
	id   string
	kind models.MediaType
}

// detailer is src.Detail retried while the source reports rate limiting
func (r *Recognizer) detailer(src Source) func(context.Context, detailRequest) (*MediaInfo, error) {
	return retry.Wrap(func(ctx context.Context, q detailRequest) (*MediaInfo, error) {
		return src.Detail(ctx, q.id, q.kind)
	}, r.opts.Retry, errors.IsRateLimited)
}

// Purge drops every cached recognition
func (r *Recognizer) Purge() {
	r.cache.Purge()
}

func (r *Recognizer) recognizeWith(ctx context.Context, src Source, names []string, year string, kind models.MediaType) (*MediaInfo, error) {
	years := []string{year}
	if year != "" {
		years = append(years, "")
	}
	for _, name := range names {
		for _, y := range years {
			matches, err := retry.DoWithResult(ctx, r.opts.Retry, func() ([]Match, error) {
				return src.Search(ctx, name, y, kind)
			}, errors.IsRateLimited)
			if err != nil {
				return nil, err
			}
			best := r.bestMatch(name, year, kind, matches)
			if best == nil {
				continue
			}
			info, err := r.detailer(src)(ctx, detailRequest{id: best.ID, kind: best.Type})
			if err != nil {
				return nil, err
			}
			if info != nil && info.Source == "" {
				info.Source = src.Name()
			}
			return info, nil
		}
	}
	return nil, nil
}

// bestMatch scores title similarity at 70% and year agreement at 30% when a
// year is known, and keeps the highest scoring match above the threshold.
func (r *Recognizer) bestMatch(name, year string, kind models.MediaType, matches []Match) *Match {
	var best *Match
	bestScore := 0.0
	for i := range matches {
		c := &matches[i]
		if kind != models.MediaTypeUnknown && c.Type != kind {
			continue
		}
		score := Similarity(name, c.Title)
		if alt := Similarity(name, c.OriginalTitle); alt > score {
			score = alt
		}
		if year != "" {
			score = score*0.7 + yearScore(year, c.Year)*0.3
		}
		if score >= r.opts.MinConfidence && (best == nil || score > bestScore ||
			(score == bestScore && c.Popularity > best.Popularity)) {
			best, bestScore = c, score
		}
	}
	return best
}

func yearScore(want, got string) float64 {
	w, err1 := strconv.Atoi(want)
	g, err2 := strconv.Atoi(got)
	if err1 != nil || err2 != nil {
		return 0
	}
	switch d := w - g; {
	case d == 0:
		return 1
	case d == 1 || d == -1:
		return 0.5
	}
	return 0
}

func withSeason(info *MediaInfo, season int) *MediaInfo {
	if info.Type != models.MediaTypeTV || season == 0 || info.Season == season {
		return info
	}
	cp := *info
	cp.Season = season
	return &cp
}
