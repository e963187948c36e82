// Package search fans a query out to every active indexer and merges the
// hits into candidate contexts.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/meta"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/sourcegraph/conc/pool"
)

const defaultSiteTimeout = 60 * time.Second

var separators = strings.NewReplacer(".", " ", "_", " ")

// Recognizer links a parsed title to a work
type Recognizer interface {
	Recognize(ctx context.Context, m *meta.Meta) (*media.MediaInfo, error)
}

// Options tunes the fan-out
type Options struct {
	// Concurrency bounds parallel site queries; 0 means one per site
	Concurrency int
	SiteTimeout time.Duration
}

// Query is a keyword or a known work, optionally restricted to sites
type Query struct {
	Keyword string
	Media   *media.MediaInfo
	Type    models.MediaType
	Season  int
	// Sites restricts the search to these indexer ids; empty means all
	Sites []string
}

// Searcher runs queries against the registry's indexers
type Searcher struct {
	indexers   func() []provider.Indexer
	recognizer Recognizer
	opts       Options
}

type siteResult struct {
	order   int
	site    string
	results []media.TorrentInfo
	err     error
	elapsed time.Duration
}

// New creates a Searcher. recognizer may be nil, in which case hits of a
// keyword query carry no MediaInfo.
func New(indexers func() []provider.Indexer, recognizer Recognizer, opts Options) *Searcher {
	if opts.SiteTimeout <= 0 {
		opts.SiteTimeout = defaultSiteTimeout
	}
	return &Searcher{indexers: indexers, recognizer: recognizer, opts: opts}
}

// Search queries every selected site in parallel. A failing or slow site
// contributes no results and never fails the search.
func (s *Searcher) Search(ctx context.Context, q Query) ([]*media.Context, error) {
	sites := s.selectSites(q.Sites)
	if len(sites) == 0 {
		return nil, nil
	}
	req := buildRequest(q)

	workers := s.opts.Concurrency
	if workers <= 0 || workers > len(sites) {
		workers = len(sites)
	}
	p := pool.NewWithResults[siteResult]().WithMaxGoroutines(workers)
	for i, idx := range sites {
		p.Go(func() siteResult {
			r := s.searchSite(ctx, idx, req)
			r.order = i
			return r
		})
	}
	results := p.Wait()
	sort.Slice(results, func(a, b int) bool { return results[a].order < results[b].order })

	log := logger.AppLogger()
	var hits []media.TorrentInfo
	for _, r := range results {
		fields := map[string]interface{}{
			"site":       r.site,
			"keyword":    req.Keyword,
			"results":    len(r.results),
			"elapsed_ms": r.elapsed.Milliseconds(),
		}
		if r.err != nil {
			log.WithFields(fields).Warn(fmt.Sprintf("site search failed: %v", r.err))
			continue
		}
		log.WithFields(fields).Debug("site search finished")
		hits = append(hits, r.results...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits = Dedup(hits)
	out := make([]*media.Context, 0, len(hits))
	for i := range hits {
		c := media.NewContext(&hits[i], q.Media)
		if c.Media == nil && s.recognizer != nil && c.Meta.Name() != "" {
			if info, err := s.recognizer.Recognize(ctx, c.Meta); err == nil {
				c.Media = info
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Searcher) searchSite(ctx context.Context, idx provider.Indexer, req provider.SearchRequest) siteResult {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SiteTimeout)
	defer cancel()

	// indexers that ignore ctx must not hold the pool past the site timeout
	start := time.Now()
	done := make(chan siteResult, 1)
	go func() {
		results, err := idx.Search(ctx, req)
		done <- siteResult{results: results, err: err}
	}()

	var res siteResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	res.site = idx.Name()
	res.elapsed = time.Since(start)
	return res
}

func (s *Searcher) selectSites(subset []string) []provider.Indexer {
	all := s.indexers()
	if len(subset) == 0 {
		return all
	}
	want := make(map[string]bool, len(subset))
	for _, id := range subset {
		want[id] = true
	}
	var out []provider.Indexer
	for _, idx := range all {
		if want[idx.Name()] {
			out = append(out, idx)
		}
	}
	return out
}

func buildRequest(q Query) provider.SearchRequest {
	req := provider.SearchRequest{Keyword: q.Keyword, Type: q.Type, Season: q.Season}
	if m := q.Media; m != nil {
		if req.Keyword == "" {
			req.Keyword = m.Title
		}
		if req.Type == models.MediaTypeUnknown {
			req.Type = m.Type
		}
		req.IMDBID = m.IMDBID
		req.TMDBID = m.TMDBID
	}
	return req
}

// Dedup drops hits with the same normalised title and size, keeping the
// best-seeded copy at the position of the first occurrence.
func Dedup(hits []media.TorrentInfo) []media.TorrentInfo {
	index := make(map[string]int, len(hits))
	out := make([]media.TorrentInfo, 0, len(hits))
	for _, h := range hits {
		key := fmt.Sprintf("%s|%d", media.NormalizeTitle(separators.Replace(h.Title)), h.Size)
		if i, ok := index[key]; ok {
			if h.Seeders > out[i].Seeders {
				out[i] = h
			}
			continue
		}
		index[key] = len(out)
		out = append(out, h)
	}
	return out
}
