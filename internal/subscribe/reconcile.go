package subscribe

import (
	"context"
	"fmt"
	"strings"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/filter"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/search"
)

// holdings is what the library and the downloader already have for one
// subscription
type holdings struct {
	target   models.IntList
	existing models.IntList
	inflight models.IntList

	movieExists   bool
	movieInflight bool
}

// satisfied reports whether the library alone covers the target
func (h *holdings) satisfied(kind models.MediaType) bool {
	if kind == models.MediaTypeMovie {
		return h.movieExists
	}
	return len(h.target) > 0 && len(minus(h.target, h.existing)) == 0
}

// missing is the target minus what is placed or downloading
func (h *holdings) missing() models.IntList {
	return minus(minus(h.target, h.existing), h.inflight)
}

// selection is one candidate picked for dispatch
type selection struct {
	candidate filter.Candidate
	episodes  models.IntList
}

// reconcile runs one subscription through the loop. Errors are logged and
// counted; they never stop the caller's pass.
func (e *Engine) reconcile(ctx context.Context, sub *models.Subscription, allowSearch bool, report *Report) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report.Processed++
	ctx = logger.ContextWithFields(ctx, map[string]interface{}{"subscription_id": sub.ID})
	dispatched, closed, err := e.process(ctx, sub, allowSearch)
	report.Dispatched += dispatched
	if closed {
		report.Completed++
	}
	if err != nil {
		report.Failed++
		e.log.WithFields(subFields(sub)).ErrorContext(ctx, "subscription reconcile failed", err)
	}
}

func (e *Engine) process(ctx context.Context, sub *models.Subscription, allowSearch bool) (int, bool, error) {
	info, err := e.resolveMedia(ctx, sub)
	if err != nil {
		return 0, false, err
	}
	if sub.Type == models.MediaTypeTV && sub.TotalEpisode <= 0 {
		e.log.WithFields(subFields(sub)).Warn("episode count unknown, skipping subscription")
		return 0, false, nil
	}

	h, err := e.holdings(ctx, sub, info)
	if err != nil {
		return 0, false, err
	}

	now := e.opts.Now()
	if h.satisfied(sub.Type) && sub.SatisfiedAt == nil {
		sub.SatisfiedAt = &now
	}

	if reason := e.exitReason(sub, h, e.rule(ctx, sub).MaxPriority()); reason != "" {
		return 0, true, e.close(ctx, sub, reason)
	}
	if !allowSearch {
		sub.LackEpisode = len(h.missing())
		return 0, false, e.store.Subscriptions.Update(ctx, sub)
	}

	var selected []selection
	switch {
	case !sub.BestVersion && sub.Type == models.MediaTypeMovie && h.movieInflight:
		e.log.WithFields(subFields(sub)).Debug("movie already downloading")
	case !sub.BestVersion && sub.Type == models.MediaTypeTV && len(h.missing()) == 0:
		e.log.WithFields(subFields(sub)).Debug("every missing episode is downloading")
	default:
		cands, err := e.candidates(ctx, sub, info, h)
		if err != nil {
			// search failures skip this subscription for the cycle
			e.log.WithFields(subFields(sub)).Warn(fmt.Sprintf("subscription search failed: %v", err))
			break
		}
		selected = e.selectCandidates(sub, h, cands)
	}

	dispatched := 0
	for _, s := range selected {
		if err := e.dispatch(ctx, sub, info, s); err != nil {
			if errors.IsNotConfigured(err) {
				e.log.WithFields(subFields(sub)).Info("no downloader configured, nothing dispatched")
				break
			}
			e.log.WithFields(subFields(sub)).Error("dispatch failed", err)
			continue
		}
		dispatched++
		h.inflight = append(h.inflight, s.episodes...).Sorted()
		if s.candidate.Priority > sub.PriorityValue() {
			p := s.candidate.Priority
			sub.CurrentPriority = &p
		}
		if sub.BestVersion {
			sub.SatisfiedAt = &now
		}
	}

	sub.State = models.SubscriptionStateRunning
	if sub.Type == models.MediaTypeTV {
		sub.LackEpisode = len(h.missing())
	}
	if sub.BestVersion && sub.PriorityValue() >= e.rule(ctx, sub).MaxPriority() {
		return dispatched, true, e.close(ctx, sub, "top priority reached")
	}
	return dispatched, false, e.store.Subscriptions.Update(ctx, sub)
}

// resolveMedia refreshes details for the subscription's work. Only rate
// limiting skips the subscription; other misses fall back to stored fields.
func (e *Engine) resolveMedia(ctx context.Context, sub *models.Subscription) (*media.MediaInfo, error) {
	stub := &media.MediaInfo{
		Type:     sub.Type,
		Title:    sub.Name,
		Year:     sub.Year,
		TMDBID:   sub.TMDBID,
		DoubanID: sub.DoubanID,
		Season:   sub.Season,
	}
	if e.recognizer == nil || sub.TMDBID <= 0 {
		return stub, nil
	}
	info, err := e.recognizer.RecognizeByID(ctx, sub.TMDBID, sub.Type, sub.Season)
	if err != nil {
		if errors.IsRateLimited(err) {
			return nil, err
		}
		if !errors.IsNotConfigured(err) {
			e.log.WithFields(subFields(sub)).Warn(fmt.Sprintf("media details unavailable: %v", err))
		}
		return stub, nil
	}
	if sub.Type == models.MediaTypeTV && sub.TotalEpisode <= 0 {
		sub.TotalEpisode = info.EpisodeCount(sub.Season)
	}
	return info, nil
}

func (e *Engine) holdings(ctx context.Context, sub *models.Subscription, info *media.MediaInfo) (*holdings, error) {
	h := &holdings{target: sub.TargetEpisodes()}
	titles := titlesOf(sub, info)

	placed, err := e.store.Transfers.ListSucceededByTMDB(ctx, sub.TMDBID, sub.Season)
	if err != nil {
		return nil, err
	}
	pending, err := e.pendingDownloads(ctx, sub)
	if err != nil {
		return nil, err
	}

	if sub.Type == models.MediaTypeMovie {
		h.movieExists = len(placed) > 0 || e.opts.Library.MovieExists(titles, sub.Year)
		if !h.movieExists {
			exists, err := e.registry.MovieExists(ctx, info.Title, info.Year, sub.TMDBID)
			if err != nil && !errors.IsNotConfigured(err) {
				return nil, err
			}
			h.movieExists = exists
		}
		h.movieInflight = len(pending) > 0
		return h, nil
	}

	existing, err := e.registry.ExistingEpisodes(ctx, provider.EpisodeQuery{
		Title:  info.Title,
		Year:   info.Year,
		TMDBID: sub.TMDBID,
		Season: sub.Season,
	})
	if err != nil && !errors.IsNotConfigured(err) {
		return nil, err
	}
	for _, row := range placed {
		existing = append(existing, row.Episodes...)
	}
	existing = append(existing, e.opts.Library.Episodes(titles, sub.Season)...)
	h.existing = existing.Sorted()

	for _, row := range pending {
		if len(row.Episodes) == 0 {
			h.inflight = append(h.inflight, h.target...)
			continue
		}
		h.inflight = append(h.inflight, row.Episodes...)
	}
	h.inflight = h.inflight.Sorted()
	return h, nil
}

// pendingDownloads returns the subscription's downloads with no transfer
// attempt yet. A failed transfer frees its episodes for a new search.
func (e *Engine) pendingDownloads(ctx context.Context, sub *models.Subscription) ([]models.DownloadHistory, error) {
	rows, err := e.store.Downloads.ListBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	var out []models.DownloadHistory
	for _, row := range rows {
		transfers, err := e.store.Transfers.ListByHash(ctx, row.DownloadHash)
		if err != nil {
			return nil, err
		}
		if len(transfers) == 0 {
			out = append(out, row)
		}
	}
	return out, nil
}

func (e *Engine) exitReason(sub *models.Subscription, h *holdings, maxPriority int) string {
	if !sub.BestVersion {
		if h.satisfied(sub.Type) {
			return "library complete"
		}
		return ""
	}
	if sub.PriorityValue() >= maxPriority {
		return "top priority reached"
	}
	if sub.SatisfiedAt != nil && e.opts.Now().Sub(*sub.SatisfiedAt) >= e.opts.WashRetention {
		return "wash retention expired"
	}
	return ""
}

func (e *Engine) rule(ctx context.Context, sub *models.Subscription) *filter.Rule {
	if sub.FilterRuleID == nil {
		return nil
	}
	row, err := e.store.FilterRules.Get(ctx, *sub.FilterRuleID)
	if err != nil {
		e.log.WithFields(subFields(sub)).Warn(fmt.Sprintf("filter rule unavailable, matching everything: %v", err))
		return nil
	}
	rule, err := filter.FromModel(row)
	if err != nil {
		e.log.WithFields(subFields(sub)).Warn(fmt.Sprintf("filter rule invalid, matching everything: %v", err))
		return nil
	}
	return rule
}

// candidates searches and keeps only ranked releases of this work that could
// still improve the subscription
func (e *Engine) candidates(ctx context.Context, sub *models.Subscription, info *media.MediaInfo, h *holdings) ([]filter.Candidate, error) {
	q := search.Query{Media: info, Type: sub.Type, Sites: sub.Sites}
	if sub.Type == models.MediaTypeMovie {
		q.Keyword = strings.TrimSpace(info.Title + " " + info.Year)
	} else {
		q.Keyword = info.Title
		q.Season = sub.Season
	}
	results, err := e.searcher.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	ranked, err := filter.Apply(results, e.rule(ctx, sub), filter.Patterns{Include: sub.Include, Exclude: sub.Exclude})
	if err != nil {
		return nil, err
	}

	titles := titlesOf(sub, info)
	out := ranked[:0]
	for _, c := range ranked {
		m := c.Context.Meta
		if !titleMatches([]string{m.CNName, m.ENName}, titles, e.opts.MinSimilarity) {
			continue
		}
		if sub.BestVersion && c.Priority <= sub.PriorityValue() {
			continue
		}
		if sub.Type == models.MediaTypeMovie {
			if m.IsTV() || !yearsClose(m.Year, sub.Year) {
				continue
			}
		} else {
			if !m.Seasons().Contains(sub.Season) {
				continue
			}
			if sub.BestVersion && !sub.AllowPartialUpgrade && len(minus(h.target, coverage(c, h.target))) > 0 {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// selectCandidates picks greedily in rank order. Movies take one release;
// seasons take releases until the missing episodes are covered.
func (e *Engine) selectCandidates(sub *models.Subscription, h *holdings, cands []filter.Candidate) []selection {
	if len(cands) == 0 {
		return nil
	}
	if sub.Type == models.MediaTypeMovie {
		return []selection{{candidate: cands[0]}}
	}

	want := h.missing()
	if sub.BestVersion {
		want = h.target
	}
	var out []selection
	for _, c := range cands {
		if len(want) == 0 {
			break
		}
		covers := coverage(c, h.target)
		if len(intersect(covers, want)) == 0 {
			continue
		}
		out = append(out, selection{candidate: c, episodes: covers})
		want = minus(want, covers)
	}
	return out
}

// dispatch hands one selection to the downloader and records it before
// announcing it
func (e *Engine) dispatch(ctx context.Context, sub *models.Subscription, info *media.MediaInfo, s selection) error {
	dl, err := e.registry.FirstDownloader()
	if err != nil {
		return err
	}
	t := s.candidate.Context.Torrent
	hash, err := dl.AddTorrent(ctx, provider.AddRequest{
		URL:       t.Enclosure,
		SavePath:  e.opts.SavePath,
		Tags:      []string{fmt.Sprintf("sub-%d", sub.ID)},
		Cookie:    t.Cookie,
		UserAgent: t.UserAgent,
	})
	if err != nil {
		return err
	}

	id := sub.ID
	row := &models.DownloadHistory{
		DownloadHash:   hash,
		Downloader:     dl.Name(),
		Path:           e.opts.SavePath,
		Type:           sub.Type,
		Title:          info.Title,
		Year:           info.Year,
		TMDBID:         sub.TMDBID,
		Season:         sub.Season,
		Episodes:       s.episodes,
		TorrentName:    t.Title,
		TorrentSite:    t.Site,
		Priority:       s.candidate.Priority,
		SubscriptionID: &id,
		Username:       sub.Username,
		Channel:        sub.Channel,
	}
	if err := e.store.Downloads.Insert(ctx, row); err != nil {
		return err
	}

	e.log.WithFields(subFields(sub)).WithFields(map[string]interface{}{
		"hash":     hash,
		"torrent":  t.Title,
		"site":     t.Site,
		"priority": s.candidate.Priority,
		"episodes": []int(s.episodes),
	}).Info("download dispatched")
	e.bus.Emit(ctx, eventbus.DownloadAdded, eventData(sub, map[string]interface{}{
		"hash":         hash,
		"downloader":   dl.Name(),
		"torrent_name": t.Title,
		"site":         t.Site,
		"priority":     s.candidate.Priority,
		"episodes":     []int(s.episodes),
	}))
	return nil
}

// coverage is the part of target a candidate provides. Only a season pack,
// a title without any episode number, provides the whole target; a special
// (E00) provides nothing.
func coverage(c filter.Candidate, target models.IntList) models.IntList {
	m := c.Context.Meta
	if m.BeginEpisode == nil {
		return target
	}
	return intersect(m.Episodes(), target)
}

func titlesOf(sub *models.Subscription, info *media.MediaInfo) []string {
	titles := []string{sub.Name}
	if info != nil {
		titles = append(titles, info.Title, info.OriginalTitle)
	}
	return titles
}

func minus(a, b models.IntList) models.IntList {
	out := models.IntList{}
	for _, v := range a {
		if !b.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

func intersect(a, b models.IntList) models.IntList {
	out := models.IntList{}
	for _, v := range a {
		if b.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}
