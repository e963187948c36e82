// Package subscribe runs the subscription reconciliation loop: it compares
// what each subscription wants with what the library and downloader already
// hold, searches for the difference and dispatches the best candidates.
package subscribe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/filter"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/search"
	"github.com/glefebvre/moviepilot/internal/store"
)

const (
	defaultWashRetention = 7 * 24 * time.Hour
	defaultMinSimilarity = 0.8
)

// Searcher finds candidates for a query
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]*media.Context, error)
}

// Recognizer fetches details for a known work
type Recognizer interface {
	RecognizeByID(ctx context.Context, id int, kind models.MediaType, season int) (*media.MediaInfo, error)
}

// Options tunes the engine
type Options struct {
	// WashRetention is how long a satisfied best-version subscription keeps
	// looking for a higher priority release
	WashRetention time.Duration
	// MinSimilarity is the title similarity a candidate needs
	MinSimilarity float64
	// SavePath is passed to the downloader; empty uses its default
	SavePath string
	// Library scans the library roots; nil skips the file system check
	Library *LibraryScanner
	Now     func() time.Time
}

// Report summarises one reconciliation pass
type Report struct {
	Processed  int           `json:"processed"`
	Dispatched int           `json:"dispatched"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Coalesced  bool          `json:"coalesced"`
	Duration   time.Duration `json:"duration"`
}

// Engine owns the subscription lifecycle
type Engine struct {
	store      *store.Store
	registry   *provider.Registry
	bus        *eventbus.Bus
	searcher   Searcher
	recognizer Recognizer
	opts       Options
	log        *logger.Logger

	running atomic.Bool
	// mu is held while one subscription is reconciled, never across two
	mu sync.Mutex
}

// New creates an engine. recognizer may be nil, in which case subscriptions
// are searched by their stored name and year.
func New(st *store.Store, registry *provider.Registry, bus *eventbus.Bus, searcher Searcher, recognizer Recognizer, opts Options) *Engine {
	if opts.WashRetention <= 0 {
		opts.WashRetention = defaultWashRetention
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = defaultMinSimilarity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:      st,
		registry:   registry,
		bus:        bus,
		searcher:   searcher,
		recognizer: recognizer,
		opts:       opts,
		log:        logger.AppLogger(),
	}
}

// Register wires the engine to the bus
func (e *Engine) Register(bus *eventbus.Bus) {
	bus.Register(eventbus.SubscribeRefresh, "subscribe.refresh", func(ctx context.Context, ev eventbus.Event) error {
		if id := ev.Int("subscription_id"); id > 0 {
			return e.RefreshOne(ctx, uint(id))
		}
		_, err := e.Refresh(ctx)
		return err
	})
	bus.Register(eventbus.TransferComplete, "subscribe.transfer_complete", e.OnTransferComplete)
}

// Add validates and stores a new subscription. When one already exists for
// the same work and season it is returned with created=false.
func (e *Engine) Add(ctx context.Context, sub *models.Subscription) (*models.Subscription, bool, error) {
	if err := e.validate(sub); err != nil {
		return nil, false, err
	}

	if sub.TMDBID > 0 && e.recognizer != nil {
		info, err := e.recognizer.RecognizeByID(ctx, sub.TMDBID, sub.Type, sub.Season)
		switch {
		case err == nil:
			fillFromMedia(sub, info)
		case sub.Name == "":
			return nil, false, err
		default:
			e.log.WithFields(map[string]interface{}{
				"tmdb_id": sub.TMDBID,
				"name":    sub.Name,
			}).Warn(fmt.Sprintf("subscription details unavailable: %v", err))
		}
	}
	if sub.Name == "" {
		return nil, false, errors.ValidationError("subscription needs a name or a recognizable tmdb id")
	}

	if sub.TMDBID > 0 {
		existing, err := e.store.Subscriptions.FindByTMDB(ctx, sub.TMDBID, sub.Type, sub.Season)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	if sub.Type == models.MediaTypeTV {
		if sub.StartEpisode <= 0 {
			sub.StartEpisode = 1
		}
		sub.LackEpisode = len(sub.TargetEpisodes())
	}
	sub.State = models.SubscriptionStateNew
	if err := e.store.Subscriptions.Insert(ctx, sub); err != nil {
		return nil, false, err
	}

	e.log.WithFields(subFields(sub)).Info("subscription added")
	e.bus.Emit(ctx, eventbus.SubscribeAdded, eventData(sub, nil))
	e.notify(ctx, sub, fmt.Sprintf("%s subscribed", label(sub)), "")
	return sub, true, nil
}

func (e *Engine) validate(sub *models.Subscription) error {
	switch sub.Type {
	case models.MediaTypeMovie:
		sub.Season = 0
	case models.MediaTypeTV:
		if sub.Season <= 0 {
			sub.Season = 1
		}
	default:
		return errors.ValidationError(fmt.Sprintf("unknown media type %q", sub.Type))
	}
	if sub.TMDBID <= 0 && sub.Name == "" {
		return errors.ValidationError("subscription needs a name or a tmdb id")
	}
	if err := filter.ValidatePattern(sub.Include); err != nil {
		return err
	}
	return filter.ValidatePattern(sub.Exclude)
}

func fillFromMedia(sub *models.Subscription, info *media.MediaInfo) {
	if info == nil {
		return
	}
	if info.Title != "" {
		sub.Name = info.Title
	}
	if sub.Year == "" {
		sub.Year = info.Year
	}
	if sub.Poster == "" {
		sub.Poster = info.Poster
	}
	if sub.DoubanID == "" {
		sub.DoubanID = info.DoubanID
	}
	if sub.Type == models.MediaTypeTV && sub.TotalEpisode <= 0 {
		sub.TotalEpisode = info.EpisodeCount(sub.Season)
	}
}

// List returns every subscription
func (e *Engine) List(ctx context.Context) ([]models.Subscription, error) {
	return e.store.Subscriptions.List(ctx)
}

// Refresh reconciles every active subscription in id order. A call made
// while a pass is running returns at once with Coalesced set.
func (e *Engine) Refresh(ctx context.Context) (*Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.log.Debug("subscription refresh already running, skipping")
		return &Report{Coalesced: true}, nil
	}
	defer e.running.Store(false)

	start := e.opts.Now()
	subs, err := e.store.Subscriptions.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for i := range subs {
		if ctx.Err() != nil {
			break
		}
		e.reconcile(ctx, &subs[i], true, report)
	}
	report.Duration = e.opts.Now().Sub(start)

	e.log.WithFields(map[string]interface{}{
		"processed":  report.Processed,
		"dispatched": report.Dispatched,
		"completed":  report.Completed,
		"failed":     report.Failed,
		"duration":   report.Duration.String(),
	}).Info("subscription refresh finished")
	return report, ctx.Err()
}

// RefreshOne reconciles a single subscription
func (e *Engine) RefreshOne(ctx context.Context, id uint) error {
	sub, err := e.store.Subscriptions.Get(ctx, id)
	if err != nil {
		return err
	}
	report := &Report{}
	e.reconcile(ctx, sub, true, report)
	if report.Failed > 0 {
		return errors.New(errors.CodeInternal, fmt.Sprintf("subscription %d refresh failed", id))
	}
	return nil
}

// OnTransferComplete re-checks the subscriptions of a transferred work so
// they close as soon as the library covers them. It never searches.
func (e *Engine) OnTransferComplete(ctx context.Context, ev eventbus.Event) error {
	tmdbID := ev.Int("tmdb_id")
	if tmdbID <= 0 {
		return nil
	}
	subs, err := e.store.Subscriptions.ListByTMDB(ctx, tmdbID, ev.Int("season"))
	if err != nil {
		return err
	}
	report := &Report{}
	for i := range subs {
		if subs[i].BestVersion {
			continue
		}
		e.reconcile(ctx, &subs[i], false, report)
	}
	return nil
}

// close deletes a fulfilled subscription and tells everyone
func (e *Engine) close(ctx context.Context, sub *models.Subscription, reason string) error {
	if err := e.store.Subscriptions.Delete(ctx, sub.ID); err != nil {
		return err
	}
	e.log.WithFields(subFields(sub)).WithFields(map[string]interface{}{"reason": reason}).Info("subscription complete")
	data := eventData(sub, nil)
	data["reason"] = reason
	e.bus.Emit(ctx, eventbus.SubscribeComplete, data)
	e.notify(ctx, sub, fmt.Sprintf("%s subscription complete", label(sub)), reason)
	return nil
}

func (e *Engine) notify(ctx context.Context, sub *models.Subscription, title, text string) {
	err := e.registry.Notify(ctx, provider.Notification{
		Title:   title,
		Text:    text,
		Image:   sub.Poster,
		UserID:  sub.Username,
		Channel: sub.Channel,
	})
	if err != nil && !errors.IsNotConfigured(err) {
		e.log.WithFields(subFields(sub)).Error("subscription notification failed", err)
	}
}

func label(sub *models.Subscription) string {
	s := sub.Name
	if sub.Year != "" {
		s = fmt.Sprintf("%s (%s)", s, sub.Year)
	}
	if sub.Type == models.MediaTypeTV {
		s = fmt.Sprintf("%s S%02d", s, sub.Season)
	}
	return s
}

func subFields(sub *models.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": sub.ID,
		"name":            sub.Name,
		"type":            string(sub.Type),
		"tmdb_id":         sub.TMDBID,
		"season":          sub.Season,
	}
}

func eventData(sub *models.Subscription, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"subscription_id": sub.ID,
		"name":            sub.Name,
		"year":            sub.Year,
		"type":            string(sub.Type),
		"tmdb_id":         sub.TMDBID,
		"season":          sub.Season,
		"best_version":    sub.BestVersion,
		"username":        sub.Username,
		"channel":         sub.Channel,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
