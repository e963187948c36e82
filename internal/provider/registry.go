package provider

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/models"
)

// ErrNotConfigured is wrapped by every "no active provider" error
var ErrNotConfigured = stderrors.New("provider not configured")

func notConfigured(c Capability) error {
	return errors.Wrap(ErrNotConfigured, errors.CodeNotConfigured, fmt.Sprintf("no active %s provider", c)).
		WithContext("capability", string(c))
}

// ActiveFunc returns the configured provider names for a capability in
// priority order. A nil slice means every registered provider is active.
type ActiveFunc func(c Capability) []string

// Registry holds provider singletons grouped by capability
type Registry struct {
	mu        sync.RWMutex
	providers map[Capability]map[string]Provider
	order     map[Capability][]string
	active    ActiveFunc
}

// NewRegistry creates an empty registry. active may be nil.
func NewRegistry(active ActiveFunc) *Registry {
	if active == nil {
		active = func(Capability) []string { return nil }
	}
	return &Registry{
		providers: make(map[Capability]map[string]Provider),
		order:     make(map[Capability][]string),
		active:    active,
	}
}

// Register adds p under capability c. p must implement the capability's
// interface; registering a name twice replaces the earlier provider.
func (r *Registry) Register(c Capability, p Provider) error {
	if !implements(c, p) {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("provider %q does not implement %s", p.Name(), c))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers[c] == nil {
		r.providers[c] = make(map[string]Provider)
	}
	if _, exists := r.providers[c][p.Name()]; !exists {
		r.order[c] = append(r.order[c], p.Name())
	}
	r.providers[c][p.Name()] = p

	logger.AppLogger().WithFields(map[string]interface{}{
		"capability": string(c),
		"provider":   p.Name(),
	}).Debug("provider registered")
	return nil
}

func implements(c Capability, p Provider) bool {
	switch c {
	case CapDownloader:
		_, ok := p.(Downloader)
		return ok
	case CapMediaServer:
		_, ok := p.(MediaServer)
		return ok
	case CapMessager:
		_, ok := p.(Messager)
		return ok
	case CapMetadata:
		_, ok := p.(MetadataProvider)
		return ok
	case CapIndexer:
		_, ok := p.(Indexer)
		return ok
	}
	return false
}

// Unregister removes a provider
func (r *Registry) Unregister(c Capability, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers[c], name)
	order := r.order[c][:0]
	for _, n := range r.order[c] {
		if n != name {
			order = append(order, n)
		}
	}
	r.order[c] = order
}

// Get returns a registered provider regardless of activation
func (r *Registry) Get(c Capability, name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[c][name]
	return p, ok
}

// Active returns the active providers of c in configured order
func (r *Registry) Active(c Capability) []Provider {
	names := r.active(c)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if names == nil {
		names = r.order[c]
	}
	out := make([]Provider, 0, len(names))
	for _, n := range names {
		if p, ok := r.providers[c][n]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Downloaders returns the active downloaders
func (r *Registry) Downloaders() []Downloader {
	return collect[Downloader](r.Active(CapDownloader))
}

// MediaServers returns the active media servers
func (r *Registry) MediaServers() []MediaServer {
	return collect[MediaServer](r.Active(CapMediaServer))
}

// Messagers returns the active messagers
func (r *Registry) Messagers() []Messager {
	return collect[Messager](r.Active(CapMessager))
}

// MetadataProviders returns the active metadata providers
func (r *Registry) MetadataProviders() []MetadataProvider {
	return collect[MetadataProvider](r.Active(CapMetadata))
}

// Indexers returns the active indexers
func (r *Registry) Indexers() []Indexer {
	return collect[Indexer](r.Active(CapIndexer))
}

// MetadataSources adapts the active metadata providers for recognition
func (r *Registry) MetadataSources() []media.Source {
	providers := r.MetadataProviders()
	out := make([]media.Source, len(providers))
	for i, p := range providers {
		out[i] = p
	}
	return out
}

func collect[T any](providers []Provider) []T {
	out := make([]T, 0, len(providers))
	for _, p := range providers {
		if t, ok := p.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// FirstDownloader returns the first active downloader
func (r *Registry) FirstDownloader() (Downloader, error) {
	d := r.Downloaders()
	if len(d) == 0 {
		return nil, notConfigured(CapDownloader)
	}
	return d[0], nil
}

// Downloader returns the active downloader called name, or the first one
// when name is empty.
func (r *Registry) Downloader(name string) (Downloader, error) {
	if name == "" {
		return r.FirstDownloader()
	}
	for _, d := range r.Downloaders() {
		if d.Name() == name {
			return d, nil
		}
	}
	return nil, notConfigured(CapDownloader)
}

// MediaServer returns the active media server called name
func (r *Registry) MediaServer(name string) (MediaServer, error) {
	for _, m := range r.MediaServers() {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, notConfigured(CapMediaServer)
}

// Notify sends n through every active messager, or only the one named by
// n.Channel. Failures are joined; one failing channel does not stop others.
func (r *Registry) Notify(ctx context.Context, n Notification) error {
	var errs []error
	sent := 0
	for _, m := range r.Messagers() {
		if n.Channel != "" && m.Name() != n.Channel {
			continue
		}
		sent++
		if err := m.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	if sent == 0 {
		return notConfigured(CapMessager)
	}
	return stderrors.Join(errs...)
}

// ExistingEpisodes unions the episodes every active media server has for
// one season. Servers that fail are logged and skipped.
func (r *Registry) ExistingEpisodes(ctx context.Context, q EpisodeQuery) (models.IntList, error) {
	servers := r.MediaServers()
	if len(servers) == 0 {
		return nil, notConfigured(CapMediaServer)
	}
	seen := make(map[int]bool)
	for _, s := range servers {
		_, seasons, err := s.FindTVEpisodes(ctx, q)
		if err != nil {
			logger.AppLogger().WithField("provider", s.Name()).Error("media server episode lookup failed", err)
			continue
		}
		for _, ep := range seasons[q.Season] {
			seen[ep] = true
		}
	}
	out := make(models.IntList, 0, len(seen))
	for ep := range seen {
		out = append(out, ep)
	}
	sort.Ints(out)
	return out, nil
}

// MovieExists reports whether any active media server has the movie
func (r *Registry) MovieExists(ctx context.Context, title, year string, tmdbID int) (bool, error) {
	servers := r.MediaServers()
	if len(servers) == 0 {
		return false, notConfigured(CapMediaServer)
	}
	for _, s := range servers {
		items, err := s.FindMovie(ctx, title, year, tmdbID)
		if err != nil {
			logger.AppLogger().WithField("provider", s.Name()).Error("media server movie lookup failed", err)
			continue
		}
		if len(items) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// RefreshAll asks every active media server to rescan paths
func (r *Registry) RefreshAll(ctx context.Context, paths []string) error {
	var errs []error
	for _, s := range r.MediaServers() {
		if err := s.Refresh(ctx, paths); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return stderrors.Join(errs...)
}

// Close tears down providers that hold resources
func (r *Registry) Close() error {
	r.mu.RLock()
	seen := make(map[Provider]bool)
	var closers []io.Closer
	for _, byName := range r.providers {
		for _, p := range byName {
			if seen[p] {
				continue
			}
			seen[p] = true
			if c, ok := p.(io.Closer); ok {
				closers = append(closers, c)
			}
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
