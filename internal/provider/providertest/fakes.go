// Package providertest has in-memory providers for tests
package providertest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/provider"
)

// Downloader records dispatched torrents and serves a settable completed list
type Downloader struct {
	ID string

	mu        sync.Mutex
	Added     []provider.AddRequest
	Completed []provider.Download
	Removed   []string
	Stopped   []string
	Limits    [][2]int
	AddErr    error
}

func (d *Downloader) Name() string {
	if d.ID == "" {
		return "fake-downloader"
	}
	return d.ID
}

func (d *Downloader) AddTorrent(ctx context.Context, req provider.AddRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AddErr != nil {
		return "", d.AddErr
	}
	d.Added = append(d.Added, req)
	return fmt.Sprintf("hash%d", len(d.Added)), nil
}

func (d *Downloader) ListCompleted(ctx context.Context) ([]provider.Download, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]provider.Download(nil), d.Completed...), nil
}

func (d *Downloader) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Removed = append(d.Removed, hash)
	return nil
}

func (d *Downloader) Stop(ctx context.Context, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Stopped = append(d.Stopped, hash)
	return nil
}

func (d *Downloader) SetSpeedLimit(ctx context.Context, up, down int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Limits = append(d.Limits, [2]int{up, down})
	return nil
}

// SpeedLimits returns every (upload, download) pair applied so far
func (d *Downloader) SpeedLimits() [][2]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][2]int(nil), d.Limits...)
}

// AddedCount returns how many torrents were dispatched
func (d *Downloader) AddedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Added)
}

// MediaServer serves episodes and movies from maps
type MediaServer struct {
	ID string

	mu        sync.Mutex
	Episodes  map[int]map[int][]int // tmdb id -> season -> episodes
	Movies    map[int]bool          // tmdb id
	Refreshed [][]string
	Webhook   *provider.WebhookEvent
}

func (m *MediaServer) Name() string {
	if m.ID == "" {
		return "fake-mediaserver"
	}
	return m.ID
}

func (m *MediaServer) Authenticate(ctx context.Context, user, password string) (string, error) {
	return "token", nil
}

func (m *MediaServer) Libraries(ctx context.Context) ([]provider.Library, error) {
	return nil, nil
}

func (m *MediaServer) FindMovie(ctx context.Context, title, year string, tmdbID int) ([]provider.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Movies[tmdbID] {
		return []provider.Item{{ID: strconv.Itoa(tmdbID), Type: models.MediaTypeMovie, Title: title, TMDBID: tmdbID}}, nil
	}
	return nil, nil
}

func (m *MediaServer) FindTVEpisodes(ctx context.Context, q provider.EpisodeQuery) (string, map[int][]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seasons, ok := m.Episodes[q.TMDBID]
	if !ok {
		return "", nil, nil
	}
	return strconv.Itoa(q.TMDBID), seasons, nil
}

// SetEpisodes replaces the episodes present for one season
func (m *MediaServer) SetEpisodes(tmdbID, season int, episodes ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Episodes == nil {
		m.Episodes = make(map[int]map[int][]int)
	}
	if m.Episodes[tmdbID] == nil {
		m.Episodes[tmdbID] = make(map[int][]int)
	}
	m.Episodes[tmdbID][season] = episodes
}

func (m *MediaServer) Refresh(ctx context.Context, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Refreshed = append(m.Refreshed, paths)
	return nil
}

// RefreshCount returns how many refreshes were requested
func (m *MediaServer) RefreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Refreshed)
}

func (m *MediaServer) ParseWebhook(body []byte, form, args url.Values) (*provider.WebhookEvent, error) {
	return m.Webhook, nil
}

// Messager records every notification
type Messager struct {
	ID string

	mu   sync.Mutex
	Sent []provider.Notification
}

func (m *Messager) Name() string {
	if m.ID == "" {
		return "fake-messager"
	}
	return m.ID
}

func (m *Messager) Send(ctx context.Context, n provider.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, n)
	return nil
}

func (m *Messager) SendMediaSelection(ctx context.Context, title string, medias []*media.MediaInfo, userID string) (bool, error) {
	return true, m.Send(ctx, provider.Notification{Title: title, UserID: userID})
}

func (m *Messager) SendTorrentSelection(ctx context.Context, title string, torrents []*media.Context, userID string) (bool, error) {
	return true, m.Send(ctx, provider.Notification{Title: title, UserID: userID})
}

func (m *Messager) ParseInbound(body []byte, form, args url.Values) (*provider.IncomingMessage, error) {
	return &provider.IncomingMessage{
		Channel:  m.Name(),
		UserID:   form.Get("userid"),
		Username: form.Get("username"),
		Text:     form.Get("text"),
	}, nil
}

// Messages returns a copy of what was sent
func (m *Messager) Messages() []provider.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.Notification(nil), m.Sent...)
}

// Metadata answers searches by exact title
type Metadata struct {
	ID      string
	Matches map[string][]media.Match
	Details map[string]*media.MediaInfo
	Seasons map[string]*media.SeasonInfo
}

func (m *Metadata) Name() string {
	if m.ID == "" {
		return "themoviedb"
	}
	return m.ID
}

func (m *Metadata) Search(ctx context.Context, name, year string, kind models.MediaType) ([]media.Match, error) {
	return m.Matches[name], nil
}

func (m *Metadata) Detail(ctx context.Context, id string, kind models.MediaType) (*media.MediaInfo, error) {
	info, ok := m.Details[id]
	if !ok {
		return nil, errors.NotFoundError("media", id)
	}
	cp := *info
	return &cp, nil
}

func (m *Metadata) SeasonDetail(ctx context.Context, id string, season int) (*media.SeasonInfo, error) {
	s, ok := m.Seasons[fmt.Sprintf("%s/%d", id, season)]
	if !ok {
		return nil, errors.NotFoundError("season", id)
	}
	return s, nil
}

func (m *Metadata) EpisodeDetail(ctx context.Context, id string, season, episode int) (*media.EpisodeInfo, error) {
	s, err := m.SeasonDetail(ctx, id, season)
	if err != nil {
		return nil, err
	}
	for _, ep := range s.Episodes {
		if ep.Episode == episode {
			e := ep
			return &e, nil
		}
	}
	return nil, errors.NotFoundError("episode", id)
}

// Add registers a work under its title and tmdb id
func (m *Metadata) Add(info *media.MediaInfo) {
	if m.Matches == nil {
		m.Matches = make(map[string][]media.Match)
	}
	if m.Details == nil {
		m.Details = make(map[string]*media.MediaInfo)
	}
	id := strconv.Itoa(info.TMDBID)
	m.Matches[info.Title] = append(m.Matches[info.Title], media.Match{
		ID: id, Type: info.Type, Title: info.Title, OriginalTitle: info.OriginalTitle, Year: info.Year,
	})
	m.Details[id] = info
}

// Indexer returns canned results, optionally after a delay or with an error
type Indexer struct {
	ID      string
	Results []media.TorrentInfo
	Delay   time.Duration
	Err     error

	mu       sync.Mutex
	Requests []provider.SearchRequest
}

func (i *Indexer) Name() string {
	if i.ID == "" {
		return "fake-indexer"
	}
	return i.ID
}

func (i *Indexer) Search(ctx context.Context, req provider.SearchRequest) ([]media.TorrentInfo, error) {
	i.mu.Lock()
	i.Requests = append(i.Requests, req)
	i.mu.Unlock()

	if i.Delay > 0 {
		select {
		case <-time.After(i.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i.Err != nil {
		return nil, i.Err
	}
	out := make([]media.TorrentInfo, len(i.Results))
	for n, r := range i.Results {
		r.Site = i.Name()
		out[n] = r
	}
	return out, nil
}

func (i *Indexer) RSS(ctx context.Context) ([]media.TorrentInfo, error) {
	return i.Search(ctx, provider.SearchRequest{})
}

// RequestCount returns how many searches were issued
func (i *Indexer) RequestCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.Requests)
}
