// Package provider defines the capability contracts external services
// implement and the registry that selects the active ones.
package provider

import (
	"context"
	"net/url"

	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/models"
)

// Capability groups providers by what they can do
type Capability string

const (
	CapDownloader  Capability = "downloader"
	CapMediaServer Capability = "mediaserver"
	CapMessager    Capability = "messager"
	CapMetadata    Capability = "metadata"
	CapIndexer     Capability = "indexer"
)

// Provider is implemented by every adapter
type Provider interface {
	Name() string
}

// Download is a task reported by a downloader
type Download struct {
	Hash       string   `json:"hash"`
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Tags       []string `json:"tags,omitempty"`
	Progress   float64  `json:"progress"`
	Downloader string   `json:"downloader"`
}

// AddRequest describes a torrent to dispatch. Exactly one of URL or
// Content is set.
type AddRequest struct {
	URL       string
	Content   []byte
	SavePath  string
	Tags      []string
	Cookie    string
	UserAgent string
}

// Downloader adds and tracks torrents
type Downloader interface {
	Provider
	AddTorrent(ctx context.Context, req AddRequest) (string, error)
	ListCompleted(ctx context.Context) ([]Download, error)
	Remove(ctx context.Context, hash string, deleteFiles bool) error
	Stop(ctx context.Context, hash string) error
	SetSpeedLimit(ctx context.Context, uploadKBps, downloadKBps int) error
}

// Library is a media-server library
type Library struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	Paths []string `json:"paths,omitempty"`
}

// Item is a media-server library item
type Item struct {
	ID     string           `json:"id"`
	Type   models.MediaType `json:"type"`
	Title  string           `json:"title"`
	Year   string           `json:"year,omitempty"`
	TMDBID int              `json:"tmdb_id,omitempty"`
	Path   string           `json:"path,omitempty"`
}

// EpisodeQuery selects a series on a media server. Any subset may be set.
type EpisodeQuery struct {
	ItemID string
	Title  string
	Year   string
	TMDBID int
	Season int
}

// Item types carried by webhook events
const (
	ItemMovie = "MOV"
	ItemTV    = "TV"
	ItemAudio = "AUD"
)

// WebhookEvent is a media-server notification normalised across providers
type WebhookEvent struct {
	Event      string  `json:"event"`
	Channel    string  `json:"channel"`
	ItemType   string  `json:"item_type"`
	ItemName   string  `json:"item_name"`
	ItemID     string  `json:"item_id,omitempty"`
	SeasonID   int     `json:"season_id,omitempty"`
	EpisodeID  int     `json:"episode_id,omitempty"`
	TMDBID     int     `json:"tmdb_id,omitempty"`
	UserName   string  `json:"user_name,omitempty"`
	DeviceName string  `json:"device_name,omitempty"`
	Client     string  `json:"client,omitempty"`
	IP         string  `json:"ip,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`
	Overview   string  `json:"overview,omitempty"`
	ImageURL   string  `json:"image_url,omitempty"`
}

// Data flattens the event into an event bus payload
func (e *WebhookEvent) Data() map[string]interface{} {
	return map[string]interface{}{
		"event":       e.Event,
		"channel":     e.Channel,
		"item_type":   e.ItemType,
		"item_name":   e.ItemName,
		"item_id":     e.ItemID,
		"season_id":   e.SeasonID,
		"episode_id":  e.EpisodeID,
		"tmdb_id":     e.TMDBID,
		"user_name":   e.UserName,
		"device_name": e.DeviceName,
		"client":      e.Client,
		"ip":          e.IP,
		"percentage":  e.Percentage,
		"overview":    e.Overview,
		"image_url":   e.ImageURL,
	}
}

// MediaServer is a library server such as Emby or Jellyfin
type MediaServer interface {
	Provider
	Authenticate(ctx context.Context, user, password string) (string, error)
	Libraries(ctx context.Context) ([]Library, error)
	FindMovie(ctx context.Context, title, year string, tmdbID int) ([]Item, error)
	// FindTVEpisodes returns the series id and the episodes present per season
	FindTVEpisodes(ctx context.Context, q EpisodeQuery) (string, map[int][]int, error)
	Refresh(ctx context.Context, paths []string) error
	// ParseWebhook returns nil when the payload is not an event this server sends
	ParseWebhook(body []byte, form, args url.Values) (*WebhookEvent, error)
}

// Notification is an outbound message
type Notification struct {
	Title  string `json:"title"`
	Text   string `json:"text,omitempty"`
	Image  string `json:"image,omitempty"`
	Link   string `json:"link,omitempty"`
	UserID string `json:"userid,omitempty"`
	// Channel restricts delivery to one messager; empty means all
	Channel string `json:"channel,omitempty"`
}

// IncomingMessage is a user message received from a messaging channel
type IncomingMessage struct {
	Channel  string `json:"channel"`
	UserID   string `json:"userid"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// Messager delivers notifications and receives user messages
type Messager interface {
	Provider
	Send(ctx context.Context, n Notification) error
	SendMediaSelection(ctx context.Context, title string, medias []*media.MediaInfo, userID string) (bool, error)
	SendTorrentSelection(ctx context.Context, title string, torrents []*media.Context, userID string) (bool, error)
	ParseInbound(body []byte, form, args url.Values) (*IncomingMessage, error)
}

// MetadataProvider identifies works. It satisfies media.Source.
type MetadataProvider interface {
	Provider
	Search(ctx context.Context, name, year string, kind models.MediaType) ([]media.Match, error)
	Detail(ctx context.Context, id string, kind models.MediaType) (*media.MediaInfo, error)
	SeasonDetail(ctx context.Context, id string, season int) (*media.SeasonInfo, error)
	EpisodeDetail(ctx context.Context, id string, season, episode int) (*media.EpisodeInfo, error)
}

// SearchRequest is a keyword query against one indexer
type SearchRequest struct {
	Keyword string
	Type    models.MediaType
	Season  int
	IMDBID  string
	TMDBID  int
}

// Indexer searches a torrent site
type Indexer interface {
	Provider
	Search(ctx context.Context, req SearchRequest) ([]media.TorrentInfo, error)
	RSS(ctx context.Context) ([]media.TorrentInfo, error)
}
