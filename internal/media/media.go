// Package media holds the semantic side of recognition: identified works,
// indexer candidates and the Context bundle that carries both through
// search, filter, download and transfer.
package media

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glefebvre/moviepilot/internal/meta"
	"github.com/glefebvre/moviepilot/internal/models"
)

// MediaInfo is an identified movie or TV show
type MediaInfo struct {
	Type          models.MediaType `json:"type"`
	Title         string           `json:"title"`
	OriginalTitle string           `json:"original_title,omitempty"`
	Year          string           `json:"year,omitempty"`
	TMDBID        int              `json:"tmdb_id,omitempty"`
	IMDBID        string           `json:"imdb_id,omitempty"`
	TVDBID        int              `json:"tvdb_id,omitempty"`
	DoubanID      string           `json:"douban_id,omitempty"`
	Genres        []string         `json:"genres,omitempty"`
	GenreIDs      []int            `json:"genre_ids,omitempty"`
	Overview      string           `json:"overview,omitempty"`
	Poster        string           `json:"poster,omitempty"`
	Backdrop      string           `json:"backdrop,omitempty"`
	People        []Person         `json:"people,omitempty"`

	// SeasonEpisodes maps season number to episode count
	SeasonEpisodes map[int]int `json:"season_episodes,omitempty"`

	// Season is the season a TV recognition was made for
	Season int `json:"season,omitempty"`

	// Source names the metadata provider that produced this record
	Source string `json:"source,omitempty"`
}

// Person is a cast or crew member
type Person struct {
	Name      string `json:"name"`
	Character string `json:"character,omitempty"`
	Job       string `json:"job,omitempty"`
}

// SeasonInfo describes one season of a show
type SeasonInfo struct {
	Season   int           `json:"season"`
	Name     string        `json:"name,omitempty"`
	AirDate  string        `json:"air_date,omitempty"`
	Episodes []EpisodeInfo `json:"episodes"`
}

// EpisodeInfo describes one episode
type EpisodeInfo struct {
	Season   int    `json:"season"`
	Episode  int    `json:"episode"`
	Name     string `json:"name,omitempty"`
	AirDate  string `json:"air_date,omitempty"`
	Overview string `json:"overview,omitempty"`
}

// Match is a metadata search hit before detail lookup
type Match struct {
	ID            string           `json:"id"`
	Type          models.MediaType `json:"type"`
	Title         string           `json:"title"`
	OriginalTitle string           `json:"original_title,omitempty"`
	Year          string           `json:"year,omitempty"`
	Popularity    float64          `json:"popularity,omitempty"`
}

// Recognized reports whether at least one external id is set
func (m *MediaInfo) Recognized() bool {
	return m != nil && (m.TMDBID > 0 || m.IMDBID != "" || m.DoubanID != "")
}

// TitleYear renders "Title (Year)"
func (m *MediaInfo) TitleYear() string {
	if m.Year == "" {
		return m.Title
	}
	return fmt.Sprintf("%s (%s)", m.Title, m.Year)
}

// IsAnime reports whether any genre id is in the configured animation set
func (m *MediaInfo) IsAnime(animeGenres []int) bool {
	for _, g := range m.GenreIDs {
		for _, a := range animeGenres {
			if g == a {
				return true
			}
		}
	}
	return false
}

// EpisodeCount returns the number of episodes of season, or 0 when unknown
func (m *MediaInfo) EpisodeCount(season int) int {
	return m.SeasonEpisodes[season]
}

// TMDBKey returns the TMDB id as a provider lookup id
func (m *MediaInfo) TMDBKey() string {
	if m.TMDBID == 0 {
		return ""
	}
	return strconv.Itoa(m.TMDBID)
}

// TorrentInfo is a candidate returned by an indexer
type TorrentInfo struct {
	Site        string    `json:"site"`
	SiteName    string    `json:"site_name,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Enclosure   string    `json:"enclosure"`
	PageURL     string    `json:"page_url,omitempty"`
	Size        int64     `json:"size"`
	Seeders     int       `json:"seeders"`
	Peers       int       `json:"peers"`
	Grabs       int       `json:"grabs,omitempty"`
	Cookie      string    `json:"-"`
	UserAgent   string    `json:"-"`
	Proxy       bool      `json:"-"`
	Labels      []string  `json:"labels,omitempty"`
	PublishedAt time.Time `json:"published_at"`

	// DownloadFactor is 0 for freeleech, 0.5 for half-leech, 1 otherwise
	DownloadFactor float64 `json:"download_factor"`
	UploadFactor   float64 `json:"upload_factor"`
}

// Free reports whether downloading does not count against ratio
func (t *TorrentInfo) Free() bool {
	return t.DownloadFactor == 0
}

// SizeGB returns the size in GiB
func (t *TorrentInfo) SizeGB() float64 {
	return float64(t.Size) / (1 << 30)
}

// Context bundles what is known about one candidate
type Context struct {
	Meta    *meta.Meta   `json:"meta"`
	Media   *MediaInfo   `json:"media,omitempty"`
	Torrent *TorrentInfo `json:"torrent,omitempty"`
}

// NewContext parses the torrent title and attaches media
func NewContext(t *TorrentInfo, info *MediaInfo) *Context {
	return &Context{
		Meta:    meta.Parse(t.Title),
		Media:   info,
		Torrent: t,
	}
}
