// Package tmdb is the TheMovieDB metadata provider
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/glefebvre/moviepilot/internal/circuitbreaker"
	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/retry"
)

const (
	// Name is the provider id used by SEARCH_SOURCE
	Name = "themoviedb"

	defaultBaseURL  = "https://api.themoviedb.org/3"
	defaultTimeout  = 30 * time.Second
	imageBaseURL    = "https://image.tmdb.org/t/p/original"
	maxCastReturned = 20
)

// Client handles TMDB API interactions
type Client struct {
	baseURL     string
	apiKey      string
	language    string
	httpClient  *http.Client
	retryConfig retry.Config
	circuitBrk  *circuitbreaker.CircuitBreaker
	log         *logger.Logger
}

// Config holds TMDB client configuration
type Config struct {
	APIKey      string
	Language    string // e.g., "en-US", "zh-CN"
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

type searchResult struct {
	ID            int     `json:"id"`
	MediaType     string  `json:"media_type"`
	Title         string  `json:"title"`
	OriginalTitle string  `json:"original_title"`
	ReleaseDate   string  `json:"release_date"`
	Name          string  `json:"name"`
	OriginalName  string  `json:"original_name"`
	FirstAirDate  string  `json:"first_air_date"`
	Popularity    float64 `json:"popularity"`
}

type searchResponse struct {
	Page         int            `json:"page"`
	Results      []searchResult `json:"results"`
	TotalResults int            `json:"total_results"`
}

type genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type credits struct {
	Cast []struct {
		Name      string `json:"name"`
		Character string `json:"character"`
	} `json:"cast"`
	Crew []struct {
		Name string `json:"name"`
		Job  string `json:"job"`
	} `json:"crew"`
}

type externalIDs struct {
	IMDBID *string `json:"imdb_id"`
	TVDBID *int    `json:"tvdb_id"`
}

type details struct {
	ID            int     `json:"id"`
	Title         string  `json:"title"`
	OriginalTitle string  `json:"original_title"`
	ReleaseDate   string  `json:"release_date"`
	Name          string  `json:"name"`
	OriginalName  string  `json:"original_name"`
	FirstAirDate  string  `json:"first_air_date"`
	IMDBID        *string `json:"imdb_id"`
	PosterPath    *string `json:"poster_path"`
	BackdropPath  *string `json:"backdrop_path"`
	Overview      string  `json:"overview"`
	Genres        []genre `json:"genres"`
	Seasons       []struct {
		SeasonNumber int `json:"season_number"`
		EpisodeCount int `json:"episode_count"`
	} `json:"seasons"`
	Credits     credits     `json:"credits"`
	ExternalIDs externalIDs `json:"external_ids"`
}

type seasonResponse struct {
	SeasonNumber int    `json:"season_number"`
	Name         string `json:"name"`
	AirDate      string `json:"air_date"`
	Episodes     []struct {
		SeasonNumber  int    `json:"season_number"`
		EpisodeNumber int    `json:"episode_number"`
		Name          string `json:"name"`
		AirDate       string `json:"air_date"`
		Overview      string `json:"overview"`
	} `json:"episodes"`
}

// NewClient creates a new TMDB API client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	// misses and throttling are answers, not outages
	cb := circuitbreaker.NewNamed(Name, circuitbreaker.Config{
		MaxFailures: 5,
		Timeout:     60 * time.Second,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsNotFound(err) || errors.IsRateLimited(err)
		},
	})

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		language:    cfg.Language,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		retryConfig: cfg.RetryConfig,
		circuitBrk:  cb,
		log:         logger.AppLogger(),
	}
}

// Name implements provider.Provider
func (c *Client) Name() string {
	return Name
}

// Search finds movies, shows or both when kind is unknown
func (c *Client) Search(ctx context.Context, name, year string, kind models.MediaType) ([]media.Match, error) {
	params := url.Values{}
	params.Set("query", name)

	endpoint := "/search/multi"
	switch kind {
	case models.MediaTypeMovie:
		endpoint = "/search/movie"
		if year != "" {
			params.Set("year", year)
		}
	case models.MediaTypeTV:
		endpoint = "/search/tv"
		if year != "" {
			params.Set("first_air_date_year", year)
		}
	}

	var resp searchResponse
	if err := c.get(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}

	matches := make([]media.Match, 0, len(resp.Results))
	for _, r := range resp.Results {
		t := kind
		if t == models.MediaTypeUnknown {
			switch r.MediaType {
			case "movie":
				t = models.MediaTypeMovie
			case "tv":
				t = models.MediaTypeTV
			default:
				continue
			}
		}
		m := media.Match{ID: strconv.Itoa(r.ID), Type: t, Popularity: r.Popularity}
		if t == models.MediaTypeTV {
			m.Title, m.OriginalTitle, m.Year = r.Name, r.OriginalName, ExtractYear(r.FirstAirDate)
		} else {
			m.Title, m.OriginalTitle, m.Year = r.Title, r.OriginalTitle, ExtractYear(r.ReleaseDate)
		}
		// a year filter on /search/multi is not supported by the API
		if kind == models.MediaTypeUnknown && year != "" && m.Year != "" && !nearYear(year, m.Year) {
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Detail retrieves a movie or show with credits and external ids
func (c *Client) Detail(ctx context.Context, id string, kind models.MediaType) (*media.MediaInfo, error) {
	path := "movie"
	if kind == models.MediaTypeTV {
		path = "tv"
	}
	params := url.Values{}
	params.Set("append_to_response", "credits,external_ids")

	var d details
	if err := c.get(ctx, fmt.Sprintf("/%s/%s", path, url.PathEscape(id)), params, &d); err != nil {
		return nil, err
	}
	return toMediaInfo(&d, kind), nil
}

// SeasonDetail lists the episodes of one season
func (c *Client) SeasonDetail(ctx context.Context, id string, season int) (*media.SeasonInfo, error) {
	var s seasonResponse
	if err := c.get(ctx, fmt.Sprintf("/tv/%s/season/%d", url.PathEscape(id), season), url.Values{}, &s); err != nil {
		return nil, err
	}
	info := &media.SeasonInfo{Season: s.SeasonNumber, Name: s.Name, AirDate: s.AirDate}
	for _, e := range s.Episodes {
		info.Episodes = append(info.Episodes, media.EpisodeInfo{
			Season:   e.SeasonNumber,
			Episode:  e.EpisodeNumber,
			Name:     e.Name,
			AirDate:  e.AirDate,
			Overview: e.Overview,
		})
	}
	return info, nil
}

// EpisodeDetail returns one episode
func (c *Client) EpisodeDetail(ctx context.Context, id string, season, episode int) (*media.EpisodeInfo, error) {
	var e struct {
		SeasonNumber  int    `json:"season_number"`
		EpisodeNumber int    `json:"episode_number"`
		Name          string `json:"name"`
		AirDate       string `json:"air_date"`
		Overview      string `json:"overview"`
	}
	endpoint := fmt.Sprintf("/tv/%s/season/%d/episode/%d", url.PathEscape(id), season, episode)
	if err := c.get(ctx, endpoint, url.Values{}, &e); err != nil {
		return nil, err
	}
	return &media.EpisodeInfo{
		Season:   e.SeasonNumber,
		Episode:  e.EpisodeNumber,
		Name:     e.Name,
		AirDate:  e.AirDate,
		Overview: e.Overview,
	}, nil
}

func toMediaInfo(d *details, kind models.MediaType) *media.MediaInfo {
	info := &media.MediaInfo{
		Type:     kind,
		TMDBID:   d.ID,
		Overview: d.Overview,
		Source:   Name,
	}
	if kind == models.MediaTypeTV {
		info.Title, info.OriginalTitle, info.Year = d.Name, d.OriginalName, ExtractYear(d.FirstAirDate)
		info.SeasonEpisodes = make(map[int]int, len(d.Seasons))
		for _, s := range d.Seasons {
			info.SeasonEpisodes[s.SeasonNumber] = s.EpisodeCount
		}
	} else {
		info.Type = models.MediaTypeMovie
		info.Title, info.OriginalTitle, info.Year = d.Title, d.OriginalTitle, ExtractYear(d.ReleaseDate)
	}
	if d.IMDBID != nil {
		info.IMDBID = *d.IMDBID
	} else if d.ExternalIDs.IMDBID != nil {
		info.IMDBID = *d.ExternalIDs.IMDBID
	}
	if d.ExternalIDs.TVDBID != nil {
		info.TVDBID = *d.ExternalIDs.TVDBID
	}
	if d.PosterPath != nil && *d.PosterPath != "" {
		info.Poster = imageBaseURL + *d.PosterPath
	}
	if d.BackdropPath != nil && *d.BackdropPath != "" {
		info.Backdrop = imageBaseURL + *d.BackdropPath
	}
	for _, g := range d.Genres {
		info.Genres = append(info.Genres, g.Name)
		info.GenreIDs = append(info.GenreIDs, g.ID)
	}
	for i, p := range d.Credits.Cast {
		if i >= maxCastReturned {
			break
		}
		info.People = append(info.People, media.Person{Name: p.Name, Character: p.Character})
	}
	for _, p := range d.Credits.Crew {
		if p.Job == "Director" || p.Job == "Writer" {
			info.People = append(info.People, media.Person{Name: p.Name, Job: p.Job})
		}
	}
	return info
}

// get performs a request through the circuit breaker with retry on
// transient failures. Rate limits are left to the caller's back-off.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, result interface{}) error {
	params.Set("api_key", c.apiKey)
	params.Set("language", c.language)
	requestURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, params.Encode())

	operation := func() error {
		return c.circuitBrk.ExecuteContext(ctx, func(ctx context.Context) error {
			return c.do(ctx, requestURL, result)
		})
	}
	isRetryable := func(err error) bool {
		return errors.IsRetryable(err) && !errors.IsRateLimited(err)
	}

	if err := retry.Do(ctx, c.retryConfig, operation, isRetryable); err != nil {
		if err == circuitbreaker.ErrOpenState || err == circuitbreaker.ErrTooManyRequests {
			err = errors.Wrap(err, errors.CodeServiceUnavailable, "tmdb circuit open")
		}
		if !errors.IsNotFound(err) {
			c.log.WithFields(map[string]interface{}{
				"endpoint": endpoint,
			}).Error("TMDB API request failed", err)
		}
		return errors.ExternalServiceError(Name, "request failed", err).WithContext("endpoint", endpoint)
	}
	return nil
}

func (c *Client) do(ctx context.Context, requestURL string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Language", c.language)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NetworkError(Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errors.HTTPStatusError(Name, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return errors.ParseError("failed to decode TMDB response", err)
	}
	return nil
}

// ExtractYear extracts the year from a TMDB date string (YYYY-MM-DD)
func ExtractYear(date string) string {
	if len(date) < 4 {
		return ""
	}
	if _, err := strconv.Atoi(date[:4]); err != nil {
		return ""
	}
	return date[:4]
}

func nearYear(a, b string) bool {
	x, err1 := strconv.Atoi(a)
	y, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil {
		return true
	}
	d := x - y
	return d >= -1 && d <= 1
}
