// Package torznab is an indexer provider for Torznab endpoints
// (Jackett, Prowlarr and most private-tracker bridges).
package torznab

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/retry"
)

const defaultTimeout = 60 * time.Second

// Client represents one Torznab site
type Client struct {
	id          string
	name        string
	baseURL     string
	apiKey      string
	cookie      string
	userAgent   string
	useProxy    bool
	categories  []int
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds Torznab site configuration
type Config struct {
	ID          string
	Name        string
	URL         string
	APIKey      string
	Cookie      string
	UserAgent   string
	Proxy       string
	UseProxy    bool
	Categories  []int
	Timeout     time.Duration
	RetryConfig retry.Config
}

type rss struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	GUID        string `xml:"guid"`
	Link        string `xml:"link"`
	Comments    string `xml:"comments"`
	Description string `xml:"description"`
	Size        int64  `xml:"size"`
	PubDate     string `xml:"pubDate"`
	Enclosure   struct {
		URL    string `xml:"url,attr"`
		Length int64  `xml:"length,attr"`
	} `xml:"enclosure"`
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

type apiError struct {
	XMLName     xml.Name `xml:"error"`
	Code        int      `xml:"code,attr"`
	Description string   `xml:"description,attr"`
}

// New creates a Torznab client
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.UseProxy && cfg.Proxy != "" {
		if proxyURL, err := url.Parse(cfg.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &Client{
		id:         cfg.ID,
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		cookie:     cfg.Cookie,
		userAgent:  cfg.UserAgent,
		useProxy:   cfg.UseProxy,
		categories: cfg.Categories,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		retryConfig: cfg.RetryConfig,
	}
}

// Name implements provider.Provider and is the site id
func (c *Client) Name() string {
	return c.id
}

// Search queries the site. Typed searches are used when ids are known.
func (c *Client) Search(ctx context.Context, req provider.SearchRequest) ([]media.TorrentInfo, error) {
	params := url.Values{}
	params.Set("t", "search")
	switch req.Type {
	case models.MediaTypeMovie:
		if req.IMDBID != "" || req.TMDBID > 0 {
			params.Set("t", "movie")
		}
	case models.MediaTypeTV:
		params.Set("t", "tvsearch")
		if req.Season > 0 {
			params.Set("season", strconv.Itoa(req.Season))
		}
	}
	if req.IMDBID != "" {
		params.Set("imdbid", strings.TrimPrefix(req.IMDBID, "tt"))
	}
	if req.TMDBID > 0 {
		params.Set("tmdbid", strconv.Itoa(req.TMDBID))
	}
	if req.Keyword != "" {
		params.Set("q", req.Keyword)
	}
	return c.fetch(ctx, params)
}

// RSS returns the latest items of the site
func (c *Client) RSS(ctx context.Context) ([]media.TorrentInfo, error) {
	params := url.Values{}
	params.Set("t", "search")
	return c.fetch(ctx, params)
}

func (c *Client) fetch(ctx context.Context, params url.Values) ([]media.TorrentInfo, error) {
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	if len(c.categories) > 0 {
		cats := make([]string, 0, len(c.categories))
		for _, cat := range c.categories {
			cats = append(cats, strconv.Itoa(cat))
		}
		params.Set("cat", strings.Join(cats, ","))
	}

	body, err := retry.DoWithResult(ctx, c.retryConfig, func() ([]byte, error) {
		return c.get(ctx, params)
	}, errors.IsRetryable)
	if err != nil {
		return nil, errors.ExternalServiceError(c.id, "torznab request failed", err)
	}
	return c.parse(body)
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	u := c.baseURL
	if !strings.HasSuffix(u, "/api") {
		u += "/api"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NetworkError(c.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NetworkError(c.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.HTTPStatusError(c.id, resp.StatusCode, string(data))
	}
	return data, nil
}

func (c *Client) parse(body []byte) ([]media.TorrentInfo, error) {
	var apiErr apiError
	if xml.Unmarshal(body, &apiErr) == nil && apiErr.XMLName.Local == "error" {
		return nil, torznabError(c.id, apiErr)
	}

	var doc rss
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, errors.ParseError("invalid torznab response", err)
	}

	out := make([]media.TorrentInfo, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		attrs := make(map[string]string, len(item.Attrs))
		for _, a := range item.Attrs {
			attrs[a.Name] = a.Value
		}

		enclosure := item.Enclosure.URL
		if enclosure == "" {
			enclosure = item.Link
		}
		if v := attrs["magneturl"]; enclosure == "" && v != "" {
			enclosure = v
		}
		if enclosure == "" || item.Title == "" {
			continue
		}

		size := item.Size
		if size == 0 {
			size = item.Enclosure.Length
		}
		if size == 0 {
			size, _ = strconv.ParseInt(attrs["size"], 10, 64)
		}

		page := item.Comments
		if page == "" && strings.HasPrefix(item.GUID, "http") {
			page = item.GUID
		}

		ti := media.TorrentInfo{
			Site:           c.id,
			SiteName:       c.name,
			Title:          strings.TrimSpace(item.Title),
			Description:    strings.TrimSpace(item.Description),
			Enclosure:      enclosure,
			PageURL:        page,
			Size:           size,
			Seeders:        atoi(attrs["seeders"]),
			Peers:          atoi(attrs["peers"]),
			Grabs:          atoi(attrs["grabs"]),
			Cookie:         c.cookie,
			UserAgent:      c.userAgent,
			Proxy:          c.useProxy,
			Labels:         labels(attrs["tag"]),
			DownloadFactor: factor(attrs["downloadvolumefactor"]),
			UploadFactor:   factor(attrs["uploadvolumefactor"]),
		}
		if t, err := parseDate(item.PubDate); err == nil {
			ti.PublishedAt = t
		}
		out = append(out, ti)
	}
	return out, nil
}

func torznabError(site string, e apiError) error {
	switch {
	case e.Code >= 100 && e.Code < 200:
		return errors.New(errors.CodeUnauthorized, e.Description).WithContext("site", site)
	case e.Code == 500 || e.Code == 501:
		return errors.New(errors.CodeRateLimited, e.Description).WithContext("site", site)
	default:
		return errors.New(errors.CodeExternalService, e.Description).WithContext("site", site)
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unknown date format %q", s)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

// factor defaults to 1 so a missing attribute is never read as freeleech
func factor(s string) float64 {
	if s == "" {
		return 1
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 1
	}
	return f
}

func labels(s string) []string {
	var out []string
	for _, l := range strings.Split(s, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
