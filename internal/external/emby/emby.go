// Package emby is the Emby/Jellyfin media-server provider
package emby

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/retry"
)

// Name is the provider id used by MEDIASERVER
const Name = "emby"

// Client represents an Emby API client
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds Emby client configuration
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	RetryConfig retry.Config
}

type item struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Type              string            `json:"Type"`
	ProductionYear    int               `json:"ProductionYear"`
	ProviderIDs       map[string]string `json:"ProviderIds"`
	Path              string            `json:"Path"`
	SeriesName        string            `json:"SeriesName"`
	ParentIndexNumber int               `json:"ParentIndexNumber"`
	IndexNumber       int               `json:"IndexNumber"`
	Overview          string            `json:"Overview"`
	RunTimeTicks      int64             `json:"RunTimeTicks"`
}

type itemsResponse struct {
	Items            []item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}

// New creates a new Emby client
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:     base,
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		retryConfig: cfg.RetryConfig,
	}
}

// Name implements provider.Provider
func (c *Client) Name() string {
	return Name
}

// Authenticate exchanges credentials for an access token. An empty token
// with a nil error means the server rejected the credentials.
func (c *Client) Authenticate(ctx context.Context, user, password string) (string, error) {
	var resp struct {
		AccessToken string `json:"AccessToken"`
	}
	body := map[string]string{"Username": user, "Pw": password}
	err := c.call(ctx, http.MethodPost, "/Users/AuthenticateByName", nil, body, &resp)
	if errors.IsAuth(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Libraries lists the virtual folders
func (c *Client) Libraries(ctx context.Context) ([]provider.Library, error) {
	var folders []struct {
		Name           string   `json:"Name"`
		ItemID         string   `json:"ItemId"`
		CollectionType string   `json:"CollectionType"`
		Locations      []string `json:"Locations"`
	}
	if err := c.call(ctx, http.MethodGet, "/Library/VirtualFolders", nil, nil, &folders); err != nil {
		return nil, err
	}
	out := make([]provider.Library, 0, len(folders))
	for _, f := range folders {
		out = append(out, provider.Library{ID: f.ItemID, Name: f.Name, Type: f.CollectionType, Paths: f.Locations})
	}
	return out, nil
}

// FindMovie searches movies by title, then narrows by tmdb id or year
func (c *Client) FindMovie(ctx context.Context, title, year string, tmdbID int) ([]provider.Item, error) {
	items, err := c.searchItems(ctx, "Movie", title)
	if err != nil {
		return nil, err
	}
	var out []provider.Item
	for _, it := range items {
		if !matches(it, year, tmdbID) {
			continue
		}
		out = append(out, toItem(it, models.MediaTypeMovie))
	}
	return out, nil
}

// FindTVEpisodes locates a series and returns the episodes it has per season
func (c *Client) FindTVEpisodes(ctx context.Context, q provider.EpisodeQuery) (string, map[int][]int, error) {
	seriesID := q.ItemID
	if seriesID == "" {
		items, err := c.searchItems(ctx, "Series", q.Title)
		if err != nil {
			return "", nil, err
		}
		for _, it := range items {
			if matches(it, q.Year, q.TMDBID) {
				seriesID = it.ID
				break
			}
		}
		if seriesID == "" {
			return "", nil, nil
		}
	}

	params := url.Values{}
	if q.Season > 0 {
		params.Set("Season", strconv.Itoa(q.Season))
	}
	var resp itemsResponse
	if err := c.call(ctx, http.MethodGet, "/Shows/"+url.PathEscape(seriesID)+"/Episodes", params, nil, &resp); err != nil {
		return "", nil, err
	}
	seasons := make(map[int][]int)
	for _, ep := range resp.Items {
		if ep.IndexNumber <= 0 {
			continue
		}
		seasons[ep.ParentIndexNumber] = append(seasons[ep.ParentIndexNumber], ep.IndexNumber)
	}
	return seriesID, seasons, nil
}

// Refresh reports changed paths, or triggers a full library scan
func (c *Client) Refresh(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return c.call(ctx, http.MethodPost, "/Library/Refresh", nil, nil, nil)
	}
	type update struct {
		Path       string `json:"Path"`
		UpdateType string `json:"UpdateType"`
	}
	body := struct {
		Updates []update `json:"Updates"`
	}{}
	for _, p := range paths {
		body.Updates = append(body.Updates, update{Path: p, UpdateType: "Modified"})
	}
	return c.call(ctx, http.MethodPost, "/Library/Media/Updated", nil, body, nil)
}

func (c *Client) searchItems(ctx context.Context, itemType, title string) ([]item, error) {
	params := url.Values{}
	params.Set("IncludeItemTypes", itemType)
	params.Set("Recursive", "true")
	params.Set("SearchTerm", title)
	params.Set("Fields", "ProviderIds,ProductionYear,Path")

	var resp itemsResponse
	if err := c.call(ctx, http.MethodGet, "/Items", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func matches(it item, year string, tmdbID int) bool {
	if tmdbID > 0 {
		if id, ok := it.ProviderIDs["Tmdb"]; ok {
			return id == strconv.Itoa(tmdbID)
		}
	}
	if year != "" && it.ProductionYear > 0 {
		return strconv.Itoa(it.ProductionYear) == year
	}
	return true
}

func toItem(it item, kind models.MediaType) provider.Item {
	out := provider.Item{ID: it.ID, Type: kind, Title: it.Name, Path: it.Path}
	if it.ProductionYear > 0 {
		out.Year = strconv.Itoa(it.ProductionYear)
	}
	out.TMDBID, _ = strconv.Atoi(it.ProviderIDs["Tmdb"])
	return out
}

func (c *Client) call(ctx context.Context, method, endpoint string, params url.Values, body, result interface{}) error {
	err := retry.Do(ctx, c.retryConfig, func() error {
		return c.do(ctx, method, endpoint, params, body, result)
	}, errors.IsRetryable)
	if err != nil {
		return errors.ExternalServiceError(Name, fmt.Sprintf("%s %s failed", method, endpoint), err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body, result interface{}) error {
	req, err := c.newRequest(ctx, method, endpoint, params, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NetworkError(Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return errors.HTTPStatusError(Name, resp.StatusCode, string(data))
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return errors.ParseError("failed to decode response", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, params url.Values, body interface{}) (*http.Request, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("X-Emby-Authorization", `MediaBrowser Client="MoviePilot", Device="server", DeviceId="moviepilot", Version="1.0"`)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}
