// Package qbittorrent is the qBittorrent downloader provider
package qbittorrent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/retry"
)

const (
	// Name is the provider id used by DOWNLOADER
	Name = "qbittorrent"

	defaultTimeout = 120 * time.Second
	maxTorrentSize = 10 << 20
)

// Config holds qBittorrent client configuration
type Config struct {
	Host        string
	Username    string
	Password    string
	Tag         string
	SavePath    string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// Client wraps the qBittorrent WebUI API
type Client struct {
	qb          *qbt.Client
	tag         string
	savePath    string
	httpClient  *http.Client
	retryConfig retry.Config

	mu       sync.Mutex
	loggedIn bool
}

// New creates a qBittorrent client. Login is deferred to the first call.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	host := strings.TrimRight(cfg.Host, "/")
	if host != "" && !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return &Client{
		qb: qbt.NewClient(qbt.Config{
			Host:     host,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  int(cfg.Timeout.Seconds()),
		}),
		tag:         cfg.Tag,
		savePath:    cfg.SavePath,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		retryConfig: cfg.RetryConfig,
	}
}

// Name implements provider.Provider
func (c *Client) Name() string {
	return Name
}

func (c *Client) login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	if err := c.qb.LoginCtx(ctx); err != nil {
		return errors.Wrap(err, errors.CodeUnauthorized, "qbittorrent login failed")
	}
	c.loggedIn = true
	return nil
}

func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := c.login(ctx); err != nil {
		return errors.ExternalServiceError(Name, op+" failed", err)
	}
	err := retry.Do(ctx, c.retryConfig, func() error {
		if err := fn(ctx); err != nil {
			return errors.NetworkError(Name, err)
		}
		return nil
	}, errors.IsRetryable)
	if err != nil {
		c.mu.Lock()
		c.loggedIn = false
		c.mu.Unlock()
		return errors.ExternalServiceError(Name, op+" failed", err)
	}
	return nil
}

// AddTorrent dispatches a magnet, a torrent URL or raw torrent content and
// returns the infohash the download will be tracked by.
func (c *Client) AddTorrent(ctx context.Context, req provider.AddRequest) (string, error) {
	options := map[string]string{}
	savePath := req.SavePath
	if savePath == "" {
		savePath = c.savePath
	}
	if savePath != "" {
		options["savepath"] = savePath
		options["autoTMM"] = "false"
	}
	tags := append([]string{}, req.Tags...)
	if c.tag != "" {
		tags = append(tags, c.tag)
	}
	if len(tags) > 0 {
		options["tags"] = strings.Join(tags, ",")
	}

	content := req.Content
	if len(content) == 0 && !strings.HasPrefix(req.URL, "magnet:") {
		data, err := c.fetchTorrent(ctx, req)
		if err != nil {
			return "", err
		}
		content = data
	}

	if len(content) > 0 {
		hash, err := HashFromTorrent(content)
		if err != nil {
			return "", err
		}
		err = c.call(ctx, "add torrent", func(ctx context.Context) error {
			return c.qb.AddTorrentFromMemoryCtx(ctx, content, options)
		})
		return hash, err
	}

	hash, err := HashFromMagnet(req.URL)
	if err != nil {
		return "", err
	}
	err = c.call(ctx, "add magnet", func(ctx context.Context) error {
		return c.qb.AddTorrentFromUrlCtx(ctx, req.URL, options)
	})
	return hash, err
}

// fetchTorrent downloads a .torrent from an indexer using the site's
// cookie and user agent.
func (c *Client) fetchTorrent(ctx context.Context, req provider.AddRequest) ([]byte, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() ([]byte, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
		if err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("invalid torrent url: %v", err))
		}
		if req.Cookie != "" {
			httpReq.Header.Set("Cookie", req.Cookie)
		}
		if req.UserAgent != "" {
			httpReq.Header.Set("User-Agent", req.UserAgent)
		}
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, errors.NetworkError("indexer", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, errors.HTTPStatusError("indexer", resp.StatusCode, string(body))
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxTorrentSize))
	}, errors.IsRetryable)
}

// ListCompleted returns finished torrents carrying the configured tag
func (c *Client) ListCompleted(ctx context.Context) ([]provider.Download, error) {
	var torrents []qbt.Torrent
	err := c.call(ctx, "list torrents", func(ctx context.Context) error {
		var err error
		torrents, err = c.qb.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{
			Filter: qbt.TorrentFilterCompleted,
			Tag:    c.tag,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]provider.Download, 0, len(torrents))
	for _, t := range torrents {
		path := t.ContentPath
		if path == "" {
			path = strings.TrimRight(t.SavePath, "/") + "/" + t.Name
		}
		out = append(out, provider.Download{
			Hash:       t.Hash,
			Name:       t.Name,
			Path:       path,
			Tags:       splitTags(t.Tags),
			Progress:   t.Progress,
			Downloader: Name,
		})
	}
	logger.AppLogger().WithFields(map[string]interface{}{
		"downloader": Name,
		"completed":  len(out),
	}).Debug("listed completed torrents")
	return out, nil
}

// Remove deletes a torrent, optionally with its files
func (c *Client) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return c.call(ctx, "remove torrent", func(ctx context.Context) error {
		return c.qb.DeleteTorrentsCtx(ctx, []string{hash}, deleteFiles)
	})
}

// Stop pauses a torrent
func (c *Client) Stop(ctx context.Context, hash string) error {
	return c.call(ctx, "stop torrent", func(ctx context.Context) error {
		return c.qb.PauseCtx(ctx, []string{hash})
	})
}

// SetSpeedLimit sets global limits in KB/s. Zero removes a limit.
func (c *Client) SetSpeedLimit(ctx context.Context, uploadKBps, downloadKBps int) error {
	return c.call(ctx, "set speed limit", func(ctx context.Context) error {
		return c.qb.SetPreferencesCtx(ctx, map[string]interface{}{
			"up_limit": int64(uploadKBps) * 1024,
			"dl_limit": int64(downloadKBps) * 1024,
		})
	})
}

// HashFromMagnet extracts the lowercase hex infohash of a magnet URI
func HashFromMagnet(uri string) (string, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return "", errors.ParseError("invalid magnet uri", err)
	}
	return m.InfoHash.HexString(), nil
}

// HashFromTorrent computes the infohash of .torrent content
func HashFromTorrent(content []byte) (string, error) {
	mi, err := metainfo.Load(bytes.NewReader(content))
	if err != nil {
		return "", errors.ParseError("invalid torrent file", err)
	}
	return mi.HashInfoBytes().HexString(), nil
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
