package main

import (
	"context"
	"fmt"
	"time"

	"github.com/glefebvre/moviepilot/internal/config"
	"github.com/glefebvre/moviepilot/internal/database"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/external/console"
	"github.com/glefebvre/moviepilot/internal/external/emby"
	"github.com/glefebvre/moviepilot/internal/external/qbittorrent"
	"github.com/glefebvre/moviepilot/internal/external/tmdb"
	"github.com/glefebvre/moviepilot/internal/external/torznab"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/retry"
	"github.com/glefebvre/moviepilot/internal/search"
	"github.com/glefebvre/moviepilot/internal/store"
	"github.com/glefebvre/moviepilot/internal/subscribe"
	"github.com/glefebvre/moviepilot/internal/transfer"
	"github.com/spf13/afero"
)

const minTitleSimilarity = 0.8

// app holds the components every command needs. serve adds the plugin host,
// the scheduler and the HTTP surface on top.
type app struct {
	cfg        *config.Config
	store      *store.Store
	registry   *provider.Registry
	bus        *eventbus.Bus
	recognizer *media.Recognizer
	searcher   *search.Searcher
	subs       *subscribe.Engine
	pipeline   *transfer.Pipeline
}

func newApp() (*app, error) {
	cfg := config.Get()
	log := logger.AppLogger()

	if err := database.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	log.WithField("driver", cfg.Database.Driver).Info("database ready")

	registry := provider.NewRegistry(activeProviders)
	if err := registerProviders(registry, cfg); err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		store:    store.New(database.Get()),
		registry: registry,
		bus:      eventbus.New(),
	}

	recognizerOpts := media.DefaultOptions()
	if cfg.Metadata.CacheTTLMinutes > 0 {
		recognizerOpts.CacheTTL = time.Duration(cfg.Metadata.CacheTTLMinutes) * time.Minute
	}
	a.recognizer = media.NewRecognizer(registry.MetadataSources, recognizerOpts)

	a.searcher = search.New(registry.Indexers, a.recognizer, search.Options{
		Concurrency: cfg.Search.Concurrency,
		SiteTimeout: time.Duration(cfg.Search.SiteTimeoutSeconds) * time.Second,
	})

	a.subs = subscribe.New(a.store, registry, a.bus, a.searcher, a.recognizer, subscribe.Options{
		WashRetention: time.Duration(cfg.Subscribe.WashRetentionDays) * 24 * time.Hour,
		MinSimilarity: minTitleSimilarity,
		SavePath:      cfg.Downloader.SavePath,
		Library:       subscribe.NewLibraryScanner(afero.NewOsFs(), cfg.Library.Paths, cfg.MediaExtensions(), minTitleSimilarity),
	})

	fileRetry := retry.FileOpConfig()
	if cfg.Transfer.RetryCount > 0 {
		fileRetry.MaxAttempts = cfg.Transfer.RetryCount
	}
	pipeline, err := transfer.New(a.store, registry, a.bus, a.recognizer, transfer.Options{
		Roots:              cfg.Library.Paths,
		MovieDir:           cfg.Library.MovieName,
		TVDir:              cfg.Library.TVName,
		AnimeDir:           cfg.Library.AnimeName,
		Category:           cfg.Library.Category,
		AnimeGenreIDs:      cfg.AnimeGenreIDs(),
		MediaExtensions:    cfg.MediaExtensions(),
		SubtitleExtensions: cfg.SubtitleExtensions(),
		MovieFormat:        cfg.Library.MovieRenameFormat,
		TVFormat:           cfg.Library.TVRenameFormat,
		Mode:               transfer.Mode(cfg.Transfer.Mode),
		Rclone: transfer.RcloneConfig{
			Binary: cfg.Transfer.RcloneBinary,
			Remote: cfg.Transfer.RcloneRemote,
		},
		Retry: fileRetry,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.pipeline = pipeline

	return a, nil
}

func (a *app) close() {
	log := logger.AppLogger()
	if err := a.registry.Close(); err != nil {
		log.Error("failed to close providers", err)
	}
	if err := database.Close(); err != nil {
		log.Error("failed to close database", err)
	}
}

// activeProviders reads the active provider lists on every lookup so a
// config change takes effect without a restart.
func activeProviders(c provider.Capability) []string {
	cfg := config.Get()
	switch c {
	case provider.CapMediaServer:
		return cfg.ActiveMediaServers()
	case provider.CapDownloader:
		return cfg.ActiveDownloaders()
	case provider.CapMetadata:
		return cfg.SearchSources()
	}
	return nil
}

type registration struct {
	cap provider.Capability
	p   provider.Provider
}

// registerProviders builds a client for every configured service
func registerProviders(registry *provider.Registry, cfg *config.Config) error {
	log := logger.AppLogger()
	timeout := time.Duration(cfg.Metadata.TimeoutSeconds) * time.Second

	var regs []registration
	add := func(c provider.Capability, p provider.Provider) {
		regs = append(regs, registration{c, p})
	}

	add(provider.CapMessager, console.New(nil))

	if cfg.TMDB.APIKey != "" {
		add(provider.CapMetadata, tmdb.NewClient(tmdb.Config{
			APIKey:      cfg.TMDB.APIKey,
			Language:    cfg.TMDB.Language,
			BaseURL:     cfg.TMDB.BaseURL,
			Timeout:     timeout,
			RetryConfig: retry.RateLimitConfig(),
		}))
	} else {
		log.Warn("tmdb api key not set, recognition is disabled")
	}

	if cfg.Emby.Host != "" {
		add(provider.CapMediaServer, emby.New(emby.Config{
			BaseURL: cfg.Emby.Host,
			APIKey:  cfg.Emby.APIKey,
			Timeout: timeout,
		}))
	}

	if cfg.QBittorrent.Host != "" {
		add(provider.CapDownloader, qbittorrent.New(qbittorrent.Config{
			Host:     cfg.QBittorrent.Host,
			Username: cfg.QBittorrent.Username,
			Password: cfg.QBittorrent.Password,
			Tag:      cfg.Downloader.Tag,
			SavePath: cfg.Downloader.SavePath,
			Timeout:  time.Duration(cfg.QBittorrent.TimeoutSeconds) * time.Second,
		}))
	}

	for _, ix := range cfg.Indexers {
		if !ix.Enabled {
			continue
		}
		add(provider.CapIndexer, torznab.New(torznab.Config{
			ID:         ix.ID,
			Name:       ix.Name,
			URL:        ix.URL,
			APIKey:     ix.APIKey,
			Cookie:     ix.Cookie,
			UserAgent:  ix.UserAgent,
			Proxy:      cfg.Proxy,
			UseProxy:   ix.UseProxy,
			Categories: ix.Categories,
			Timeout:    time.Duration(cfg.Search.SiteTimeoutSeconds) * time.Second,
		}))
	}

	for _, r := range regs {
		if err := registry.Register(r.cap, r.p); err != nil {
			return fmt.Errorf("failed to register %s %s: %w", r.cap, r.p.Name(), err)
		}
		log.WithFields(map[string]interface{}{
			"capability": string(r.cap),
			"provider":   r.p.Name(),
		}).Debug("provider registered")
	}
	return nil
}

// commandContext returns a context cancelled after timeout, or never when
// timeout is zero.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
