package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/glefebvre/moviepilot/internal/api"
	"github.com/glefebvre/moviepilot/internal/command"
	"github.com/glefebvre/moviepilot/internal/config"
	"github.com/glefebvre/moviepilot/internal/database"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/plugin"
	"github.com/glefebvre/moviepilot/internal/plugins"
	"github.com/glefebvre/moviepilot/internal/scheduler"
	"github.com/glefebvre/moviepilot/internal/shutdown"
	"github.com/glefebvre/moviepilot/internal/transfer"
	"github.com/spf13/cobra"
)

const (
	jobTransferPoll     = "transfer.poll"
	jobSubscribeRefresh = "subscribe.refresh"
	jobTempCleanup      = "transfer.cleanup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, plugins and HTTP API",
	Long: `Start MoviePilot as a long running service. The service:
- polls the downloader and files completed downloads into the library
- refreshes subscriptions on a schedule
- loads built-in plugins and external plugins from the plugins directory
- serves media server webhooks, messaging channels and plugin routes over HTTP

SIGINT or SIGTERM stops every component in reverse start order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		noResume, _ := cmd.Flags().GetBool("no-resume")
		return serve(port, !noResume)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "API port (default from config)")
	serveCmd.Flags().Bool("no-resume", false, "do not resume unfinished transfers on start")
}

func serve(port int, resume bool) error {
	log := logger.AppLogger()

	a, err := newApp()
	if err != nil {
		return err
	}
	cfg := a.cfg
	if port == 0 {
		port = cfg.API.Port
	}

	grace := time.Duration(cfg.Scheduler.GracePeriodSeconds) * time.Second
	shutdownHandler := shutdown.New(grace + 10*time.Second)
	shutdownHandler.Register("database", func(ctx context.Context) error {
		return database.Close()
	})
	shutdownHandler.Register("providers", func(ctx context.Context) error {
		return a.registry.Close()
	})

	sched := scheduler.New(scheduler.Options{
		Location:    cfg.Location(),
		Workers:     cfg.Scheduler.Workers,
		GracePeriod: grace,
	})
	shutdownHandler.Register("scheduler", sched.Stop)

	a.subs.Register(a.bus)

	host := plugin.NewHost(plugin.Deps{
		Bus:           a.bus,
		Scheduler:     sched,
		Store:         a.store,
		Registry:      a.registry,
		Subscriptions: a.subs,
		GracePeriod:   grace,
	})
	host.Register(a.bus)
	shutdownHandler.Register("plugins", func(ctx context.Context) error {
		host.Close(ctx)
		return nil
	})

	// a saved config change reloads every plugin
	config.OnSave(func() {
		a.bus.Emit(context.Background(), eventbus.PluginReload, nil)
	})

	router := command.NewRouter(a.bus, a.registry, func(channel string) config.ChannelAuth {
		return config.Get().ChannelAuth(channel)
	})
	router.SetPlugins(host)
	router.Add(command.Builtins(a.subs, a.pipeline, host)...)
	router.Register(a.bus)

	if err := addJobs(sched, a); err != nil {
		shutdownHandler.Shutdown()
		return err
	}
	sched.Start()

	ctx := context.Background()
	host.Load(ctx, plugins.Builtin()...)
	if n, err := host.Discover(ctx, cfg.Plugins.Dir); err != nil {
		log.WithField("dir", cfg.Plugins.Dir).Error("external plugin discovery failed", err)
	} else if n > 0 {
		log.WithField("count", n).Info("external plugins loaded")
	}

	if resume {
		if report, err := a.pipeline.Resume(ctx); err != nil {
			log.Error("failed to resume unfinished transfers", err)
		} else if report.Downloads > 0 {
			log.WithFields(map[string]interface{}{
				"downloads":   report.Downloads,
				"transferred": report.Transferred,
				"failed":      report.Failed,
			}).Info("resumed unfinished transfers")
		}
	}

	server := api.NewServer(api.Deps{
		Bus:           a.bus,
		Registry:      a.registry,
		Plugins:       host,
		Subscriptions: a.subs,
		Health: func(ctx context.Context) error {
			return database.HealthCheck()
		},
		CORSOrigins: cfg.API.CORSOrigins,
	})
	shutdownHandler.Register("api", server.Shutdown)

	go func() {
		if err := server.Run(port); err != nil {
			log.Error("api server stopped", err)
			shutdownHandler.Trigger()
		}
	}()

	log.WithFields(map[string]interface{}{
		"port":    port,
		"version": version,
	}).Info("moviepilot started")

	if err := shutdownHandler.Wait(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown finished with errors: %v\n", err)
		return err
	}
	log.Info("moviepilot stopped")
	return nil
}

// addJobs schedules the core background work
func addJobs(sched *scheduler.Scheduler, a *app) error {
	cfg := a.cfg
	log := logger.AppLogger()

	poll := time.Duration(cfg.Downloader.PollIntervalMinutes) * time.Minute
	if err := sched.AddInterval(jobTransferPoll, poll, func(ctx context.Context) error {
		_, err := a.pipeline.Poll(ctx)
		return err
	}); err != nil {
		return err
	}

	refresh := time.Duration(cfg.Subscribe.IntervalMinutes) * time.Minute
	if err := sched.AddInterval(jobSubscribeRefresh, refresh, func(ctx context.Context) error {
		_, err := a.subs.Refresh(ctx)
		return err
	}); err != nil {
		return err
	}

	return sched.AddCron(jobTempCleanup, "15 3 * * *", func(ctx context.Context) error {
		result, err := transfer.CleanupOrphans(transfer.CleanupOptions{
			Roots:          cfg.Library.Paths,
			RetentionHours: 24,
		})
		if err != nil {
			return err
		}
		if result.Removed > 0 {
			log.WithField("removed", result.Removed).Info("orphaned temp files removed")
		}
		return nil
	})
}
