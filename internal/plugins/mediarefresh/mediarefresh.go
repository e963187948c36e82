// Package mediarefresh asks media servers to rescan the directories the
// transfer pipeline writes to. Refreshes are debounced per directory.
package mediarefresh

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/plugin"
	"github.com/google/uuid"
)

const (
	ID           = "mediarefresh"
	defaultDelay = 10 * time.Second
)

// Plugin reacts to transfer.complete
type Plugin struct {
	plugin.Base

	mu      sync.Mutex
	enabled bool
	delay   time.Duration
	servers []string
	pending map[string]string
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) ID() string   { return ID }
func (p *Plugin) Name() string { return "Media server refresh" }

func (p *Plugin) State() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Plugin) Form() ([]plugin.Field, plugin.Config) {
	fields := []plugin.Field{
		{Name: "enabled", Label: "Enabled", Type: "switch"},
		{Name: "delay", Label: "Delay before refreshing", Type: "text"},
		{Name: "servers", Label: "Media servers (empty for all)", Type: "text"},
	}
	return fields, plugin.Config{"enabled": "true", "delay": defaultDelay.String()}
}

func (p *Plugin) Init(ctx context.Context, pc *plugin.Context, cfg plugin.Config) error {
	p.mu.Lock()
	p.enabled = cfg.Bool("enabled")
	p.delay = cfg.Duration("delay", defaultDelay)
	p.servers = cfg.List("servers")
	p.pending = make(map[string]string)
	enabled := p.enabled
	p.mu.Unlock()

	if !enabled {
		return nil
	}
	pc.Bus().On(eventbus.TransferComplete, "refresh", func(ctx context.Context, ev eventbus.Event) error {
		return p.schedule(pc, ev.String("dest"))
	})
	return nil
}

// schedule (re)arms the one-shot job for dest's directory. Re-adding a job
// under the same name replaces it, which pushes the refresh back.
func (p *Plugin) schedule(pc *plugin.Context, dest string) error {
	if dest == "" {
		return nil
	}
	dir := filepath.Dir(dest)
	job := "refresh." + uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+dir)).String()[:8]

	p.mu.Lock()
	p.pending[job] = dir
	delay := p.delay
	p.mu.Unlock()

	return pc.Scheduler().AddOnce(job, time.Now().Add(delay), func(ctx context.Context) error {
		return p.flush(ctx, pc, job)
	})
}

func (p *Plugin) flush(ctx context.Context, pc *plugin.Context, job string) error {
	p.mu.Lock()
	dir, ok := p.pending[job]
	delete(p.pending, job)
	servers := p.servers
	p.mu.Unlock()
	if !ok {
		return nil
	}

	log := pc.Logger().WithFields(map[string]interface{}{"dir": dir})
	paths := []string{dir}
	if len(servers) == 0 {
		if err := pc.Registry().RefreshAll(ctx, paths); err != nil {
			return err
		}
		log.Info("media servers refreshed")
		return nil
	}

	var firstErr error
	for _, name := range servers {
		server, err := pc.Registry().MediaServer(name)
		if err == nil {
			err = server.Refresh(ctx, paths)
		}
		if err != nil {
			log.WithFields(map[string]interface{}{"server": name}).Error("media server refresh failed", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
