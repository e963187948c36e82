// Package speedlimit throttles downloaders while someone is watching
// something on the media server and lifts the limit once playback stops.
package speedlimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/plugin"
)

const (
	ID = "speedlimit"

	defaultInterval = 5 * time.Minute
	// a session that never reported a stop is dropped after this long
	defaultStale = 4 * time.Hour
)

var (
	startEvents = map[string]bool{"playback.start": true, "playback.unpause": true, "playbackstart": true}
	stopEvents  = map[string]bool{"playback.stop": true, "playback.pause": true, "playbackstop": true}
)

// State is what the plugin last applied
type State struct {
	Limited  bool      `json:"limited"`
	Sessions int       `json:"sessions"`
	At       time.Time `json:"at"`
}

// Plugin reacts to webhook.message playback events
type Plugin struct {
	plugin.Base

	mu       sync.Mutex
	enabled  bool
	upload   int
	download int
	stale    time.Duration
	// sessions maps device+item to the time playback was last seen
	sessions map[string]time.Time
	limited  bool
	now      func() time.Time
}

func New() *Plugin {
	return &Plugin{now: time.Now}
}

func (p *Plugin) ID() string   { return ID }
func (p *Plugin) Name() string { return "Playback speed limit" }

func (p *Plugin) State() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Plugin) Form() ([]plugin.Field, plugin.Config) {
	fields := []plugin.Field{
		{Name: "enabled", Label: "Enabled", Type: "switch"},
		{Name: "upload_kbps", Label: "Upload limit while playing (KB/s)", Type: "number"},
		{Name: "download_kbps", Label: "Download limit while playing (KB/s, 0 for none)", Type: "number"},
		{Name: "interval", Label: "Re-check interval", Type: "text"},
	}
	return fields, plugin.Config{
		"enabled":       "true",
		"upload_kbps":   "100",
		"download_kbps": "0",
		"interval":      defaultInterval.String(),
	}
}

func (p *Plugin) Init(ctx context.Context, pc *plugin.Context, cfg plugin.Config) error {
	p.mu.Lock()
	p.enabled = cfg.Bool("enabled")
	p.upload = cfg.Int("upload_kbps", 100)
	p.download = cfg.Int("download_kbps", 0)
	p.stale = cfg.Duration("stale", defaultStale)
	p.sessions = make(map[string]time.Time)
	p.limited = false
	enabled := p.enabled
	p.mu.Unlock()

	if !enabled {
		return nil
	}

	var last State
	if ok, err := pc.Store().Data(ctx, "state", &last); err == nil && ok && last.Limited {
		// a restart while limited must not leave downloaders throttled
		p.mu.Lock()
		p.limited = true
		p.mu.Unlock()
	}

	pc.Bus().On(eventbus.WebhookMessage, "playback", func(ctx context.Context, ev eventbus.Event) error {
		return p.onWebhook(ctx, pc, ev)
	})
	return pc.Scheduler().AddInterval("check", cfg.Duration("interval", defaultInterval), func(ctx context.Context) error {
		return p.apply(ctx, pc, true)
	})
}

func (p *Plugin) onWebhook(ctx context.Context, pc *plugin.Context, ev eventbus.Event) error {
	name := strings.ToLower(ev.String("event"))
	key := ev.String("device_name") + "|" + ev.String("client") + "|" + ev.String("item_name")

	p.mu.Lock()
	switch {
	case startEvents[name]:
		p.sessions[key] = p.now()
	case stopEvents[name]:
		delete(p.sessions, key)
	default:
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.apply(ctx, pc, false)
}

// apply sets or lifts the limit when the playback state changed. force
// re-applies the current state, which covers restarted downloaders.
func (p *Plugin) apply(ctx context.Context, pc *plugin.Context, force bool) error {
	p.mu.Lock()
	now := p.now()
	for key, seen := range p.sessions {
		if now.Sub(seen) > p.stale {
			delete(p.sessions, key)
		}
	}
	want := len(p.sessions) > 0
	if want == p.limited && !force {
		p.mu.Unlock()
		return nil
	}
	up, down := 0, 0
	if want {
		up, down = p.upload, p.download
	}
	sessions := len(p.sessions)
	p.mu.Unlock()

	log := pc.Logger().WithFields(map[string]interface{}{
		"sessions":      sessions,
		"upload_kbps":   up,
		"download_kbps": down,
	})

	var firstErr error
	for _, d := range pc.Registry().Downloaders() {
		if err := d.SetSpeedLimit(ctx, up, down); err != nil {
			log.WithFields(map[string]interface{}{"downloader": d.Name()}).Error("failed to set speed limit", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	p.mu.Lock()
	changed := p.limited != want
	p.limited = want
	p.mu.Unlock()

	if changed {
		if want {
			log.Info("downloaders throttled for playback")
		} else {
			log.Info("download speed limits lifted")
		}
	}
	return pc.Store().SetData(ctx, "state", State{Limited: want, Sessions: sessions, At: now})
}
