package plugin

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/scheduler"
	"github.com/glefebvre/moviepilot/internal/store"
)

const defaultGracePeriod = 10 * time.Second

// Deps are the services handed to every plugin
type Deps struct {
	Bus           *eventbus.Bus
	Scheduler     *scheduler.Scheduler
	Store         *store.Store
	Registry      *provider.Registry
	Subscriptions Subscriptions
	// GracePeriod bounds how long a stop waits for running plugin jobs
	GracePeriod time.Duration
}

// Info describes a loaded plugin
type Info struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Enabled  bool     `json:"enabled"`
	Running  bool     `json:"running"`
	Error    string   `json:"error,omitempty"`
	Commands []string `json:"commands,omitempty"`
	Jobs     []string `json:"jobs,omitempty"`
	Routes   []string `json:"routes,omitempty"`
}

// Command is a command descriptor together with the plugin that owns it
type Command struct {
	PluginID string
	CommandDescriptor
}

type entry struct {
	plugin  Plugin
	pc      *Context
	running bool
	err     error
	// routes maps "METHOD /path" to a handler while the plugin runs
	routes   map[string]http.HandlerFunc
	commands []CommandDescriptor
}

// Host owns the plugin set
type Host struct {
	deps Deps
	log  *logger.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string
	externals []*External
	// ops serialises load, reload and stop
	ops sync.Mutex
}

// NewHost creates an empty host
func NewHost(deps Deps) *Host {
	if deps.GracePeriod <= 0 {
		deps.GracePeriod = defaultGracePeriod
	}
	return &Host{
		deps:    deps,
		log:     logger.AppLogger(),
		entries: make(map[string]*entry),
	}
}

// Register wires plugin.reload to the host. An event without plugin_id
// reloads every plugin.
func (h *Host) Register(bus *eventbus.Bus) {
	bus.Register(eventbus.PluginReload, "plugin.host.reload", func(ctx context.Context, ev eventbus.Event) error {
		if id := ev.String("plugin_id"); id != "" {
			return h.Reload(ctx, id)
		}
		h.ReloadAll(ctx)
		return nil
	})
}

// Load adds plugins and starts each one. A plugin whose Init fails is kept
// disabled; the others still start. Loading an id twice replaces the first.
func (h *Host) Load(ctx context.Context, plugins ...Plugin) {
	for _, p := range plugins {
		id := p.ID()
		if id == "" {
			h.log.Warn("ignoring plugin without id")
			continue
		}

		h.ops.Lock()
		h.mu.Lock()
		prev, exists := h.entries[id]
		e := &entry{plugin: p}
		h.entries[id] = e
		if !exists {
			h.order = append(h.order, id)
		}
		h.mu.Unlock()

		if exists {
			h.stop(ctx, prev)
		}
		h.start(ctx, e)
		h.ops.Unlock()
	}
}

// Reload stops a plugin, reads its config again and runs Init
func (h *Host) Reload(ctx context.Context, id string) error {
	h.ops.Lock()
	defer h.ops.Unlock()

	e, ok := h.entry(id)
	if !ok {
		return errors.NotFoundError("plugin", id)
	}
	h.stop(ctx, e)
	return h.start(ctx, e)
}

// ReloadAll reloads every plugin in load order
func (h *Host) ReloadAll(ctx context.Context) {
	for _, id := range h.ids() {
		if err := h.Reload(ctx, id); err != nil {
			h.log.WithField("plugin", id).Warn("plugin reload failed: " + err.Error())
		}
	}
}

// StopAll stops every running plugin in reverse load order
func (h *Host) StopAll(ctx context.Context) {
	h.ops.Lock()
	defer h.ops.Unlock()

	ids := h.ids()
	for i := len(ids) - 1; i >= 0; i-- {
		if e, ok := h.entry(ids[i]); ok {
			h.stop(ctx, e)
		}
	}
}

// SaveConfig persists config values for a plugin and reloads it
func (h *Host) SaveConfig(ctx context.Context, id string, values map[string]string) error {
	if _, ok := h.entry(id); !ok {
		return errors.NotFoundError("plugin", id)
	}
	storage := newStorage(h.deps.Store, id)
	for k, v := range values {
		if err := storage.SetConfig(ctx, k, v); err != nil {
			return err
		}
	}
	h.deps.Bus.Emit(ctx, eventbus.PluginReload, map[string]interface{}{"plugin_id": id})
	return nil
}

// List describes every plugin in load order
func (h *Host) List() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Info, 0, len(h.order))
	for _, id := range h.order {
		e := h.entries[id]
		info := Info{
			ID:      id,
			Name:    e.plugin.Name(),
			Running: e.running,
			Enabled: e.running && e.plugin.State(),
		}
		if e.err != nil {
			info.Error = e.err.Error()
		}
		for _, c := range e.commands {
			info.Commands = append(info.Commands, c.Cmd)
		}
		if e.pc != nil && e.running {
			info.Jobs = e.pc.Scheduler().Names()
			sort.Strings(info.Jobs)
		}
		for route := range e.routes {
			info.Routes = append(info.Routes, route)
		}
		sort.Strings(info.Routes)
		out = append(out, info)
	}
	return out
}

// Get returns a loaded plugin
func (h *Host) Get(id string) (Plugin, bool) {
	e, ok := h.entry(id)
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Commands lists the commands of every running plugin
func (h *Host) Commands() []Command {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Command
	for _, id := range h.order {
		e := h.entries[id]
		if !e.running {
			continue
		}
		for _, c := range e.commands {
			out = append(out, Command{PluginID: id, CommandDescriptor: c})
		}
	}
	return out
}

// Handle returns the handler of a plugin route. It is only found while the
// plugin is running.
func (h *Host) Handle(id, method, path string) (http.HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.entries[id]
	if !ok || !e.running {
		return nil, false
	}
	fn, ok := e.routes[routeKey(method, path)]
	return fn, ok
}

// ServeRoute dispatches r to a plugin route. path is relative to the
// plugin's mount point.
func (h *Host) ServeRoute(w http.ResponseWriter, r *http.Request, id, path string) {
	fn, ok := h.Handle(id, r.Method, path)
	if !ok {
		http.Error(w, "plugin route not found", http.StatusNotFound)
		return
	}
	fn(w, r)
}

func (h *Host) start(ctx context.Context, e *entry) error {
	p := e.plugin
	log := h.log.WithField("plugin", p.ID())

	cfg, err := h.config(ctx, p)
	if err != nil {
		return h.fail(ctx, e, err)
	}

	pc := newContext(p.ID(), h.deps)
	if err := safeInit(ctx, p, pc, cfg); err != nil {
		pc.close(ctx, h.deps.GracePeriod)
		return h.fail(ctx, e, err)
	}

	routes := make(map[string]http.HandlerFunc)
	for _, api := range p.APIs() {
		if api.Handler == nil {
			continue
		}
		routes[routeKey(api.Method, api.Path)] = api.Handler
	}

	h.mu.Lock()
	e.pc = pc
	e.running = true
	e.err = nil
	e.routes = routes
	e.commands = p.Commands()
	h.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"enabled":  p.State(),
		"commands": len(e.commands),
		"routes":   len(routes),
	}).Info("plugin started")
	return nil
}

// fail leaves the plugin disabled and tells the user
func (h *Host) fail(ctx context.Context, e *entry, err error) error {
	p := e.plugin
	wrapped := errors.Wrap(err, errors.CodePluginInit, "plugin failed to start").WithContext("plugin", p.ID())

	h.mu.Lock()
	e.running = false
	e.err = wrapped
	e.routes = nil
	e.commands = nil
	h.mu.Unlock()

	h.log.WithField("plugin", p.ID()).Error("plugin failed to start", err)
	pc := newContext(p.ID(), h.deps)
	pc.Notify(ctx, p.Name()+" failed to start", err.Error())
	return wrapped
}

func (h *Host) stop(ctx context.Context, e *entry) {
	h.mu.Lock()
	pc := e.pc
	wasRunning := e.running
	e.running = false
	e.pc = nil
	e.routes = nil
	e.commands = nil
	h.mu.Unlock()

	if !wasRunning {
		return
	}
	log := h.log.WithField("plugin", e.plugin.ID())
	if err := safeStop(ctx, e.plugin); err != nil {
		log.Error("plugin stop failed", err)
	}
	if pc != nil {
		pc.close(ctx, h.deps.GracePeriod)
	}
	log.Info("plugin stopped")
}

// config merges the stored values over the plugin's defaults
func (h *Host) config(ctx context.Context, p Plugin) (Config, error) {
	_, defaults := p.Form()
	if defaults == nil {
		defaults = Config{}
	}
	if h.deps.Store == nil {
		return defaults.merge(nil), nil
	}
	stored, err := newStorage(h.deps.Store, p.ID()).Config(ctx)
	if err != nil {
		return nil, err
	}
	return defaults.merge(stored), nil
}

func (h *Host) entry(id string) (*entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	return e, ok
}

func (h *Host) ids() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

func safeInit(ctx context.Context, p Plugin, pc *Context, cfg Config) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New(errors.CodePluginInit, fmt.Sprintf("init panicked: %v", rec)).
				WithContext("stack", string(debug.Stack()))
		}
	}()
	return p.Init(ctx, pc, cfg)
}

func safeStop(ctx context.Context, p Plugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New(errors.CodeInternal, fmt.Sprintf("stop panicked: %v", rec))
		}
	}()
	return p.Stop(ctx)
}

func routeKey(method, path string) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " /" + strings.Trim(path, "/")
}
