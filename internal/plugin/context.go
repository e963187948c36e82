package plugin

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/scheduler"
	"github.com/glefebvre/moviepilot/internal/store"
)

// Subscriptions is the part of the subscription engine plugins may drive
type Subscriptions interface {
	Add(ctx context.Context, sub *models.Subscription) (*models.Subscription, bool, error)
	List(ctx context.Context) ([]models.Subscription, error)
}

// Context is what the host grants one plugin for one Init..Stop lifetime.
// Everything registered through it is owned by the plugin and released on
// close.
type Context struct {
	id       string
	bus      *eventbus.Bus
	sched    *scheduler.Scheduler
	store    *store.Store
	registry *provider.Registry
	subs     Subscriptions
	log      *logger.FieldLogger

	// ctx is cancelled when the plugin stops so running jobs notice
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newContext(id string, d Deps) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		id:       id,
		bus:      d.Bus,
		sched:    d.Scheduler,
		store:    d.Store,
		registry: d.Registry,
		subs:     d.Subscriptions,
		log:      logger.AppLogger().WithField("plugin", id),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]struct{}),
	}
}

// Bus gives access to the event bus with handlers owned by the plugin
func (c *Context) Bus() *Events { return &Events{c: c} }

// Scheduler gives access to jobs namespaced under the plugin
func (c *Context) Scheduler() *Jobs { return &Jobs{c: c} }

// Store is the plugin's config and data namespace
func (c *Context) Store() *Storage { return newStorage(c.store, c.id) }

// Records exposes the history repositories
func (c *Context) Records() *store.Store { return c.store }

func (c *Context) Registry() *provider.Registry { return c.registry }

func (c *Context) Subscriptions() Subscriptions { return c.subs }

func (c *Context) Logger() *logger.FieldLogger { return c.log }

// Notify posts a system notice to every messager
func (c *Context) Notify(ctx context.Context, title, text string) {
	if c.bus != nil {
		c.bus.Emit(ctx, eventbus.NoticeMessage, map[string]interface{}{
			"plugin_id": c.id,
			"title":     title,
			"text":      text,
		})
	}
	if c.registry == nil {
		return
	}
	err := c.registry.Notify(ctx, provider.Notification{Title: title, Text: text})
	if err != nil && !errors.IsNotConfigured(err) {
		c.log.Error("failed to send notice", err)
	}
}

// close cancels running jobs, drops every registration and waits up to grace
// for in-flight jobs to return
func (c *Context) close(ctx context.Context, grace time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	jobs := make([]string, 0, len(c.jobs))
	for name := range c.jobs {
		jobs = append(jobs, name)
	}
	c.jobs = map[string]struct{}{}
	c.mu.Unlock()

	c.cancel()
	if c.sched != nil {
		for _, name := range jobs {
			c.sched.Remove(name)
		}
	}
	if c.bus != nil {
		if n := c.bus.UnregisterOwner(c.owner()); n > 0 {
			c.log.WithFields(map[string]interface{}{"handlers": n}).Debug("plugin handlers unregistered")
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.log.Warn("plugin jobs still running after stop")
	case <-ctx.Done():
	}
}

func (c *Context) owner() string { return "plugin." + c.id }

// wrap ties a job run to the plugin lifetime
func (c *Context) wrap(fn scheduler.Func) scheduler.Func {
	return func(ctx context.Context) error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.wg.Add(1)
		c.mu.Unlock()
		defer c.wg.Done()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()
		return fn(ctx)
	}
}

// Events registers handlers on behalf of a plugin
type Events struct {
	c *Context
}

// On registers fn for t. Names are scoped to the plugin.
func (e *Events) On(t eventbus.Type, name string, fn eventbus.Handler) {
	e.c.bus.Register(t, e.c.owner()+"."+name, fn, eventbus.WithOwner(e.c.owner()))
}

// Off drops one handler registered with On
func (e *Events) Off(t eventbus.Type, name string) {
	e.c.bus.Unregister(t, e.c.owner()+"."+name)
}

// Emit posts an event and returns the number of failed handlers
func (e *Events) Emit(ctx context.Context, t eventbus.Type, data map[string]interface{}) int {
	return e.c.bus.Emit(ctx, t, data)
}

// Jobs schedules work on behalf of a plugin. Names are rewritten to
// plugin.<id>.<name>.
type Jobs struct {
	c *Context
}

// Name returns the scheduler-wide name of a plugin job
func (j *Jobs) Name(name string) string {
	return j.c.owner() + "." + name
}

func (j *Jobs) AddCron(name, expr string, fn scheduler.Func) error {
	return j.track(name, func(full string) error {
		return j.c.sched.AddCron(full, expr, j.c.wrap(fn))
	})
}

func (j *Jobs) AddInterval(name string, d time.Duration, fn scheduler.Func) error {
	return j.track(name, func(full string) error {
		return j.c.sched.AddInterval(full, d, j.c.wrap(fn))
	})
}

func (j *Jobs) AddOnce(name string, at time.Time, fn scheduler.Func) error {
	return j.track(name, func(full string) error {
		return j.c.sched.AddOnce(full, at, j.c.wrap(fn))
	})
}

// Remove drops a job; a run in progress finishes
func (j *Jobs) Remove(name string) bool {
	full := j.Name(name)
	j.c.mu.Lock()
	delete(j.c.jobs, full)
	j.c.mu.Unlock()
	return j.c.sched.Remove(full)
}

func (j *Jobs) RunNow(name string) error {
	return j.c.sched.RunNow(j.Name(name))
}

// Names lists the plugin's scheduled jobs
func (j *Jobs) Names() []string {
	j.c.mu.Lock()
	defer j.c.mu.Unlock()
	out := make([]string, 0, len(j.c.jobs))
	for name := range j.c.jobs {
		out = append(out, name)
	}
	return out
}

func (j *Jobs) track(name string, add func(full string) error) error {
	if j.c.sched == nil {
		return errors.NotConfiguredError("scheduler")
	}
	if strings.TrimSpace(name) == "" {
		return errors.ValidationError("job name is required")
	}
	full := j.Name(name)

	j.c.mu.Lock()
	defer j.c.mu.Unlock()
	if j.c.closed {
		return errors.New(errors.CodePluginInit, "plugin is stopped").WithContext("plugin", j.c.id)
	}
	if err := add(full); err != nil {
		return err
	}
	j.c.jobs[full] = struct{}{}
	return nil
}

// Storage is one plugin's isolated key/value space. Writes are atomic per
// key; nothing spans two keys.
type Storage struct {
	store *store.Store
	id    string
}

func newStorage(st *store.Store, id string) *Storage {
	return &Storage{store: st, id: id}
}

// Config returns every stored config value
func (s *Storage) Config(ctx context.Context) (Config, error) {
	values, err := s.store.Plugins.All(ctx, s.id, models.PluginNamespaceConfig)
	if err != nil {
		return nil, err
	}
	return Config(values), nil
}

func (s *Storage) SetConfig(ctx context.Context, key, value string) error {
	return s.store.Plugins.Put(ctx, s.id, models.PluginNamespaceConfig, key, value)
}

// Data decodes the JSON value stored under key into v
func (s *Storage) Data(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, ok, err := s.store.Plugins.Get(ctx, s.id, models.PluginNamespaceData, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, errors.ParseError("failed to decode plugin data", err).WithContext("key", key)
	}
	return true, nil
}

// SetData stores v as JSON under key
func (s *Storage) SetData(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.ParseError("failed to encode plugin data", err).WithContext("key", key)
	}
	return s.store.Plugins.Put(ctx, s.id, models.PluginNamespaceData, key, string(raw))
}

func (s *Storage) DeleteData(ctx context.Context, key string) error {
	return s.store.Plugins.Delete(ctx, s.id, models.PluginNamespaceData, key)
}
