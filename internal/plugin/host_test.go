package plugin

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/provider/providertest"
	"github.com/glefebvre/moviepilot/internal/scheduler"
	"github.com/glefebvre/moviepilot/internal/store"
	testutil "github.com/glefebvre/moviepilot/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncPlugin registers one handler, one cron job, one command and one route
type syncPlugin struct {
	Base
	id string

	mu      sync.Mutex
	initErr error
	cfgs    []Config

	inits     atomic.Int32
	handled   atomic.Int32
	started   chan struct{}
	cancelled chan struct{}
}

func newSyncPlugin(id string) *syncPlugin {
	return &syncPlugin{
		id:        id,
		started:   make(chan struct{}, 4),
		cancelled: make(chan struct{}, 4),
	}
}

func (p *syncPlugin) ID() string   { return p.id }
func (p *syncPlugin) Name() string { return "Sync " + p.id }
func (p *syncPlugin) State() bool  { return true }

func (p *syncPlugin) Form() ([]Field, Config) {
	return []Field{{Name: "interval", Type: "text"}}, Config{"interval": "1h", "label": "default"}
}

func (p *syncPlugin) Init(ctx context.Context, pc *Context, cfg Config) error {
	p.inits.Add(1)
	p.mu.Lock()
	p.cfgs = append(p.cfgs, cfg)
	err := p.initErr
	p.mu.Unlock()
	if err != nil {
		return err
	}

	pc.Bus().On(eventbus.DownloadAdded, "count", func(ctx context.Context, ev eventbus.Event) error {
		p.handled.Add(1)
		return nil
	})
	return pc.Scheduler().AddCron("sync", "0 * * * *", func(ctx context.Context) error {
		p.started <- struct{}{}
		<-ctx.Done()
		p.cancelled <- struct{}{}
		return ctx.Err()
	})
}

func (p *syncPlugin) Commands() []CommandDescriptor {
	return []CommandDescriptor{{Cmd: "/" + p.id + "_sync", Event: eventbus.Type(p.id + ".sync"), Description: "sync now"}}
}

func (p *syncPlugin) APIs() []APIDescriptor {
	return []APIDescriptor{{
		Method: http.MethodGet,
		Path:   "/status",
		Handler: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(p.id + " ok"))
		},
	}}
}

func (p *syncPlugin) failNextInit(err error) {
	p.mu.Lock()
	p.initErr = err
	p.mu.Unlock()
}

func (p *syncPlugin) lastConfig() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfgs[len(p.cfgs)-1]
}

type hostFixture struct {
	host     *Host
	bus      *eventbus.Bus
	sched    *scheduler.Scheduler
	store    *store.Store
	messager *providertest.Messager
}

func newHostFixture(t *testing.T) *hostFixture {
	t.Helper()
	bus := eventbus.New()
	sched := scheduler.New(scheduler.Options{Workers: 4, GracePeriod: time.Second})
	sched.Start()
	t.Cleanup(func() { sched.Stop(context.Background()) })

	registry := provider.NewRegistry(nil)
	messager := &providertest.Messager{}
	require.NoError(t, registry.Register(provider.CapMessager, messager))

	st := store.New(testutil.TestDB(t))
	host := NewHost(Deps{
		Bus:         bus,
		Scheduler:   sched,
		Store:       st,
		Registry:    registry,
		GracePeriod: time.Second,
	})
	host.Register(bus)
	return &hostFixture{host: host, bus: bus, sched: sched, store: st, messager: messager}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestHost_LoadRegistersEverything(t *testing.T) {
	f := newHostFixture(t)
	p := newSyncPlugin("p")
	f.host.Load(context.Background(), p)

	assert.True(t, f.sched.Has("plugin.p.sync"))
	assert.Equal(t, []string{"plugin.p.count"}, f.bus.Handlers(eventbus.DownloadAdded))

	f.bus.Emit(context.Background(), eventbus.DownloadAdded, nil)
	assert.Equal(t, int32(1), p.handled.Load())

	cmds := f.host.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "p", cmds[0].PluginID)
	assert.Equal(t, "/p_sync", cmds[0].Cmd)

	list := f.host.List()
	require.Len(t, list, 1)
	assert.Equal(t, Info{
		ID:       "p",
		Name:     "Sync p",
		Enabled:  true,
		Running:  true,
		Commands: []string{"/p_sync"},
		Jobs:     []string{"plugin.p.sync"},
		Routes:   []string{"GET /status"},
	}, list[0])

	assert.Equal(t, "default", p.lastConfig()["label"], "defaults fill unset keys")
}

func TestHost_StoredConfigOverridesDefaults(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	require.NoError(t, newStorage(f.store, "p").SetConfig(ctx, "label", "custom"))

	p := newSyncPlugin("p")
	f.host.Load(ctx, p)

	cfg := p.lastConfig()
	assert.Equal(t, "custom", cfg["label"])
	assert.Equal(t, "1h", cfg["interval"])
}

func TestHost_RoutesOnlyWhileRunning(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	f.host.Load(ctx, newSyncPlugin("p"))

	rec := httptest.NewRecorder()
	f.host.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plugin/p/status", nil), "p", "status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p ok", rec.Body.String())

	rec = httptest.NewRecorder()
	f.host.ServeRoute(rec, httptest.NewRequest(http.MethodPost, "/api/v1/plugin/p/status", nil), "p", "/status")
	assert.Equal(t, http.StatusNotFound, rec.Code, "method is part of the route")

	f.host.StopAll(ctx)
	rec = httptest.NewRecorder()
	f.host.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plugin/p/status", nil), "p", "/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, f.sched.Has("plugin.p.sync"))
	assert.Empty(t, f.bus.Handlers(eventbus.DownloadAdded))
	assert.Empty(t, f.host.Commands())
}

func TestHost_InitFailureDisablesOnlyThatPlugin(t *testing.T) {
	f := newHostFixture(t)
	bad := newSyncPlugin("bad")
	bad.failNextInit(stderrors.New("missing api key"))
	good := newSyncPlugin("good")

	f.host.Load(context.Background(), bad, good)

	list := f.host.List()
	require.Len(t, list, 2)
	assert.False(t, list[0].Enabled)
	assert.Contains(t, list[0].Error, "missing api key")
	assert.True(t, list[1].Enabled)
	assert.Empty(t, list[1].Error)

	assert.False(t, f.sched.Has("plugin.bad.sync"))
	assert.True(t, f.sched.Has("plugin.good.sync"))

	msgs := f.messager.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Sync bad failed to start", msgs[0].Title)
}

func TestHost_InitPanicIsContained(t *testing.T) {
	f := newHostFixture(t)
	f.host.Load(context.Background(), &panicPlugin{})

	list := f.host.List()
	require.Len(t, list, 1)
	assert.False(t, list[0].Running)
	assert.Contains(t, list[0].Error, "init panicked")
}

type panicPlugin struct{ Base }

func (panicPlugin) ID() string   { return "panics" }
func (panicPlugin) Name() string { return "Panics" }
func (panicPlugin) State() bool  { return true }
func (panicPlugin) Init(ctx context.Context, pc *Context, cfg Config) error {
	pc.Bus().On(eventbus.DownloadAdded, "never", func(context.Context, eventbus.Event) error { return nil })
	panic("boom")
}

func TestHost_PanicRollsBackRegistrations(t *testing.T) {
	f := newHostFixture(t)
	f.host.Load(context.Background(), &panicPlugin{})
	assert.Empty(t, f.bus.Handlers(eventbus.DownloadAdded))
}

// A reload while a job is running cancels the job, re-registers everything
// and leaves the other plugins alone
func TestHost_ReloadUnderLoad(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	p := newSyncPlugin("p")
	other := newSyncPlugin("other")
	f.host.Load(ctx, p, other)

	require.NoError(t, f.sched.RunNow("plugin.p.sync"))
	waitSignal(t, p.started, "job start")

	require.NoError(t, newStorage(f.store, "p").SetConfig(ctx, "label", "fresh"))
	f.bus.Emit(ctx, eventbus.PluginReload, map[string]interface{}{"plugin_id": "p"})

	waitSignal(t, p.cancelled, "job cancellation")
	assert.Equal(t, int32(2), p.inits.Load())
	assert.Equal(t, "fresh", p.lastConfig()["label"])
	assert.True(t, f.sched.Has("plugin.p.sync"))
	assert.Len(t, f.bus.Handlers(eventbus.DownloadAdded), 2, "one handler per plugin after reload")

	// the next init fails
	p.failNextInit(stderrors.New("bad config"))
	f.bus.Emit(ctx, eventbus.PluginReload, map[string]interface{}{"plugin_id": "p"})

	assert.False(t, f.sched.Has("plugin.p.sync"))
	assert.Equal(t, []string{"plugin.other.count"}, f.bus.Handlers(eventbus.DownloadAdded))
	assert.True(t, f.sched.Has("plugin.other.sync"))
	assert.Equal(t, int32(1), other.inits.Load())

	list := f.host.List()
	assert.False(t, list[0].Enabled)
	assert.Contains(t, list[0].Error, "bad config")
	assert.True(t, list[1].Enabled)
}

func TestHost_ReloadAllOnBroadcast(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	a, b := newSyncPlugin("a"), newSyncPlugin("b")
	f.host.Load(ctx, a, b)

	f.bus.Emit(ctx, eventbus.PluginReload, nil)
	assert.Equal(t, int32(2), a.inits.Load())
	assert.Equal(t, int32(2), b.inits.Load())
}

func TestHost_ReloadUnknown(t *testing.T) {
	f := newHostFixture(t)
	err := f.host.Reload(context.Background(), "ghost")
	assert.True(t, errors.IsNotFound(err))
}

func TestHost_SaveConfigReloads(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	p := newSyncPlugin("p")
	f.host.Load(ctx, p)

	require.NoError(t, f.host.SaveConfig(ctx, "p", map[string]string{"label": "saved"}))
	assert.Equal(t, int32(2), p.inits.Load())
	assert.Equal(t, "saved", p.lastConfig()["label"])
}

func TestHost_LoadSameIDReplaces(t *testing.T) {
	f := newHostFixture(t)
	ctx := context.Background()
	first, second := newSyncPlugin("p"), newSyncPlugin("p")
	f.host.Load(ctx, first)
	f.host.Load(ctx, second)

	require.Len(t, f.host.List(), 1)
	got, ok := f.host.Get("p")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, []string{"plugin.p.count"}, f.bus.Handlers(eventbus.DownloadAdded))
}

func TestStorage_Data(t *testing.T) {
	st := store.New(testutil.TestDB(t))
	ctx := context.Background()
	s := newStorage(st, "signin")

	type result struct {
		Site string `json:"site"`
		OK   bool   `json:"ok"`
	}
	var got result
	found, err := s.Data(ctx, "last", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetData(ctx, "last", result{Site: "tracker", OK: true}))
	found, err = s.Data(ctx, "last", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, result{Site: "tracker", OK: true}, got)

	other := newStorage(st, "other")
	found, err = other.Data(ctx, "last", &got)
	require.NoError(t, err)
	assert.False(t, found, "namespaces are isolated per plugin")

	require.NoError(t, s.DeleteData(ctx, "last"))
	found, err = s.Data(ctx, "last", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConfig_Accessors(t *testing.T) {
	cfg := Config{
		"enabled": "true",
		"delay":   "90",
		"window":  "5m",
		"servers": "emby, ,jellyfin",
		"limit":   "x",
	}
	assert.True(t, cfg.Bool("enabled"))
	assert.False(t, cfg.Bool("missing"))
	assert.Equal(t, 90*time.Second, cfg.Duration("delay", 0))
	assert.Equal(t, 5*time.Minute, cfg.Duration("window", 0))
	assert.Equal(t, time.Minute, cfg.Duration("missing", time.Minute))
	assert.Equal(t, []string{"emby", "jellyfin"}, cfg.List("servers"))
	assert.Equal(t, 7, cfg.Int("limit", 7))
	assert.Equal(t, "fallback", cfg.String("missing", "fallback"))
}
