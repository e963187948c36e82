package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/plugin"
	"github.com/glefebvre/moviepilot/internal/provider"
	"github.com/glefebvre/moviepilot/internal/provider/providertest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSubs []models.Subscription

func (s stubSubs) List(ctx context.Context) ([]models.Subscription, error) { return s, nil }

type statusPlugin struct {
	plugin.Base
}

func (statusPlugin) ID() string   { return "status" }
func (statusPlugin) Name() string { return "Status" }
func (statusPlugin) State() bool  { return true }

func (statusPlugin) Init(ctx context.Context, pc *plugin.Context, cfg plugin.Config) error {
	return nil
}

func (statusPlugin) APIs() []plugin.APIDescriptor {
	return []plugin.APIDescriptor{{
		Method: http.MethodGet,
		Path:   "/state",
		Handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("running"))
		},
	}}
}

type fixture struct {
	server   *Server
	bus      *eventbus.Bus
	host     *plugin.Host
	media    *providertest.MediaServer
	messager *providertest.Messager
	dl       *providertest.Downloader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:      eventbus.New(),
		media:    &providertest.MediaServer{ID: "emby"},
		messager: &providertest.Messager{ID: "telegram"},
		dl:       &providertest.Downloader{ID: "qbittorrent"},
	}
	registry := provider.NewRegistry(nil)
	require.NoError(t, registry.Register(provider.CapMediaServer, f.media))
	require.NoError(t, registry.Register(provider.CapMessager, f.messager))
	require.NoError(t, registry.Register(provider.CapDownloader, f.dl))

	f.host = plugin.NewHost(plugin.Deps{Bus: f.bus, Registry: registry})
	f.host.Load(context.Background(), statusPlugin{})

	f.server = NewServer(Deps{
		Bus:      f.bus,
		Registry: registry,
		Plugins:  f.host,
		Subscriptions: stubSubs{
			{ID: 1, Name: "Dune"}, {ID: 2, Name: "Dark"}, {ID: 3, Name: "Barbie"},
		},
		Health: func(ctx context.Context) error { return nil },
	})
	return f
}

func (f *fixture) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) capture(t eventbus.Type) *[]eventbus.Event {
	var got []eventbus.Event
	f.bus.Register(t, "test.capture", func(ctx context.Context, ev eventbus.Event) error {
		got = append(got, ev)
		return nil
	})
	return &got
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	f.server.deps.Health = func(ctx context.Context) error { return stderrors.New("database is closed") }
	w = f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "database is closed")
}

func TestMediaServerWebhook(t *testing.T) {
	f := newFixture(t)
	got := f.capture(eventbus.WebhookMessage)

	w := f.do(http.MethodPost, "/api/v1/webhook/mediaserver/emby", "application/json", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, w.Body.String())
	assert.Empty(t, *got)

	f.media.Webhook = &provider.WebhookEvent{Event: "item.rate", ItemType: provider.ItemMovie, ItemName: "Dune (2021)", TMDBID: 438631}
	w = f.do(http.MethodPost, "/api/v1/webhook/mediaserver/emby", "application/json", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, *got, 1)
	ev := (*got)[0]
	assert.Equal(t, "item.rate", ev.String("event"))
	assert.Equal(t, "emby", ev.String("channel"))
	assert.Equal(t, 438631, ev.Int("tmdb_id"))

	w = f.do(http.MethodPost, "/api/v1/webhook/mediaserver/plex", "application/json", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInboundMessage(t *testing.T) {
	f := newFixture(t)
	got := f.capture(eventbus.UserMessage)

	w := f.do(http.MethodPost, "/api/v1/message/telegram", "application/x-www-form-urlencoded",
		"userid=42&username=ana&text=%2Fsubscribe_refresh")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, *got, 1)
	assert.Equal(t, map[string]interface{}{
		"channel":  "telegram",
		"userid":   "42",
		"username": "ana",
		"text":     "/subscribe_refresh",
	}, (*got)[0].Data)

	w = f.do(http.MethodPost, "/api/v1/message/telegram", "application/x-www-form-urlencoded", "userid=42")
	assert.JSONEq(t, `{"status":"ignored"}`, w.Body.String())
	assert.Len(t, *got, 1)

	w = f.do(http.MethodPost, "/api/v1/message/wechat", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPluginRoutes(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/plugin/status/state", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", w.Body.String())

	w = f.do(http.MethodPost, "/api/v1/plugin/status/state", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/v1/plugins", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Plugins []plugin.Info `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Plugins, 1)
	assert.True(t, body.Plugins[0].Running)

	f.host.StopAll(context.Background())
	w = f.do(http.MethodGet, "/api/v1/plugin/status/state", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/api/v1/plugins/status/reload", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(http.MethodGet, "/api/v1/plugin/status/state", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/v1/plugins/missing/reload", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSubscriptions(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantNames []string
		wantPages int
	}{
		{name: "default page", query: "", wantNames: []string{"Dune", "Dark", "Barbie"}, wantPages: 1},
		{name: "second page", query: "?limit=2&offset=2", wantNames: []string{"Barbie"}, wantPages: 2},
		{name: "offset past end", query: "?offset=10", wantNames: []string{}, wantPages: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodGet, "/api/v1/subscriptions"+tt.query, "", "")
			require.Equal(t, http.StatusOK, w.Code)

			var resp struct {
				Data       []models.Subscription `json:"data"`
				Total      int64                 `json:"total"`
				TotalPages int                   `json:"total_pages"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			names := []string{}
			for _, s := range resp.Data {
				names = append(names, s.Name)
			}
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, int64(3), resp.Total)
			assert.Equal(t, tt.wantPages, resp.TotalPages)
		})
	}
}

func TestDeleteDownload(t *testing.T) {
	f := newFixture(t)
	got := f.capture(eventbus.DownloadFileDeleted)

	w := f.do(http.MethodDelete, "/api/v1/downloads/abc123", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"abc123"}, f.dl.Removed)
	require.Len(t, *got, 1)
	assert.Equal(t, "abc123", (*got)[0].String("download_hash"))

	w = f.do(http.MethodDelete, "/api/v1/downloads/abc123?downloader=transmission", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?types=subscribe.added"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	// the stream subscribes after the upgrade, so keep emitting until it lands
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				f.bus.Emit(context.Background(), eventbus.NoticeMessage, map[string]interface{}{"title": "skip"})
				f.bus.Emit(context.Background(), eventbus.SubscribeAdded, map[string]interface{}{"name": "Dune"})
			}
		}
	}()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg EventMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "subscribe.added", msg.Type)
	assert.Equal(t, "Dune", msg.Data["name"])
	assert.NotEmpty(t, msg.ID)
}
