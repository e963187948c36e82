package plugin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/rpc"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

const (
	pluginKey       = "moviepilot"
	maxRemoteBody   = 8 << 20
	externalEnabled = "enabled"
)

// Handshake is shared by the host and every external plugin binary
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MOVIEPILOT_PLUGIN",
	MagicCookieValue: "moviepilot",
}

// Remote is what an external plugin binary implements. Events arrive with
// their data JSON encoded.
type Remote interface {
	Describe() (Descriptor, error)
	Init(cfg Config) error
	Stop() error
	HandleEvent(ev RemoteEvent) error
	HandleHTTP(req HTTPRequest) (HTTPResponse, error)
}

// Descriptor is the static part of an external plugin
type Descriptor struct {
	ID       string
	Name     string
	Events   []eventbus.Type
	Commands []CommandDescriptor
	Routes   []RouteDescriptor
	Fields   []Field
	Defaults Config
}

type RouteDescriptor struct {
	Method  string
	Path    string
	Summary string
}

type RemoteEvent struct {
	ID   string
	Type eventbus.Type
	Data []byte
	Time time.Time
}

type HTTPRequest struct {
	Method  string
	Path    string
	Query   string
	Headers map[string][]string
	Body    []byte
}

type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Empty is the placeholder argument of argument-less calls
type Empty struct{}

// RPCPlugin plugs Remote into go-plugin's net/rpc transport
type RPCPlugin struct {
	Impl Remote
}

func (p *RPCPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *RPCPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// RPCServer runs inside the plugin binary
type RPCServer struct {
	Impl Remote
}

func (s *RPCServer) Describe(_ Empty, resp *Descriptor) error {
	d, err := s.Impl.Describe()
	*resp = d
	return err
}

func (s *RPCServer) Init(cfg Config, _ *Empty) error {
	return s.Impl.Init(cfg)
}

func (s *RPCServer) Stop(_ Empty, _ *Empty) error {
	return s.Impl.Stop()
}

func (s *RPCServer) HandleEvent(ev RemoteEvent, _ *Empty) error {
	return s.Impl.HandleEvent(ev)
}

func (s *RPCServer) HandleHTTP(req HTTPRequest, resp *HTTPResponse) error {
	r, err := s.Impl.HandleHTTP(req)
	*resp = r
	return err
}

// RPCClient is the host side stub
type RPCClient struct {
	client *rpc.Client
}

func (c *RPCClient) Describe() (Descriptor, error) {
	var d Descriptor
	err := c.client.Call("Plugin.Describe", Empty{}, &d)
	return d, err
}

func (c *RPCClient) Init(cfg Config) error {
	return c.client.Call("Plugin.Init", cfg, &Empty{})
}

func (c *RPCClient) Stop() error {
	return c.client.Call("Plugin.Stop", Empty{}, &Empty{})
}

func (c *RPCClient) HandleEvent(ev RemoteEvent) error {
	return c.client.Call("Plugin.HandleEvent", ev, &Empty{})
}

func (c *RPCClient) HandleHTTP(req HTTPRequest) (HTTPResponse, error) {
	var resp HTTPResponse
	err := c.client.Call("Plugin.HandleHTTP", req, &resp)
	return resp, err
}

// Serve is called from an external plugin's main
func Serve(impl Remote) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         goplugin.PluginSet{pluginKey: &RPCPlugin{Impl: impl}},
	})
}

// Discover launches every executable in dir as an external plugin and loads
// it. A binary that fails the handshake is skipped.
func (h *Host) Discover(ctx context.Context, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.CodeConfig, "failed to read plugin directory").WithContext("dir", dir)
	}

	loaded := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		path := filepath.Join(dir, de.Name())
		log := h.log.WithField("path", path)

		p, err := h.launch(path)
		if err != nil {
			log.Error("failed to launch external plugin", err)
			continue
		}
		h.Load(ctx, p)
		loaded++
	}
	return loaded, nil
}

func (h *Host) launch(path string) (*External, error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          goplugin.PluginSet{pluginKey: &RPCPlugin{}},
		Cmd:              exec.Command(path),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin",
			Level:  hclog.Warn,
			Output: os.Stderr,
		}),
	})

	conn, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, errors.Wrap(err, errors.CodePluginInit, "plugin handshake failed")
	}
	raw, err := conn.Dispense(pluginKey)
	if err != nil {
		client.Kill()
		return nil, errors.Wrap(err, errors.CodePluginInit, "failed to dispense plugin")
	}
	p, err := NewExternal(raw.(Remote))
	if err != nil {
		client.Kill()
		return nil, err
	}
	p.client = client

	h.mu.Lock()
	h.externals = append(h.externals, p)
	h.mu.Unlock()
	return p, nil
}

// Close stops every plugin and kills external plugin processes
func (h *Host) Close(ctx context.Context) {
	h.StopAll(ctx)

	h.mu.Lock()
	externals := h.externals
	h.externals = nil
	h.mu.Unlock()
	for _, p := range externals {
		p.kill()
	}
}

// External adapts a Remote to the Plugin contract
type External struct {
	remote  Remote
	desc    Descriptor
	client  *goplugin.Client
	enabled bool
}

// NewExternal reads the descriptor of a remote plugin
func NewExternal(remote Remote) (*External, error) {
	desc, err := remote.Describe()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodePluginInit, "failed to describe plugin")
	}
	if desc.ID == "" {
		return nil, errors.New(errors.CodePluginInit, "plugin descriptor has no id")
	}
	if desc.Name == "" {
		desc.Name = desc.ID
	}
	return &External{remote: remote, desc: desc}, nil
}

func (e *External) ID() string   { return e.desc.ID }
func (e *External) Name() string { return e.desc.Name }
func (e *External) State() bool  { return e.enabled }

func (e *External) Init(ctx context.Context, pc *Context, cfg Config) error {
	if err := e.remote.Init(cfg); err != nil {
		return err
	}
	e.enabled = cfg.String(externalEnabled, "true") != "false"
	for _, t := range e.desc.Events {
		pc.Bus().On(t, "rpc", e.forward)
	}
	return nil
}

func (e *External) forward(ctx context.Context, ev eventbus.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return errors.ParseError("failed to encode event", err)
	}
	return e.remote.HandleEvent(RemoteEvent{ID: ev.ID, Type: ev.Type, Data: data, Time: ev.Time})
}

func (e *External) Stop(ctx context.Context) error {
	e.enabled = false
	return e.remote.Stop()
}

func (e *External) Form() ([]Field, Config) {
	return e.desc.Fields, e.desc.Defaults
}

func (e *External) Commands() []CommandDescriptor {
	return e.desc.Commands
}

func (e *External) APIs() []APIDescriptor {
	apis := make([]APIDescriptor, 0, len(e.desc.Routes))
	for _, r := range e.desc.Routes {
		apis = append(apis, APIDescriptor{
			Method:  r.Method,
			Path:    r.Path,
			Summary: r.Summary,
			Handler: e.serveHTTP,
		})
	}
	return apis
}

func (e *External) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRemoteBody))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	resp, err := e.remote.HandleHTTP(HTTPRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: r.Header,
		Body:    body,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (e *External) kill() {
	if e.client != nil {
		e.client.Kill()
	}
}
