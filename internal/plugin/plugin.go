// Package plugin hosts in-process and external plugins. A plugin owns the
// handlers, jobs, commands and HTTP routes it registers through its Context;
// the host drops all of them when the plugin stops or reloads.
package plugin

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/glefebvre/moviepilot/internal/eventbus"
)

// Plugin is the contract every plugin satisfies
type Plugin interface {
	ID() string
	Name() string
	// Init runs on load and after every config change. It must be idempotent.
	Init(ctx context.Context, pc *Context, cfg Config) error
	// State reports whether the plugin is enabled by its own config
	State() bool
	Stop(ctx context.Context) error
	Form() ([]Field, Config)
	Commands() []CommandDescriptor
	APIs() []APIDescriptor
}

// Field describes one config input. The host does not interpret it.
type Field struct {
	Name    string   `json:"name"`
	Label   string   `json:"label"`
	Type    string   `json:"type"`
	Options []string `json:"options,omitempty"`
}

// CommandDescriptor binds a chat command to an event. The router emits Event
// with Data merged with the message context.
type CommandDescriptor struct {
	Cmd         string                 `json:"cmd"`
	Event       eventbus.Type          `json:"event"`
	Description string                 `json:"description"`
	Category    string                 `json:"category,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// APIDescriptor is one HTTP route served under /api/v1/plugin/<id>
type APIDescriptor struct {
	Method  string           `json:"method"`
	Path    string           `json:"path"`
	Summary string           `json:"summary,omitempty"`
	Handler http.HandlerFunc `json:"-"`
}

// Config holds a plugin's settings as stored strings
type Config map[string]string

// String returns the value for key or def when unset
func (c Config) String(key, def string) string {
	if v, ok := c[key]; ok && v != "" {
		return v
	}
	return def
}

// Bool reads key as a boolean; unparseable values are false
func (c Config) Bool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(c[key]))
	return err == nil && v
}

// Int reads key as an integer or returns def
func (c Config) Int(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(c[key]))
	if err != nil {
		return def
	}
	return v
}

// Duration reads key as a Go duration ("90s", "5m") or a number of seconds
func (c Config) Duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(c[key])
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// List splits a comma separated value, dropping blanks
func (c Config) List(key string) []string {
	var out []string
	for _, part := range strings.Split(c[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) merge(over map[string]string) Config {
	out := make(Config, len(c)+len(over))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Base carries the no-op parts of the contract so small plugins only
// implement what they use
type Base struct{}

func (Base) Stop(ctx context.Context) error { return nil }
func (Base) Form() ([]Field, Config)        { return nil, Config{} }
func (Base) Commands() []CommandDescriptor  { return nil }
func (Base) APIs() []APIDescriptor          { return nil }
