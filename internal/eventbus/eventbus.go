// Package eventbus is the in-process publish/subscribe fabric shared by the
// core engines and plugins. Dispatch is synchronous on the emitting goroutine.
package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/google/uuid"
)

// Type names an event kind. Plugins may emit types not listed here.
type Type string

const (
	DownloadAdded       Type = "download.added"
	TransferComplete    Type = "transfer.complete"
	DownloadFileDeleted Type = "downloadfile.deleted"
	SiteDeleted         Type = "site.deleted"
	SiteSignin          Type = "site.signin"
	SiteStatistic       Type = "site.statistic"
	WebhookMessage      Type = "webhook.message"
	UserMessage         Type = "user.message"
	NoticeMessage       Type = "notice.message"
	PluginReload        Type = "plugin.reload"
	SubscribeAdded      Type = "subscribe.added"
	SubscribeRefresh    Type = "subscribe.refresh"
	SubscribeComplete   Type = "subscribe.complete"
	CommandExecute      Type = "command.execute"
)

// Event is one emission
type Event struct {
	ID   string                 `json:"id"`
	Type Type                   `json:"type"`
	Data map[string]interface{} `json:"data"`
	Time time.Time              `json:"time"`
}

// String returns Data[key] as a string, or ""
func (e Event) String(key string) string {
	if v, ok := e.Data[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// Int returns Data[key] as an int, or 0
func (e Event) Int(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Handler consumes one event. A returned error is logged; it never reaches
// the emitter or other handlers.
type Handler func(ctx context.Context, e Event) error

type registration struct {
	name  string
	owner string
	fn    Handler
}

// RegisterOption customises a registration
type RegisterOption func(*registration)

// WithOwner tags a registration so UnregisterOwner can drop it later
func WithOwner(owner string) RegisterOption {
	return func(r *registration) { r.owner = owner }
}

// Bus delivers events to registered handlers
type Bus struct {
	mu        sync.RWMutex
	handlers  map[Type][]registration
	observers map[int]chan Event
	nextObs   int
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		handlers:  make(map[Type][]registration),
		observers: make(map[int]chan Event),
	}
}

// Register adds fn for t under name. A second registration with the same
// (t, name) replaces the handler and keeps its position.
func (b *Bus) Register(t Type, name string, fn Handler, opts ...RegisterOption) {
	reg := registration{name: name, fn: fn}
	for _, opt := range opts {
		opt(&reg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[t]
	for i := range regs {
		if regs[i].name == name {
			regs[i] = reg
			return
		}
	}
	b.handlers[t] = append(regs, reg)
}

// Unregister removes the handler registered for (t, name)
func (b *Bus) Unregister(t Type, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[t]
	for i := range regs {
		if regs[i].name == name {
			b.handlers[t] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// UnregisterOwner removes every handler registered with WithOwner(owner)
// and returns how many were dropped
func (b *Bus) UnregisterOwner(owner string) int {
	if owner == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for t, regs := range b.handlers {
		kept := regs[:0:0]
		for _, r := range regs {
			if r.owner == owner {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		b.handlers[t] = kept
	}
	return removed
}

// Handlers returns the registered handler names for t in dispatch order
func (b *Bus) Handlers(t Type) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers[t]))
	for _, r := range b.handlers[t] {
		names = append(names, r.name)
	}
	return names
}

// Emit runs every handler for t in registration order and returns the
// number of handlers that failed. Handlers may emit recursively.
func (b *Bus) Emit(ctx context.Context, t Type, data map[string]interface{}) int {
	if data == nil {
		data = map[string]interface{}{}
	}
	e := Event{ID: uuid.NewString(), Type: t, Data: data, Time: time.Now()}

	b.mu.RLock()
	regs := append([]registration(nil), b.handlers[t]...)
	b.mu.RUnlock()

	failed := 0
	for _, r := range regs {
		if err := b.dispatch(ctx, r, e); err != nil {
			failed++
			logger.AppLogger().WithFields(map[string]interface{}{
				"event":   string(t),
				"handler": r.name,
				"owner":   r.owner,
			}).Error("event handler failed", err)
		}
	}

	b.publish(e)
	return failed
}

func (b *Bus) dispatch(ctx context.Context, r registration, e Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New(errors.CodeHandlerError, fmt.Sprintf("handler panicked: %v", rec)).
				WithContext("stack", string(debug.Stack()))
		}
	}()
	if err := r.fn(ctx, e); err != nil {
		return errors.Wrap(err, errors.CodeHandlerError, "handler returned an error")
	}
	return nil
}

// Subscribe registers a passive observer that receives every event after its
// handlers ran. Slow observers miss events rather than blocking emitters.
// The returned cancel func closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextObs
	b.nextObs++
	b.observers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.observers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Bus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.observers {
		select {
		case ch <- e:
		default:
		}
	}
}
