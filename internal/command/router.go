// Package command routes user messages from messaging channels to command
// handlers registered by the core and by plugins.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/glefebvre/moviepilot/internal/config"
	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/plugin"
	"github.com/glefebvre/moviepilot/internal/provider"
)

// FreeText carries messages that are not commands. Whatever understands
// natural language registers for it.
const FreeText eventbus.Type = "command.freetext"

const (
	refuseCommand  = "%s, you are not allowed to run %s on this channel"
	refuseFreeText = "%s, you are not on this channel's user list"
	unknownCommand = "Unknown command %s, send /help for the list"
)

// Message is one inbound user message
type Message struct {
	Channel  string
	UserID   string
	Username string
	Text     string
}

// Handler runs a command and returns the reply text
type Handler func(ctx context.Context, msg Message, args []string) (string, error)

// Command is one entry of the command table. A command either has a
// Handler or emits Event with Data merged with the message context.
type Command struct {
	Cmd         string                 `json:"cmd"`
	Description string                 `json:"description"`
	Category    string                 `json:"category,omitempty"`
	Event       eventbus.Type          `json:"event,omitempty"`
	Data        map[string]interface{} `json:"-"`
	// Reply is sent before Event is emitted
	Reply    string  `json:"-"`
	Handler  Handler `json:"-"`
	PluginID string  `json:"plugin_id,omitempty"`
}

// PluginCommands is the plugin host's view of its commands
type PluginCommands interface {
	Commands() []plugin.Command
}

// AuthFunc returns the authorization lists of a channel
type AuthFunc func(channel string) config.ChannelAuth

// Router owns the command table
type Router struct {
	bus      *eventbus.Bus
	registry *provider.Registry
	auth     AuthFunc
	log      *logger.Logger

	mu       sync.RWMutex
	commands map[string]Command
	plugins  PluginCommands
}

// NewRouter creates a router. A nil auth leaves every channel open.
func NewRouter(bus *eventbus.Bus, registry *provider.Registry, auth AuthFunc) *Router {
	if auth == nil {
		auth = func(string) config.ChannelAuth { return config.ChannelAuth{} }
	}
	r := &Router{
		bus:      bus,
		registry: registry,
		auth:     auth,
		log:      logger.AppLogger(),
		commands: make(map[string]Command),
	}
	r.Add(Command{
		Cmd:         "/help",
		Description: "List available commands",
		Category:    "System",
		Handler:     r.help,
	})
	return r
}

// Register consumes user.message events
func (r *Router) Register(bus *eventbus.Bus) {
	bus.Register(eventbus.UserMessage, "command.router", func(ctx context.Context, ev eventbus.Event) error {
		return r.Dispatch(ctx, Message{
			Channel:  ev.String("channel"),
			UserID:   ev.String("userid"),
			Username: ev.String("username"),
			Text:     ev.String("text"),
		})
	})
}

// Add registers a core command, replacing one with the same name
func (r *Router) Add(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		r.commands[c.Cmd] = c
	}
}

// SetPlugins makes plugin commands routable. They are read on every lookup
// so a stopped plugin's commands disappear with it.
func (r *Router) SetPlugins(p PluginCommands) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = p
}

// Commands lists the whole table sorted by name
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	plugins := r.plugins
	r.mu.RUnlock()

	if plugins != nil {
		for _, pc := range plugins.Commands() {
			out = append(out, fromPlugin(pc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmd < out[j].Cmd })
	return out
}

func (r *Router) lookup(name string) (Command, bool) {
	r.mu.RLock()
	c, ok := r.commands[name]
	plugins := r.plugins
	r.mu.RUnlock()
	if ok {
		return c, true
	}
	if plugins != nil {
		for _, pc := range plugins.Commands() {
			if pc.Cmd == name {
				return fromPlugin(pc), true
			}
		}
	}
	return Command{}, false
}

func fromPlugin(pc plugin.Command) Command {
	return Command{
		Cmd:         pc.Cmd,
		Description: pc.Description,
		Category:    pc.Category,
		Event:       pc.Event,
		Data:        pc.Data,
		PluginID:    pc.PluginID,
	}
}

// Dispatch authorizes msg and runs the matching command. Text that is not a
// command is emitted as FreeText.
func (r *Router) Dispatch(ctx context.Context, msg Message) error {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return nil
	}
	auth := r.auth(msg.Channel)
	log := r.log.WithFields(map[string]interface{}{
		"channel": msg.Channel,
		"userid":  msg.UserID,
	})

	if !strings.HasPrefix(msg.Text, "/") {
		if !allowed(auth.Users, msg.UserID) {
			log.Warn("free text refused")
			r.reply(ctx, msg, fmt.Sprintf(refuseFreeText, who(msg)))
			return nil
		}
		r.bus.Emit(ctx, FreeText, messageData(msg, nil))
		return nil
	}

	fields := strings.Fields(msg.Text)
	name, args := fields[0], fields[1:]
	if !allowed(auth.Admins, msg.UserID) {
		log.WithFields(map[string]interface{}{"cmd": name}).Warn("command refused")
		r.reply(ctx, msg, fmt.Sprintf(refuseCommand, who(msg), name))
		return nil
	}

	cmd, ok := r.lookup(name)
	if !ok {
		r.reply(ctx, msg, fmt.Sprintf(unknownCommand, name))
		return nil
	}
	log = log.WithFields(map[string]interface{}{"cmd": name})
	log.Info("running command")

	if cmd.Handler != nil {
		text, err := cmd.Handler(ctx, msg, args)
		if err != nil {
			log.Error("command failed", err)
			r.reply(ctx, msg, fmt.Sprintf("%s failed: %v", name, err))
			return err
		}
		r.reply(ctx, msg, text)
		return nil
	}

	if cmd.Reply != "" {
		r.reply(ctx, msg, cmd.Reply)
	}
	data := messageData(msg, cmd.Data)
	data["cmd"] = name
	data["args"] = args
	r.bus.Emit(ctx, eventbus.CommandExecute, map[string]interface{}{
		"cmd":       name,
		"plugin_id": cmd.PluginID,
		"channel":   msg.Channel,
		"userid":    msg.UserID,
	})
	if failed := r.bus.Emit(ctx, cmd.Event, data); failed > 0 {
		return errors.New(errors.CodeHandlerError, fmt.Sprintf("%d handlers failed for %s", failed, name))
	}
	return nil
}

func (r *Router) help(ctx context.Context, msg Message, args []string) (string, error) {
	var b strings.Builder
	for _, c := range r.Commands() {
		fmt.Fprintf(&b, "%s %s\n", c.Cmd, c.Description)
	}
	return strings.TrimSpace(b.String()), nil
}

func (r *Router) reply(ctx context.Context, msg Message, text string) {
	if text == "" || r.registry == nil {
		return
	}
	err := r.registry.Notify(ctx, provider.Notification{
		Title:   text,
		UserID:  msg.UserID,
		Channel: msg.Channel,
	})
	if err != nil && !errors.IsNotConfigured(err) {
		r.log.WithField("channel", msg.Channel).Error("failed to send reply", err)
	}
}

// messageData merges the message context over base
func messageData(msg Message, base map[string]interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(base)+4)
	for k, v := range base {
		data[k] = v
	}
	data["channel"] = msg.Channel
	data["userid"] = msg.UserID
	data["username"] = msg.Username
	data["text"] = msg.Text
	return data
}

// allowed treats an empty list as open
func allowed(list []string, userID string) bool {
	if len(list) == 0 {
		return true
	}
	for _, id := range list {
		if id == userID {
			return true
		}
	}
	return false
}

func who(msg Message) string {
	if msg.Username != "" {
		return msg.Username
	}
	return msg.UserID
}
