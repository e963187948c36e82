// Package collectionwash subscribes to a better release of every movie a
// user rates or favourites on the media server.
package collectionwash

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/plugin"
	"github.com/glefebvre/moviepilot/internal/provider"
)

const ID = "collectionwash"

var titleYear = regexp.MustCompile(`^(.*?)\s*\((\d{4})\)$`)

// Plugin reacts to webhook.message
type Plugin struct {
	plugin.Base

	enabled bool
	events  map[string]bool
	users   map[string]bool
	ruleID  *uint
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) ID() string   { return ID }
func (p *Plugin) Name() string { return "Collection wash" }
func (p *Plugin) State() bool  { return p.enabled }

func (p *Plugin) Form() ([]plugin.Field, plugin.Config) {
	fields := []plugin.Field{
		{Name: "enabled", Label: "Enabled", Type: "switch"},
		{Name: "events", Label: "Webhook events", Type: "text"},
		{Name: "users", Label: "Only for these media server users", Type: "text"},
		{Name: "filter_rule_id", Label: "Filter rule", Type: "number"},
	}
	return fields, plugin.Config{
		"enabled": "true",
		"events":  "item.rate,item.favorite",
	}
}

func (p *Plugin) Init(ctx context.Context, pc *plugin.Context, cfg plugin.Config) error {
	p.enabled = cfg.Bool("enabled")
	p.events = set(cfg.List("events"))
	p.users = set(cfg.List("users"))
	p.ruleID = nil
	if id := cfg.Int("filter_rule_id", 0); id > 0 {
		rule := uint(id)
		p.ruleID = &rule
	}
	if !p.enabled {
		return nil
	}

	pc.Bus().On(eventbus.WebhookMessage, "wash", func(ctx context.Context, ev eventbus.Event) error {
		return p.onWebhook(ctx, pc, ev)
	})
	return nil
}

func (p *Plugin) onWebhook(ctx context.Context, pc *plugin.Context, ev eventbus.Event) error {
	if !p.events[strings.ToLower(ev.String("event"))] {
		return nil
	}
	log := pc.Logger().WithFields(map[string]interface{}{
		"item":    ev.String("item_name"),
		"tmdb_id": ev.Int("tmdb_id"),
	})
	if ev.String("item_type") != provider.ItemMovie || ev.Int("tmdb_id") <= 0 {
		log.Debug("not a movie with a tmdb id, ignored")
		return nil
	}
	user := ev.String("user_name")
	if len(p.users) > 0 && !p.users[strings.ToLower(user)] {
		return nil
	}

	name, year := splitTitle(ev.String("item_name"))
	sub, created, err := pc.Subscriptions().Add(ctx, &models.Subscription{
		Name:         name,
		Year:         year,
		Type:         models.MediaTypeMovie,
		TMDBID:       ev.Int("tmdb_id"),
		BestVersion:  true,
		FilterRuleID: p.ruleID,
		Username:     user,
		Channel:      ev.String("channel"),
	})
	if err != nil {
		return err
	}
	if !created {
		log.Debug("subscription already exists")
		return nil
	}

	log.WithFields(map[string]interface{}{"subscription_id": sub.ID}).Info("best version subscription added")
	return pc.Store().SetData(ctx, "last_added", map[string]interface{}{
		"subscription_id": sub.ID,
		"tmdb_id":         sub.TMDBID,
		"user":            user,
		"at":              time.Now().UTC(),
	})
}

// splitTitle turns "Barbie (2023)" into ("Barbie", "2023")
func splitTitle(s string) (string, string) {
	s = strings.TrimSpace(s)
	if m := titleYear.FindStringSubmatch(s); m != nil {
		return m[1], m[2]
	}
	return s, ""
}

func set(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[strings.ToLower(v)] = true
	}
	return out
}
