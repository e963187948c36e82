package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/plugin"
	"github.com/glefebvre/moviepilot/internal/transfer"
)

// Subscriptions lists subscriptions
type Subscriptions interface {
	List(ctx context.Context) ([]models.Subscription, error)
}

// Poller runs one transfer poll
type Poller interface {
	Poll(ctx context.Context) (*transfer.Report, error)
}

// Plugins describes the loaded plugins
type Plugins interface {
	List() []plugin.Info
}

// Builtins returns the core commands. A nil dependency drops its commands.
func Builtins(subs Subscriptions, poller Poller, plugins Plugins) []Command {
	cmds := []Command{{
		Cmd:         "/subscribe_refresh",
		Description: "Search for every active subscription now",
		Category:    "Subscriptions",
		Event:       eventbus.SubscribeRefresh,
		Reply:       "Refreshing subscriptions",
	}}

	if subs != nil {
		cmds = append(cmds, Command{
			Cmd:         "/subscribe_list",
			Description: "List subscriptions",
			Category:    "Subscriptions",
			Handler: func(ctx context.Context, msg Message, args []string) (string, error) {
				list, err := subs.List(ctx)
				if err != nil {
					return "", err
				}
				return formatSubscriptions(list), nil
			},
		})
	}

	if poller != nil {
		cmds = append(cmds, Command{
			Cmd:         "/transfer_poll",
			Description: "Transfer completed downloads now",
			Category:    "Transfers",
			Handler: func(ctx context.Context, msg Message, args []string) (string, error) {
				report, err := poller.Poll(ctx)
				if err != nil {
					return "", err
				}
				if report.Coalesced {
					return "A transfer poll is already running", nil
				}
				return fmt.Sprintf("Transfer poll: %d downloads, %d placed, %d skipped, %d failed, %d unrecognized",
					report.Downloads, report.Transferred, report.Skipped, report.Failed, report.Unrecognized), nil
			},
		})
	}

	if plugins != nil {
		cmds = append(cmds, Command{
			Cmd:         "/plugins",
			Description: "List plugins",
			Category:    "System",
			Handler: func(ctx context.Context, msg Message, args []string) (string, error) {
				return formatPlugins(plugins.List()), nil
			},
		})
	}
	return cmds
}

func formatSubscriptions(list []models.Subscription) string {
	if len(list) == 0 {
		return "No subscriptions"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d subscriptions\n", len(list))
	for _, s := range list {
		name := s.Name
		if s.Year != "" {
			name += " (" + s.Year + ")"
		}
		if s.Type == models.MediaTypeTV {
			name += fmt.Sprintf(" S%02d, %d missing", s.Season, s.LackEpisode)
		}
		if s.BestVersion {
			name += ", best version"
		}
		fmt.Fprintf(&b, "%d. %s\n", s.ID, name)
	}
	return strings.TrimSpace(b.String())
}

func formatPlugins(list []plugin.Info) string {
	if len(list) == 0 {
		return "No plugins"
	}
	var b strings.Builder
	for _, p := range list {
		state := "off"
		switch {
		case p.Error != "":
			state = "error: " + p.Error
		case p.Enabled:
			state = "on"
		}
		fmt.Fprintf(&b, "%s [%s] %s\n", p.Name, p.ID, state)
	}
	return strings.TrimSpace(b.String())
}
