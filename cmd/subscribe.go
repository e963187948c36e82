package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/spf13/cobra"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Manage subscriptions",
}

var subscribeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Subscribe to a movie or a TV season",
	Long: `Create a subscription. A tmdb id is preferred: details such as the title,
year and episode count are then fetched from the metadata provider. Adding a
subscription that already exists prints the existing one.`,
	Example: `  moviepilot subscribe add --tmdb 438631 --type movie
  moviepilot subscribe add --tmdb 70523 --type tv --season 2 --best-version`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		tmdbID, _ := flags.GetInt("tmdb")
		name, _ := flags.GetString("name")
		year, _ := flags.GetString("year")
		kind, _ := flags.GetString("type")
		season, _ := flags.GetInt("season")
		bestVersion, _ := flags.GetBool("best-version")
		include, _ := flags.GetString("include")
		exclude, _ := flags.GetString("exclude")
		ruleName, _ := flags.GetString("filter-rule")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := commandContext(time.Minute)
		defer cancel()

		sub := &models.Subscription{
			Name:        name,
			Year:        year,
			Type:        models.MediaType(strings.ToLower(kind)),
			TMDBID:      tmdbID,
			Season:      season,
			BestVersion: bestVersion,
			Include:     include,
			Exclude:     exclude,
			Username:    os.Getenv("USER"),
			Channel:     "cli",
		}
		if ruleName != "" {
			rule, err := a.store.FilterRules.GetByName(ctx, ruleName)
			if err != nil {
				return fmt.Errorf("filter rule %q: %w", ruleName, err)
			}
			if rule == nil {
				return fmt.Errorf("filter rule %q does not exist", ruleName)
			}
			sub.FilterRuleID = &rule.ID
		}

		saved, created, err := a.subs.Add(ctx, sub)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("Subscribed: #%d %s\n", saved.ID, describe(saved))
		} else {
			fmt.Printf("Already subscribed: #%d %s\n", saved.ID, describe(saved))
		}
		return nil
	},
}

var subscribeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := commandContext(time.Minute)
		defer cancel()

		subs, err := a.subs.List(ctx)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			fmt.Println("No subscriptions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tTYPE\tTITLE\tMISSING\tBEST VERSION")
		for _, s := range subs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%t\n", s.ID, s.State, s.Type, describe(&s), s.LackEpisode, s.BestVersion)
		}
		return w.Flush()
	},
}

var subscribeRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Search for subscriptions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetUint("id")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := commandContext(timeout)
		defer cancel()

		if id > 0 {
			if err := a.subs.RefreshOne(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Subscription #%d refreshed\n", id)
			return nil
		}

		report, err := a.subs.Refresh(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Processed: %d\nDispatched: %d\nCompleted: %d\nFailed: %d\nDuration: %s\n",
			report.Processed, report.Dispatched, report.Completed, report.Failed,
			report.Duration.Round(time.Millisecond))
		return nil
	},
}

func describe(s *models.Subscription) string {
	title := s.Name
	if s.Year != "" {
		title += " (" + s.Year + ")"
	}
	if s.Type == models.MediaTypeTV {
		title += fmt.Sprintf(" S%02d", s.Season)
	}
	return title
}

func init() {
	addFlags := subscribeAddCmd.Flags()
	addFlags.Int("tmdb", 0, "TMDB id of the work")
	addFlags.String("name", "", "title, required without --tmdb")
	addFlags.String("year", "", "release year")
	addFlags.String("type", string(models.MediaTypeMovie), "movie or tv")
	addFlags.Int("season", 0, "TV season (default 1)")
	addFlags.Bool("best-version", false, "keep upgrading to higher priority releases")
	addFlags.String("include", "", "regular expression a release title must match")
	addFlags.String("exclude", "", "regular expression a release title must not match")
	addFlags.String("filter-rule", "", "name of a stored filter rule")

	subscribeRefreshCmd.Flags().Uint("id", 0, "refresh only this subscription")
	subscribeRefreshCmd.Flags().Duration("timeout", 30*time.Minute, "abort after this long (0 for no limit)")

	subscribeCmd.AddCommand(subscribeAddCmd, subscribeListCmd, subscribeRefreshCmd)
}
