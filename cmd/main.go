package main

import (
	"fmt"
	"os"

	"github.com/glefebvre/moviepilot/internal/config"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/spf13/cobra"
)

// set at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "moviepilot",
	Short: "MoviePilot automates finding, downloading and organising movies and TV",
	Long: `MoviePilot keeps subscriptions for movies and TV seasons, searches indexers
for matching releases, hands them to a downloader and files completed downloads
into the media library. Plugins react to events from media servers, downloaders
and messaging channels.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of MoviePilot",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("MoviePilot %s\n", version)
	},
}

var configFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yml)")
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(versionCmd, serveCmd, cleanupCmd, transferCmd, subscribeCmd)
}

func initConfig() {
	// Skip config loading for version command
	if len(os.Args) > 1 && os.Args[1] == "version" {
		return
	}

	if configFile != "" {
		config.UseFile(configFile)
	}
	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()
	logger.Initialize(logger.Options{
		AppLevel:      cfg.GetAppLogLevel(),
		DatabaseLevel: cfg.GetDatabaseLogLevel(),
		Format:        cfg.Logging.Format,
		File: logger.FileConfig{
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
