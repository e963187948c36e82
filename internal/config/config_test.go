package config

import (
	"os"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	Set(nil)
}

func TestLoad_WithDefaults(t *testing.T) {
	resetViper(t)

	if err := Load(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	config := Get()
	if config.Database.Driver != "sqlite" {
		t.Errorf("expected default driver 'sqlite', got %s", config.Database.Driver)
	}
	if config.Transfer.Mode != "copy" {
		t.Errorf("expected default transfer mode 'copy', got %s", config.Transfer.Mode)
	}
	if config.Subscribe.IntervalMinutes != 60 {
		t.Errorf("expected hourly subscription refresh, got %d", config.Subscribe.IntervalMinutes)
	}
	if config.Library.MovieRenameFormat != DefaultMovieRenameFormat {
		t.Errorf("expected default movie rename format, got %s", config.Library.MovieRenameFormat)
	}
	if got := config.ActiveDownloaders(); len(got) != 1 || got[0] != "qbittorrent" {
		t.Errorf("expected qbittorrent as default downloader, got %v", got)
	}
}

func TestLoad_FlatKeys(t *testing.T) {
	resetViper(t)

	env := map[string]string{
		"MEDIASERVER":        "emby, jellyfin",
		"LIBRARY_PATHS":      "/media/a,/media/b",
		"LIBRARY_ANIME_NAME": "Anime",
		"ANIME_GENREIDS":     "16,10762",
		"RMT_MEDIAEXT":       ".MKV,.mp4",
		"TZ":                 "Asia/Shanghai",
		"TRANSFER_TYPE":      "hardlink",
	}
	for k, v := range env {
		os.Setenv(k, v)
	}
	defer func() {
		for k := range env {
			os.Unsetenv(k)
		}
	}()

	if err := Load(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	c := Get()
	if got := c.ActiveMediaServers(); len(got) != 2 || got[1] != "jellyfin" {
		t.Errorf("expected two media servers, got %v", got)
	}
	if len(c.Library.Paths) != 2 || c.Library.Paths[1] != "/media/b" {
		t.Errorf("expected two library paths, got %v", c.Library.Paths)
	}
	if c.Library.AnimeName != "Anime" {
		t.Errorf("expected anime library name, got %q", c.Library.AnimeName)
	}
	if ids := c.AnimeGenreIDs(); len(ids) != 2 || ids[1] != 10762 {
		t.Errorf("expected anime genre ids, got %v", ids)
	}
	if ext := c.MediaExtensions(); ext[0] != ".mkv" {
		t.Errorf("expected lower-cased extensions, got %v", ext)
	}
	if c.Location().String() != "Asia/Shanghai" {
		t.Errorf("expected Asia/Shanghai location, got %s", c.Location())
	}
	if c.Transfer.Mode != "hardlink" {
		t.Errorf("expected hardlink mode, got %s", c.Transfer.Mode)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	resetViper(t)
	os.Setenv("MOVIEPILOT_LOGGING_LEVEL", "invalid")
	defer os.Unsetenv("MOVIEPILOT_LOGGING_LEVEL")

	err := Load()
	if err == nil {
		t.Fatalf("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "logging.level must be one of") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "unknown transfer mode",
			cfg:     Config{Transfer: TransferConfig{Mode: "teleport"}},
			wantErr: "transfer.mode must be one of",
		},
		{
			name:    "postgres without user",
			cfg:     Config{Database: DatabaseConfig{Driver: "postgres", DBName: "mp"}},
			wantErr: "database.user is required",
		},
		{
			name:    "unknown driver",
			cfg:     Config{Database: DatabaseConfig{Driver: "mysql"}},
			wantErr: "database.driver must be one of",
		},
		{
			name:    "bad timezone",
			cfg:     Config{Timezone: "Mars/Olympus"},
			wantErr: "tz is not a valid IANA timezone",
		},
		{
			name: "valid rclone move",
			cfg:  Config{Transfer: TransferConfig{Mode: "rclone_move"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseDatabaseURL(t *testing.T) {
	resetViper(t)
	os.Setenv("DATABASE_URL", "postgres://mp:secret@db:5433/moviepilot")
	defer os.Unsetenv("DATABASE_URL")

	if err := Load(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	c := Get()
	if c.Database.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", c.Database.Driver)
	}
	if c.Database.Host != "db" || c.Database.Port != 5433 || c.Database.DBName != "moviepilot" {
		t.Errorf("unexpected database settings %+v", c.Database)
	}
}

func TestSave_NotifiesListeners(t *testing.T) {
	resetViper(t)
	if err := Load(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	path := t.TempDir() + "/config.yml"
	viper.SetConfigFile(path)

	called := 0
	OnSave(func() { called++ })
	defer func() {
		cfgMu.Lock()
		listeners = nil
		cfgMu.Unlock()
	}()

	if err := Update("library.movie_name", "Films"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if called != 1 {
		t.Errorf("expected listener to run once, got %d", called)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file to be written: %v", err)
	}
	if Get().Library.MovieName != "Films" {
		t.Errorf("expected updated movie name, got %s", Get().Library.MovieName)
	}
}

func TestGetAppLogLevel(t *testing.T) {
	c := &Config{Logging: LoggingConfig{Level: "warn", App: LogLevelConfig{Level: "debug"}}}
	if c.GetAppLogLevel() != "debug" {
		t.Errorf("expected app level to win, got %s", c.GetAppLogLevel())
	}
	if c.GetDatabaseLogLevel() != "warn" {
		t.Errorf("expected database level to fall back, got %s", c.GetDatabaseLogLevel())
	}
}
