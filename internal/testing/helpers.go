package testing

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glefebvre/moviepilot/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB creates an in-memory SQLite database for testing
func TestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	// every pooled connection to :memory: would otherwise see its own empty database
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get database instance: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// CleanupDB removes all records from test database tables
func CleanupDB(t *testing.T, db *gorm.DB) {
	t.Helper()

	for _, table := range []string{
		"subscriptions", "download_history", "transfer_history",
		"transfer_tasks", "filter_rules", "plugin_entries",
	} {
		db.Exec("DELETE FROM " + table)
	}
}

// CreateSubscription creates a test subscription
func CreateSubscription(db *gorm.DB, overrides ...func(*models.Subscription)) *models.Subscription {
	sub := &models.Subscription{
		Name:      "Test Movie",
		Year:      "2024",
		Type:      models.MediaTypeMovie,
		TMDBID:    12345,
		State:     models.SubscriptionStateNew,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	for _, override := range overrides {
		override(sub)
	}

	db.Create(sub)
	return sub
}

// CreateDownloadHistory creates a test download history row
func CreateDownloadHistory(db *gorm.DB, overrides ...func(*models.DownloadHistory)) *models.DownloadHistory {
	row := &models.DownloadHistory{
		DownloadHash: fmt.Sprintf("hash_%d", time.Now().UnixNano()),
		Downloader:   "qbittorrent",
		Type:         models.MediaTypeMovie,
		Title:        "Test Movie",
		Year:         "2024",
		TMDBID:       12345,
		CreatedAt:    time.Now(),
	}

	for _, override := range overrides {
		override(row)
	}

	db.Create(row)
	return row
}

// CreateTransferHistory creates a test transfer history row
func CreateTransferHistory(db *gorm.DB, overrides ...func(*models.TransferHistory)) *models.TransferHistory {
	row := &models.TransferHistory{
		Src:          "/downloads/Test.Movie.2024.1080p.mkv",
		Dest:         "/library/Movies/Test Movie (2024)/Test Movie (2024).mkv",
		Mode:         "copy",
		Type:         models.MediaTypeMovie,
		Title:        "Test Movie",
		Year:         "2024",
		TMDBID:       12345,
		DownloadHash: fmt.Sprintf("hash_%d", time.Now().UnixNano()),
		Status:       true,
		CreatedAt:    time.Now(),
	}

	for _, override := range overrides {
		override(row)
	}

	db.Create(row)
	return row
}

// CreateFilterRule creates a filter rule whose groups are the JSON encoding of groups
func CreateFilterRule(db *gorm.DB, name string, groups interface{}) *models.FilterRule {
	data, _ := json.Marshal(groups)
	rule := &models.FilterRule{
		Name:      name,
		Groups:    string(data),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	db.Create(rule)
	return rule
}

// WithTV turns a subscription into a TV season subscription
func WithTV(name string, tmdbID, season, total int) func(*models.Subscription) {
	return func(sub *models.Subscription) {
		sub.Name = name
		sub.Type = models.MediaTypeTV
		sub.TMDBID = tmdbID
		sub.Season = season
		sub.TotalEpisode = total
		sub.StartEpisode = 1
		sub.LackEpisode = total
	}
}

// WithBestVersion marks a subscription for washing at the given priority
func WithBestVersion(priority *int) func(*models.Subscription) {
	return func(sub *models.Subscription) {
		sub.BestVersion = true
		sub.CurrentPriority = priority
	}
}

// WithFilterRule links a subscription to a filter rule
func WithFilterRule(id uint) func(*models.Subscription) {
	return func(sub *models.Subscription) {
		sub.FilterRuleID = &id
	}
}

// WithDownloadHash sets the download hash of a history row
func WithDownloadHash(hash string) func(*models.TransferHistory) {
	return func(row *models.TransferHistory) {
		row.DownloadHash = hash
	}
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error, message string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", message, err)
	}
}

// AssertCount verifies the count of records in a table
func AssertCount(t *testing.T, db *gorm.DB, model interface{}, expected int64, message string) {
	t.Helper()
	var count int64
	db.Model(model).Count(&count)
	if count != expected {
		t.Fatalf("%s: expected %d rows, got %d", message, expected, count)
	}
}
