// Package store exposes per-entity repositories over gorm. Writes are single-row;
// no transaction spans two entities.
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store groups every repository
type Store struct {
	Subscriptions *Subscriptions
	Downloads     *DownloadHistories
	Transfers     *TransferHistories
	Tasks         *TransferTasks
	FilterRules   *FilterRules
	Plugins       *PluginEntries
}

// New builds every repository over db
func New(db *gorm.DB) *Store {
	return &Store{
		Subscriptions: &Subscriptions{db: db},
		Downloads:     &DownloadHistories{db: db},
		Transfers:     &TransferHistories{db: db},
		Tasks:         &TransferTasks{db: db},
		FilterRules:   &FilterRules{db: db},
		Plugins:       &PluginEntries{db: db},
	}
}

func entryKey(pluginID string, ns models.PluginNamespace, key string) map[string]interface{} {
	return map[string]interface{}{"plugin_id": pluginID, "namespace": ns, "key": key}
}

func isNotFound(err error) bool {
	return stderrors.Is(err, gorm.ErrRecordNotFound)
}

// Subscriptions persists subscription records
type Subscriptions struct {
	db *gorm.DB
}

// Insert stores a new subscription
func (r *Subscriptions) Insert(ctx context.Context, sub *models.Subscription) error {
	if sub.State == "" {
		sub.State = models.SubscriptionStateNew
	}
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return errors.DatabaseError("failed to insert subscription", err)
	}
	return nil
}

// Get loads a subscription by id
func (r *Subscriptions) Get(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		if isNotFound(err) {
			return nil, errors.NotFoundError("subscription", fmt.Sprint(id))
		}
		return nil, errors.DatabaseError("failed to load subscription", err)
	}
	return &sub, nil
}

// List returns every subscription ordered by id
func (r *Subscriptions) List(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).Order("id").Find(&subs).Error; err != nil {
		return nil, errors.DatabaseError("failed to list subscriptions", err)
	}
	return subs, nil
}

// ListActive returns subscriptions in state N or R
func (r *Subscriptions) ListActive(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("state IN ?", []models.SubscriptionState{models.SubscriptionStateNew, models.SubscriptionStateRunning}).
		Order("id").
		Find(&subs).Error
	if err != nil {
		return nil, errors.DatabaseError("failed to list active subscriptions", err)
	}
	return subs, nil
}

// ListByTMDB returns subscriptions for a work; season < 0 matches every season
func (r *Subscriptions) ListByTMDB(ctx context.Context, tmdbID int, season int) ([]models.Subscription, error) {
	q := r.db.WithContext(ctx).Where("tmdb_id = ?", tmdbID)
	if season >= 0 {
		q = q.Where("season = ?", season)
	}
	var subs []models.Subscription
	if err := q.Order("id").Find(&subs).Error; err != nil {
		return nil, errors.DatabaseError("failed to list subscriptions by tmdb id", err)
	}
	return subs, nil
}

// FindByTMDB returns the subscription for (tmdb id, type, season), or nil
func (r *Subscriptions) FindByTMDB(ctx context.Context, tmdbID int, mediaType models.MediaType, season int) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("tmdb_id = ? AND type = ? AND season = ?", tmdbID, mediaType, season).
		First(&sub).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.DatabaseError("failed to find subscription", err)
	}
	return &sub, nil
}

// Update persists every field of sub
func (r *Subscriptions) Update(ctx context.Context, sub *models.Subscription) error {
	now := time.Now()
	sub.LastUpdate = &now
	if err := r.db.WithContext(ctx).Save(sub).Error; err != nil {
		return errors.DatabaseError("failed to update subscription", err)
	}
	return nil
}

// Delete removes a subscription; used when it completes
func (r *Subscriptions) Delete(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Delete(&models.Subscription{}, id).Error; err != nil {
		return errors.DatabaseError("failed to delete subscription", err)
	}
	return nil
}

// DownloadHistories persists dispatched downloads
type DownloadHistories struct {
	db *gorm.DB
}

// Insert appends a download row
func (r *DownloadHistories) Insert(ctx context.Context, row *models.DownloadHistory) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.DatabaseError("failed to insert download history", err)
	}
	return nil
}

// GetByHash returns the latest row for a downloader hash, or nil
func (r *DownloadHistories) GetByHash(ctx context.Context, hash string) (*models.DownloadHistory, error) {
	var row models.DownloadHistory
	err := r.db.WithContext(ctx).Where("download_hash = ?", hash).Order("id DESC").First(&row).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.DatabaseError("failed to load download history", err)
	}
	return &row, nil
}

// ListBySubscription returns every row dispatched for a subscription
func (r *DownloadHistories) ListBySubscription(ctx context.Context, subscriptionID uint) ([]models.DownloadHistory, error) {
	var rows []models.DownloadHistory
	if err := r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.DatabaseError("failed to list download history", err)
	}
	return rows, nil
}

// Count returns the number of rows
func (r *DownloadHistories) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.DownloadHistory{}).Count(&n).Error; err != nil {
		return 0, errors.DatabaseError("failed to count download history", err)
	}
	return n, nil
}

// DeleteByHash removes every row for a hash
func (r *DownloadHistories) DeleteByHash(ctx context.Context, hash string) error {
	if err := r.db.WithContext(ctx).Where("download_hash = ?", hash).Delete(&models.DownloadHistory{}).Error; err != nil {
		return errors.DatabaseError("failed to delete download history", err)
	}
	return nil
}

// TransferHistories persists placed files
type TransferHistories struct {
	db *gorm.DB
}

// Insert appends a transfer row
func (r *TransferHistories) Insert(ctx context.Context, row *models.TransferHistory) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.DatabaseError("failed to insert transfer history", err)
	}
	return nil
}

// GetBySrc returns the row for (download hash, src), or nil
func (r *TransferHistories) GetBySrc(ctx context.Context, hash, src string) (*models.TransferHistory, error) {
	var row models.TransferHistory
	err := r.db.WithContext(ctx).Where("download_hash = ? AND src = ?", hash, src).First(&row).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.DatabaseError("failed to load transfer history", err)
	}
	return &row, nil
}

// ListByHash returns every row for a download
func (r *TransferHistories) ListByHash(ctx context.Context, hash string) ([]models.TransferHistory, error) {
	var rows []models.TransferHistory
	if err := r.db.WithContext(ctx).Where("download_hash = ?", hash).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.DatabaseError("failed to list transfer history", err)
	}
	return rows, nil
}

// ListSucceededByTMDB returns successful rows for a work and season
func (r *TransferHistories) ListSucceededByTMDB(ctx context.Context, tmdbID, season int) ([]models.TransferHistory, error) {
	var rows []models.TransferHistory
	err := r.db.WithContext(ctx).
		Where("tmdb_id = ? AND season = ? AND status = ?", tmdbID, season, true).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.DatabaseError("failed to list transfer history", err)
	}
	return rows, nil
}

// ListFailedBefore returns failed rows created before t
func (r *TransferHistories) ListFailedBefore(ctx context.Context, t time.Time) ([]models.TransferHistory, error) {
	var rows []models.TransferHistory
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", false, t).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.DatabaseError("failed to list transfer history", err)
	}
	return rows, nil
}

// Delete removes a row by id
func (r *TransferHistories) Delete(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Delete(&models.TransferHistory{}, id).Error; err != nil {
		return errors.DatabaseError("failed to delete transfer history", err)
	}
	return nil
}

// TransferTasks persists the per-download transfer state machine
type TransferTasks struct {
	db *gorm.DB
}

// GetByHash returns the task for a download, or nil
func (r *TransferTasks) GetByHash(ctx context.Context, hash string) (*models.TransferTask, error) {
	var task models.TransferTask
	err := r.db.WithContext(ctx).Where("download_hash = ?", hash).First(&task).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.DatabaseError("failed to load transfer task", err)
	}
	return &task, nil
}

// Save inserts or updates a task
func (r *TransferTasks) Save(ctx context.Context, task *models.TransferTask) error {
	if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
		return errors.DatabaseError("failed to save transfer task", err)
	}
	return nil
}

// ListUnfinished returns tasks that stopped in a non-terminal state
func (r *TransferTasks) ListUnfinished(ctx context.Context) ([]models.TransferTask, error) {
	var tasks []models.TransferTask
	err := r.db.WithContext(ctx).
		Where("state NOT IN ?", []models.TransferState{models.TransferNotified, models.TransferFailed, models.TransferUnrecognized}).
		Order("id").
		Find(&tasks).Error
	if err != nil {
		return nil, errors.DatabaseError("failed to list transfer tasks", err)
	}
	return tasks, nil
}

// DeleteByHash forgets a task so the download is retried from scratch
func (r *TransferTasks) DeleteByHash(ctx context.Context, hash string) error {
	if err := r.db.WithContext(ctx).Where("download_hash = ?", hash).Delete(&models.TransferTask{}).Error; err != nil {
		return errors.DatabaseError("failed to delete transfer task", err)
	}
	return nil
}

// FilterRules persists named filter rules
type FilterRules struct {
	db *gorm.DB
}

// Get loads a rule by id
func (r *FilterRules) Get(ctx context.Context, id uint) (*models.FilterRule, error) {
	var rule models.FilterRule
	if err := r.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if isNotFound(err) {
			return nil, errors.NotFoundError("filter rule", fmt.Sprint(id))
		}
		return nil, errors.DatabaseError("failed to load filter rule", err)
	}
	return &rule, nil
}

// GetByName loads a rule by name, or nil
func (r *FilterRules) GetByName(ctx context.Context, name string) (*models.FilterRule, error) {
	var rule models.FilterRule
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&rule).Error; err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.DatabaseError("failed to load filter rule", err)
	}
	return &rule, nil
}

// Insert stores a new rule
func (r *FilterRules) Insert(ctx context.Context, rule *models.FilterRule) error {
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return errors.DatabaseError("failed to insert filter rule", err)
	}
	return nil
}

// PluginEntries persists plugin config and data keys
type PluginEntries struct {
	db *gorm.DB
}

// Get returns the raw value for a key
func (r *PluginEntries) Get(ctx context.Context, pluginID string, ns models.PluginNamespace, key string) (string, bool, error) {
	var entry models.PluginEntry
	err := r.db.WithContext(ctx).
		Where(entryKey(pluginID, ns, key)).
		First(&entry).Error
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, errors.DatabaseError("failed to load plugin entry", err)
	}
	return entry.Value, true, nil
}

// Put writes one key atomically
func (r *PluginEntries) Put(ctx context.Context, pluginID string, ns models.PluginNamespace, key, value string) error {
	entry := models.PluginEntry{
		PluginID:  pluginID,
		Namespace: ns,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plugin_id"}, {Name: "namespace"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return errors.DatabaseError("failed to write plugin entry", err)
	}
	return nil
}

// Delete removes one key
func (r *PluginEntries) Delete(ctx context.Context, pluginID string, ns models.PluginNamespace, key string) error {
	err := r.db.WithContext(ctx).
		Where(entryKey(pluginID, ns, key)).
		Delete(&models.PluginEntry{}).Error
	if err != nil {
		return errors.DatabaseError("failed to delete plugin entry", err)
	}
	return nil
}

// All returns every key of a namespace
func (r *PluginEntries) All(ctx context.Context, pluginID string, ns models.PluginNamespace) (map[string]string, error) {
	var entries []models.PluginEntry
	err := r.db.WithContext(ctx).
		Where("plugin_id = ? AND namespace = ?", pluginID, ns).
		Find(&entries).Error
	if err != nil {
		return nil, errors.DatabaseError("failed to list plugin entries", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}
