package models

import "time"

// PluginNamespace separates user settings from runtime state
type PluginNamespace string

const (
	PluginNamespaceConfig PluginNamespace = "config"
	PluginNamespaceData   PluginNamespace = "data"
)

// PluginEntry is one key of a plugin's config or data store
type PluginEntry struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	PluginID  string          `gorm:"type:varchar(100);not null;uniqueIndex:idx_plugin_entries_key" json:"plugin_id"`
	Namespace PluginNamespace `gorm:"type:varchar(10);not null;uniqueIndex:idx_plugin_entries_key" json:"namespace"`
	Key       string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_plugin_entries_key" json:"key"`
	Value     string          `gorm:"type:text" json:"value"`
	UpdatedAt time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for PluginEntry
func (PluginEntry) TableName() string {
	return "plugin_entries"
}

// All returns every model managed by migrations
func All() []interface{} {
	return []interface{}{
		&Subscription{},
		&DownloadHistory{},
		&TransferHistory{},
		&TransferTask{},
		&FilterRule{},
		&PluginEntry{},
	}
}
