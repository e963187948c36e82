package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// DownloadHistory records a dispatched download. Rows are append-only.
type DownloadHistory struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	DownloadHash   string    `gorm:"type:varchar(64);not null;index" json:"download_hash"`
	Downloader     string    `gorm:"type:varchar(50)" json:"downloader"`
	Path           string    `gorm:"type:text" json:"path"`
	Type           MediaType `gorm:"type:varchar(10)" json:"type"`
	Title          string    `gorm:"type:varchar(255)" json:"title"`
	Year           string    `gorm:"type:varchar(8)" json:"year"`
	TMDBID         int       `gorm:"index" json:"tmdb_id"`
	Season         int       `json:"season"`
	Episodes       IntList   `gorm:"type:text" json:"episodes"`
	TorrentName    string    `gorm:"type:text" json:"torrent_name"`
	TorrentSite    string    `gorm:"type:varchar(100)" json:"torrent_site"`
	Priority       int       `json:"priority"`
	SubscriptionID *uint     `gorm:"index" json:"subscription_id,omitempty"`
	Username       string    `gorm:"type:varchar(100)" json:"username,omitempty"`
	Channel        string    `gorm:"type:varchar(50)" json:"channel,omitempty"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for DownloadHistory
func (DownloadHistory) TableName() string {
	return "download_history"
}

// TransferHistory records one placed (or failed) file. Rows are append-only.
type TransferHistory struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Src          string    `gorm:"type:text;not null" json:"src"`
	Dest         string    `gorm:"type:text" json:"dest"`
	Mode         string    `gorm:"type:varchar(20)" json:"mode"`
	Type         MediaType `gorm:"type:varchar(10)" json:"type"`
	Category     string    `gorm:"type:varchar(100)" json:"category"`
	Title        string    `gorm:"type:varchar(255)" json:"title"`
	Year         string    `gorm:"type:varchar(8)" json:"year"`
	TMDBID       int       `gorm:"index" json:"tmdb_id"`
	Season       int       `json:"season"`
	Episodes     IntList   `gorm:"type:text" json:"episodes"`
	DownloadHash string    `gorm:"type:varchar(64);index" json:"download_hash"`
	Status       bool      `gorm:"not null;default:false" json:"status"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for TransferHistory
func (TransferHistory) TableName() string {
	return "transfer_history"
}

// TransferState is a step of the per-download transfer state machine
type TransferState string

const (
	TransferPending      TransferState = "PENDING"
	TransferIdentified   TransferState = "IDENTIFIED"
	TransferPlaced       TransferState = "PLACED"
	TransferRecorded     TransferState = "RECORDED"
	TransferNotified     TransferState = "NOTIFIED"
	TransferFailed       TransferState = "FAILED"
	TransferUnrecognized TransferState = "UNRECOGNIZED"
)

// Terminal reports whether no further automatic work happens in this state
func (s TransferState) Terminal() bool {
	switch s {
	case TransferNotified, TransferFailed, TransferUnrecognized:
		return true
	}
	return false
}

// TransferTask persists pipeline progress for one completed download
type TransferTask struct {
	ID           uint             `gorm:"primaryKey" json:"id"`
	DownloadHash string           `gorm:"type:varchar(64);not null;uniqueIndex" json:"download_hash"`
	Name         string           `gorm:"type:text" json:"name"`
	Path         string           `gorm:"type:text" json:"path"`
	State        TransferState    `gorm:"type:varchar(20);not null;index" json:"state"`
	Attempts     int              `gorm:"not null;default:0" json:"attempts"`
	ErrorMessage string           `gorm:"type:text" json:"error_message,omitempty"`
	// Pending holds history rows for items already placed but not yet
	// recorded. In move mode the source is gone once placed, so these rows
	// are the only trace left after a crash.
	Pending      PendingTransfers `gorm:"type:text" json:"pending,omitempty"`
	CreatedAt    time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"not null" json:"updated_at"`
}

// PendingTransfers is a list of unrecorded history rows stored as JSON
type PendingTransfers []TransferHistory

// Value implements driver.Valuer
func (l PendingTransfers) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]TransferHistory(l))
	return string(data), err
}

// Scan implements sql.Scanner
func (l *PendingTransfers) Scan(src interface{}) error {
	return scanJSON(src, (*[]TransferHistory)(l))
}

// TableName specifies the table name for TransferTask
func (TransferTask) TableName() string {
	return "transfer_tasks"
}
