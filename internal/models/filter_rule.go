package models

import "time"

// FilterRule is a named, ordered list of rule groups. Groups are stored as JSON.
type FilterRule struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
	Groups        string    `gorm:"type:text;not null" json:"groups"`
	KeepUnmatched bool      `gorm:"not null;default:false" json:"keep_unmatched"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for FilterRule
func (FilterRule) TableName() string {
	return "filter_rules"
}
