package models

import "time"

// SubscriptionState is the lifecycle state of a subscription
type SubscriptionState string

const (
	SubscriptionStateNew     SubscriptionState = "N"
	SubscriptionStateRunning SubscriptionState = "R"
)

// Subscription is a standing order to acquire a movie or a TV season
type Subscription struct {
	ID                  uint              `gorm:"primaryKey" json:"id"`
	Name                string            `gorm:"type:varchar(255);not null;index" json:"name"`
	Year                string            `gorm:"type:varchar(8)" json:"year"`
	Type                MediaType         `gorm:"type:varchar(10);not null" json:"type"`
	TMDBID              int               `gorm:"index:idx_subscriptions_tmdb" json:"tmdb_id"`
	DoubanID            string            `gorm:"type:varchar(32)" json:"douban_id,omitempty"`
	Season              int               `gorm:"index:idx_subscriptions_tmdb" json:"season"`
	Poster              string            `gorm:"type:text" json:"poster,omitempty"`
	FilterRuleID        *uint             `json:"filter_rule_id,omitempty"`
	Include             string            `gorm:"type:text" json:"include,omitempty"`
	Exclude             string            `gorm:"type:text" json:"exclude,omitempty"`
	TotalEpisode        int               `gorm:"not null;default:0" json:"total_episode"`
	StartEpisode        int               `gorm:"not null;default:0" json:"start_episode"`
	LackEpisode         int               `gorm:"not null;default:0" json:"lack_episode"`
	State               SubscriptionState `gorm:"type:varchar(1);not null;default:N;index" json:"state"`
	BestVersion         bool              `gorm:"not null;default:false" json:"best_version"`
	AllowPartialUpgrade bool              `gorm:"not null;default:false" json:"allow_partial_upgrade"`
	CurrentPriority     *int              `json:"current_priority,omitempty"`
	Sites               StringList        `gorm:"type:text" json:"sites"`
	Username            string            `gorm:"type:varchar(100)" json:"username,omitempty"`
	Channel             string            `gorm:"type:varchar(50)" json:"channel,omitempty"`
	SatisfiedAt         *time.Time        `json:"satisfied_at,omitempty"`
	LastUpdate          *time.Time        `json:"last_update,omitempty"`
	CreatedAt           time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Subscription
func (Subscription) TableName() string {
	return "subscriptions"
}

// TargetEpisodes returns start_episode..total_episode for a TV subscription
func (s *Subscription) TargetEpisodes() IntList {
	if s.Type != MediaTypeTV || s.TotalEpisode <= 0 {
		return nil
	}
	start := s.StartEpisode
	if start <= 0 {
		start = 1
	}
	return EpisodeRange(start, s.TotalEpisode)
}

// PriorityValue returns current_priority or -1 when never downloaded
func (s *Subscription) PriorityValue() int {
	if s.CurrentPriority == nil {
		return -1
	}
	return *s.CurrentPriority
}
