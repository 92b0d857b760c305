package models

import "time"

// WebhookEvent is the audit row behind the per-request state machine
// received -> processing -> completed | failed | ignored.
type WebhookEvent struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	EventKey    string    `gorm:"size:64;index" json:"event_key"`
	Source      string    `gorm:"size:10;not null" json:"source"`
	ObjectType  string    `gorm:"size:50" json:"object_type"`
	EventType   string    `gorm:"size:50" json:"event_type"`
	ObjectId    string    `gorm:"size:64" json:"object_id"`
	Status      string    `gorm:"size:12;not null" json:"status"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
