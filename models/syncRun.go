package models

import "time"

// SyncRun records one batch reconciliation pass or queued replay. Webhook
// replays that are not part of a batch run log items with SyncRunId = 0.
type SyncRun struct {
	ID          uint   `gorm:"primary_key" json:"id"`
	Direction   string `gorm:"size:20;not null" json:"direction"`
	Status      string `gorm:"size:20;not null" json:"status"`
	TriggeredBy string `gorm:"size:20" json:"triggered_by"`
	KindsJSON   []byte `gorm:"type:json" json:"kinds"`
	BatchSize   int    `json:"batch_size"`

	Total     int `json:"total"`
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Errored   int `gorm:"column:error" json:"error"`
	Skipped   int `gorm:"column:skip" json:"skip"`

	ParentRunId *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	DurationMs  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncItemLog is one entity replay inside a run or webhook event.
type SyncItemLog struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	SyncRunId   uint       `gorm:"index" json:"sync_run_id"`
	Kind        EntityKind `gorm:"size:20;not null" json:"kind"`
	Action      string     `gorm:"size:10;not null" json:"action"`
	Status      string     `gorm:"size:10;not null" json:"status"`
	SystemAId   string     `gorm:"size:64" json:"system_a_id"`
	SystemBId   string     `gorm:"size:64" json:"system_b_id"`
	DisplayName string     `gorm:"size:255" json:"display_name"`
	Message     string     `gorm:"type:text" json:"message"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// SyncError is the triage record for a failed replay. Coarse classification
// only; the full context lives in Message and PayloadJSON.
type SyncError struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	SyncRunId   uint       `gorm:"index" json:"sync_run_id"`
	Kind        EntityKind `gorm:"size:20" json:"kind"`
	SystemAId   string     `gorm:"size:64" json:"system_a_id"`
	SystemBId   string     `gorm:"size:64" json:"system_b_id"`
	ErrorType   string     `gorm:"size:32" json:"error_type"`
	Severity    string     `gorm:"size:16" json:"severity"`
	Message     string     `gorm:"type:text" json:"message"`
	PayloadJSON []byte     `gorm:"type:json" json:"payload"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
