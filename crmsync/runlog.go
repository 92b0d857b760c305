package crmsync

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/crmsync_backend/config"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// EventLog records per-item outcomes, sync errors and webhook deliveries.
// Recording is best-effort: a failed insert is logged and swallowed, because
// observability must never fail the sync it observes.
type EventLog interface {
	RecordItem(ctx context.Context, item *models.SyncItemLog)
	RecordError(ctx context.Context, syncError *models.SyncError)
	RecordWebhook(ctx context.Context, event *models.WebhookEvent)
	UpdateWebhookStatus(ctx context.Context, eventId uint, status string, message string)
}

type dbEventLog struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewEventLog(db *gorm.DB, logger *logrus.Logger) EventLog {
	return &dbEventLog{db: db, logger: logger}
}

func (l *dbEventLog) RecordItem(ctx context.Context, item *models.SyncItemLog) {
	if err := l.db.WithContext(ctx).Create(item).Error; err != nil {
		config.LogError(l.logger, "crmsync", "RecordItem", "persisting sync item log", nil, err)
	}
}

func (l *dbEventLog) RecordError(ctx context.Context, syncError *models.SyncError) {
	if err := l.db.WithContext(ctx).Create(syncError).Error; err != nil {
		config.LogError(l.logger, "crmsync", "RecordError", "persisting sync error", nil, err)
	}
}

func (l *dbEventLog) RecordWebhook(ctx context.Context, event *models.WebhookEvent) {
	if err := l.db.WithContext(ctx).Create(event).Error; err != nil {
		config.LogError(l.logger, "crmsync", "RecordWebhook", "persisting webhook event", nil, err)
	}
}

func (l *dbEventLog) UpdateWebhookStatus(ctx context.Context, eventId uint, status string, message string) {
	if eventId == 0 {
		return
	}
	updates := map[string]any{"status": status}
	if message != "" {
		updates["message"] = message
	}
	err := l.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", eventId).Updates(updates).Error
	if err != nil {
		config.LogError(l.logger, "crmsync", "UpdateWebhookStatus", "updating webhook event", map[string]interface{}{
			"eventId": eventId,
		}, err)
	}
}
