package crmsync

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/crmsync_backend/appctx"
	"bitbucket.org/mmdatafocus/crmsync_backend/config"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// Webhook handlers acknowledge with 200 before any work happens: both
// providers treat a non-2xx (or a slow response) as a delivery failure and
// retry, and our own failure handling lives in webhook_events, not in the
// response code. Processing continues on a detached context because the
// request context dies with the response.

func CRMWebhookHandler(d *Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var events []CRMWebhookEvent
		if err := c.ShouldBindJSON(&events); err != nil {
			// Malformed payloads are acknowledged too; retrying cannot fix them.
			c.Status(http.StatusOK)
			return
		}
		ctx := detachedContext(c)
		go d.HandleCRMEvents(ctx, events)
		c.Status(http.StatusOK)
	}
}

func RentalWebhookHandler(d *Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var event RentalWebhookEvent
		if err := c.ShouldBindJSON(&event); err != nil {
			c.Status(http.StatusOK)
			return
		}
		ctx := detachedContext(c)
		go d.HandleRentalEvent(ctx, event)
		c.Status(http.StatusOK)
	}
}

func detachedContext(c *gin.Context) context.Context {
	ctx := context.Background()
	if correlationId, ok := appctx.GetCorrelationId(c.Request.Context()); ok {
		ctx = appctx.SetCorrelationId(ctx, correlationId)
	}
	return ctx
}

// TriggerSyncHandler starts a full (or kind-filtered) sync. With queueing
// enabled the run is published and a 202 carries the run id; otherwise the
// run executes inline and the response carries its final counters.
func TriggerSyncHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var opts SyncOptions
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&opts); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		if config.EnvBoolDefault("SYNC_QUEUE_ENABLED", false) {
			run, err := coordinator.CreateRun(c.Request.Context(), opts, models.SyncTriggeredQueued, nil)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := PublishSyncRun(c.Request.Context(), run.ID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, run)
			return
		}

		run, err := coordinator.RunFullSync(c.Request.Context(), opts, models.SyncTriggeredManual)
		if err != nil && run == nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// TriggerSingleTypeSyncHandler runs a sync for the kind named in the path.
func TriggerSingleTypeSyncHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := models.EntityKind(c.Param("kind"))
		var opts SyncOptions
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&opts); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		run, err := coordinator.RunSingleTypeSync(c.Request.Context(), kind, opts, models.SyncTriggeredManual)
		if err != nil && run == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// SyncSingleHandler replays one record by kind, side and id.
func SyncSingleHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SingleSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		outcome, err := coordinator.SyncSingle(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"action":      outcome.Action,
			"displayName": outcome.DisplayName,
			"destId":      outcome.DestId,
			"message":     outcome.SkipReason,
		})
	}
}

// SyncHistoryHandler lists recent runs, newest first.
func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if err != nil || limit <= 0 || limit > 200 {
			limit = 20
		}
		var runs []models.SyncRun
		db := config.GetDB().WithContext(c.Request.Context())
		if err := db.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

// SyncRunDetailHandler returns one run with its errors and item logs.
func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())

		var run models.SyncRun
		if err := db.First(&run, uint(runId)).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "sync run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		var syncErrors []models.SyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id").Find(&syncErrors).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		var items []models.SyncItemLog
		if err := db.Where("sync_run_id = ?", run.ID).Order("id").Limit(1000).Find(&items).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run": run, "errors": syncErrors, "items": items})
	}
}

// RetrySyncRunHandler queues a fresh run from a failed one and executes it.
func RetrySyncRunHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		retry, err := coordinator.RetryRun(c.Request.Context(), uint(runId))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if config.EnvBoolDefault("SYNC_QUEUE_ENABLED", false) {
			if err := PublishSyncRun(c.Request.Context(), retry.ID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, retry)
			return
		}
		run, err := coordinator.ExecuteRun(c.Request.Context(), retry.ID)
		if err != nil && run == nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// WebhookEventsHandler lists recent webhook deliveries for debugging.
func WebhookEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 || limit > 500 {
			limit = 50
		}
		db := config.GetDB().WithContext(c.Request.Context())
		query := db.Order("id DESC").Limit(limit)
		if source := c.Query("source"); source != "" {
			query = query.Where("source = ?", source)
		}
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}
		var events []models.WebhookEvent
		if err := query.Find(&events).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}
