package crmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/config"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// Dispatcher turns webhook deliveries into synchronizer calls. Each delivery
// walks received -> processing -> completed | failed | ignored in the
// webhook_events table. Two filters sit in front of the synchronizers: the
// self-origin filter breaks the A->B->A echo loop, and the dedupe window
// collapses provider retries of the same delivery.
type Dispatcher struct {
	engine   *Engine
	eventLog EventLog
	logger   *logrus.Logger

	dedupeTTL time.Duration

	// In-memory fallback window for when redis is unreachable. Only protects
	// a single instance, which is still better than replaying every retry.
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDispatcher(engine *Engine, eventLog EventLog, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		engine:    engine,
		eventLog:  eventLog,
		logger:    logger,
		dedupeTTL: time.Duration(config.IntFromEnv("WEBHOOK_DEDUPE_TTL_S", 300)) * time.Second,
		seen:      map[string]time.Time{},
	}
}

// HandleCRMEvents processes one CRM webhook batch. The HTTP handler has
// already acknowledged with 200; failures here land in webhook_events and
// sync_errors, never back at the provider.
func (d *Dispatcher) HandleCRMEvents(ctx context.Context, events []CRMWebhookEvent) {
	for _, event := range events {
		d.handleCRMEvent(ctx, event)
	}
}

func (d *Dispatcher) handleCRMEvent(ctx context.Context, event CRMWebhookEvent) {
	payload, _ := json.Marshal(event)
	row := &models.WebhookEvent{
		EventKey:    d.crmEventKey(event),
		Source:      string(SideCRM),
		ObjectType:  event.ObjectTypeId,
		EventType:   event.SubscriptionType,
		ObjectId:    event.ObjectId.String(),
		Status:      models.WebhookStatusReceived,
		PayloadJSON: payload,
	}
	d.eventLog.RecordWebhook(ctx, row)

	if event.ChangeSource != "" && event.ChangeSource == d.engine.crm.OriginTag() {
		d.eventLog.UpdateWebhookStatus(ctx, row.ID, models.WebhookStatusIgnored, "self-originated change")
		return
	}
	if !d.firstDelivery(row.EventKey) {
		d.eventLog.UpdateWebhookStatus(ctx, row.ID, models.WebhookStatusIgnored, "duplicate delivery")
		return
	}

	kind, ok := kindForCRMObjectTypeId(event.ObjectTypeId)
	if !ok {
		kind, ok = kindForCRMSubscription(event.SubscriptionType)
	}
	if !ok {
		d.eventLog.UpdateWebhookStatus(ctx, row.ID, models.WebhookStatusIgnored, "unhandled object type")
		return
	}

	_, suffix, _ := strings.Cut(event.SubscriptionType, ".")
	objectId := event.ObjectId.String()
	if suffix == "associationChange" && objectId == "" {
		objectId = event.FromObjectId.String()
	}

	d.eventLog.UpdateWebhookStatus(ctx, row.ID, models.WebhookStatusProcessing, "")
	d.runEvent(ctx, row.ID, SideCRM, kind, crmEventAction(suffix), objectId)
}

func crmEventAction(suffix string) string {
	switch suffix {
	case "creation":
		return "create"
	case "propertyChange":
		return "update"
	case "deletion":
		return "delete"
	case "associationChange":
		return "association"
	}
	return ""
}

func (d *Dispatcher) crmEventKey(event CRMWebhookEvent) string {
	if id := event.EventId.String(); id != "" && id != "0" {
		return "crm:" + id
	}
	return fmt.Sprintf("crm:%s:%s:%s:%s", event.SubscriptionType, event.ObjectId, event.FromObjectId, event.ToObjectId)
}

// HandleRentalEvent processes one rental webhook delivery. The rental system
// batches touched items under a single event type; every item in the batch is
// replayed.
func (d *Dispatcher) HandleRentalEvent(ctx context.Context, event RentalWebhookEvent) {
	kind, knownKind := kindForRentalItemType(event.ItemType)
	action := strings.ToLower(strings.TrimSpace(event.EventType))

	selfOrigin := d.engine.rental.OriginTag() != "" && event.User.Id.String() == d.engine.rental.OriginTag()

	for _, item := range event.Items {
		payload, _ := json.Marshal(event)
		row := &models.WebhookEvent{
			EventKey:    fmt.Sprintf("rental:%s:%s:%s", event.ItemType, action, item.Id),
			Source:      string(SideRental),
			ObjectType:  event.ItemType,
			EventType:   action,
			ObjectId:    item.Id.String(),
			Status:      models.WebhookStatusReceived,
			PayloadJSON: payload,
		}
		d.eventLog.RecordWebhook(ctx, row)

		if selfOrigin {
			d.eventLog.UpdateWebhookStatus(ctx, row.ID, models.WebhookStatusIgnored, "self-originated change")
			continue
		}
		if !knownKind {
			d.eventLog.UpdateWebhookStatus(ctx, row.ID, models.WebhookStatusIgnored, "unhandled item type")
			continue
		}
		if !d.firstDelivery(row.EventKey) {
			d.eventLog.UpdateWebhookStatus(ctx, row.ID, models.WebhookStatusIgnored, "duplicate delivery")
			continue
		}

		d.eventLog.UpdateWebhookStatus(ctx, row.ID, models.WebhookStatusProcessing, "")
		d.runEvent(ctx, row.ID, SideRental, kind, action, item.Id.String())
	}
}

// runEvent drives one synchronizer call and records the outcome.
func (d *Dispatcher) runEvent(ctx context.Context, eventRowId uint, origin Side, kind models.EntityKind, action string, objectId string) {
	syncer, ok := d.engine.Synchronizer(kind)
	if !ok || objectId == "" || action == "" {
		d.eventLog.UpdateWebhookStatus(ctx, eventRowId, models.WebhookStatusIgnored, "nothing to replay")
		return
	}

	var outcome Outcome
	var err error
	switch action {
	case "create":
		outcome, err = syncer.OnCreate(ctx, origin, objectId)
	case "update":
		outcome, err = syncer.OnUpdate(ctx, origin, objectId)
	case "delete":
		err = syncer.OnDelete(ctx, origin, []string{objectId})
		outcome = Outcome{Action: models.SyncActionDelete}
	case "association":
		err = d.engine.ReconcileAssociations(ctx, origin, kind, objectId)
		outcome = Outcome{Action: models.SyncActionUpdate}
	default:
		d.eventLog.UpdateWebhookStatus(ctx, eventRowId, models.WebhookStatusIgnored, "unhandled event type")
		return
	}

	item := itemLogFor(0, origin, kind, objectId, outcome, err)
	d.eventLog.RecordItem(ctx, item)

	if err != nil {
		d.eventLog.RecordError(ctx, syncErrorFor(0, origin, kind, objectId, err))
		d.eventLog.UpdateWebhookStatus(ctx, eventRowId, models.WebhookStatusFailed, err.Error())
		config.LogError(d.logger, "crmsync", "runEvent", "webhook replay failed", map[string]interface{}{
			"origin":   string(origin),
			"kind":     string(kind),
			"action":   action,
			"objectId": objectId,
		}, err)
		return
	}
	d.eventLog.UpdateWebhookStatus(ctx, eventRowId, models.WebhookStatusCompleted, outcome.SkipReason)
}

// firstDelivery is the dedupe gate: true exactly once per key per window.
func (d *Dispatcher) firstDelivery(key string) bool {
	set, err := config.SetRedisValueNX("webhook:dedupe:"+key, "1", d.dedupeTTL)
	if err == nil {
		return set
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, t := range d.seen {
		if now.Sub(t) >= d.dedupeTTL {
			delete(d.seen, k)
		}
	}
	if t, dup := d.seen[key]; dup && now.Sub(t) < d.dedupeTTL {
		return false
	}
	d.seen[key] = now
	return true
}

// itemLogFor maps a synchronizer outcome onto the item-log row shape.
func itemLogFor(runId uint, origin Side, kind models.EntityKind, originId string, outcome Outcome, err error) *models.SyncItemLog {
	item := &models.SyncItemLog{
		SyncRunId:   runId,
		Kind:        kind,
		Action:      outcome.Action,
		Status:      models.SyncItemStatusSuccess,
		DisplayName: outcome.DisplayName,
		Message:     outcome.SkipReason,
	}
	if origin == SideCRM {
		item.SystemAId, item.SystemBId = originId, outcome.DestId
	} else {
		item.SystemBId, item.SystemAId = originId, outcome.DestId
	}
	if err != nil {
		item.Action = models.SyncActionError
		item.Status = models.SyncItemStatusFailed
		item.Message = err.Error()
	} else if outcome.Action == models.SyncActionSkip {
		item.Status = models.SyncItemStatusSkipped
	}
	return item
}

func syncErrorFor(runId uint, origin Side, kind models.EntityKind, originId string, err error) *models.SyncError {
	errorType := clients.Classify(err)
	severity := models.SeverityError
	if errorType == models.ErrorTypeValidation {
		// Permanent; no retry will fix the payload.
		severity = models.SeverityWarning
	}
	syncError := &models.SyncError{
		SyncRunId: runId,
		Kind:      kind,
		ErrorType: errorType,
		Severity:  severity,
		Message:   err.Error(),
	}
	if origin == SideCRM {
		syncError.SystemAId = originId
	} else {
		syncError.SystemBId = originId
	}
	return syncError
}
