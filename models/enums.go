package models

// EntityKind is the closed set of entity types the integration correlates.
// Routing from webhook payloads into synchronizers goes through this enum,
// never through raw object-type strings.
type EntityKind string

const (
	KindOrganization EntityKind = "organization"
	KindPerson       EntityKind = "person"
	KindDeal         EntityKind = "deal"
	KindOrder        EntityKind = "order"
)

// AllEntityKinds is ordered parent-first so batch syncs replay organizations
// before the persons/deals that reference them.
var AllEntityKinds = []EntityKind{KindOrganization, KindPerson, KindDeal, KindOrder}

func (k EntityKind) Valid() bool {
	switch k {
	case KindOrganization, KindPerson, KindDeal, KindOrder:
		return true
	}
	return false
}

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual  = "manual"
	SyncTriggeredRetry   = "retry"
	SyncTriggeredWebhook = "webhook"
	SyncTriggeredQueued  = "queued"
)

const (
	SyncDirectionAToB = "a_to_b"
	SyncDirectionBToA = "b_to_a"
	SyncDirectionBoth = "both"
)

const (
	SyncActionCreate = "create"
	SyncActionUpdate = "update"
	SyncActionDelete = "delete"
	SyncActionSkip   = "skip"
	SyncActionError  = "error"
)

const (
	SyncItemStatusSuccess = "success"
	SyncItemStatusSkipped = "skipped"
	SyncItemStatusFailed  = "failed"
)

// Error taxonomy for SyncError.ErrorType. validation_error is permanent and
// never retried; api_error covers 5xx responses that may be transient.
const (
	ErrorTypeConnection = "connection_error"
	ErrorTypeTimeout    = "timeout"
	ErrorTypeRateLimit  = "rate_limit"
	ErrorTypeValidation = "validation_error"
	ErrorTypeAPI        = "api_error"
	ErrorTypeUnknown    = "unknown"
)

const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

const (
	WebhookStatusReceived   = "received"
	WebhookStatusProcessing = "processing"
	WebhookStatusCompleted  = "completed"
	WebhookStatusFailed     = "failed"
	WebhookStatusIgnored    = "ignored"
)
