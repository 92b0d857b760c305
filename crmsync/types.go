package crmsync

import (
	"encoding/json"

	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// CRMWebhookEvent is one entry of the JSON array the CRM posts to our webhook
// endpoint. Association events carry from/to object ids instead of a plain
// object id.
type CRMWebhookEvent struct {
	EventId            json.Number `json:"eventId"`
	SubscriptionType   string      `json:"subscriptionType"`
	ObjectTypeId       string      `json:"objectTypeId"`
	ObjectId           json.Number `json:"objectId"`
	ChangeSource       string      `json:"changeSource"`
	AssociationType    string      `json:"associationType,omitempty"`
	FromObjectId       json.Number `json:"fromObjectId,omitempty"`
	ToObjectId         json.Number `json:"toObjectId,omitempty"`
	AssociationRemoved bool        `json:"associationRemoved,omitempty"`
	AttemptNumber      int         `json:"attemptNumber,omitempty"`
}

// RentalWebhookEvent is the rental system's webhook body: one event type over
// a batch of touched items, with the acting user attached.
type RentalWebhookEvent struct {
	ItemType  string `json:"itemType"`
	EventType string `json:"eventType"`
	User      struct {
		Id json.Number `json:"id"`
	} `json:"user"`
	Items []RentalWebhookItem `json:"items"`
}

type RentalWebhookItem struct {
	Id     json.Number `json:"id"`
	Ref    string      `json:"ref,omitempty"`
	Parent string      `json:"parent,omitempty"`
}

// SyncOptions is the request body of the manual trigger endpoints.
type SyncOptions struct {
	Direction   string              `json:"direction" validate:"omitempty,oneof=a_to_b b_to_a both"`
	BatchSize   int                 `json:"batchSize" validate:"omitempty,min=1,max=500"`
	EntityKinds []models.EntityKind `json:"entityKinds" validate:"omitempty,max=4"`
}

// SingleSyncRequest targets one record on one side.
type SingleSyncRequest struct {
	Kind models.EntityKind `json:"kind" validate:"required"`
	Side Side              `json:"side" validate:"required"`
	Id   string            `json:"id" validate:"required"`
}

// Outcome is what a synchronizer reports back for one origin record, so the
// caller can log the item and keep run counters.
type Outcome struct {
	Action      string
	DisplayName string
	DestId      string
	SkipReason  string
}

func skipped(reason string) Outcome {
	return Outcome{Action: models.SyncActionSkip, SkipReason: reason}
}
