package crmsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

func newTestDispatcher() (*Dispatcher, *fakeClient, *fakeClient, *memStore, *memEventLog) {
	engine, crm, rental, store, _ := newTestEngine()
	eventLog := newMemEventLog()
	d := NewDispatcher(engine, eventLog, testLogger())
	d.dedupeTTL = time.Minute
	return d, crm, rental, store, eventLog
}

func TestCRMWebhookIgnoresOwnChanges(t *testing.T) {
	d, crm, rental, _, eventLog := newTestDispatcher()
	crm.seed("companies", "co1", clients.Record{"name": "Acme GmbH"})

	d.HandleCRMEvents(context.Background(), []CRMWebhookEvent{{
		EventId:          json.Number("1"),
		SubscriptionType: "company.creation",
		ObjectTypeId:     "0-2",
		ObjectId:         json.Number("co1"),
		ChangeSource:     "INTEGRATION",
	}})

	statuses := eventLog.webhookStatuses()
	if len(statuses) != 1 || statuses[0] != models.WebhookStatusIgnored {
		t.Fatalf("self-originated change must be ignored, got %v", statuses)
	}
	if rental.count("contacts") != 0 {
		t.Fatal("self-originated change must not sync")
	}
}

func TestCRMWebhookDeduplicatesRetries(t *testing.T) {
	d, crm, rental, _, eventLog := newTestDispatcher()
	crm.seed("companies", "co1", clients.Record{"name": "Acme GmbH"})

	event := CRMWebhookEvent{
		EventId:          json.Number("7"),
		SubscriptionType: "company.creation",
		ObjectTypeId:     "0-2",
		ObjectId:         json.Number("co1"),
		ChangeSource:     "CRM_UI",
	}
	d.HandleCRMEvents(context.Background(), []CRMWebhookEvent{event, event})

	statuses := eventLog.webhookStatuses()
	if len(statuses) != 2 {
		t.Fatalf("both deliveries must be recorded, got %v", statuses)
	}
	if statuses[0] != models.WebhookStatusCompleted {
		t.Fatalf("first delivery must complete, got %q", statuses[0])
	}
	if statuses[1] != models.WebhookStatusIgnored {
		t.Fatalf("retried delivery must be ignored, got %q", statuses[1])
	}
	if rental.count("contacts") != 1 {
		t.Fatalf("exactly one replay expected, got %d contacts", rental.count("contacts"))
	}
}

func TestCRMWebhookRoutesDeletion(t *testing.T) {
	d, _, rental, store, eventLog := newTestDispatcher()
	_, err := store.Upsert(context.Background(), models.KindOrganization, models.CorrelationRecord{SystemAId: strPtr("co1"), SystemBId: strPtr("r1")})
	requireNoErr(t, err)
	rental.seed("contacts", "r1", clients.Record{"displayname": "Acme GmbH"})

	d.HandleCRMEvents(context.Background(), []CRMWebhookEvent{{
		EventId:          json.Number("9"),
		SubscriptionType: "company.deletion",
		ObjectTypeId:     "0-2",
		ObjectId:         json.Number("co1"),
		ChangeSource:     "CRM_UI",
	}})

	if rental.count("contacts") != 0 {
		t.Fatal("deletion event must cascade to the rental contact")
	}
	statuses := eventLog.webhookStatuses()
	if statuses[len(statuses)-1] != models.WebhookStatusCompleted {
		t.Fatalf("deletion must complete, got %v", statuses)
	}
}

func TestCRMWebhookIgnoresUnknownObjectType(t *testing.T) {
	d, _, _, _, eventLog := newTestDispatcher()
	d.HandleCRMEvents(context.Background(), []CRMWebhookEvent{{
		EventId:          json.Number("11"),
		SubscriptionType: "ticket.creation",
		ObjectTypeId:     "0-5",
		ObjectId:         json.Number("t1"),
	}})
	statuses := eventLog.webhookStatuses()
	if statuses[0] != models.WebhookStatusIgnored {
		t.Fatalf("unknown object type must be ignored, got %v", statuses)
	}
}

func TestRentalWebhookIgnoresServiceAccount(t *testing.T) {
	d, crm, rental, _, eventLog := newTestDispatcher()
	rental.seed("contacts", "r1", clients.Record{"displayname": "Acme GmbH"})

	var event RentalWebhookEvent
	event.ItemType = "contact"
	event.EventType = "create"
	event.User.Id = json.Number("9001")
	event.Items = []RentalWebhookItem{{Id: json.Number("r1")}}
	d.HandleRentalEvent(context.Background(), event)

	statuses := eventLog.webhookStatuses()
	if len(statuses) != 1 || statuses[0] != models.WebhookStatusIgnored {
		t.Fatalf("service-account change must be ignored, got %v", statuses)
	}
	if crm.count("companies") != 0 {
		t.Fatal("service-account change must not sync")
	}
}

func TestRentalWebhookProcessesWholeBatch(t *testing.T) {
	d, crm, rental, store, eventLog := newTestDispatcher()
	rental.seed("contacts", "r1", clients.Record{"displayname": "Acme GmbH"})
	rental.seed("contacts", "r2", clients.Record{"displayname": "Umbrella AG"})

	var event RentalWebhookEvent
	event.ItemType = "contact"
	event.EventType = "create"
	event.User.Id = json.Number("5")
	event.Items = []RentalWebhookItem{{Id: json.Number("r1")}, {Id: json.Number("r2")}}
	d.HandleRentalEvent(context.Background(), event)

	if crm.count("companies") != 2 {
		t.Fatalf("every item in the batch must be replayed, got %d companies", crm.count("companies"))
	}
	if store.countRows(models.KindOrganization) != 2 {
		t.Fatalf("expected 2 correlation rows, got %d", store.countRows(models.KindOrganization))
	}
	for _, status := range eventLog.webhookStatuses() {
		if status != models.WebhookStatusCompleted {
			t.Fatalf("expected all completed, got %v", eventLog.webhookStatuses())
		}
	}
}

func TestCRMAssociationEventReconciles(t *testing.T) {
	d, crm, rental, store, eventLog := newTestDispatcher()
	ctx := context.Background()

	p1, _ := store.Upsert(ctx, models.KindOrganization, models.CorrelationRecord{SystemAId: strPtr("co1"), SystemBId: strPtr("r1")})
	_, _ = store.Upsert(ctx, models.KindOrganization, models.CorrelationRecord{SystemAId: strPtr("co2"), SystemBId: strPtr("r2")})
	_, err := store.Upsert(ctx, models.KindPerson, models.CorrelationRecord{SystemAId: strPtr("c1"), SystemBId: strPtr("cp1"), ParentLocalId: &p1.LocalId})
	requireNoErr(t, err)
	rental.seed("contactpersons", "cp1", clients.Record{"contact": refPathOf("contacts", "r1")})
	crm.seed("contacts", "c1", clients.Record{"lastname": "Lovelace"})
	crm.edges[edgeKey("contacts", "c1", "companies")] = []string{"co2"}

	d.HandleCRMEvents(ctx, []CRMWebhookEvent{{
		EventId:          json.Number("21"),
		SubscriptionType: "contact.associationChange",
		ObjectTypeId:     "0-1",
		FromObjectId:     json.Number("c1"),
		ToObjectId:       json.Number("co2"),
		ChangeSource:     "CRM_UI",
	}})

	if link := rental.record("contactpersons", "cp1").String("contact"); link != refPathOf("contacts", "r2") {
		t.Fatalf("association event must move the rental link, got %q", link)
	}
	statuses := eventLog.webhookStatuses()
	if statuses[len(statuses)-1] != models.WebhookStatusCompleted {
		t.Fatalf("association replay must complete, got %v", statuses)
	}
}
