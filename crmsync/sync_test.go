package crmsync

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

func TestOrganizationCreateIsIdempotent(t *testing.T) {
	engine, crm, rental, store, _ := newTestEngine()
	ctx := context.Background()
	crm.seed("companies", "co1", clients.Record{"name": "Acme GmbH", "city": "Berlin"})

	syncer, _ := engine.Synchronizer(models.KindOrganization)
	for i := 0; i < 3; i++ {
		_, err := syncer.OnCreate(ctx, SideCRM, "co1")
		requireNoErr(t, err)
	}

	if got := rental.count("contacts"); got != 1 {
		t.Fatalf("expected exactly one rental contact, got %d", got)
	}
	if got := store.countRows(models.KindOrganization); got != 1 {
		t.Fatalf("expected exactly one correlation row, got %d", got)
	}
	row, err := store.FindByA(ctx, models.KindOrganization, "co1")
	requireNoErr(t, err)
	if row == nil || row.SystemBId == nil {
		t.Fatal("correlation row must carry both ids")
	}
	if rental.record("contacts", *row.SystemBId).String("displayname") != "Acme GmbH" {
		t.Fatal("rental contact did not receive the mapped name")
	}
}

func TestOrganizationDedupsOnName(t *testing.T) {
	engine, crm, rental, store, _ := newTestEngine()
	ctx := context.Background()
	rental.seed("contacts", "r1", clients.Record{"displayname": "Acme GmbH"})
	crm.seed("companies", "co1", clients.Record{"name": "Acme GmbH"})

	syncer, _ := engine.Synchronizer(models.KindOrganization)
	_, err := syncer.OnCreate(ctx, SideCRM, "co1")
	requireNoErr(t, err)

	if got := rental.count("contacts"); got != 1 {
		t.Fatalf("dedup must adopt the existing contact, got %d contacts", got)
	}
	row, _ := store.FindByA(ctx, models.KindOrganization, "co1")
	if row == nil || row.SystemBId == nil || *row.SystemBId != "r1" {
		t.Fatalf("correlation must link the existing contact, got %+v", row)
	}
}

func TestPersonWaitsForOrganizationThenReplays(t *testing.T) {
	engine, crm, rental, store, sleeper := newTestEngine()
	ctx := context.Background()
	crm.seed("companies", "co1", clients.Record{"name": "Acme GmbH"})
	crm.seed("contacts", "c1", clients.Record{"firstname": "Ada", "lastname": "Lovelace", "email": "ada@acme.test"})
	crm.edges[edgeKey("contacts", "c1", "companies")] = []string{"co1"}
	crm.edges[edgeKey("companies", "co1", "contacts")] = []string{"c1"}

	personSyncer, _ := engine.Synchronizer(models.KindPerson)
	outcome, err := personSyncer.OnCreate(ctx, SideCRM, "c1")
	requireNoErr(t, err)
	if outcome.Action != models.SyncActionSkip {
		t.Fatalf("person arriving before its organization must skip, got %q", outcome.Action)
	}
	if sleeper.slept != 2 {
		t.Fatalf("expected 2 lookup waits over 3 attempts, got %d", sleeper.slept)
	}
	if got := rental.count("contactpersons"); got != 0 {
		t.Fatalf("skip must not create anything, got %d contact persons", got)
	}

	// The organization create replays its children.
	orgSyncer, _ := engine.Synchronizer(models.KindOrganization)
	_, err = orgSyncer.OnCreate(ctx, SideCRM, "co1")
	requireNoErr(t, err)

	if got := rental.count("contactpersons"); got != 1 {
		t.Fatalf("organization create must replay the waiting person, got %d", got)
	}
	personRow, _ := store.FindByA(ctx, models.KindPerson, "c1")
	if personRow == nil || personRow.ParentLocalId == nil {
		t.Fatalf("person row must carry its parent link, got %+v", personRow)
	}
	orgRow, _ := store.FindByA(ctx, models.KindOrganization, "co1")
	link := rental.record("contactpersons", *personRow.SystemBId).String("contact")
	if link != refPathOf("contacts", *orgRow.SystemBId) {
		t.Fatalf("rental contact person must point at its contact, got %q", link)
	}
}

func TestPersonDedupsOnEmail(t *testing.T) {
	engine, crm, rental, store, _ := newTestEngine()
	ctx := context.Background()
	rental.seed("contactpersons", "cp1", clients.Record{"firstname": "Ada", "lastname": "Lovelace", "email": "ada@acme.test"})
	crm.seed("contacts", "c1", clients.Record{"firstname": "Ada", "lastname": "Lovelace", "email": "ADA@acme.test"})

	syncer, _ := engine.Synchronizer(models.KindPerson)
	_, err := syncer.OnCreate(ctx, SideCRM, "c1")
	requireNoErr(t, err)

	if got := rental.count("contactpersons"); got != 1 {
		t.Fatalf("email dedup must adopt the existing person, got %d", got)
	}
	row, _ := store.FindByA(ctx, models.KindPerson, "c1")
	if row == nil || row.SystemBId == nil || *row.SystemBId != "cp1" {
		t.Fatalf("correlation must link the existing person, got %+v", row)
	}
}

func TestAssociationMoveConvergesAndIsStable(t *testing.T) {
	engine, crm, rental, store, _ := newTestEngine()
	ctx := context.Background()

	p1, err := store.Upsert(ctx, models.KindOrganization, models.CorrelationRecord{SystemAId: strPtr("co1"), SystemBId: strPtr("r1"), DisplayName: "P1"})
	requireNoErr(t, err)
	p2, err := store.Upsert(ctx, models.KindOrganization, models.CorrelationRecord{SystemAId: strPtr("co2"), SystemBId: strPtr("r2"), DisplayName: "P2"})
	requireNoErr(t, err)
	child, err := store.Upsert(ctx, models.KindPerson, models.CorrelationRecord{SystemAId: strPtr("c1"), SystemBId: strPtr("cp1"), ParentLocalId: &p1.LocalId})
	requireNoErr(t, err)

	rental.seed("contactpersons", "cp1", clients.Record{"contact": refPathOf("contacts", "r1")})
	crm.seed("contacts", "c1", clients.Record{"lastname": "Lovelace"})
	crm.edges[edgeKey("contacts", "c1", "companies")] = []string{"co2"}

	requireNoErr(t, engine.ReconcileAssociations(ctx, SideCRM, models.KindPerson, "c1"))

	link := rental.record("contactpersons", "cp1").String("contact")
	if link != refPathOf("contacts", "r2") {
		t.Fatalf("contact person must point at the new organization, got %q", link)
	}
	row, _ := store.FindByLocal(ctx, models.KindPerson, child.LocalId)
	if row.ParentLocalId == nil || *row.ParentLocalId != p2.LocalId {
		t.Fatalf("cached parent must follow the move, got %+v", row.ParentLocalId)
	}

	// Replaying the same edge change must be a no-op against the API.
	callsBefore := rental.assocCalls
	requireNoErr(t, engine.ReconcileAssociations(ctx, SideCRM, models.KindPerson, "c1"))
	if rental.assocCalls != callsBefore {
		t.Fatalf("unchanged parent must not touch the API, got %d extra calls", rental.assocCalls-callsBefore)
	}
}

func TestAssociationMoveWaitsForUncorrelatedParent(t *testing.T) {
	engine, crm, rental, store, sleeper := newTestEngine()
	ctx := context.Background()

	org, err := store.Upsert(ctx, models.KindOrganization, models.CorrelationRecord{SystemAId: strPtr("co1"), SystemBId: strPtr("r1"), DisplayName: "P1"})
	requireNoErr(t, err)
	deal, err := store.Upsert(ctx, models.KindDeal, models.CorrelationRecord{SystemAId: strPtr("d1"), SystemBId: strPtr("p1"), ParentLocalId: &org.LocalId})
	requireNoErr(t, err)

	rental.seed("projects", "p1", clients.Record{"customer": refPathOf("contacts", "r1")})
	crm.seed("deals", "d1", clients.Record{"dealname": "Festival"})
	// The deal moved to an organization that has no correlation row yet.
	crm.edges[edgeKey("deals", "d1", "companies")] = []string{"co2"}

	requireNoErr(t, engine.ReconcileAssociations(ctx, SideCRM, models.KindDeal, "d1"))

	if link := rental.record("projects", "p1").String("customer"); link != refPathOf("contacts", "r1") {
		t.Fatalf("old customer link must survive until the new organization syncs, got %q", link)
	}
	row, _ := store.FindByLocal(ctx, models.KindDeal, deal.LocalId)
	if row.ParentLocalId == nil || *row.ParentLocalId != org.LocalId {
		t.Fatalf("cached parent must stay on the old organization, got %+v", row.ParentLocalId)
	}
	if sleeper.slept == 0 {
		t.Fatal("the parent lookup must poll before giving up")
	}

	// Once the new organization is correlated, the same event settles the move.
	moved, err := store.Upsert(ctx, models.KindOrganization, models.CorrelationRecord{SystemAId: strPtr("co2"), SystemBId: strPtr("r2"), DisplayName: "P2"})
	requireNoErr(t, err)
	requireNoErr(t, engine.ReconcileAssociations(ctx, SideCRM, models.KindDeal, "d1"))
	if link := rental.record("projects", "p1").String("customer"); link != refPathOf("contacts", "r2") {
		t.Fatalf("customer link must follow once the organization is correlated, got %q", link)
	}
	row, _ = store.FindByLocal(ctx, models.KindDeal, deal.LocalId)
	if row.ParentLocalId == nil || *row.ParentLocalId != moved.LocalId {
		t.Fatalf("cached parent must follow the settled move, got %+v", row.ParentLocalId)
	}
}

func TestPersonDeleteUnlinksWithoutDeleting(t *testing.T) {
	engine, _, rental, store, _ := newTestEngine()
	ctx := context.Background()

	org, err := store.Upsert(ctx, models.KindOrganization, models.CorrelationRecord{SystemAId: strPtr("co1"), SystemBId: strPtr("r1")})
	requireNoErr(t, err)
	_, err = store.Upsert(ctx, models.KindPerson, models.CorrelationRecord{SystemAId: strPtr("c1"), SystemBId: strPtr("cp1"), ParentLocalId: &org.LocalId})
	requireNoErr(t, err)
	rental.seed("contactpersons", "cp1", clients.Record{"lastname": "Lovelace", "contact": refPathOf("contacts", "r1")})

	syncer, _ := engine.Synchronizer(models.KindPerson)
	requireNoErr(t, syncer.OnDelete(ctx, SideCRM, []string{"c1"}))

	if got := rental.count("contactpersons"); got != 1 {
		t.Fatalf("person deletion must keep the destination record, got %d", got)
	}
	if link := rental.record("contactpersons", "cp1").String("contact"); link != "" {
		t.Fatalf("person deletion must clear the organization link, got %q", link)
	}
	if got := store.countRows(models.KindPerson); got != 0 {
		t.Fatalf("person correlation row must be gone, got %d", got)
	}
}

func TestOrganizationDeleteCascades(t *testing.T) {
	engine, _, rental, store, _ := newTestEngine()
	ctx := context.Background()

	org, err := store.Upsert(ctx, models.KindOrganization, models.CorrelationRecord{SystemAId: strPtr("co1"), SystemBId: strPtr("r1")})
	requireNoErr(t, err)
	_, err = store.Upsert(ctx, models.KindPerson, models.CorrelationRecord{SystemAId: strPtr("c1"), SystemBId: strPtr("cp1"), ParentLocalId: &org.LocalId})
	requireNoErr(t, err)
	rental.seed("contacts", "r1", clients.Record{"displayname": "Acme GmbH"})

	syncer, _ := engine.Synchronizer(models.KindOrganization)
	requireNoErr(t, syncer.OnDelete(ctx, SideCRM, []string{"co1"}))

	if got := rental.count("contacts"); got != 0 {
		t.Fatalf("organization deletion must delete the destination contact, got %d", got)
	}
	if got := store.countRows(models.KindOrganization); got != 0 {
		t.Fatalf("organization row must be gone, got %d", got)
	}
	if got := store.countRows(models.KindPerson); got != 0 {
		t.Fatalf("person rows must cascade with their organization, got %d", got)
	}
}

func TestOrderSkipsWithoutCorrelatedDeal(t *testing.T) {
	engine, crm, rental, _, _ := newTestEngine()
	ctx := context.Background()
	crm.seed("orders", "o1", clients.Record{"order_name": "Stage rig", "amount": "1200"})
	crm.edges[edgeKey("orders", "o1", "deals")] = []string{"d1"}

	syncer, _ := engine.Synchronizer(models.KindOrder)
	outcome, err := syncer.OnCreate(ctx, SideCRM, "o1")
	requireNoErr(t, err)
	if outcome.Action != models.SyncActionSkip {
		t.Fatalf("order without correlated deal must skip, got %q", outcome.Action)
	}
	if got := rental.count("subprojects"); got != 0 {
		t.Fatalf("skip must not create a subproject, got %d", got)
	}
}

func TestOrderCreateLinksDealAndAggregates(t *testing.T) {
	engine, crm, rental, store, _ := newTestEngine()
	ctx := context.Background()

	deal, err := store.Upsert(ctx, models.KindDeal, models.CorrelationRecord{SystemAId: strPtr("d1"), SystemBId: strPtr("p1")})
	requireNoErr(t, err)
	crm.seed("deals", "d1", clients.Record{"dealname": "Festival", "dealstage": "concept"})
	crm.seed("orders", "o1", clients.Record{"order_name": "Stage rig", "amount": "1200"})
	crm.edges[edgeKey("orders", "o1", "deals")] = []string{"d1"}

	syncer, _ := engine.Synchronizer(models.KindOrder)
	outcome, err := syncer.OnCreate(ctx, SideCRM, "o1")
	requireNoErr(t, err)
	if outcome.Action != models.SyncActionCreate {
		t.Fatalf("expected create, got %q", outcome.Action)
	}

	row, _ := store.FindByA(ctx, models.KindOrder, "o1")
	if row == nil || row.ParentLocalId == nil || *row.ParentLocalId != deal.LocalId {
		t.Fatalf("order row must reference its deal, got %+v", row)
	}
	sub := rental.record("subprojects", *row.SystemBId)
	if sub.String("project") != refPathOf("projects", "p1") {
		t.Fatalf("subproject must link its project, got %q", sub.String("project"))
	}
	if sub.String("price") != "1200.00" {
		t.Fatalf("amount must be normalized to two decimals, got %q", sub.String("price"))
	}
}

func TestDealStageFollowsOrderStatuses(t *testing.T) {
	engine, crm, rental, store, _ := newTestEngine()
	ctx := context.Background()

	deal, err := store.Upsert(ctx, models.KindDeal, models.CorrelationRecord{SystemAId: strPtr("d1"), SystemBId: strPtr("p1")})
	requireNoErr(t, err)
	_, err = store.Upsert(ctx, models.KindOrder, models.CorrelationRecord{SystemAId: strPtr("o1"), SystemBId: strPtr("s1"), ParentLocalId: &deal.LocalId})
	requireNoErr(t, err)
	_, err = store.Upsert(ctx, models.KindOrder, models.CorrelationRecord{SystemAId: strPtr("o2"), SystemBId: strPtr("s2"), ParentLocalId: &deal.LocalId})
	requireNoErr(t, err)

	crm.seed("deals", "d1", clients.Record{"dealname": "Festival", "dealstage": "concept"})
	rental.seed("subprojects", "s1", clients.Record{"status": "confirmed", "price": "100"})
	rental.seed("subprojects", "s2", clients.Record{"status": "To be invoiced", "price": "50.5"})

	requireNoErr(t, engine.Status().RecomputeDeal(ctx, deal.LocalId))

	updated := crm.record("deals", "d1")
	if updated.String("dealstage") != "to_be_invoiced" {
		t.Fatalf("deal stage must follow the highest-priority order status, got %q", updated.String("dealstage"))
	}
	if updated.String("amount") != "150.50" {
		t.Fatalf("deal amount must sum subproject prices, got %q", updated.String("amount"))
	}
}

func TestDealStageUntouchedWithoutOrders(t *testing.T) {
	engine, crm, _, store, _ := newTestEngine()
	ctx := context.Background()

	deal, err := store.Upsert(ctx, models.KindDeal, models.CorrelationRecord{SystemAId: strPtr("d1"), SystemBId: strPtr("p1")})
	requireNoErr(t, err)
	crm.seed("deals", "d1", clients.Record{"dealname": "Festival", "dealstage": "concept"})

	updatesBefore := crm.updateCalls
	requireNoErr(t, engine.Status().RecomputeDeal(ctx, deal.LocalId))
	if crm.updateCalls != updatesBefore {
		t.Fatal("a deal without orders must not be touched")
	}
	if crm.record("deals", "d1").String("dealstage") != "concept" {
		t.Fatal("deal stage changed despite empty order set")
	}
}

func TestRentalOriginSyncsBackToCRM(t *testing.T) {
	engine, crm, rental, store, _ := newTestEngine()
	ctx := context.Background()
	rental.seed("contacts", "r1", clients.Record{"displayname": "Acme GmbH", "city": "Berlin", "website": "acme.test"})

	syncer, _ := engine.Synchronizer(models.KindOrganization)
	outcome, err := syncer.OnCreate(ctx, SideRental, "r1")
	requireNoErr(t, err)
	if outcome.Action != models.SyncActionCreate {
		t.Fatalf("expected create, got %q", outcome.Action)
	}

	row, _ := store.FindByB(ctx, models.KindOrganization, "r1")
	if row == nil || row.SystemAId == nil {
		t.Fatalf("correlation must carry the CRM id, got %+v", row)
	}
	company := crm.record("companies", *row.SystemAId)
	if company.String("name") != "Acme GmbH" || company.String("domain") != "acme.test" {
		t.Fatalf("CRM company fields not mapped, got %+v", company)
	}
}
