package crmsync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/config"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
	"bitbucket.org/mmdatafocus/crmsync_backend/retry"
)

// SystemClient is the surface the engine needs from either side. Both API
// clients satisfy it; tests plug in fakes.
type SystemClient interface {
	Get(ctx context.Context, objectType string, id string) (clients.Record, error)
	Create(ctx context.Context, objectType string, fields clients.Record) (clients.Record, error)
	Update(ctx context.Context, objectType string, id string, fields clients.Record) (clients.Record, error)
	Delete(ctx context.Context, objectType string, id string) error
	Search(ctx context.Context, objectType string, filters map[string]string) ([]clients.Record, error)
	List(ctx context.Context, objectType string, limit int, cursor string) ([]clients.Record, string, error)
	ListAssociations(ctx context.Context, fromType string, fromId string, toType string) ([]string, error)
	AddAssociation(ctx context.Context, fromType string, fromId string, toType string, toId string, relation string) error
	RemoveAssociation(ctx context.Context, fromType string, fromId string, toType string, toId string, relation string) error
	OriginTag() string
}

// Synchronizer replays one origin-side change onto the destination side for a
// single entity kind. Implementations must be idempotent: replaying the same
// event again converges on the same correlation row and destination record.
type Synchronizer interface {
	OnCreate(ctx context.Context, origin Side, originId string) (Outcome, error)
	OnUpdate(ctx context.Context, origin Side, originId string) (Outcome, error)
	OnDelete(ctx context.Context, origin Side, originIds []string) error
}

// Engine wires the two clients, the correlation store and the per-kind
// synchronizers together.
type Engine struct {
	store  CorrelationStore
	crm    SystemClient
	rental SystemClient
	logger *logrus.Logger

	// Consistency-wait knobs for parent lookups: a child event may arrive
	// before its parent's correlation row exists, so lookups poll with a fixed
	// delay and give up quietly.
	lookupAttempts int
	lookupDelay    time.Duration
	sleeper        retry.Sleeper

	syncers      map[models.EntityKind]Synchronizer
	associations *AssociationReconciler
	status       *StatusAggregator
}

func NewEngine(store CorrelationStore, crm SystemClient, rental SystemClient, logger *logrus.Logger) *Engine {
	e := &Engine{
		store:          store,
		crm:            crm,
		rental:         rental,
		logger:         logger,
		lookupAttempts: config.IntFromEnv("SYNC_LOOKUP_ATTEMPTS", 3),
		lookupDelay:    time.Duration(config.IntFromEnv("SYNC_LOOKUP_DELAY_MS", 3000)) * time.Millisecond,
		sleeper:        retry.Default,
	}
	e.associations = &AssociationReconciler{engine: e}
	e.status = NewStatusAggregator(e)
	e.syncers = map[models.EntityKind]Synchronizer{
		models.KindOrganization: &organizationSync{e: e},
		models.KindPerson:       &personSync{e: e},
		models.KindDeal:         &dealSync{e: e},
		models.KindOrder:        &orderSync{e: e},
	}
	return e
}

func (e *Engine) Synchronizer(kind models.EntityKind) (Synchronizer, bool) {
	s, ok := e.syncers[kind]
	return s, ok
}

func (e *Engine) Status() *StatusAggregator {
	return e.status
}

func (e *Engine) client(side Side) SystemClient {
	if side == SideCRM {
		return e.crm
	}
	return e.rental
}

// findByOrigin resolves the correlation row for an origin-side id.
func (e *Engine) findByOrigin(ctx context.Context, kind models.EntityKind, origin Side, originId string) (*models.CorrelationRecord, error) {
	if origin == SideCRM {
		return e.store.FindByA(ctx, kind, originId)
	}
	return e.store.FindByB(ctx, kind, originId)
}

func sideId(record *models.CorrelationRecord, side Side) string {
	if record == nil {
		return ""
	}
	if side == SideCRM {
		if record.SystemAId != nil {
			return *record.SystemAId
		}
		return ""
	}
	if record.SystemBId != nil {
		return *record.SystemBId
	}
	return ""
}

// correlationFor builds the row linking originId to destId for the given
// origin side.
func correlationFor(origin Side, originId string, destId string) models.CorrelationRecord {
	record := models.CorrelationRecord{}
	if origin == SideCRM {
		record.SystemAId = strPtr(originId)
		if destId != "" {
			record.SystemBId = strPtr(destId)
		}
	} else {
		record.SystemBId = strPtr(originId)
		if destId != "" {
			record.SystemAId = strPtr(destId)
		}
	}
	return record
}

// awaitCorrelation polls for a correlation row whose destination-side id is
// already known. Used when a child event may have outrun its parent's sync;
// (nil, nil) after all attempts means the caller should skip, not fail.
func (e *Engine) awaitCorrelation(ctx context.Context, kind models.EntityKind, origin Side, originId string) (*models.CorrelationRecord, error) {
	record, _, err := retry.Lookup(ctx, e.lookupAttempts, e.lookupDelay, e.sleeper, func() (*models.CorrelationRecord, bool, error) {
		record, err := e.findByOrigin(ctx, kind, origin, originId)
		if err != nil {
			return nil, false, err
		}
		if record == nil || sideId(record, origin.Other()) == "" {
			return nil, false, nil
		}
		return record, true, nil
	})
	return record, err
}

// ReconcileAssociations re-derives the child's parent link from the origin
// system and replays the difference onto the destination. Association webhook
// events land here.
func (e *Engine) ReconcileAssociations(ctx context.Context, origin Side, kind models.EntityKind, originId string) error {
	parentKind, ok := parentKindOf(kind)
	if !ok {
		return nil
	}
	child, err := e.findByOrigin(ctx, kind, origin, originId)
	if err != nil {
		return err
	}
	if child == nil {
		// Never synced; a full replay both creates the record and links it.
		syncer := e.syncers[kind]
		_, err := syncer.OnUpdate(ctx, origin, originId)
		return err
	}

	parentOriginId, err := e.originParentId(ctx, origin, kind, originId)
	if err != nil {
		return err
	}
	var newParentLocal *uint
	if parentOriginId != "" {
		parent, err := e.awaitCorrelation(ctx, parentKind, origin, parentOriginId)
		if err != nil {
			return err
		}
		if parent == nil {
			// New parent not correlated yet. Leave the old edge and the cached
			// parent in place; a later replay of the parent settles the move.
			return nil
		}
		newParentLocal = &parent.LocalId
	}
	if err := e.associations.ReconcileParent(ctx, kind, parentKind, origin.Other(), child, newParentLocal); err != nil {
		return err
	}
	if kind == models.KindOrder {
		return e.status.RecomputeDealFromOrder(ctx, child)
	}
	return nil
}

// originParentId reads the current parent reference from the origin system.
// Empty when the record has no parent (or is gone).
func (e *Engine) originParentId(ctx context.Context, origin Side, kind models.EntityKind, originId string) (string, error) {
	parentKind, ok := parentKindOf(kind)
	if !ok {
		return "", nil
	}
	ids, err := e.client(origin).ListAssociations(ctx, objectType(origin, kind), originId, objectType(origin, parentKind))
	if err != nil {
		if clients.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	// A record carries at most one parent; the first edge wins.
	return ids[0], nil
}

// createDestination creates the destination record and wires its parent edge.
// On the rental side the parent is a link field in the create payload; on the
// CRM side it is a separate association call after the create.
func (e *Engine) createDestination(ctx context.Context, kind models.EntityKind, origin Side, fields clients.Record, parent *models.CorrelationRecord) (string, error) {
	dest := origin.Other()
	parentKind, hasParentKind := parentKindOf(kind)
	parentDestId := ""
	if hasParentKind && parent != nil {
		parentDestId = sideId(parent, dest)
	}

	if dest == SideRental && parentDestId != "" {
		fields[rentalParentRelation(kind)] = clients.RefPath(rentalCollection(parentKind), parentDestId)
	}
	created, err := e.client(dest).Create(ctx, objectType(dest, kind), fields)
	if err != nil {
		return "", err
	}
	destId := created.String("id")
	if dest == SideCRM && parentDestId != "" {
		if err := e.crm.AddAssociation(ctx, crmObjectType(kind), destId, crmObjectType(parentKind), parentDestId, ""); err != nil {
			return destId, err
		}
	}
	return destId, nil
}

// searchDestination looks the natural key up on the destination side and
// returns the match's id, or empty when nothing matched.
func (e *Engine) searchDestination(ctx context.Context, kind models.EntityKind, dest Side, field string, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	matches, err := e.client(dest).Search(ctx, objectType(dest, kind), map[string]string{field: value})
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	return matches[0].String("id"), nil
}

// repairDestinationId stores a freshly created destination id on an existing
// correlation row after self-healing.
func (e *Engine) repairDestinationId(ctx context.Context, kind models.EntityKind, localId uint, dest Side, destId string) error {
	if dest == SideCRM {
		return e.store.UpdateIds(ctx, kind, localId, strPtr(destId), nil)
	}
	return e.store.UpdateIds(ctx, kind, localId, nil, strPtr(destId))
}

func (e *Engine) logItemError(module string, funcName string, originId string, err error) {
	config.LogError(e.logger, module, funcName, "entity sync failed", map[string]interface{}{
		"originId": originId,
	}, err)
}
