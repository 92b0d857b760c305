package crmsync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// personSync replays person changes: CRM contacts against rental contact
// persons. The natural key for dedup is the email address. A person's parent
// organization may not be synced yet when the person event lands, so the
// parent lookup polls briefly and the item is skipped (not failed) when the
// parent never shows; the organization's own create replays its children.
type personSync struct {
	e *Engine
}

func (s *personSync) OnCreate(ctx context.Context, origin Side, originId string) (Outcome, error) {
	e := s.e
	existing, err := e.findByOrigin(ctx, models.KindPerson, origin, originId)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil && sideId(existing, origin.Other()) != "" {
		return s.OnUpdate(ctx, origin, originId)
	}

	record, err := e.client(origin).Get(ctx, objectType(origin, models.KindPerson), originId)
	if clients.IsNotFound(err) {
		return skipped("origin record no longer exists"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	parent, outcome, err := s.resolveParent(ctx, origin, originId)
	if err != nil || outcome != nil {
		if outcome != nil {
			return *outcome, err
		}
		return Outcome{}, err
	}

	dest := origin.Other()
	name := personDisplayName(origin, record)
	email := personEmail(origin, record)

	destId, err := e.searchDestination(ctx, models.KindPerson, dest, "email", email)
	if err != nil {
		return Outcome{}, err
	}
	if destId == "" {
		destId, err = e.createDestination(ctx, models.KindPerson, origin, mapPerson(origin, record), parent)
		if clients.IsConflict(err) {
			destId, err = e.searchDestination(ctx, models.KindPerson, dest, "email", email)
		}
		if err != nil {
			return Outcome{}, err
		}
	} else if parent != nil {
		// Adopted an existing destination person; make sure the edge exists.
		if err := s.linkParent(ctx, dest, destId, parent); err != nil {
			return Outcome{}, err
		}
	}

	correlation := correlationFor(origin, originId, destId)
	correlation.DisplayName = name
	if parent != nil {
		correlation.ParentLocalId = &parent.LocalId
	}
	if _, err := e.store.Upsert(ctx, models.KindPerson, correlation); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: models.SyncActionCreate, DisplayName: name, DestId: destId}, nil
}

// resolveParent returns the parent organization's correlation row, or a skip
// outcome when the origin names a parent that is not correlated yet.
func (s *personSync) resolveParent(ctx context.Context, origin Side, originId string) (*models.CorrelationRecord, *Outcome, error) {
	e := s.e
	parentOriginId, err := e.originParentId(ctx, origin, models.KindPerson, originId)
	if err != nil {
		return nil, nil, err
	}
	if parentOriginId == "" {
		return nil, nil, nil
	}
	parent, err := e.awaitCorrelation(ctx, models.KindOrganization, origin, parentOriginId)
	if err != nil {
		return nil, nil, err
	}
	if parent == nil {
		out := skipped("parent organization not yet synced")
		return nil, &out, nil
	}
	return parent, nil, nil
}

func (s *personSync) linkParent(ctx context.Context, dest Side, destId string, parent *models.CorrelationRecord) error {
	parentDestId := sideId(parent, dest)
	if parentDestId == "" {
		return nil
	}
	return s.e.client(dest).AddAssociation(ctx,
		objectType(dest, models.KindPerson), destId,
		objectType(dest, models.KindOrganization), parentDestId,
		rentalParentRelation(models.KindPerson))
}

func (s *personSync) OnUpdate(ctx context.Context, origin Side, originId string) (Outcome, error) {
	e := s.e
	record, err := e.client(origin).Get(ctx, objectType(origin, models.KindPerson), originId)
	if clients.IsNotFound(err) {
		return skipped("origin record no longer exists"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	correlation, err := e.findByOrigin(ctx, models.KindPerson, origin, originId)
	if err != nil {
		return Outcome{}, err
	}
	dest := origin.Other()
	destId := sideId(correlation, dest)
	if destId == "" {
		return s.OnCreate(ctx, origin, originId)
	}

	name := personDisplayName(origin, record)
	_, err = e.client(dest).Update(ctx, objectType(dest, models.KindPerson), destId, mapPerson(origin, record))
	if clients.IsNotFound(err) {
		destId, err = e.createDestination(ctx, models.KindPerson, origin, mapPerson(origin, record), nil)
		if err == nil {
			err = e.repairDestinationId(ctx, models.KindPerson, correlation.LocalId, dest, destId)
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	if name != correlation.DisplayName {
		if err := e.store.UpdateName(ctx, models.KindPerson, correlation.LocalId, name); err != nil {
			return Outcome{}, err
		}
	}

	if err := s.reconcileParent(ctx, origin, originId, correlation); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: models.SyncActionUpdate, DisplayName: name, DestId: destId}, nil
}

// reconcileParent follows a moved or cleared organization link. When the new
// parent exists on the origin but is not correlated yet, the cached edge is
// left alone; a later organization sync will settle it.
func (s *personSync) reconcileParent(ctx context.Context, origin Side, originId string, correlation *models.CorrelationRecord) error {
	e := s.e
	parentOriginId, err := e.originParentId(ctx, origin, models.KindPerson, originId)
	if err != nil {
		return err
	}
	var newParentLocal *uint
	if parentOriginId != "" {
		parent, err := e.findByOrigin(ctx, models.KindOrganization, origin, parentOriginId)
		if err != nil {
			return err
		}
		if parent == nil {
			return nil
		}
		newParentLocal = &parent.LocalId
	}
	return e.associations.ReconcileParent(ctx, models.KindPerson, models.KindOrganization, origin.Other(), correlation, newParentLocal)
}

// OnDelete unlinks: the destination person record is kept, only its
// organization edge and the correlation row go away. Person records carry
// history in both systems, so deletion does not cross the boundary.
func (s *personSync) OnDelete(ctx context.Context, origin Side, originIds []string) error {
	e := s.e
	var errs []error
	for _, originId := range originIds {
		correlation, err := e.findByOrigin(ctx, models.KindPerson, origin, originId)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if correlation == nil {
			continue
		}
		if err := e.associations.ReconcileParent(ctx, models.KindPerson, models.KindOrganization, origin.Other(), correlation, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.store.DeleteByLocal(ctx, models.KindPerson, correlation.LocalId); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
