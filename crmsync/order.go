package crmsync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// orderSync replays order changes: the CRM's custom order object against
// rental subprojects. An order always belongs to a deal; without a correlated
// parent deal the item is skipped, the same way persons wait for their
// organization. Every order change also re-aggregates the parent deal's
// stage and amount.
type orderSync struct {
	e *Engine
}

func (s *orderSync) OnCreate(ctx context.Context, origin Side, originId string) (Outcome, error) {
	e := s.e
	existing, err := e.findByOrigin(ctx, models.KindOrder, origin, originId)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil && sideId(existing, origin.Other()) != "" {
		return s.OnUpdate(ctx, origin, originId)
	}

	record, err := e.client(origin).Get(ctx, objectType(origin, models.KindOrder), originId)
	if clients.IsNotFound(err) {
		return skipped("origin record no longer exists"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	parentOriginId, err := e.originParentId(ctx, origin, models.KindOrder, originId)
	if err != nil {
		return Outcome{}, err
	}
	if parentOriginId == "" {
		return skipped("order has no parent deal"), nil
	}
	parent, err := e.awaitCorrelation(ctx, models.KindDeal, origin, parentOriginId)
	if err != nil {
		return Outcome{}, err
	}
	if parent == nil {
		return skipped("parent deal not yet synced"), nil
	}

	name := orderName(origin, record)
	destId, err := e.createDestination(ctx, models.KindOrder, origin, mapOrder(origin, record), parent)
	if err != nil {
		return Outcome{}, err
	}

	correlation := correlationFor(origin, originId, destId)
	correlation.DisplayName = name
	correlation.ParentLocalId = &parent.LocalId
	if _, err := e.store.Upsert(ctx, models.KindOrder, correlation); err != nil {
		return Outcome{}, err
	}
	if err := e.status.RecomputeDeal(ctx, parent.LocalId); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: models.SyncActionCreate, DisplayName: name, DestId: destId}, nil
}

func (s *orderSync) OnUpdate(ctx context.Context, origin Side, originId string) (Outcome, error) {
	e := s.e
	record, err := e.client(origin).Get(ctx, objectType(origin, models.KindOrder), originId)
	if clients.IsNotFound(err) {
		return skipped("origin record no longer exists"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	correlation, err := e.findByOrigin(ctx, models.KindOrder, origin, originId)
	if err != nil {
		return Outcome{}, err
	}
	dest := origin.Other()
	destId := sideId(correlation, dest)
	if destId == "" {
		return s.OnCreate(ctx, origin, originId)
	}

	name := orderName(origin, record)
	_, err = e.client(dest).Update(ctx, objectType(dest, models.KindOrder), destId, mapOrder(origin, record))
	if clients.IsNotFound(err) {
		destId, err = e.createDestination(ctx, models.KindOrder, origin, mapOrder(origin, record), nil)
		if err == nil {
			err = e.repairDestinationId(ctx, models.KindOrder, correlation.LocalId, dest, destId)
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	if name != correlation.DisplayName {
		if err := e.store.UpdateName(ctx, models.KindOrder, correlation.LocalId, name); err != nil {
			return Outcome{}, err
		}
	}

	if err := s.reconcileParent(ctx, origin, originId, correlation); err != nil {
		return Outcome{}, err
	}
	if err := e.status.RecomputeDealFromOrder(ctx, correlation); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: models.SyncActionUpdate, DisplayName: name, DestId: destId}, nil
}

func (s *orderSync) reconcileParent(ctx context.Context, origin Side, originId string, correlation *models.CorrelationRecord) error {
	e := s.e
	parentOriginId, err := e.originParentId(ctx, origin, models.KindOrder, originId)
	if err != nil {
		return err
	}
	var newParentLocal *uint
	if parentOriginId != "" {
		parent, err := e.findByOrigin(ctx, models.KindDeal, origin, parentOriginId)
		if err != nil {
			return err
		}
		if parent == nil {
			return nil
		}
		newParentLocal = &parent.LocalId
	}
	oldParent := correlation.ParentLocalId
	if err := e.associations.ReconcileParent(ctx, models.KindOrder, models.KindDeal, origin.Other(), correlation, newParentLocal); err != nil {
		return err
	}
	// An order moving between deals changes both deals' aggregates.
	if oldParent != nil && !uintPtrEqual(oldParent, newParentLocal) {
		if err := e.status.RecomputeDeal(ctx, *oldParent); err != nil {
			return err
		}
	}
	correlation.ParentLocalId = newParentLocal
	return nil
}

// OnDelete cascades to the destination order record and re-aggregates the
// parent deal afterwards.
func (s *orderSync) OnDelete(ctx context.Context, origin Side, originIds []string) error {
	e := s.e
	var errs []error
	for _, originId := range originIds {
		correlation, err := e.findByOrigin(ctx, models.KindOrder, origin, originId)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if correlation == nil {
			continue
		}
		dest := origin.Other()
		if destId := sideId(correlation, dest); destId != "" {
			if err := e.client(dest).Delete(ctx, objectType(dest, models.KindOrder), destId); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := e.store.DeleteByLocal(ctx, models.KindOrder, correlation.LocalId); err != nil {
			errs = append(errs, err)
			continue
		}
		if correlation.ParentLocalId != nil {
			if err := e.status.RecomputeDeal(ctx, *correlation.ParentLocalId); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
