package crmsync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// dealSync replays deal changes: CRM deals against rental projects. Deals
// have no natural key, so dedup only happens through the conflict fallback.
// A deal's customer organization follows the same consistency-wait rules as
// a person's organization.
type dealSync struct {
	e *Engine
}

func (s *dealSync) OnCreate(ctx context.Context, origin Side, originId string) (Outcome, error) {
	e := s.e
	existing, err := e.findByOrigin(ctx, models.KindDeal, origin, originId)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil && sideId(existing, origin.Other()) != "" {
		return s.OnUpdate(ctx, origin, originId)
	}

	record, err := e.client(origin).Get(ctx, objectType(origin, models.KindDeal), originId)
	if clients.IsNotFound(err) {
		return skipped("origin record no longer exists"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	var parent *models.CorrelationRecord
	parentOriginId, err := e.originParentId(ctx, origin, models.KindDeal, originId)
	if err != nil {
		return Outcome{}, err
	}
	if parentOriginId != "" {
		parent, err = e.awaitCorrelation(ctx, models.KindOrganization, origin, parentOriginId)
		if err != nil {
			return Outcome{}, err
		}
		if parent == nil {
			return skipped("customer organization not yet synced"), nil
		}
	}

	dest := origin.Other()
	name := dealName(origin, record)
	destId, err := e.createDestination(ctx, models.KindDeal, origin, mapDeal(origin, record), parent)
	if clients.IsConflict(err) {
		destId, err = e.searchDestination(ctx, models.KindDeal, dest, dealNameField(dest), name)
	}
	if err != nil {
		return Outcome{}, err
	}

	correlation := correlationFor(origin, originId, destId)
	correlation.DisplayName = name
	if parent != nil {
		correlation.ParentLocalId = &parent.LocalId
	}
	if _, err := e.store.Upsert(ctx, models.KindDeal, correlation); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: models.SyncActionCreate, DisplayName: name, DestId: destId}, nil
}

func dealNameField(dest Side) string {
	if dest == SideCRM {
		return "dealname"
	}
	return "name"
}

func (s *dealSync) OnUpdate(ctx context.Context, origin Side, originId string) (Outcome, error) {
	e := s.e
	record, err := e.client(origin).Get(ctx, objectType(origin, models.KindDeal), originId)
	if clients.IsNotFound(err) {
		return skipped("origin record no longer exists"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	correlation, err := e.findByOrigin(ctx, models.KindDeal, origin, originId)
	if err != nil {
		return Outcome{}, err
	}
	dest := origin.Other()
	destId := sideId(correlation, dest)
	if destId == "" {
		return s.OnCreate(ctx, origin, originId)
	}

	name := dealName(origin, record)
	_, err = e.client(dest).Update(ctx, objectType(dest, models.KindDeal), destId, mapDeal(origin, record))
	if clients.IsNotFound(err) {
		destId, err = e.createDestination(ctx, models.KindDeal, origin, mapDeal(origin, record), nil)
		if err == nil {
			err = e.repairDestinationId(ctx, models.KindDeal, correlation.LocalId, dest, destId)
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	if name != correlation.DisplayName {
		if err := e.store.UpdateName(ctx, models.KindDeal, correlation.LocalId, name); err != nil {
			return Outcome{}, err
		}
	}

	if err := s.reconcileParent(ctx, origin, originId, correlation); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: models.SyncActionUpdate, DisplayName: name, DestId: destId}, nil
}

func (s *dealSync) reconcileParent(ctx context.Context, origin Side, originId string, correlation *models.CorrelationRecord) error {
	e := s.e
	parentOriginId, err := e.originParentId(ctx, origin, models.KindDeal, originId)
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
	return e.associations.ReconcileParent(ctx, models.KindDeal, models.KindOrganization, origin.Other(), correlation, newParentLocal)
}

// OnDelete cascades: the destination deal is deleted and the order rows
// hanging off the deal are dropped with it.
func (s *dealSync) OnDelete(ctx context.Context, origin Side, originIds []string) error {
	e := s.e
	var errs []error
	for _, originId := range originIds {
		correlation, err := e.findByOrigin(ctx, models.KindDeal, origin, originId)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if correlation == nil {
			continue
		}
		dest := origin.Other()
		if destId := sideId(correlation, dest); destId != "" {
			if err := e.client(dest).Delete(ctx, objectType(dest, models.KindDeal), destId); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		orders, err := e.store.ListChildren(ctx, models.KindOrder, correlation.LocalId)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, order := range orders {
			if err := e.store.DeleteByLocal(ctx, models.KindOrder, order.LocalId); err != nil {
				errs = append(errs, err)
			}
		}
		if err := e.store.DeleteByLocal(ctx, models.KindDeal, correlation.LocalId); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
