package crmsync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/config"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// organizationSync replays organization changes: CRM companies on one side,
// rental contacts on the other. The natural key for dedup is the organization
// name, and deleting an organization cascades over its persons' correlation
// rows (the systems cascade the child records themselves).
type organizationSync struct {
	e *Engine
}

func (s *organizationSync) OnCreate(ctx context.Context, origin Side, originId string) (Outcome, error) {
	e := s.e
	existing, err := e.findByOrigin(ctx, models.KindOrganization, origin, originId)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil && sideId(existing, origin.Other()) != "" {
		// Replayed create; converge on the update path.
		return s.OnUpdate(ctx, origin, originId)
	}

	record, err := e.client(origin).Get(ctx, objectType(origin, models.KindOrganization), originId)
	if clients.IsNotFound(err) {
		return skipped("origin record no longer exists"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	name := organizationName(origin, record)
	destId, err := s.findOrCreateDestination(ctx, origin, record, name)
	if err != nil {
		return Outcome{}, err
	}

	correlation := correlationFor(origin, originId, destId)
	correlation.DisplayName = name
	if _, err := e.store.Upsert(ctx, models.KindOrganization, correlation); err != nil {
		return Outcome{}, err
	}

	s.replayChildren(ctx, origin, originId)
	return Outcome{Action: models.SyncActionCreate, DisplayName: name, DestId: destId}, nil
}

// findOrCreateDestination dedups on the organization name before creating.
// A conflict on create means someone else just made it; re-search and adopt.
func (s *organizationSync) findOrCreateDestination(ctx context.Context, origin Side, record clients.Record, name string) (string, error) {
	e := s.e
	dest := origin.Other()
	destId, err := e.searchDestination(ctx, models.KindOrganization, dest, organizationNameField(dest), name)
	if err != nil || destId != "" {
		return destId, err
	}

	destId, err = e.createDestination(ctx, models.KindOrganization, origin, mapOrganization(origin, record), nil)
	if clients.IsConflict(err) {
		return e.searchDestination(ctx, models.KindOrganization, dest, organizationNameField(dest), name)
	}
	return destId, err
}

func organizationNameField(dest Side) string {
	if dest == SideCRM {
		return "name"
	}
	return "displayname"
}

// replayChildren re-runs person sync for contacts already attached to a new
// organization. A person event that arrived before its organization was
// skipped; the organization's own create completes it.
func (s *organizationSync) replayChildren(ctx context.Context, origin Side, originId string) {
	e := s.e
	childIds, err := s.childPersonIds(ctx, origin, originId)
	if err != nil {
		config.LogError(e.logger, "crmsync", "replayChildren", "listing organization persons", map[string]interface{}{
			"originId": originId,
		}, err)
		return
	}
	personSyncer := e.syncers[models.KindPerson]
	for _, childId := range childIds {
		if _, err := personSyncer.OnCreate(ctx, origin, childId); err != nil {
			e.logItemError("crmsync", "replayChildren", childId, err)
		}
	}
}

func (s *organizationSync) childPersonIds(ctx context.Context, origin Side, originId string) ([]string, error) {
	e := s.e
	if origin == SideCRM {
		return e.crm.ListAssociations(ctx, crmObjectType(models.KindOrganization), originId, crmObjectType(models.KindPerson))
	}
	// Rental links point child to parent, so children are found by search.
	matches, err := e.rental.Search(ctx, rentalCollection(models.KindPerson), map[string]string{
		"contact": clients.RefPath(rentalCollection(models.KindOrganization), originId),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if id := m.String("id"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *organizationSync) OnUpdate(ctx context.Context, origin Side, originId string) (Outcome, error) {
	e := s.e
	record, err := e.client(origin).Get(ctx, objectType(origin, models.KindOrganization), originId)
	if clients.IsNotFound(err) {
		return skipped("origin record no longer exists"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	correlation, err := e.findByOrigin(ctx, models.KindOrganization, origin, originId)
	if err != nil {
		return Outcome{}, err
	}
	dest := origin.Other()
	destId := sideId(correlation, dest)
	if destId == "" {
		// Update for a record we never saw; self-heal by creating it.
		return s.OnCreate(ctx, origin, originId)
	}

	name := organizationName(origin, record)
	_, err = e.client(dest).Update(ctx, objectType(dest, models.KindOrganization), destId, mapOrganization(origin, record))
	if clients.IsNotFound(err) {
		// Destination vanished underneath us; recreate and repair the row.
		destId, err = e.createDestination(ctx, models.KindOrganization, origin, mapOrganization(origin, record), nil)
		if err == nil {
			err = e.repairDestinationId(ctx, models.KindOrganization, correlation.LocalId, dest, destId)
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	if name != correlation.DisplayName {
		if err := e.store.UpdateName(ctx, models.KindOrganization, correlation.LocalId, name); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Action: models.SyncActionUpdate, DisplayName: name, DestId: destId}, nil
}

// OnDelete cascades: the destination organization is deleted (its system
// cascade-deletes attached persons) and the person correlation rows go with
// the organization's own row.
func (s *organizationSync) OnDelete(ctx context.Context, origin Side, originIds []string) error {
	e := s.e
	var errs []error
	for _, originId := range originIds {
		correlation, err := e.findByOrigin(ctx, models.KindOrganization, origin, originId)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if correlation == nil {
			continue
		}
		dest := origin.Other()
		if destId := sideId(correlation, dest); destId != "" {
			if err := e.client(dest).Delete(ctx, objectType(dest, models.KindOrganization), destId); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		children, err := e.store.ListChildren(ctx, models.KindPerson, correlation.LocalId)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, child := range children {
			if err := e.store.DeleteByLocal(ctx, models.KindPerson, child.LocalId); err != nil {
				errs = append(errs, err)
			}
		}
		if err := e.store.DeleteByLocal(ctx, models.KindOrganization, correlation.LocalId); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
