package crmsync

import (
	"context"

	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// AssociationReconciler converges the destination side's parent edge with the
// origin's current parent. The correlation row caches the last-synced parent,
// so an unchanged parent costs no API calls, and a changed one removes the old
// edge before adding the new. Edge operations tolerate replays: adding an
// existing edge or removing a stale one is a no-op in the clients.
type AssociationReconciler struct {
	engine *Engine
}

// ReconcileParent diffs the cached parent against newParentLocal and replays
// the difference onto dest. The cache update is last, so a crashed replay
// re-runs the edge ops instead of silently losing them.
func (r *AssociationReconciler) ReconcileParent(ctx context.Context, childKind models.EntityKind, parentKind models.EntityKind, dest Side, child *models.CorrelationRecord, newParentLocal *uint) error {
	if uintPtrEqual(child.ParentLocalId, newParentLocal) {
		return nil
	}

	if child.ParentLocalId != nil {
		oldParent, err := r.engine.store.FindByLocal(ctx, parentKind, *child.ParentLocalId)
		if err != nil {
			return err
		}
		if oldParent != nil {
			if err := r.removeEdge(ctx, dest, childKind, child, parentKind, oldParent); err != nil {
				return err
			}
		}
	}

	if newParentLocal != nil {
		newParent, err := r.engine.store.FindByLocal(ctx, parentKind, *newParentLocal)
		if err != nil {
			return err
		}
		if newParent != nil {
			if err := r.addEdge(ctx, dest, childKind, child, parentKind, newParent); err != nil {
				return err
			}
		}
	}

	return r.engine.store.UpdateParent(ctx, childKind, child.LocalId, newParentLocal)
}

func (r *AssociationReconciler) addEdge(ctx context.Context, dest Side, childKind models.EntityKind, child *models.CorrelationRecord, parentKind models.EntityKind, parent *models.CorrelationRecord) error {
	childId, parentId := sideId(child, dest), sideId(parent, dest)
	if childId == "" || parentId == "" {
		// One side not synced yet; the eventual create will link it.
		return nil
	}
	return r.engine.client(dest).AddAssociation(ctx,
		objectType(dest, childKind), childId,
		objectType(dest, parentKind), parentId,
		rentalParentRelation(childKind))
}

func (r *AssociationReconciler) removeEdge(ctx context.Context, dest Side, childKind models.EntityKind, child *models.CorrelationRecord, parentKind models.EntityKind, parent *models.CorrelationRecord) error {
	childId, parentId := sideId(child, dest), sideId(parent, dest)
	if childId == "" || parentId == "" {
		return nil
	}
	return r.engine.client(dest).RemoveAssociation(ctx,
		objectType(dest, childKind), childId,
		objectType(dest, parentKind), parentId,
		rentalParentRelation(childKind))
}
