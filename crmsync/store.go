package crmsync

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// CorrelationStore persists the id pairs that tie a CRM record to its rental
// counterpart. One physical table per entity kind, all sharing the
// models.CorrelationRecord shape. A missing row is (nil, nil), not an error.
type CorrelationStore interface {
	FindByA(ctx context.Context, kind models.EntityKind, systemAId string) (*models.CorrelationRecord, error)
	FindByB(ctx context.Context, kind models.EntityKind, systemBId string) (*models.CorrelationRecord, error)
	FindByLocal(ctx context.Context, kind models.EntityKind, localId uint) (*models.CorrelationRecord, error)
	Upsert(ctx context.Context, kind models.EntityKind, record models.CorrelationRecord) (*models.CorrelationRecord, error)
	UpdateName(ctx context.Context, kind models.EntityKind, localId uint, displayName string) error
	UpdateIds(ctx context.Context, kind models.EntityKind, localId uint, systemAId *string, systemBId *string) error
	UpdateParent(ctx context.Context, kind models.EntityKind, localId uint, parentLocalId *uint) error
	DeleteByLocal(ctx context.Context, kind models.EntityKind, localId uint) error
	ListChildren(ctx context.Context, kind models.EntityKind, parentLocalId uint) ([]models.CorrelationRecord, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) CorrelationStore {
	return &gormStore{db: db}
}

func (s *gormStore) table(ctx context.Context, kind models.EntityKind) *gorm.DB {
	return s.db.WithContext(ctx).Table(models.CorrelationTable(kind))
}

func (s *gormStore) findOne(ctx context.Context, kind models.EntityKind, query string, arg any) (*models.CorrelationRecord, error) {
	var record models.CorrelationRecord
	err := s.table(ctx, kind).Where(query, arg).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *gormStore) FindByA(ctx context.Context, kind models.EntityKind, systemAId string) (*models.CorrelationRecord, error) {
	return s.findOne(ctx, kind, "system_a_id = ?", systemAId)
}

func (s *gormStore) FindByB(ctx context.Context, kind models.EntityKind, systemBId string) (*models.CorrelationRecord, error) {
	return s.findOne(ctx, kind, "system_b_id = ?", systemBId)
}

func (s *gormStore) FindByLocal(ctx context.Context, kind models.EntityKind, localId uint) (*models.CorrelationRecord, error) {
	return s.findOne(ctx, kind, "local_id = ?", localId)
}

// Upsert inserts or completes a correlation row. Replayed webhooks race here,
// so a duplicate-key insert falls back to find-and-update instead of failing.
func (s *gormStore) Upsert(ctx context.Context, kind models.EntityKind, record models.CorrelationRecord) (*models.CorrelationRecord, error) {
	existing, err := s.findExisting(ctx, kind, record)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if err := s.table(ctx, kind).Create(&record).Error; err != nil {
			if !isDuplicateKey(err) {
				return nil, err
			}
			// Lost the race; merge into the winner's row.
			existing, err = s.findExisting(ctx, kind, record)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, errors.New("correlation upsert raced but winner not found")
			}
		} else {
			return &record, nil
		}
	}

	updates := map[string]any{}
	if record.SystemAId != nil && existing.SystemAId == nil {
		updates["system_a_id"] = *record.SystemAId
	}
	if record.SystemBId != nil && existing.SystemBId == nil {
		updates["system_b_id"] = *record.SystemBId
	}
	if record.DisplayName != "" && record.DisplayName != existing.DisplayName {
		updates["display_name"] = record.DisplayName
	}
	if record.ParentLocalId != nil && !uintPtrEqual(record.ParentLocalId, existing.ParentLocalId) {
		updates["parent_local_id"] = *record.ParentLocalId
	}
	if len(updates) > 0 {
		if err := s.table(ctx, kind).Where("local_id = ?", existing.LocalId).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.FindByLocal(ctx, kind, existing.LocalId)
}

func (s *gormStore) findExisting(ctx context.Context, kind models.EntityKind, record models.CorrelationRecord) (*models.CorrelationRecord, error) {
	if record.SystemAId != nil {
		if found, err := s.FindByA(ctx, kind, *record.SystemAId); found != nil || err != nil {
			return found, err
		}
	}
	if record.SystemBId != nil {
		if found, err := s.FindByB(ctx, kind, *record.SystemBId); found != nil || err != nil {
			return found, err
		}
	}
	return nil, nil
}

func (s *gormStore) UpdateName(ctx context.Context, kind models.EntityKind, localId uint, displayName string) error {
	return s.table(ctx, kind).Where("local_id = ?", localId).Update("display_name", displayName).Error
}

// UpdateIds overwrites whichever side ids are non-nil. Self-healing uses this
// when a destination record turned out to be gone and was recreated.
func (s *gormStore) UpdateIds(ctx context.Context, kind models.EntityKind, localId uint, systemAId *string, systemBId *string) error {
	updates := map[string]any{}
	if systemAId != nil {
		updates["system_a_id"] = *systemAId
	}
	if systemBId != nil {
		updates["system_b_id"] = *systemBId
	}
	if len(updates) == 0 {
		return nil
	}
	return s.table(ctx, kind).Where("local_id = ?", localId).Updates(updates).Error
}

func (s *gormStore) UpdateParent(ctx context.Context, kind models.EntityKind, localId uint, parentLocalId *uint) error {
	return s.table(ctx, kind).Where("local_id = ?", localId).Update("parent_local_id", parentLocalId).Error
}

func (s *gormStore) DeleteByLocal(ctx context.Context, kind models.EntityKind, localId uint) error {
	return s.table(ctx, kind).Where("local_id = ?", localId).Delete(&models.CorrelationRecord{}).Error
}

func (s *gormStore) ListChildren(ctx context.Context, kind models.EntityKind, parentLocalId uint) ([]models.CorrelationRecord, error) {
	var records []models.CorrelationRecord
	err := s.table(ctx, kind).Where("parent_local_id = ?", parentLocalId).Find(&records).Error
	return records, err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}

func uintPtrEqual(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtr(s string) *string {
	return &s
}
