package models

import "time"

// CorrelationRecord links one entity's id on System A (CRM) with its id on
// System B (rental). One physical table per entity kind; all tables share this
// struct and are selected with CorrelationTable at query time.
//
// A record with only one side populated is a valid transient state: it means
// the counterpart has been observed but its own replay has not completed yet.
type CorrelationRecord struct {
	LocalId     uint    `gorm:"primaryKey;column:local_id" json:"local_id"`
	SystemAId   *string `gorm:"column:system_a_id;size:64;uniqueIndex" json:"system_a_id"`
	SystemBId   *string `gorm:"column:system_b_id;size:64;uniqueIndex" json:"system_b_id"`
	DisplayName string  `gorm:"size:255" json:"display_name"`

	// ParentLocalId points at the owning record in the parent kind's table
	// (person -> organization, order -> deal). Cross-kind integrity is enforced
	// by the synchronizers, not by the schema, because children may be replayed
	// before their parents exist.
	ParentLocalId *uint `gorm:"index" json:"parent_local_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CorrelationTable returns the physical table for a kind.
func CorrelationTable(kind EntityKind) string {
	return "correlation_" + string(kind) + "s"
}
