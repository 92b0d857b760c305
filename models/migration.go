package models

import (
	"log"

	"bitbucket.org/mmdatafocus/crmsync_backend/config"
)

// MigrateTable runs AutoMigrate for all owned tables. The correlation tables
// share one struct, so they are migrated per kind under their own names.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Println("migration skipped: db is nil")
		return
	}

	if err := db.AutoMigrate(
		&SyncRun{},
		&SyncItemLog{},
		&SyncError{},
		&WebhookEvent{},
	); err != nil {
		log.Printf("migration failed: %v", err)
	}

	for _, kind := range AllEntityKinds {
		if err := db.Table(CorrelationTable(kind)).AutoMigrate(&CorrelationRecord{}); err != nil {
			log.Printf("migration failed for %s: %v", CorrelationTable(kind), err)
		}
	}
}
