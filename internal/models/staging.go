package models

import "time"

// StagingRecord is a temporary row produced when importing pre-existing
// library contents. Records are migrated into durable subscriptions/items
// or discarded.
type StagingRecord struct {
	ID            int64     `db:"id"`
	LibraryItemID string    `db:"library_item_id"`
	ExternalID    string    `db:"external_id"`
	SourceURL     string    `db:"source_url"`
	DetectedName  string    `db:"detected_name"`
	Confidence    float64   `db:"confidence"`
	Duplicate     bool      `db:"duplicate"`
	CreatedAt     time.Time `db:"created_at"`
}
