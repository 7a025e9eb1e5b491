package store

import (
	"fmt"

	"yt-librarian/internal/models"
)

// InsertStagingRecord records one pre-existing library item pending
// migration. Re-scanning the same library item updates the row in place.
func (s *Store) InsertStagingRecord(rec models.StagingRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO staging_records (library_item_id, external_id, source_url, detected_name, confidence, duplicate)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (library_item_id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			source_url = EXCLUDED.source_url,
			detected_name = EXCLUDED.detected_name,
			confidence = EXCLUDED.confidence,
			duplicate = EXCLUDED.duplicate`,
		rec.LibraryItemID, rec.ExternalID, rec.SourceURL, rec.DetectedName, rec.Confidence, rec.Duplicate)
	if err != nil {
		return fmt.Errorf("failed to insert staging record: %w", err)
	}
	return nil
}

// StagingByExternalID looks up a staged library import for the external id.
func (s *Store) StagingByExternalID(externalID string) (*models.StagingRecord, error) {
	rec := models.StagingRecord{}
	err := s.db.Get(&rec, "SELECT * FROM staging_records WHERE external_id = $1 LIMIT 1", externalID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetStagingRecords returns every staged row, highest confidence first.
func (s *Store) GetStagingRecords() ([]models.StagingRecord, error) {
	var recs []models.StagingRecord
	err := s.db.Select(&recs, "SELECT * FROM staging_records ORDER BY confidence DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to get staging records: %w", err)
	}
	return recs, nil
}

// PromoteStagingRecord migrates a staged row into a durable item under the
// given subscription, marked fully done (the artifact already lives in the
// library), then drops the staging row.
func (s *Store) PromoteStagingRecord(recordID int64, subscriptionID int) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec := models.StagingRecord{}
	if err := tx.Get(&rec, "SELECT * FROM staging_records WHERE id = $1 FOR UPDATE", recordID); err != nil {
		return fmt.Errorf("failed to get staging record %d: %w", recordID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO items (subscription_id, external_id, title, status, fetched, library_linked, library_item_id)
		VALUES ($1, $2, $3, 'COMPLETED', TRUE, TRUE, $4)
		ON CONFLICT (subscription_id, external_id) DO UPDATE SET
			fetched = TRUE, library_linked = TRUE,
			library_item_id = EXCLUDED.library_item_id,
			status = 'COMPLETED', updated_at = NOW()`,
		subscriptionID, rec.ExternalID, rec.DetectedName, rec.LibraryItemID)
	if err != nil {
		return fmt.Errorf("failed to promote staging record %d: %w", recordID, err)
	}

	if _, err := tx.Exec("DELETE FROM staging_records WHERE id = $1", recordID); err != nil {
		return fmt.Errorf("failed to delete staging record %d: %w", recordID, err)
	}
	return tx.Commit()
}

// DiscardStagingRecord drops a staged row without migrating it.
func (s *Store) DiscardStagingRecord(recordID int64) error {
	_, err := s.db.Exec("DELETE FROM staging_records WHERE id = $1", recordID)
	return err
}
