package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"yt-librarian/internal/models"
)

// UpsertResult reports the outcome of the dedup gate.
type UpsertResult struct {
	ItemID    int64
	LockToken string
	Skipped   bool
	// Reason is "done" or "locked" when Skipped is true.
	Reason string
	// ImportOnly means the artifact was already fetched but never linked to
	// the library; the caller retries the import instead of fetching again.
	ImportOnly bool
}

// UpsertItem is the storage-level dedup gate. It inserts the item if absent,
// skips without mutation when the item is already done or leased by another
// in-flight writer, and otherwise acquires a fresh lease and returns the row
// id. All of this happens inside one transaction with a row lock on the
// uniqueness key.
func (s *Store) UpsertItem(subscriptionID int, externalID, title string) (UpsertResult, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	token := uuid.NewString()

	var existing models.Item
	err = tx.Get(&existing,
		"SELECT * FROM items WHERE subscription_id = $1 AND external_id = $2 FOR UPDATE",
		subscriptionID, externalID)
	switch {
	case err == nil:
		if existing.Done() {
			return UpsertResult{ItemID: existing.ID, Skipped: true, Reason: "done"}, nil
		}
		if existing.Locked() {
			return UpsertResult{ItemID: existing.ID, Skipped: true, Reason: "locked"}, nil
		}
		if existing.Fetched && !existing.LibraryLinked {
			// The artifact exists but the library handoff never happened;
			// re-acquire the lease for an import retry, not a re-fetch.
			_, err = tx.Exec(
				"UPDATE items SET lock_token = $1, lock_acquired_at = NOW(), updated_at = NOW() WHERE id = $2",
				token, existing.ID)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("failed to update item: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return UpsertResult{}, fmt.Errorf("failed to commit: %w", err)
			}
			return UpsertResult{ItemID: existing.ID, LockToken: token, ImportOnly: true}, nil
		}
		_, err = tx.Exec(
			"UPDATE items SET title = $1, status = $2, lock_token = $3, lock_acquired_at = NOW(), updated_at = NOW() WHERE id = $4",
			title, StatusPending, token, existing.ID)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("failed to update item: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, fmt.Errorf("failed to commit: %w", err)
		}
		return UpsertResult{ItemID: existing.ID, LockToken: token}, nil

	case errors.Is(err, sql.ErrNoRows):
		// ON CONFLICT DO NOTHING covers the insert race with a concurrent
		// writer: losing means someone else holds the lease, so skip.
		var id int64
		err = tx.Get(&id,
			"INSERT INTO items (subscription_id, external_id, title, status, lock_token, lock_acquired_at) VALUES ($1, $2, $3, $4, $5, NOW()) ON CONFLICT (subscription_id, external_id) DO NOTHING RETURNING id",
			subscriptionID, externalID, title, StatusPending, token)
		if errors.Is(err, sql.ErrNoRows) {
			return UpsertResult{Skipped: true, Reason: "locked"}, nil
		}
		if err != nil {
			return UpsertResult{}, fmt.Errorf("failed to insert item: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, fmt.Errorf("failed to commit: %w", err)
		}
		return UpsertResult{ItemID: id, LockToken: token}, nil

	default:
		return UpsertResult{}, fmt.Errorf("failed to query item: %w", err)
	}
}

// MarkTerminal transitions an item to COMPLETED or FAILED, records the
// reason, clears the lease and stamps updated_at.
func (s *Store) MarkTerminal(itemID int64, status, reason string) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("invalid terminal status: %s", status)
	}
	_, err := s.db.Exec(`
		UPDATE items
		SET status = $1,
		    failure_reason = NULLIF($2, ''),
		    fetched = CASE WHEN $1 = 'COMPLETED' THEN TRUE ELSE fetched END,
		    lock_token = NULL, lock_acquired_at = NULL, updated_at = NOW()
		WHERE id = $3`,
		status, reason, itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item %d terminal: %w", itemID, err)
	}
	return nil
}

// MarkDownloading records a launch: refreshes the lease timestamp so a long
// retry cycle is not mistaken for a stale lock.
func (s *Store) MarkDownloading(itemID int64) error {
	_, err := s.db.Exec(
		"UPDATE items SET status = $1, lock_acquired_at = NOW(), updated_at = NOW() WHERE id = $2",
		StatusDownloading, itemID)
	return err
}

// RecordFailure persists a failed attempt's reason without releasing the
// lease; the scheduler still owns the item for retry.
func (s *Store) RecordFailure(itemID int64, reason string) error {
	_, err := s.db.Exec(
		"UPDATE items SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3",
		StatusFailed, reason, itemID)
	return err
}

// MarkLinked records a successful library handoff and releases the lease.
func (s *Store) MarkLinked(itemID int64, libraryItemID string) error {
	_, err := s.db.Exec(
		"UPDATE items SET library_linked = TRUE, library_item_id = $1, lock_token = NULL, lock_acquired_at = NULL, updated_at = NOW() WHERE id = $2",
		libraryItemID, itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item %d linked: %w", itemID, err)
	}
	return nil
}

// ReleaseLock clears the lease without a status change. Used when a later
// stage (import) fails independently of the fetch.
func (s *Store) ReleaseLock(itemID int64) error {
	_, err := s.db.Exec(
		"UPDATE items SET lock_token = NULL, lock_acquired_at = NULL, updated_at = NOW() WHERE id = $1",
		itemID)
	return err
}

// CompletedIDs returns the external ids that are fully done for a
// subscription. This is the reconciliation baseline: fetched and linked, or
// duplicates pointing at a master record.
func (s *Store) CompletedIDs(subscriptionID int) ([]string, error) {
	var ids []string
	err := s.db.Select(&ids,
		"SELECT external_id FROM items WHERE subscription_id = $1 AND ((fetched AND library_linked) OR duplicate)",
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get completed ids: %w", err)
	}
	return ids, nil
}

// FindDoneByExternalID returns a fully-done item for the external id under
// any subscription, preferring a non-duplicate master record.
func (s *Store) FindDoneByExternalID(externalID string) (*models.Item, error) {
	item := models.Item{}
	err := s.db.Get(&item,
		"SELECT * FROM items WHERE external_id = $1 AND fetched AND library_linked ORDER BY duplicate, id LIMIT 1",
		externalID)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateDuplicate writes a duplicate item record pointing at the master id
// so future reconciliation treats the item as done. Idempotent: reapplying
// updates the same row in place. A masterItemID <= 0 records NULL; duplicates
// resolved against staged library imports carry their link through the
// library item id instead of an item row.
func (s *Store) CreateDuplicate(subscriptionID int, externalID, title string, masterItemID int64) error {
	var master sql.NullInt64
	if masterItemID > 0 {
		master = sql.NullInt64{Int64: masterItemID, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO items (subscription_id, external_id, title, status, duplicate, master_item_id)
		VALUES ($1, $2, $3, 'COMPLETED', TRUE, $4)
		ON CONFLICT (subscription_id, external_id) DO UPDATE SET
			duplicate = TRUE,
			master_item_id = EXCLUDED.master_item_id,
			status = 'COMPLETED',
			updated_at = NOW()`,
		subscriptionID, externalID, title, master)
	if err != nil {
		return fmt.Errorf("failed to create duplicate record: %w", err)
	}
	return nil
}

// CleanupStaleLocks force-releases leases older than maxAge, treating the
// previous process as crashed mid-operation. Items caught mid-download go
// back to PENDING so the next reconciliation pass picks them up. Run once
// at startup.
func (s *Store) CleanupStaleLocks(maxAge time.Duration) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE items
		SET lock_token = NULL, lock_acquired_at = NULL,
		    status = CASE WHEN status = 'DOWNLOADING' THEN 'PENDING' ELSE status END,
		    updated_at = NOW()
		WHERE lock_token IS NOT NULL AND lock_acquired_at < NOW() - ($1 * INTERVAL '1 hour')`,
		maxAge.Hours())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up stale locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released locks: %w", err)
	}
	return n, nil
}

// PendingImports returns items that were fetched but never linked to the
// library, so import can be retried without re-fetching.
func (s *Store) PendingImports() ([]models.Item, error) {
	var items []models.Item
	err := s.db.Select(&items,
		"SELECT * FROM items WHERE fetched AND NOT library_linked AND NOT duplicate AND lock_token IS NULL ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to get pending imports: %w", err)
	}
	return items, nil
}

// GetItemByID fetches a single item row.
func (s *Store) GetItemByID(itemID int64) (*models.Item, error) {
	item := models.Item{}
	err := s.db.Get(&item, "SELECT * FROM items WHERE id = $1", itemID)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// StatusCounts returns the number of items per lifecycle status.
func (s *Store) StatusCounts() (map[string]int, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}
	err := s.db.Select(&rows, "SELECT status, COUNT(*) AS count FROM items GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to get status counts: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// ImportedItem is a completed, library-linked item joined with its
// subscription title, used by the RSS feed.
type ImportedItem struct {
	ID                int64     `db:"id"`
	ExternalID        string    `db:"external_id"`
	Title             string    `db:"title"`
	SubscriptionTitle string    `db:"subscription_title"`
	LibraryItemID     string    `db:"library_item_id"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// RecentlyImported returns the latest fully-done items, newest first.
func (s *Store) RecentlyImported(limit int) ([]ImportedItem, error) {
	var items []ImportedItem
	err := s.db.Select(&items, `
		SELECT i.id, i.external_id, COALESCE(i.title, i.external_id) AS title,
		       s.title AS subscription_title, COALESCE(i.library_item_id, '') AS library_item_id,
		       i.updated_at
		FROM items i
		JOIN subscriptions s ON s.id = i.subscription_id
		WHERE i.fetched AND i.library_linked
		ORDER BY i.updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recently imported items: %w", err)
	}
	return items, nil
}
