package models

import "time"

// Item is one discovered remote media unit, unique per
// (subscription, external id).
type Item struct {
	ID             int64      `db:"id"`
	SubscriptionID *int       `db:"subscription_id"`
	ExternalID     string     `db:"external_id"`
	Title          *string    `db:"title"`
	Status         string     `db:"status"`
	Fetched        bool       `db:"fetched"`
	LibraryLinked  bool       `db:"library_linked"`
	LibraryItemID  *string    `db:"library_item_id"`
	LockToken      *string    `db:"lock_token"`
	LockAcquiredAt *time.Time `db:"lock_acquired_at"`
	Duplicate      bool       `db:"duplicate"`
	MasterItemID   *int64     `db:"master_item_id"`
	FailureReason  *string    `db:"failure_reason"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Done reports whether the item is permanently finished and must never be
// re-enqueued: fetched and handed to the library, or a duplicate pointing
// at a master record.
func (i Item) Done() bool {
	return (i.Fetched && i.LibraryLinked) || i.Duplicate
}

// Locked reports whether a writer currently holds the processing lease.
func (i Item) Locked() bool {
	return i.LockToken != nil && *i.LockToken != ""
}
