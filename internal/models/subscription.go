package models

import "time"

// Subscription represents a tracked remote collection (playlist or channel).
type Subscription struct {
	ID              int        `db:"id"`
	RemoteURL       string     `db:"remote_url"`
	Title           string     `db:"title"`
	MediaFormat     string     `db:"media_format"`
	Quality         string     `db:"quality"`
	AutoFetch       bool       `db:"auto_fetch"`
	LibraryFolderID *string    `db:"library_folder_id"`
	LastCheckedAt   *time.Time `db:"last_checked_at"`
	ObservedCount   int        `db:"observed_count"`
	CreatedAt       time.Time  `db:"created_at"`
}
