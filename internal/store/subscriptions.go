package store

import (
	"fmt"
	"strings"

	"yt-librarian/internal/models"
)

// ErrDuplicateSubscription text fragment emitted by Postgres for the
// remote_url unique constraint.
const duplicateSubscriptionConstraint = "subscriptions_remote_url_key"

// IsDuplicateSubscription reports whether err is a remote-URL uniqueness
// violation.
func IsDuplicateSubscription(err error) bool {
	return err != nil && strings.Contains(err.Error(), duplicateSubscriptionConstraint)
}

// AddSubscription creates a tracked collection.
func (s *Store) AddSubscription(remoteURL, title, mediaFormat, quality string, libraryFolderID *string) (*models.Subscription, error) {
	query := `
		INSERT INTO subscriptions (remote_url, title, media_format, quality, library_folder_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`
	sub := &models.Subscription{}
	err := s.db.Get(sub, query, remoteURL, title, mediaFormat, quality, libraryFolderID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscriptionByID fetches one subscription.
func (s *Store) GetSubscriptionByID(id int) (*models.Subscription, error) {
	sub := &models.Subscription{}
	err := s.db.Get(sub, "SELECT * FROM subscriptions WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscriptionByURL fetches a subscription by its unique remote URL.
func (s *Store) GetSubscriptionByURL(remoteURL string) (*models.Subscription, error) {
	sub := &models.Subscription{}
	err := s.db.Get(sub, "SELECT * FROM subscriptions WHERE remote_url = $1", remoteURL)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetAllSubscriptions returns every subscription, oldest first.
func (s *Store) GetAllSubscriptions() ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.Select(&subs, "SELECT * FROM subscriptions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriptions: %w", err)
	}
	return subs, nil
}

// GetAutoFetchSubscriptions returns the subscriptions reconciliation should
// visit.
func (s *Store) GetAutoFetchSubscriptions() ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.Select(&subs, "SELECT * FROM subscriptions WHERE auto_fetch ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to get auto-fetch subscriptions: %w", err)
	}
	return subs, nil
}

// TouchSubscription stamps last_checked_at and the latest observed remote
// item count after a reconciliation pass.
func (s *Store) TouchSubscription(id, observedCount int) error {
	_, err := s.db.Exec(
		"UPDATE subscriptions SET last_checked_at = NOW(), observed_count = $1 WHERE id = $2",
		observedCount, id)
	return err
}

// DeleteSubscription removes a subscription. Items cascade when requested;
// otherwise they are detached first so history survives.
func (s *Store) DeleteSubscription(id int, cascadeItems bool) error {
	if !cascadeItems {
		if _, err := s.db.Exec("UPDATE items SET subscription_id = NULL WHERE subscription_id = $1", id); err != nil {
			return fmt.Errorf("failed to detach items: %w", err)
		}
	}
	_, err := s.db.Exec("DELETE FROM subscriptions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription %d: %w", id, err)
	}
	return nil
}

// CountSubscriptions returns the total number of subscriptions.
func (s *Store) CountSubscriptions() (int, error) {
	var count int
	err := s.db.Get(&count, "SELECT COUNT(*) FROM subscriptions")
	return count, err
}
