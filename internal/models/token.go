package models

import "time"

// APIToken authenticates API callers and carries the capability UUID for
// the caller's RSS feed.
type APIToken struct {
	ID        int64     `db:"id"`
	Token     string    `db:"token"`
	Name      string    `db:"name"`
	FeedUUID  string    `db:"feed_uuid"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
