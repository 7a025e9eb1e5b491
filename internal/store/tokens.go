package store

import "yt-librarian/internal/models"

// UpsertToken inserts an API token or refreshes its name, preserving the
// feed UUID across restarts.
func (s *Store) UpsertToken(token, name string) (*models.APIToken, error) {
	query := `
		INSERT INTO api_tokens (token, name)
		VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET
			name = EXCLUDED.name,
			updated_at = NOW()
		RETURNING *
	`
	t := &models.APIToken{}
	err := s.db.Get(t, query, token, name)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTokenByValue resolves a bearer token.
func (s *Store) GetTokenByValue(token string) (*models.APIToken, error) {
	t := &models.APIToken{}
	err := s.db.Get(t, "SELECT * FROM api_tokens WHERE token = $1", token)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTokenByFeedUUID resolves the feed capability UUID.
func (s *Store) GetTokenByFeedUUID(feedUUID string) (*models.APIToken, error) {
	t := &models.APIToken{}
	err := s.db.Get(t, "SELECT * FROM api_tokens WHERE feed_uuid = $1", feedUUID)
	if err != nil {
		return nil, err
	}
	return t, nil
}
