package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/flashtest/internal/model"
)

// GetCursor returns the user's dialog cursor, or nil if the user has no
// branch in progress.
func (s *Store) GetCursor(ctx context.Context, userID int64) (*model.Cursor, error) {
	var c model.Cursor
	var dj string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, branch, step, data_json, updated_at FROM dialog_cursors WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &c.Branch, &c.Step, &dj, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dj), &c.Data); err != nil {
		return nil, fmt.Errorf("decode cursor of user %d: %w", userID, err)
	}
	c.UpdatedAt = fromUnix(updated)
	return &c, nil
}

// SaveCursor inserts or replaces the user's dialog cursor.
func (s *Store) SaveCursor(ctx context.Context, c *model.Cursor) error {
	data := c.Data
	if data == nil {
		data = map[string]string{}
	}
	dj, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.UpdatedAt = fromUnix(unix(time.Now()))
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dialog_cursors (user_id, branch, step, data_json, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET branch = $2, step = $3, data_json = $4, updated_at = $5`,
		c.UserID, c.Branch, c.Step, string(dj), unix(c.UpdatedAt),
	)
	return err
}

// DeleteCursor removes the user's dialog cursor. Deleting a missing cursor
// is not an error.
func (s *Store) DeleteCursor(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dialog_cursors WHERE user_id = $1`, userID)
	return err
}
