package store

import (
	"context"
	"fmt"
)

// The store doubles as the performer.Directory: group membership is
// read fresh on every resolution, never cached.

// GroupMembers returns the ids of non-deleted users currently in the
// group.
func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT u.id
		FROM group_users gu
		JOIN users u ON u.id = gu.user_id AND u.status != 'deleted'
		WHERE gu.group_id = $1
		ORDER BY u.id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("group members %s: %w", groupID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserExists reports whether the user exists and is not deleted.
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND status != 'deleted')`, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("user exists %s: %w", userID, err)
	}
	return exists, nil
}

// SaveUser upserts a user.
func (s *Store) SaveUser(ctx context.Context, id, name string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, name, status) VALUES ($1, $2, 'active')
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, status = 'active'`, id, name)
	if err != nil {
		return fmt.Errorf("save user %s: %w", id, err)
	}
	return nil
}

// DeleteUser soft-deletes a user; they stop resolving as a performer.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET status = 'deleted' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	return nil
}

// SaveGroup upserts a group and replaces its membership.
func (s *Store) SaveGroup(ctx context.Context, id, name string, memberIDs []string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO groups (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, id, name)
	if err != nil {
		return fmt.Errorf("save group %s: %w", id, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM group_users WHERE group_id = $1`, id); err != nil {
		return fmt.Errorf("clear group %s: %w", id, err)
	}
	for _, uid := range memberIDs {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO group_users (group_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, uid); err != nil {
			return fmt.Errorf("add member %s to %s: %w", uid, id, err)
		}
	}
	return nil
}
