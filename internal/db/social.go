// Package db - social.go
//
// Read-only lookups against the seeded social graph: accepted friendships,
// group membership and user display names. The realtime core never writes
// these tables. Authorization checks always hit the database so a revoked
// friendship or membership takes effect immediately.
package db

import (
	"context"
	"database/sql"
	"fmt"
)

// SocialDB handles read-only social graph lookups.
type SocialDB struct {
	db *Database
}

// NewSocialDB creates a new SocialDB instance.
func NewSocialDB(db *Database) *SocialDB {
	return &SocialDB{db: db}
}

// FriendIDs returns the ids of every user with an accepted friendship with
// userID, regardless of which side initiated it.
func (s *SocialDB) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := s.db.bound(ctx)
	defer cancel()

	query := `
		SELECT CASE WHEN user_id = $1 THEN friend_id ELSE user_id END
		FROM friendships
		WHERE (user_id = $1 OR friend_id = $1) AND status = 'accepted'
	`
	rows, err := s.db.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends for user %s: %w", userID, err)
	}
	defer rows.Close()

	friends := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan friend id: %w", err)
		}
		friends = append(friends, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate friends for user %s: %w", userID, err)
	}
	return friends, nil
}

// AreFriends reports whether an accepted friendship exists between the two
// users, direction-agnostic.
func (s *SocialDB) AreFriends(ctx context.Context, userA, userB string) (bool, error) {
	ctx, cancel := s.db.bound(ctx)
	defer cancel()

	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM friendships
			WHERE ((user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1))
				AND status = 'accepted'
		)
	`
	if err := s.db.db.QueryRowContext(ctx, query, userA, userB).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check friendship between %s and %s: %w", userA, userB, err)
	}
	return exists, nil
}

// IsGroupMember reports whether the user belongs to the group.
func (s *SocialDB) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	ctx, cancel := s.db.bound(ctx)
	defer cancel()

	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM group_members
			WHERE group_id = $1 AND user_id = $2
		)
	`
	if err := s.db.db.QueryRowContext(ctx, query, groupID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check membership of %s in group %s: %w", userID, groupID, err)
	}
	return exists, nil
}

// DisplayName returns a user's display name. The found flag is false when
// the user does not exist.
func (s *SocialDB) DisplayName(ctx context.Context, userID string) (string, bool, error) {
	ctx, cancel := s.db.bound(ctx)
	defer cancel()

	var name string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT display_name FROM users WHERE id = $1`, userID).Scan(&name)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get display name for user %s: %w", userID, err)
	}
	return name, true, nil
}
