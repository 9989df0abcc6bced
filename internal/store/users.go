package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = "id, username, password_hash, name, role, is_active, version, version_updated_at, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var versionAt sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Name, &u.Role, &u.IsActive, &u.Version, &versionAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.VersionUpdatedAt = timePtr(versionAt)
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	now := s.now()
	if u.Role == "" {
		u.Role = RoleStaff
	}
	id, err := s.insert(ctx,
		"INSERT INTO users (username, password_hash, name, role, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		u.Username, u.PasswordHash, u.Name, u.Role, u.IsActive, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	u.ID, u.CreatedAt, u.UpdatedAt = id, now, now
	s.fireCreate(ctx, u)
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.query(ctx, "SELECT "+userColumns+" FROM users ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	old, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return err
	}
	u.UpdatedAt = s.now()
	_, err = s.exec(ctx,
		"UPDATE users SET username = ?, password_hash = ?, name = ?, role = ?, is_active = ?, updated_at = ? WHERE id = ?",
		u.Username, u.PasswordHash, u.Name, u.Role, u.IsActive, u.UpdatedAt, u.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	u.Version, u.VersionUpdatedAt, u.CreatedAt = old.Version, old.VersionUpdatedAt, old.CreatedAt
	s.fireUpdate(ctx, old, u)
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	old, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, "DELETE FROM users WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	s.fireDelete(ctx, old)
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func int64Ptr(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
