package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const customerColumns = "id, name, phone, email, line_user_id, source, status, assigned_to, latest_case_at, notes, version, version_updated_at, created_at, updated_at"

// CustomerFilter narrows ListCustomers. Zero values mean no filter.
type CustomerFilter struct {
	AssignedTo *int64
	Status     string
	Search     string
	Limit      int
	Offset     int
}

func scanCustomer(row rowScanner) (*Customer, error) {
	var c Customer
	var lineUserID sql.NullString
	var assignedTo sql.NullInt64
	var latestCaseAt, versionAt sql.NullTime
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &lineUserID, &c.Source, &c.Status, &assignedTo,
		&latestCaseAt, &c.Notes, &c.Version, &versionAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.LineUserID = stringPtr(lineUserID)
	c.AssignedTo = int64Ptr(assignedTo)
	c.LatestCaseAt = timePtr(latestCaseAt)
	c.VersionUpdatedAt = timePtr(versionAt)
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, c *Customer) error {
	now := s.now()
	if c.Status == "" {
		c.Status = "new"
	}
	id, err := s.insert(ctx,
		`INSERT INTO customers (name, phone, email, line_user_id, source, status, assigned_to, latest_case_at, notes, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Phone, c.Email, c.LineUserID, c.Source, c.Status, c.AssignedTo, c.LatestCaseAt, c.Notes, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert customer: %w", err)
	}
	c.ID, c.CreatedAt, c.UpdatedAt = id, now, now
	s.fireCreate(ctx, c)
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	c, err := scanCustomer(s.queryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

func (s *Store) GetCustomerByLineUserID(ctx context.Context, lineUserID string) (*Customer, error) {
	c, err := scanCustomer(s.queryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE line_user_id = ?", lineUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer by line user: %w", err)
	}
	return c, nil
}

func (s *Store) ListCustomers(ctx context.Context, f CustomerFilter) ([]Customer, error) {
	var where []string
	var args []any
	if f.AssignedTo != nil {
		where = append(where, "assigned_to = ?")
		args = append(args, *f.AssignedTo)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		where = append(where, "(name LIKE ? OR phone LIKE ? OR email LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like, like)
	}

	query := "SELECT " + customerColumns + " FROM customers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	customers := []Customer{}
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer row: %w", err)
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

func (s *Store) UpdateCustomer(ctx context.Context, c *Customer) error {
	old, err := s.GetCustomer(ctx, c.ID)
	if err != nil {
		return err
	}
	c.UpdatedAt = s.now()
	_, err = s.exec(ctx,
		`UPDATE customers SET name = ?, phone = ?, email = ?, line_user_id = ?, source = ?, status = ?,
         assigned_to = ?, latest_case_at = ?, notes = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.Phone, c.Email, c.LineUserID, c.Source, c.Status, c.AssignedTo, c.LatestCaseAt, c.Notes, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	c.Version, c.VersionUpdatedAt, c.CreatedAt = old.Version, old.VersionUpdatedAt, old.CreatedAt
	s.fireUpdate(ctx, old, c)
	return nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id int64) error {
	old, err := s.GetCustomer(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, "DELETE FROM customers WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	s.fireDelete(ctx, old)
	return nil
}
