package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *Store) CreateLead(ctx context.Context, l *CustomerLead) error {
	now := s.now()
	id, err := s.insert(ctx,
		"INSERT INTO customer_leads (customer_id, channel, assigned_to, note, created_at) VALUES (?, ?, ?, ?, ?)",
		l.CustomerID, l.Channel, l.AssignedTo, l.Note, now)
	if err != nil {
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	l.ID, l.CreatedAt = id, now
	return nil
}

func (s *Store) ListLeadsByCustomer(ctx context.Context, customerID int64) ([]CustomerLead, error) {
	rows, err := s.query(ctx,
		"SELECT id, customer_id, channel, assigned_to, note, created_at FROM customer_leads WHERE customer_id = ? ORDER BY id ASC",
		customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	leads := []CustomerLead{}
	for rows.Next() {
		var l CustomerLead
		var assignedTo sql.NullInt64
		if err := rows.Scan(&l.ID, &l.CustomerID, &l.Channel, &assignedTo, &l.Note, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		l.AssignedTo = int64Ptr(assignedTo)
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// ReassignLeads points every lead of the customer at assignedTo (nil clears it).
func (s *Store) ReassignLeads(ctx context.Context, customerID int64, assignedTo *int64) (int64, error) {
	res, err := s.exec(ctx, "UPDATE customer_leads SET assigned_to = ? WHERE customer_id = ?", assignedTo, customerID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign leads: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
