package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const caseColumns = "id, customer_id, case_number, loan_amount, status, submitted_at, approved_at, disbursed_at, created_at, updated_at"

func scanCase(row rowScanner) (*CustomerCase, error) {
	var c CustomerCase
	var submitted, approved, disbursed sql.NullTime
	if err := row.Scan(&c.ID, &c.CustomerID, &c.CaseNumber, &c.LoanAmount, &c.Status, &submitted, &approved, &disbursed, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.SubmittedAt = timePtr(submitted)
	c.ApprovedAt = timePtr(approved)
	c.DisbursedAt = timePtr(disbursed)
	return &c, nil
}

func (s *Store) CreateCase(ctx context.Context, c *CustomerCase) error {
	now := s.now()
	if c.Status == "" {
		c.Status = "pending"
	}
	id, err := s.insert(ctx,
		`INSERT INTO customer_cases (customer_id, case_number, loan_amount, status, submitted_at, approved_at, disbursed_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CustomerID, c.CaseNumber, c.LoanAmount, c.Status, c.SubmittedAt, c.ApprovedAt, c.DisbursedAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert case: %w", err)
	}
	c.ID, c.CreatedAt, c.UpdatedAt = id, now, now
	s.fireCreate(ctx, c)
	return nil
}

func (s *Store) GetCase(ctx context.Context, id int64) (*CustomerCase, error) {
	c, err := scanCase(s.queryRow(ctx, "SELECT "+caseColumns+" FROM customer_cases WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

func (s *Store) ListCasesByCustomer(ctx context.Context, customerID int64) ([]CustomerCase, error) {
	rows, err := s.query(ctx, "SELECT "+caseColumns+" FROM customer_cases WHERE customer_id = ? ORDER BY id ASC", customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()

	cases := []CustomerCase{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case row: %w", err)
		}
		cases = append(cases, *c)
	}
	return cases, rows.Err()
}

func (s *Store) UpdateCase(ctx context.Context, c *CustomerCase) error {
	old, err := s.GetCase(ctx, c.ID)
	if err != nil {
		return err
	}
	c.UpdatedAt = s.now()
	_, err = s.exec(ctx,
		`UPDATE customer_cases SET case_number = ?, loan_amount = ?, status = ?, submitted_at = ?, approved_at = ?,
         disbursed_at = ?, updated_at = ? WHERE id = ?`,
		c.CaseNumber, c.LoanAmount, c.Status, c.SubmittedAt, c.ApprovedAt, c.DisbursedAt, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}
	c.CustomerID, c.CreatedAt = old.CustomerID, old.CreatedAt
	s.fireUpdate(ctx, old, c)
	return nil
}
