package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loanconsult/crm/internal/apperr"
	"github.com/loanconsult/crm/internal/auth"
	"github.com/loanconsult/crm/internal/store"
)

type CustomerInput struct {
	Name       string  `json:"name"`
	Phone      string  `json:"phone"`
	Email      string  `json:"email"`
	LineUserID *string `json:"line_user_id"`
	Source     string  `json:"source"`
	Status     string  `json:"status"`
	AssignedTo *int64  `json:"assigned_to"`
	Notes      string  `json:"notes"`
}

type CustomerPatch struct {
	Name       *string `json:"name"`
	Phone      *string `json:"phone"`
	Email      *string `json:"email"`
	LineUserID *string `json:"line_user_id"`
	Source     *string `json:"source"`
	Status     *string `json:"status"`
	Notes      *string `json:"notes"`
}

type CaseInput struct {
	CaseNumber  string     `json:"case_number"`
	LoanAmount  int64      `json:"loan_amount"`
	Status      string     `json:"status"`
	SubmittedAt *time.Time `json:"submitted_at"`
	ApprovedAt  *time.Time `json:"approved_at"`
	DisbursedAt *time.Time `json:"disbursed_at"`
}

type CasePatch struct {
	LoanAmount  *int64     `json:"loan_amount"`
	Status      *string    `json:"status"`
	SubmittedAt *time.Time `json:"submitted_at"`
	ApprovedAt  *time.Time `json:"approved_at"`
	DisbursedAt *time.Time `json:"disbursed_at"`
}

type LeadInput struct {
	Channel    string `json:"channel"`
	Note       string `json:"note"`
	AssignedTo *int64 `json:"assigned_to"`
}

// CustomerService enforces record visibility: staff work only with customers
// assigned to them, managers and admins with everyone.
type CustomerService struct {
	store *store.Store
}

func NewCustomerService(s *store.Store) *CustomerService {
	return &CustomerService{store: s}
}

func (s *CustomerService) List(ctx context.Context, p *auth.Principal, f store.CustomerFilter) ([]store.Customer, error) {
	if !p.SeesAll() {
		f.AssignedTo = &p.UserID
	}
	customers, err := s.store.ListCustomers(ctx, f)
	if err != nil {
		return nil, storeError(err, "customers")
	}
	return customers, nil
}

func (s *CustomerService) Get(ctx context.Context, p *auth.Principal, id int64) (*store.Customer, error) {
	c, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, storeError(err, "customer")
	}
	if !canSee(p, c.AssignedTo) {
		return nil, apperr.New(apperr.Permission, "customer is not assigned to you")
	}
	return c, nil
}

func (s *CustomerService) Create(ctx context.Context, p *auth.Principal, in CustomerInput) (*store.Customer, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.New(apperr.Validation, "name is required")
	}
	if err := s.checkLineUserID(ctx, in.LineUserID, 0); err != nil {
		return nil, err
	}
	if !p.SeesAll() {
		in.AssignedTo = &p.UserID
	} else if err := s.checkAssignee(ctx, in.AssignedTo); err != nil {
		return nil, err
	}

	c := &store.Customer{
		Name:       strings.TrimSpace(in.Name),
		Phone:      in.Phone,
		Email:      in.Email,
		LineUserID: in.LineUserID,
		Source:     in.Source,
		Status:     in.Status,
		AssignedTo: in.AssignedTo,
		Notes:      in.Notes,
	}
	if err := s.store.CreateCustomer(ctx, c); err != nil {
		return nil, storeError(err, "customer")
	}
	return c, nil
}

func (s *CustomerService) Update(ctx context.Context, p *auth.Principal, id int64, in CustomerPatch) (*store.Customer, error) {
	c, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.New(apperr.Validation, "name cannot be empty")
		}
		c.Name = strings.TrimSpace(*in.Name)
	}
	if in.Phone != nil {
		c.Phone = *in.Phone
	}
	if in.Email != nil {
		c.Email = *in.Email
	}
	if in.LineUserID != nil {
		lineUserID := in.LineUserID
		if *lineUserID == "" {
			lineUserID = nil
		}
		if err := s.checkLineUserID(ctx, lineUserID, c.ID); err != nil {
			return nil, err
		}
		c.LineUserID = lineUserID
	}
	if in.Source != nil {
		c.Source = *in.Source
	}
	if in.Status != nil {
		c.Status = *in.Status
	}
	if in.Notes != nil {
		c.Notes = *in.Notes
	}
	if err := s.store.UpdateCustomer(ctx, c); err != nil {
		return nil, storeError(err, "customer")
	}
	return c, nil
}

// Assign hands a customer to a user, or unassigns it when userID is nil.
func (s *CustomerService) Assign(ctx context.Context, p *auth.Principal, id int64, userID *int64) (*store.Customer, error) {
	if err := requireRole(p, store.RoleManager); err != nil {
		return nil, err
	}
	if err := s.checkAssignee(ctx, userID); err != nil {
		return nil, err
	}
	c, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, storeError(err, "customer")
	}
	c.AssignedTo = userID
	if err := s.store.UpdateCustomer(ctx, c); err != nil {
		return nil, storeError(err, "customer")
	}
	return c, nil
}

func (s *CustomerService) Delete(ctx context.Context, p *auth.Principal, id int64) error {
	if err := requireRole(p, store.RoleManager); err != nil {
		return err
	}
	if err := s.store.DeleteCustomer(ctx, id); err != nil {
		return storeError(err, "customer")
	}
	return nil
}

func (s *CustomerService) ListCases(ctx context.Context, p *auth.Principal, customerID int64) ([]store.CustomerCase, error) {
	if _, err := s.Get(ctx, p, customerID); err != nil {
		return nil, err
	}
	cases, err := s.store.ListCasesByCustomer(ctx, customerID)
	if err != nil {
		return nil, storeError(err, "cases")
	}
	return cases, nil
}

func (s *CustomerService) CreateCase(ctx context.Context, p *auth.Principal, customerID int64, in CaseInput) (*store.CustomerCase, error) {
	if _, err := s.Get(ctx, p, customerID); err != nil {
		return nil, err
	}
	if in.LoanAmount < 0 {
		return nil, apperr.New(apperr.Validation, "loan_amount cannot be negative")
	}
	if in.CaseNumber == "" {
		in.CaseNumber = newCaseNumber(time.Now())
	}
	c := &store.CustomerCase{
		CustomerID:  customerID,
		CaseNumber:  in.CaseNumber,
		LoanAmount:  in.LoanAmount,
		Status:      in.Status,
		SubmittedAt: in.SubmittedAt,
		ApprovedAt:  in.ApprovedAt,
		DisbursedAt: in.DisbursedAt,
	}
	if err := s.store.CreateCase(ctx, c); err != nil {
		return nil, storeError(err, "case")
	}
	return c, nil
}

func (s *CustomerService) UpdateCase(ctx context.Context, p *auth.Principal, id int64, in CasePatch) (*store.CustomerCase, error) {
	c, err := s.store.GetCase(ctx, id)
	if err != nil {
		return nil, storeError(err, "case")
	}
	if _, err := s.Get(ctx, p, c.CustomerID); err != nil {
		return nil, err
	}
	if in.LoanAmount != nil {
		if *in.LoanAmount < 0 {
			return nil, apperr.New(apperr.Validation, "loan_amount cannot be negative")
		}
		c.LoanAmount = *in.LoanAmount
	}
	if in.Status != nil {
		c.Status = *in.Status
	}
	if in.SubmittedAt != nil {
		c.SubmittedAt = in.SubmittedAt
	}
	if in.ApprovedAt != nil {
		c.ApprovedAt = in.ApprovedAt
	}
	if in.DisbursedAt != nil {
		c.DisbursedAt = in.DisbursedAt
	}
	if err := s.store.UpdateCase(ctx, c); err != nil {
		return nil, storeError(err, "case")
	}
	return c, nil
}

func (s *CustomerService) ListLeads(ctx context.Context, p *auth.Principal, customerID int64) ([]store.CustomerLead, error) {
	if _, err := s.Get(ctx, p, customerID); err != nil {
		return nil, err
	}
	leads, err := s.store.ListLeadsByCustomer(ctx, customerID)
	if err != nil {
		return nil, storeError(err, "leads")
	}
	return leads, nil
}

// CreateLead records a lead; it inherits the customer's assignee unless one
// is given.
func (s *CustomerService) CreateLead(ctx context.Context, p *auth.Principal, customerID int64, in LeadInput) (*store.CustomerLead, error) {
	c, err := s.Get(ctx, p, customerID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Channel) == "" {
		return nil, apperr.New(apperr.Validation, "channel is required")
	}
	if in.AssignedTo == nil {
		in.AssignedTo = c.AssignedTo
	} else if err := s.checkAssignee(ctx, in.AssignedTo); err != nil {
		return nil, err
	}
	lead := &store.CustomerLead{CustomerID: customerID, Channel: in.Channel, Note: in.Note, AssignedTo: in.AssignedTo}
	if err := s.store.CreateLead(ctx, lead); err != nil {
		return nil, storeError(err, "lead")
	}
	return lead, nil
}

func (s *CustomerService) checkAssignee(ctx context.Context, userID *int64) error {
	if userID == nil {
		return nil
	}
	u, err := s.store.GetUser(ctx, *userID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.Validation, "assignee %d does not exist", *userID)
	}
	if err != nil {
		return storeError(err, "user")
	}
	if !u.IsActive {
		return apperr.Newf(apperr.Validation, "assignee %d is inactive", *userID)
	}
	return nil
}

func (s *CustomerService) checkLineUserID(ctx context.Context, lineUserID *string, self int64) error {
	if lineUserID == nil {
		return nil
	}
	existing, err := s.store.GetCustomerByLineUserID(ctx, *lineUserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError(err, "customer")
	}
	if existing.ID != self {
		return apperr.Newf(apperr.Conflict, "line user %s already belongs to customer %d", *lineUserID, existing.ID)
	}
	return nil
}

func newCaseNumber(now time.Time) string {
	return fmt.Sprintf("LC-%s-%s", now.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}
