// Package observers keeps denormalized fields and downstream mirrors in step
// with writes to the primary store.
package observers

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/loanconsult/crm/internal/store"
)

type caseStore interface {
	ListCasesByCustomer(ctx context.Context, customerID int64) ([]store.CustomerCase, error)
	GetCustomer(ctx context.Context, id int64) (*store.Customer, error)
	UpdateCustomer(ctx context.Context, c *store.Customer) error
}

// CustomerCaseObserver maintains customers.latest_case_at as the newest
// milestone across all of a customer's cases.
type CustomerCaseObserver struct {
	store.NopHook
	store caseStore
}

func NewCustomerCaseObserver(s caseStore) *CustomerCaseObserver {
	return &CustomerCaseObserver{store: s}
}

func (o *CustomerCaseObserver) AfterCreate(ctx context.Context, e store.Entity) {
	if c, ok := e.(*store.CustomerCase); ok {
		o.refresh(ctx, c.CustomerID)
	}
}

func (o *CustomerCaseObserver) AfterUpdate(ctx context.Context, _, new store.Entity) {
	if c, ok := new.(*store.CustomerCase); ok {
		o.refresh(ctx, c.CustomerID)
	}
}

func (o *CustomerCaseObserver) refresh(ctx context.Context, customerID int64) {
	cases, err := o.store.ListCasesByCustomer(ctx, customerID)
	if err != nil {
		log.Error("Failed to load cases for latest activity", "customer_id", customerID, "err", err)
		return
	}
	if len(cases) == 0 {
		return
	}
	latest := cases[0].LatestActivity()
	for _, c := range cases[1:] {
		if a := c.LatestActivity(); a.After(latest) {
			latest = a
		}
	}

	customer, err := o.store.GetCustomer(ctx, customerID)
	if err != nil {
		log.Error("Failed to load customer for latest activity", "customer_id", customerID, "err", err)
		return
	}
	if customer.LatestCaseAt != nil && !latest.After(*customer.LatestCaseAt) {
		return
	}
	customer.LatestCaseAt = &latest
	if err := o.store.UpdateCustomer(ctx, customer); err != nil {
		log.Error("Failed to update latest case activity", "customer_id", customerID, "err", err)
	}
}
