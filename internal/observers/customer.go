package observers

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/loanconsult/crm/internal/store"
)

type leadStore interface {
	ReassignLeads(ctx context.Context, customerID int64, assignedTo *int64) (int64, error)
}

// CustomerObserver propagates a customer's assignee to its leads.
type CustomerObserver struct {
	store.NopHook
	leads leadStore
}

func NewCustomerObserver(s leadStore) *CustomerObserver {
	return &CustomerObserver{leads: s}
}

func (o *CustomerObserver) AfterUpdate(ctx context.Context, old, new store.Entity) {
	before, ok := old.(*store.Customer)
	if !ok {
		return
	}
	after, ok := new.(*store.Customer)
	if !ok || sameAssignee(before.AssignedTo, after.AssignedTo) {
		return
	}
	n, err := o.leads.ReassignLeads(ctx, after.ID, after.AssignedTo)
	if err != nil {
		log.Error("Failed to propagate assignee to leads", "customer_id", after.ID, "err", err)
		return
	}
	log.Debug("Leads reassigned", "customer_id", after.ID, "assigned_to", after.AssignedTo, "leads", n)
}

func sameAssignee(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
