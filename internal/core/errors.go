package core

import (
	"errors"

	"github.com/loanconsult/crm/internal/apperr"
	"github.com/loanconsult/crm/internal/auth"
	"github.com/loanconsult/crm/internal/store"
)

// storeError maps store failures onto application errors.
func storeError(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.NotFound, "%s not found", what)
	}
	return apperr.Wrap(apperr.Internal, "failed to access "+what, err)
}

// canSee reports whether p may see a record assigned to assignedTo.
func canSee(p *auth.Principal, assignedTo *int64) bool {
	if p.SeesAll() {
		return true
	}
	return p != nil && assignedTo != nil && *assignedTo == p.UserID
}

func requireRole(p *auth.Principal, role string) error {
	if !p.AtLeast(role) {
		return apperr.Newf(apperr.Permission, "requires %s role", role)
	}
	return nil
}
