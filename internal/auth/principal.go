package auth

import (
	"context"

	"github.com/loanconsult/crm/internal/store"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

var roleRank = map[string]int{
	store.RoleStaff:   1,
	store.RoleManager: 2,
	store.RoleAdmin:   3,
}

func ValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// AtLeast reports whether p's role ranks at or above role.
func (p *Principal) AtLeast(role string) bool {
	return p != nil && roleRank[p.Role] >= roleRank[role] && roleRank[p.Role] > 0
}

// SeesAll reports whether p may see every customer, not only assigned ones.
func (p *Principal) SeesAll() bool {
	return p.AtLeast(store.RoleManager)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
