package core

import (
	"context"
	"errors"
	"strings"

	"github.com/loanconsult/crm/internal/apperr"
	"github.com/loanconsult/crm/internal/auth"
	"github.com/loanconsult/crm/internal/store"
)

type CreateUserInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type UpdateUserInput struct {
	Name     *string `json:"name"`
	Role     *string `json:"role"`
	Password *string `json:"password"`
	IsActive *bool   `json:"is_active"`
}

type UserService struct {
	store *store.Store
}

func NewUserService(s *store.Store) *UserService {
	return &UserService{store: s}
}

// Login checks credentials and issues a token. Unknown users, bad passwords
// and inactive accounts all fail the same way.
func (s *UserService) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", nil, storeError(err, "user")
	}
	if user == nil || !user.IsActive || !auth.CheckPasswordHash(password, user.PasswordHash) {
		return "", nil, apperr.New(apperr.Unauthed, "invalid credentials")
	}

	token, err := auth.GenerateJWT(user)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.Internal, "failed to generate token", err)
	}
	return token, user, nil
}

func (s *UserService) Get(ctx context.Context, id int64) (*store.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, storeError(err, "user")
	}
	return u, nil
}

func (s *UserService) List(ctx context.Context) ([]store.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, storeError(err, "users")
	}
	return users, nil
}

func (s *UserService) Create(ctx context.Context, in CreateUserInput) (*store.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" || len(in.Password) < 6 {
		return nil, apperr.New(apperr.Validation, "username and a password of at least 6 characters are required")
	}
	if in.Role == "" {
		in.Role = store.RoleStaff
	}
	if !auth.ValidRole(in.Role) {
		return nil, apperr.Newf(apperr.Validation, "unknown role %q", in.Role)
	}
	if _, err := s.store.GetUserByUsername(ctx, in.Username); err == nil {
		return nil, apperr.Newf(apperr.Conflict, "username %q is taken", in.Username)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storeError(err, "user")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to hash password", err)
	}
	user := &store.User{Username: in.Username, PasswordHash: hash, Name: in.Name, Role: in.Role, IsActive: true}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, storeError(err, "user")
	}
	return user, nil
}

func (s *UserService) Update(ctx context.Context, p *auth.Principal, id int64, in UpdateUserInput) (*store.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, storeError(err, "user")
	}
	if in.Name != nil {
		user.Name = *in.Name
	}
	if in.Role != nil {
		if !auth.ValidRole(*in.Role) {
			return nil, apperr.Newf(apperr.Validation, "unknown role %q", *in.Role)
		}
		if p != nil && p.UserID == id && *in.Role != store.RoleAdmin {
			return nil, apperr.New(apperr.Invalid, "admins cannot demote themselves")
		}
		user.Role = *in.Role
	}
	if in.IsActive != nil {
		if p != nil && p.UserID == id && !*in.IsActive {
			return nil, apperr.New(apperr.Invalid, "admins cannot deactivate themselves")
		}
		user.IsActive = *in.IsActive
	}
	if in.Password != nil {
		if len(*in.Password) < 6 {
			return nil, apperr.New(apperr.Validation, "password must be at least 6 characters")
		}
		hash, err := auth.HashPassword(*in.Password)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "failed to hash password", err)
		}
		user.PasswordHash = hash
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, storeError(err, "user")
	}
	return user, nil
}

func (s *UserService) Delete(ctx context.Context, p *auth.Principal, id int64) error {
	if p != nil && p.UserID == id {
		return apperr.New(apperr.Invalid, "users cannot delete themselves")
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return storeError(err, "user")
	}
	return nil
}

// SeedAdmin creates the first administrator account.
func (s *UserService) SeedAdmin(ctx context.Context, username, password string) (*store.User, error) {
	return s.Create(ctx, CreateUserInput{Username: username, Password: password, Name: username, Role: store.RoleAdmin})
}
