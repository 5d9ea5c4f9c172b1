package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"retailsync/internal/domain"
	"retailsync/internal/store"
	"retailsync/internal/xid"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

var roles = []string{domain.RoleAdmin, domain.RoleManager, domain.RoleCashier}

// ListUsers returns every user without password hashes.
func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	if _, err := s.authorize(ctx, "", domain.RoleAdmin); err != nil {
		return nil, err
	}
	users, err := s.repo.Users.List(ctx, "", store.Filter{})
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].Password = ""
	}
	slices.SortFunc(users, func(a, b domain.User) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (domain.User, error) {
	if _, err := s.authorize(ctx, "", domain.RoleAdmin); err != nil {
		return domain.User{}, err
	}
	user, err := s.repo.Users.Get(ctx, id)
	user.Password = ""
	return user, err
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.User, error) {
	if _, err := s.authorize(ctx, "", domain.RoleAdmin); err != nil {
		return domain.User{}, err
	}
	return s.createUser(ctx, req)
}

func (s *Service) createUser(ctx context.Context, req domain.UserCreateRequest) (domain.User, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 || strings.ContainsAny(username, " \t\r\n") {
		return domain.User{}, fmt.Errorf("%w: username must be at least 4 characters without spaces", store.ErrValidation)
	}
	if len(req.Password) < 6 {
		return domain.User{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrValidation)
	}
	if !slices.Contains(roles, req.Role) {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", store.ErrValidation, req.Role)
	}
	if req.BranchID != "" {
		if err := s.requireBranch(ctx, req.BranchID); err != nil {
			return domain.User{}, err
		}
	}
	if _, err := s.FindUserByUsername(ctx, username); err == nil {
		return domain.User{}, fmt.Errorf("%w: username already exists", store.ErrValidation)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.User{}, err
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	created, err := s.repo.Users.Create(ctx, domain.User{
		Meta:      domain.Meta{ID: xid.New("user")},
		Username:  username,
		Password:  hash,
		Role:      req.Role,
		BranchID:  req.BranchID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.User{}, err
	}
	s.logAudit(ctx, created.BranchID, "user_create", "user", created.ID, "username="+created.Username+",role="+created.Role)
	created.Password = ""
	return created, nil
}

func (s *Service) UpdateUser(ctx context.Context, id string, req domain.UserUpdateRequest) (domain.User, error) {
	if _, err := s.authorize(ctx, "", domain.RoleAdmin); err != nil {
		return domain.User{}, err
	}
	user, err := s.repo.Users.Get(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	user.Rev = req.Rev
	if req.Password != nil {
		if len(*req.Password) < 6 {
			return domain.User{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrValidation)
		}
		if user.Password, err = hashPassword(*req.Password); err != nil {
			return domain.User{}, fmt.Errorf("hash password: %w", err)
		}
	}
	if req.Role != nil {
		if !slices.Contains(roles, *req.Role) {
			return domain.User{}, fmt.Errorf("%w: unknown role %q", store.ErrValidation, *req.Role)
		}
		user.Role = *req.Role
	}
	if req.BranchID != nil {
		if *req.BranchID != "" {
			if err := s.requireBranch(ctx, *req.BranchID); err != nil {
				return domain.User{}, err
			}
		}
		user.BranchID = *req.BranchID
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	user.UpdatedAt = s.now()

	saved, err := s.repo.Users.Update(ctx, user)
	if err != nil {
		return domain.User{}, err
	}
	s.logAudit(ctx, saved.BranchID, "user_update", "user", saved.ID, fmt.Sprintf("role=%s,active=%t", saved.Role, saved.Active))
	saved.Password = ""
	return saved, nil
}

func (s *Service) DeleteUser(ctx context.Context, id string, rev string) error {
	actor, err := s.authorize(ctx, "", domain.RoleAdmin)
	if err != nil {
		return err
	}
	user, err := s.repo.Users.Get(ctx, id)
	if err != nil {
		return err
	}
	if user.Username == actor.Username {
		return fmt.Errorf("%w: users cannot delete themselves", store.ErrValidation)
	}
	if err := s.repo.Users.Delete(ctx, id, rev); err != nil {
		return err
	}
	s.logAudit(ctx, user.BranchID, "user_delete", "user", id, "username="+user.Username)
	return nil
}

// FindUserByUsername returns the user including its password hash.
func (s *Service) FindUserByUsername(ctx context.Context, username string) (domain.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	users, err := s.repo.Users.List(ctx, "", store.Filter{})
	if err != nil {
		return domain.User{}, err
	}
	for _, user := range users {
		if strings.ToLower(user.Username) == username {
			return user, nil
		}
	}
	return domain.User{}, fmt.Errorf("user %s: %w", username, store.ErrNotFound)
}

// Authenticate checks a username and password. A user whose stored password
// is not a bcrypt hash yet (for example one entered directly on the remote)
// has it hashed on the first successful login.
func (s *Service) Authenticate(ctx context.Context, username string, password string) (domain.User, error) {
	user, err := s.FindUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}

	if !isPasswordHash(user.Password) {
		if !plainPasswordMatches(user.Password, password) {
			return domain.User{}, ErrInvalidCredentials
		}
		if hash, err := hashPassword(password); err == nil {
			user.Password = hash
			if updated, err := s.repo.Users.Update(ctx, user); err != nil {
				s.log.Warn().Err(err).Str("user", user.Username).Msg("failed to upgrade plain-text password")
			} else {
				user = updated
			}
		}
	} else if !verifyPassword(user.Password, password) {
		return domain.User{}, ErrInvalidCredentials
	}

	if !user.Active {
		return domain.User{}, fmt.Errorf("%w: account is inactive", ErrInvalidCredentials)
	}
	user.Password = ""
	return user, nil
}

// EnsureAdmin creates the bootstrap admin when no user exists yet.
func (s *Service) EnsureAdmin(ctx context.Context, username string, password string) error {
	users, err := s.repo.Users.List(ctx, "", store.Filter{})
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	_, err = s.createUser(ctx, domain.UserCreateRequest{Username: username, Password: password, Role: domain.RoleAdmin})
	if err == nil {
		s.log.Info().Str("user", username).Msg("bootstrap admin created")
	}
	return err
}

// plainPasswordMatches compares a not yet hashed stored password in
// constant time. An empty stored password never matches.
func plainPasswordMatches(stored string, input string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(input)) == 1
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
