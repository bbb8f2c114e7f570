package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskline/internal/access"
	"taskline/internal/domain"
	"taskline/internal/repo"
)

type RegisterOptions struct {
	DisplayName     string
	Email           string
	Password        string
	ConfirmPassword string
	// Roles defaults to {User} when empty. Only the CLI bootstrap path
	// sets anything else.
	Roles []string
}

// Register creates a user account. Display name and email must be unique;
// password and confirmation must match.
func (e Engine) Register(ctx context.Context, opts RegisterOptions) (domain.User, error) {
	displayName := strings.TrimSpace(opts.DisplayName)
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if displayName == "" {
		return domain.User{}, ValidationError{Field: "display_name", Message: "display name is required"}
	}
	if email == "" {
		return domain.User{}, ValidationError{Field: "email", Message: "email is required"}
	}
	if opts.Password == "" {
		return domain.User{}, ValidationError{Field: "password", Message: "password is required"}
	}
	if opts.Password != opts.ConfirmPassword {
		return domain.User{}, ValidationError{Field: "confirm_password", Message: "passwords do not match"}
	}
	taken, err := e.Repo.DisplayNameTaken(ctx, displayName)
	if err != nil {
		return domain.User{}, err
	}
	if taken {
		return domain.User{}, ValidationError{Field: "display_name", Message: "display name is already taken"}
	}
	if _, err := e.Repo.FindUserByEmail(ctx, email); err == nil {
		return domain.User{}, ValidationError{Field: "email", Message: "email is already registered"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	hash, err := repo.HashPassword(opts.Password)
	if err != nil {
		return domain.User{}, err
	}
	roles := opts.Roles
	if len(roles) == 0 {
		roles = []string{domain.RoleUser}
	}
	u := domain.User{
		ID:           uuid.New().String(),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	u.PasswordHash = ""
	return u, nil
}

// Login verifies credentials and returns the identity to embed in a
// session token. Wrong email and wrong password are indistinguishable.
func (e Engine) Login(ctx context.Context, email, password string) (domain.Identity, error) {
	u, err := e.Repo.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Identity{}, ErrUnauthorized
		}
		return domain.Identity{}, err
	}
	if !e.Repo.VerifyPassword(u, password) {
		return domain.Identity{}, ErrUnauthorized
	}
	return IdentityOf(u), nil
}

// IdentityOf projects a stored user into the token-facing identity.
func IdentityOf(u domain.User) domain.Identity {
	return domain.Identity{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Roles:       u.Roles,
	}
}

// GrantRole gives a user an additional role. Admin only.
func (e Engine) GrantRole(ctx context.Context, actor access.Actor, userID, role string) error {
	if !actor.IsAdmin() {
		return ErrUnauthorized
	}
	if role != domain.RoleAdmin && role != domain.RoleUser {
		return ValidationError{Field: "role", Message: "unknown role " + role}
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.GrantRole(ctx, tx, userID, role); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role from a user. Admin only.
func (e Engine) RevokeRole(ctx context.Context, actor access.Actor, userID, role string) error {
	if !actor.IsAdmin() {
		return ErrUnauthorized
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, userID, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListUsers(ctx context.Context, actor access.Actor) ([]domain.User, error) {
	if actor.ID == "" {
		return nil, ErrUnauthorized
	}
	return e.Repo.ListUsers(ctx)
}

// CreateAPIKey mints a new API key for a user and returns the plaintext
// key exactly once; only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor access.Actor, userID, name string) (domain.APIKey, string, error) {
	if userID == "" {
		userID = actor.ID
	}
	if !access.CanAssign(actor, userID) {
		return domain.APIKey{}, "", ErrUnauthorized
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	plaintext := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}
