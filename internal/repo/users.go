package repo

import (
	"context"
	"database/sql"

	"golang.org/x/crypto/bcrypt"

	"taskline/internal/domain"
)

// HashPassword produces a bcrypt hash for storage. The repo layer owns all
// password material; nothing above it ever sees a hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext password against the user's stored hash.
func (r Repo) VerifyPassword(u domain.User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,display_name,email,password_hash,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.DisplayName, u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return err
	}
	for _, role := range u.Roles {
		if err := r.GrantRole(ctx, tx, u.ID, role); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role) VALUES (?,?)`, userID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role=?`, userID, role)
	return err
}

func (r Repo) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) scanUser(ctx context.Context, row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Roles, err = r.UserRoles(ctx, u.ID)
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return r.scanUser(ctx, r.DB.QueryRowContext(ctx, `SELECT id,display_name,email,password_hash,created_at FROM users WHERE id=?`, id))
}

func (r Repo) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.scanUser(ctx, r.DB.QueryRowContext(ctx, `SELECT id,display_name,email,password_hash,created_at FROM users WHERE email=?`, email))
}

func (r Repo) DisplayNameTaken(ctx context.Context, displayName string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE display_name=?`, displayName).Scan(&n)
	return n > 0, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,display_name,email,created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Roles, err = r.UserRoles(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// DeleteUser removes a user; assignments cascade via foreign keys.
func (r Repo) DeleteUser(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
