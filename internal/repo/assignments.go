package repo

import (
	"context"
	"database/sql"

	"taskline/internal/domain"
)

// InsertAssignment adds a (task, user) pair. Re-adding an existing pair is
// a no-op; the returned bool reports whether a row was actually inserted.
func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_assignments(task_id,user_id,assigned_at) VALUES (?,?,?)`,
		a.TaskID, a.UserID, a.AssignedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteAssignment removes a (task, user) pair; reports whether a row existed.
func (r Repo) DeleteAssignment(ctx context.Context, tx *sql.Tx, taskID, userID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM task_assignments WHERE task_id=? AND user_id=?`, taskID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CountAssignments(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_assignments WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

func (r Repo) ListAssignments(ctx context.Context, taskID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,user_id,assigned_at FROM task_assignments WHERE task_id=? ORDER BY assigned_at, user_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.TaskID, &a.UserID, &a.AssignedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListAssignedUsers returns the users in a task's assignment set.
func (r Repo) ListAssignedUsers(ctx context.Context, taskID string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT u.id, u.display_name, u.email, u.created_at
FROM task_assignments ta
JOIN users u ON u.id=ta.user_id
WHERE ta.task_id=?
ORDER BY ta.assigned_at, u.id`, taskID)
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
	return res, rows.Err()
}
