package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,title,COALESCE(description,'') AS description,status,priority,progress,due_date,creator_id,created_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var due sql.NullString
	err := scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Progress, &due, &t.CreatorID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if due.Valid {
		t.DueDate = &due.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,title,description,status,priority,progress,due_date,creator_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Status, t.Priority, t.Progress, nullableStringPtr(t.DueDate), t.CreatorID, t.CreatedAt)
	return err
}

// GetTask returns a task with its assignment set loaded.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	t.Assignments, err = r.ListAssignments(ctx, t.ID)
	return t, err
}

// GetTaskTx reads a task inside a transaction without its assignments.
// Used for the status read-modify-write during assignment changes.
func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	// InvolvedUserID restricts to tasks the user created or is assigned to.
	InvolvedUserID string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if f.InvolvedUserID != "" {
		query += ` WHERE creator_id=? OR id IN (SELECT task_id FROM task_assignments WHERE user_id=?)`
		args = append(args, f.InvolvedUserID, f.InvolvedUserID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Assignments, err = r.ListAssignments(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// UpdateTask rewrites the mutable task fields.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?,description=?,status=?,priority=?,progress=?,due_date=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Status, t.Priority, t.Progress, nullableStringPtr(t.DueDate), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=? WHERE id=?`, status, id)
	return err
}

// DeleteTask removes a task. Assignments cascade via foreign keys.
func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
