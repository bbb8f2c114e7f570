package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskline/internal/access"
	"taskline/internal/domain"
	"taskline/internal/repo"
)

// ErrUnauthorized indicates the actor lacks rights for the operation.
// Surfaced to the caller as a denial, never retried.
var ErrUnauthorized = errors.New("unauthorized")

// ValidationError reports malformed input with a field-level message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Engine struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:   db,
		Repo: repo.Repo{DB: db},
		Now:  time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TaskDraft holds the creator-supplied fields for a new task.
type TaskDraft struct {
	Title       string
	Description string
	Priority    string
	Progress    int
	DueDate     *string
}

func (e Engine) CreateTask(ctx context.Context, actor access.Actor, draft TaskDraft) (domain.Task, error) {
	if actor.ID == "" {
		return domain.Task{}, ErrUnauthorized
	}
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return domain.Task{}, ValidationError{Field: "title", Message: "title is required"}
	}
	priority := draft.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(priority) {
		return domain.Task{}, ValidationError{Field: "priority", Message: "unknown priority " + priority}
	}
	if draft.Progress < 0 || draft.Progress > 100 {
		return domain.Task{}, ValidationError{Field: "progress", Message: "progress must be between 0 and 100"}
	}
	t := domain.Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: strings.TrimSpace(draft.Description),
		Status:      domain.StatusNotStarted,
		Priority:    priority,
		Progress:    draft.Progress,
		DueDate:     draft.DueDate,
		CreatorID:   actor.ID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskPatch carries the fields present in an update request. Nil fields
// were absent. A DueDate pointing at an empty string clears the due date.
type TaskPatch struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	Progress    *int
	DueDate     *string
}

// UpdateTask applies a patch under the field-level permission rules.
// Fields the actor may not change are kept at their stored values rather
// than rejected; the whole call fails with ErrUnauthorized only when the
// actor is not creator, admin, or assignee.
func (e Engine) UpdateTask(ctx context.Context, actor access.Actor, taskID string, patch TaskPatch) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	snap := access.Snapshot(t)
	if !access.CanEditDetails(actor, snap) {
		return domain.Task{}, ErrUnauthorized
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return domain.Task{}, ValidationError{Field: "title", Message: "title is required"}
		}
		t.Title = title
	}
	if patch.Description != nil {
		t.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Progress != nil {
		if *patch.Progress < 0 || *patch.Progress > 100 {
			return domain.Task{}, ValidationError{Field: "progress", Message: "progress must be between 0 and 100"}
		}
		t.Progress = *patch.Progress
	}
	if patch.Status != nil && access.CanEditStatus(actor, snap) {
		if !domain.ValidStatus(*patch.Status) {
			return domain.Task{}, ValidationError{Field: "status", Message: "unknown status " + *patch.Status}
		}
		t.Status = *patch.Status
	}
	if access.CanEditSchedule(actor, snap) {
		if patch.Priority != nil {
			if !domain.ValidPriority(*patch.Priority) {
				return domain.Task{}, ValidationError{Field: "priority", Message: "unknown priority " + *patch.Priority}
			}
			t.Priority = *patch.Priority
		}
		if patch.DueDate != nil {
			if *patch.DueDate == "" {
				t.DueDate = nil
			} else {
				t.DueDate = patch.DueDate
			}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask removes a task and its assignments. Admin only; the
// permission check comes before the existence check so a denial never
// leaks whether the task exists.
func (e Engine) DeleteTask(ctx context.Context, actor access.Actor, taskID string) error {
	if !access.CanDelete(actor) {
		return ErrUnauthorized
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTask(ctx, tx, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// Assign adds userID to the task's assignment set. Self-assign is open to
// any authenticated actor; assigning anyone else requires admin. Re-adding
// an existing pair is a no-op success. The first assignment moves a
// NotStarted task to InProgress; manually overridden statuses are left
// alone.
func (e Engine) Assign(ctx context.Context, actor access.Actor, taskID, userID string) error {
	if !access.CanAssign(actor, userID) {
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
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	inserted, err := e.Repo.InsertAssignment(ctx, tx, domain.Assignment{
		TaskID:     taskID,
		UserID:     userID,
		AssignedAt: e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if inserted && t.Status == domain.StatusNotStarted {
		if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.StatusInProgress); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Unassign removes userID from the task's assignment set. Removing an
// absent pair is a no-op success. When the last assignment goes away the
// status reverts to NotStarted, but only from InProgress; a manual admin
// override (UnderReview, Completed, Archived) stays put.
func (e Engine) Unassign(ctx context.Context, actor access.Actor, taskID, userID string) error {
	if !access.CanAssign(actor, userID) {
		return ErrUnauthorized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	removed, err := e.Repo.DeleteAssignment(ctx, tx, taskID, userID)
	if err != nil {
		return err
	}
	if removed {
		remaining, err := e.Repo.CountAssignments(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if remaining == 0 && t.Status == domain.StatusInProgress {
			if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.StatusNotStarted); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// TaskView is a task as seen by one viewer, with the per-viewer flags
// recomputed on every read.
type TaskView struct {
	domain.Task
	CreatorDisplayName      string        `json:"creator_display_name"`
	AssignedUsers           []domain.User `json:"assigned_users,omitempty"`
	IsAssignedToCurrentUser bool          `json:"is_assigned_to_current_user"`
	CanEdit                 bool          `json:"can_edit"`
}

func (e Engine) view(ctx context.Context, actor access.Actor, t domain.Task) (TaskView, error) {
	v := TaskView{Task: t}
	creator, err := e.Repo.GetUser(ctx, t.CreatorID)
	if err == nil {
		v.CreatorDisplayName = creator.DisplayName
	} else if !errors.Is(err, repo.ErrNotFound) {
		return TaskView{}, err
	} else {
		v.CreatorDisplayName = "Unknown"
	}
	v.AssignedUsers, err = e.Repo.ListAssignedUsers(ctx, t.ID)
	if err != nil {
		return TaskView{}, err
	}
	snap := access.Snapshot(t)
	v.IsAssignedToCurrentUser = actor.ID != "" && contains(snap.AssigneeIDs, actor.ID)
	v.CanEdit = access.CanEditDetails(actor, snap)
	return v, nil
}

func (e Engine) GetTask(ctx context.Context, actor access.Actor, taskID string) (TaskView, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	return e.view(ctx, actor, t)
}

func (e Engine) ListTasks(ctx context.Context, actor access.Actor) ([]TaskView, error) {
	return e.listTasks(ctx, actor, repo.TaskFilters{})
}

// ListMyTasks returns tasks the actor created or is assigned to.
func (e Engine) ListMyTasks(ctx context.Context, actor access.Actor) ([]TaskView, error) {
	if actor.ID == "" {
		return []TaskView{}, nil
	}
	return e.listTasks(ctx, actor, repo.TaskFilters{InvolvedUserID: actor.ID})
}

func (e Engine) listTasks(ctx context.Context, actor access.Actor, f repo.TaskFilters) ([]TaskView, error) {
	tasks, err := e.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v, err := e.view(ctx, actor, t)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// CanEdit answers the can-edit probe for the current actor.
func (e Engine) CanEdit(ctx context.Context, actor access.Actor, taskID string) (bool, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return access.CanEditDetails(actor, access.Snapshot(t)), nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
