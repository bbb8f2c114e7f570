package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskline/internal/access"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) register(t *testing.T, name string, roles ...string) access.Actor {
	t.Helper()
	u, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{
		DisplayName:     name,
		Email:           name + "@example.com",
		Password:        "pw",
		ConfirmPassword: "pw",
		Roles:           roles,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return access.Actor{ID: u.ID, Roles: u.Roles}
}

func (env testEnv) createTask(t *testing.T, actor access.Actor, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, actor, engine.TaskDraft{Title: title})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) status(t *testing.T, taskID string) string {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task.Status
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")

	task := env.createTask(t, alice, "Write report")
	if task.Status != domain.StatusNotStarted {
		t.Fatalf("status = %s, want NotStarted", task.Status)
	}
	if task.Priority != domain.PriorityMedium {
		t.Fatalf("priority = %s, want Medium", task.Priority)
	}
	if task.Progress != 0 || task.DueDate != nil {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if task.CreatorID != alice.ID {
		t.Fatalf("creator = %s, want %s", task.CreatorID, alice.ID)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")

	if _, err := env.Engine.CreateTask(env.Ctx, access.Actor{}, engine.TaskDraft{Title: "x"}); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for anonymous create, got %v", err)
	}
	var ve engine.ValidationError
	if _, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskDraft{Title: "   "}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for blank title, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskDraft{Title: "x", Priority: "Urgent"}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unknown priority, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskDraft{Title: "x", Progress: 101}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for progress out of range, got %v", err)
	}
}

func TestAssignStartsTask(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	task := env.createTask(t, alice, "Pick me up")

	if err := env.Engine.Assign(env.Ctx, alice, task.ID, alice.ID); err != nil {
		t.Fatalf("self assign: %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusInProgress {
		t.Fatalf("status after first assign = %s, want InProgress", got)
	}

	// repeating the same assignment is a no-op success
	if err := env.Engine.Assign(env.Ctx, alice, task.ID, alice.ID); err != nil {
		t.Fatalf("repeat assign: %v", err)
	}

	// a second assignee does not touch status
	if err := env.Engine.Assign(env.Ctx, bob, task.ID, bob.ID); err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusInProgress {
		t.Fatalf("status after second assign = %s, want InProgress", got)
	}
}

func TestUnassignRevertsWhenLastLeaves(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	task := env.createTask(t, alice, "Shared work")

	if err := env.Engine.Assign(env.Ctx, alice, task.ID, alice.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Assign(env.Ctx, bob, task.ID, bob.ID); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.Unassign(env.Ctx, alice, task.ID, alice.ID); err != nil {
		t.Fatalf("unassign first: %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusInProgress {
		t.Fatalf("status with one assignee left = %s, want InProgress", got)
	}

	if err := env.Engine.Unassign(env.Ctx, bob, task.ID, bob.ID); err != nil {
		t.Fatalf("unassign last: %v", err)
	}
	if got := env.status(t, task.ID); got != domain.StatusNotStarted {
		t.Fatalf("status with nobody assigned = %s, want NotStarted", got)
	}

	// unassigning an absent pair is a no-op success
	if err := env.Engine.Unassign(env.Ctx, bob, task.ID, bob.ID); err != nil {
		t.Fatalf("repeat unassign: %v", err)
	}
}

func TestManualStatusSurvivesAssignmentChanges(t *testing.T) {
	env := newTestEnv(t)
	admin := env.register(t, "admin", domain.RoleAdmin)
	alice := env.register(t, "alice")
	task := env.createTask(t, alice, "Reviewed work")

	status := domain.StatusUnderReview
	if _, err := env.Engine.UpdateTask(env.Ctx, admin, task.ID, engine.TaskPatch{Status: &status}); err != nil {
		t.Fatalf("manual status: %v", err)
	}

	// assignment does not promote a manually set status
	if err := env.Engine.Assign(env.Ctx, alice, task.ID, alice.ID); err != nil {
		t.Fatal(err)
	}
	if got := env.status(t, task.ID); got != domain.StatusUnderReview {
		t.Fatalf("status after assign = %s, want UnderReview", got)
	}

	// losing the last assignee does not revert it either
	if err := env.Engine.Unassign(env.Ctx, alice, task.ID, alice.ID); err != nil {
		t.Fatal(err)
	}
	if got := env.status(t, task.ID); got != domain.StatusUnderReview {
		t.Fatalf("status after unassign = %s, want UnderReview", got)
	}
}

func TestAssignPermissions(t *testing.T) {
	env := newTestEnv(t)
	admin := env.register(t, "admin", domain.RoleAdmin)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	task := env.createTask(t, alice, "Directed work")

	if err := env.Engine.Assign(env.Ctx, alice, task.ID, bob.ID); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("non-admin assigning other: got %v", err)
	}
	if err := env.Engine.Assign(env.Ctx, admin, task.ID, bob.ID); err != nil {
		t.Fatalf("admin assigning other: %v", err)
	}
	if err := env.Engine.Assign(env.Ctx, admin, task.ID, "no-such-user"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("assigning unknown user: got %v", err)
	}
	if err := env.Engine.Assign(env.Ctx, alice, "no-such-task", alice.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("assigning on unknown task: got %v", err)
	}
}

func TestUpdateIgnoresRestrictedFields(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")
	task := env.createTask(t, alice, "Mine")

	title := "Mine, renamed"
	status := domain.StatusCompleted
	priority := domain.PriorityCritical
	due := "2024-06-01T00:00:00Z"
	progress := 40
	updated, err := env.Engine.UpdateTask(env.Ctx, alice, task.ID, engine.TaskPatch{
		Title:    &title,
		Status:   &status,
		Priority: &priority,
		DueDate:  &due,
		Progress: &progress,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title || updated.Progress != 40 {
		t.Fatalf("editable fields not applied: %+v", updated)
	}
	// status, priority and due date need admin and are silently kept
	if updated.Status != domain.StatusNotStarted {
		t.Fatalf("status = %s, want NotStarted", updated.Status)
	}
	if updated.Priority != domain.PriorityMedium {
		t.Fatalf("priority = %s, want Medium", updated.Priority)
	}
	if updated.DueDate != nil {
		t.Fatalf("due date = %v, want nil", updated.DueDate)
	}
}

func TestUpdatePermissions(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	task := env.createTask(t, alice, "Alice's task")

	title := "hijacked"
	if _, err := env.Engine.UpdateTask(env.Ctx, bob, task.ID, engine.TaskPatch{Title: &title}); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("outsider update: got %v", err)
	}

	// once assigned, bob may edit details
	if err := env.Engine.Assign(env.Ctx, bob, task.ID, bob.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, bob, task.ID, engine.TaskPatch{Title: &title}); err != nil {
		t.Fatalf("assignee update: %v", err)
	}

	if _, err := env.Engine.UpdateTask(env.Ctx, alice, "no-such-task", engine.TaskPatch{Title: &title}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update missing task: got %v", err)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	admin := env.register(t, "admin", domain.RoleAdmin)
	alice := env.register(t, "alice")
	task := env.createTask(t, alice, "Doomed")
	if err := env.Engine.Assign(env.Ctx, alice, task.ID, alice.ID); err != nil {
		t.Fatal(err)
	}

	// even the creator may not delete; the denial comes before existence
	if err := env.Engine.DeleteTask(env.Ctx, alice, task.ID); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("creator delete: got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, alice, "no-such-task"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("non-admin delete of missing task should still be unauthorized, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, admin, "no-such-task"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("admin delete of missing task: got %v", err)
	}

	if err := env.Engine.DeleteTask(env.Ctx, admin, task.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task still present after delete: %v", err)
	}
	users, err := env.Engine.Repo.ListAssignedUsers(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("assignments survived delete: %v", users)
	}
}

func TestTaskViewFlags(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	carol := env.register(t, "carol")
	task := env.createTask(t, alice, "Flagged")
	if err := env.Engine.Assign(env.Ctx, bob, task.ID, bob.ID); err != nil {
		t.Fatal(err)
	}

	creatorView, err := env.Engine.GetTask(env.Ctx, alice, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !creatorView.CanEdit || creatorView.IsAssignedToCurrentUser {
		t.Fatalf("creator view flags: %+v", creatorView)
	}
	if creatorView.CreatorDisplayName != "alice" {
		t.Fatalf("creator display name = %q", creatorView.CreatorDisplayName)
	}

	assigneeView, err := env.Engine.GetTask(env.Ctx, bob, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !assigneeView.CanEdit || !assigneeView.IsAssignedToCurrentUser {
		t.Fatalf("assignee view flags: %+v", assigneeView)
	}

	outsiderView, err := env.Engine.GetTask(env.Ctx, carol, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if outsiderView.CanEdit || outsiderView.IsAssignedToCurrentUser {
		t.Fatalf("outsider view flags: %+v", outsiderView)
	}
}

func TestListMyTasks(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	created := env.createTask(t, alice, "Created by alice")
	assigned := env.createTask(t, bob, "Assigned to alice")
	env.createTask(t, bob, "Unrelated")
	if err := env.Engine.Assign(env.Ctx, alice, assigned.ID, alice.ID); err != nil {
		t.Fatal(err)
	}

	views, err := env.Engine.ListMyTasks(env.Ctx, alice)
	if err != nil {
		t.Fatalf("list my tasks: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d tasks, want 2", len(views))
	}
	ids := map[string]bool{}
	for _, v := range views {
		ids[v.ID] = true
	}
	if !ids[created.ID] || !ids[assigned.ID] {
		t.Fatalf("unexpected task set: %v", ids)
	}

	all, err := env.Engine.ListTasks(env.Ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d tasks, want 3", len(all))
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{
		DisplayName:     "alice",
		Email:           "Alice@Example.com",
		Password:        "secret",
		ConfirmPassword: "secret",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if u.PasswordHash != "" {
		t.Fatalf("password hash leaked")
	}

	id, err := env.Engine.Login(env.Ctx, "ALICE@example.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if id.ID != u.ID || id.DisplayName != "alice" {
		t.Fatalf("identity mismatch: %+v", id)
	}

	if _, err := env.Engine.Login(env.Ctx, "alice@example.com", "wrong"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := env.Engine.Login(env.Ctx, "nobody@example.com", "secret"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("unknown email: got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	var ve engine.ValidationError
	if _, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{
		DisplayName: "alice", Email: "other@example.com", Password: "pw", ConfirmPassword: "pw",
	}); !errors.As(err, &ve) || ve.Field != "display_name" {
		t.Fatalf("duplicate display name: got %v", err)
	}
	if _, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{
		DisplayName: "alice2", Email: "alice@example.com", Password: "pw", ConfirmPassword: "pw",
	}); !errors.As(err, &ve) || ve.Field != "email" {
		t.Fatalf("duplicate email: got %v", err)
	}
	if _, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{
		DisplayName: "bob", Email: "bob@example.com", Password: "pw", ConfirmPassword: "other",
	}); !errors.As(err, &ve) || ve.Field != "confirm_password" {
		t.Fatalf("mismatched passwords: got %v", err)
	}
}

func TestGrantAndRevokeRole(t *testing.T) {
	env := newTestEnv(t)
	admin := env.register(t, "admin", domain.RoleAdmin)
	alice := env.register(t, "alice")

	if err := env.Engine.GrantRole(env.Ctx, alice, alice.ID, domain.RoleAdmin); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("self grant: got %v", err)
	}
	if err := env.Engine.GrantRole(env.Ctx, admin, alice.ID, "Superuser"); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
	if err := env.Engine.GrantRole(env.Ctx, admin, alice.ID, domain.RoleAdmin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	u, err := env.Engine.Repo.GetUser(env.Ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !access.ActorFromIdentity(engine.IdentityOf(u)).IsAdmin() {
		t.Fatalf("alice should be admin: %v", u.Roles)
	}

	if err := env.Engine.RevokeRole(env.Ctx, admin, alice.ID, domain.RoleAdmin); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	u, err = env.Engine.Repo.GetUser(env.Ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if access.ActorFromIdentity(engine.IdentityOf(u)).IsAdmin() {
		t.Fatalf("alice should no longer be admin: %v", u.Roles)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	admin := env.register(t, "admin", domain.RoleAdmin)
	alice := env.register(t, "alice")

	key, plaintext, err := env.Engine.CreateAPIKey(env.Ctx, alice, "", "laptop")
	if err != nil {
		t.Fatalf("self key: %v", err)
	}
	if plaintext == "" || key.UserID != alice.ID {
		t.Fatalf("unexpected key: %+v", key)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plaintext))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if stored.ID != key.ID {
		t.Fatalf("hash lookup mismatch")
	}

	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, alice, admin.ID, ""); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("key for other user: got %v", err)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, admin, alice.ID, "issued"); err != nil {
		t.Fatalf("admin key for other user: %v", err)
	}
}
