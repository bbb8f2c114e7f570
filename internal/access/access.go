// Package access holds the permission rules as pure functions over
// immutable snapshots, so they can be evaluated and tested without a store.
package access

import "taskline/internal/domain"

// Actor is the identity making a request. A zero Actor is unauthenticated
// and is denied every operation.
type Actor struct {
	ID    string
	Roles []string
}

func ActorFromIdentity(id domain.Identity) Actor {
	return Actor{ID: id.ID, Roles: id.Roles}
}

func (a Actor) authenticated() bool {
	return a.ID != ""
}

func (a Actor) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == domain.RoleAdmin {
			return true
		}
	}
	return false
}

// TaskSnapshot is the ownership/assignment view of a task at evaluation
// time. Callers verify the task exists before building one.
type TaskSnapshot struct {
	CreatorID   string
	AssigneeIDs []string
}

func Snapshot(t domain.Task) TaskSnapshot {
	return TaskSnapshot{CreatorID: t.CreatorID, AssigneeIDs: t.AssigneeIDs()}
}

func (s TaskSnapshot) assigned(userID string) bool {
	for _, id := range s.AssigneeIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// CanEditDetails reports whether the actor may change title, description
// or progress: creator, admin, or any current assignee. This is also the
// rule behind the per-viewer can-edit flag.
func CanEditDetails(a Actor, s TaskSnapshot) bool {
	if !a.authenticated() {
		return false
	}
	return a.ID == s.CreatorID || a.IsAdmin() || s.assigned(a.ID)
}

// CanEditStatus reports whether the actor may set status directly,
// bypassing the automatic assignment-count rule.
func CanEditStatus(a Actor, s TaskSnapshot) bool {
	return a.authenticated() && a.IsAdmin()
}

// CanEditSchedule covers due date and priority.
func CanEditSchedule(a Actor, s TaskSnapshot) bool {
	return a.authenticated() && a.IsAdmin()
}

// CanDelete depends only on the actor's role, not on the task.
func CanDelete(a Actor) bool {
	return a.authenticated() && a.IsAdmin()
}

// CanAssign reports whether the actor may add or remove targetUserID from
// a task's assignment set. Acting on yourself is always allowed for an
// authenticated actor; directing anyone else requires admin.
func CanAssign(a Actor, targetUserID string) bool {
	if !a.authenticated() || targetUserID == "" {
		return false
	}
	if a.ID == targetUserID {
		return true
	}
	return a.IsAdmin()
}
