package server

import (
	"taskline/internal/domain"
	"taskline/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	DisplayName     string `json:"display_name"`
	Email           string `json:"email" format:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"Low,Medium,High,Critical"`
	Progress    *int    `json:"progress,omitempty" minimum:"0" maximum:"100"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"NotStarted,InProgress,UnderReview,Completed,Archived"`
	Priority    *string `json:"priority,omitempty" enum:"Low,Medium,High,Critical"`
	Progress    *int    `json:"progress,omitempty" minimum:"0" maximum:"100"`
	DueDate     *string `json:"due_date,omitempty"`
}

type GrantRoleRequest struct {
	Role string `json:"role" enum:"Admin,User"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type AuthResponse struct {
	AccessToken string `json:"access_token"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type RegisterResponse struct {
	AuthResponse
	UserID string `json:"user_id"`
}

type UserResponse struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Roles:       nonNilSlice(u.Roles),
		CreatedAt:   u.CreatedAt,
	}
}

func mapUsers(users []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(users))
	for _, u := range users {
		res = append(res, userResponse(u))
	}
	return res
}

type TaskResponse struct {
	ID                      string         `json:"id"`
	Title                   string         `json:"title"`
	Description             string         `json:"description,omitempty"`
	Status                  string         `json:"status" enum:"NotStarted,InProgress,UnderReview,Completed,Archived"`
	Priority                string         `json:"priority" enum:"Low,Medium,High,Critical"`
	Progress                int            `json:"progress"`
	DueDate                 *string        `json:"due_date,omitempty" format:"date-time"`
	CreatorID               string         `json:"creator_id"`
	CreatorDisplayName      string         `json:"creator_display_name"`
	CreatedAt               string         `json:"created_at" format:"date-time"`
	AssignedUsers           []UserResponse `json:"assigned_users"`
	IsAssignedToCurrentUser bool           `json:"is_assigned_to_current_user"`
	CanEdit                 bool           `json:"can_edit"`
}

func taskResponse(v engine.TaskView) TaskResponse {
	return TaskResponse{
		ID:                      v.ID,
		Title:                   v.Title,
		Description:             v.Description,
		Status:                  v.Status,
		Priority:                v.Priority,
		Progress:                v.Progress,
		DueDate:                 v.DueDate,
		CreatorID:               v.CreatorID,
		CreatorDisplayName:      v.CreatorDisplayName,
		CreatedAt:               v.CreatedAt,
		AssignedUsers:           mapUsers(v.AssignedUsers),
		IsAssignedToCurrentUser: v.IsAssignedToCurrentUser,
		CanEdit:                 v.CanEdit,
	}
}

func mapTasks(views []engine.TaskView) []TaskResponse {
	res := make([]TaskResponse, 0, len(views))
	for _, v := range views {
		res = append(res, taskResponse(v))
	}
	return res
}

type taskList struct {
	Items []TaskResponse `json:"items"`
}

type userList struct {
	Items []UserResponse `json:"items"`
}

type CanEditResponse struct {
	CanEdit bool `json:"can_edit"`
}

type WhoAmIResponse struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	Source      string   `json:"source"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the plaintext, present only on creation.
	Key string `json:"key,omitempty"`
}

type apiKeyList struct {
	Items []APIKeyResponse `json:"items"`
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
