package tasklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                      string  `json:"id"`
	Title                   string  `json:"title"`
	Description             string  `json:"description,omitempty"`
	Status                  string  `json:"status"`
	Priority                string  `json:"priority"`
	Progress                int     `json:"progress"`
	DueDate                 *string `json:"due_date,omitempty"`
	CreatorID               string  `json:"creator_id"`
	CreatorDisplayName      string  `json:"creator_display_name"`
	CreatedAt               string  `json:"created_at"`
	AssignedUsers           []User  `json:"assigned_users"`
	IsAssignedToCurrentUser bool    `json:"is_assigned_to_current_user"`
	CanEdit                 bool    `json:"can_edit"`
}

// User represents an account.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	CreatedAt   string   `json:"created_at"`
}

// Session is the result of a login or registration.
type Session struct {
	AccessToken string `json:"access_token"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	UserID      string `json:"user_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates an account and stores the returned token on the client.
func (c *Client) Register(ctx context.Context, displayName, email, password string) (Session, error) {
	body := map[string]any{
		"display_name":     displayName,
		"email":            email,
		"password":         password,
		"confirm_password": password,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/register", body, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.AccessToken
	return resp, nil
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body := map[string]any{"email": email, "password": password}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.AccessToken
	return resp, nil
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title, description string) (Task, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// Tasks lists tasks. With mine set only tasks the caller created or is
// assigned to come back.
func (c *Client) Tasks(ctx context.Context, mine bool) ([]Task, error) {
	endpoint := "tasks"
	if mine {
		endpoint += "?mine=true"
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateTask applies a partial update. Only non-nil map entries are sent.
func (c *Client) UpdateTask(ctx context.Context, id string, patch map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// AssignSelf assigns the caller to a task.
func (c *Client) AssignSelf(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/assign", nil, nil)
}

// UnassignSelf removes the caller from a task.
func (c *Client) UnassignSelf(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/unassign", nil, nil)
}

// AssignUser assigns a specific user to a task (admin only).
func (c *Client) AssignUser(ctx context.Context, taskID, userID string) error {
	endpoint := fmt.Sprintf("tasks/%s/assign/%s", url.PathEscape(taskID), url.PathEscape(userID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// UnassignUser removes a specific user from a task (admin only).
func (c *Client) UnassignUser(ctx context.Context, taskID, userID string) error {
	endpoint := fmt.Sprintf("tasks/%s/unassign/%s", url.PathEscape(taskID), url.PathEscape(userID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// AssignedUsers lists the users assigned to a task.
func (c *Client) AssignedUsers(ctx context.Context, taskID string) ([]User, error) {
	var resp struct {
		Items []User `json:"items"`
	}
	endpoint := "tasks/" + url.PathEscape(taskID) + "/assigned-users"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CanEdit asks whether the caller may edit a task.
func (c *Client) CanEdit(ctx context.Context, taskID string) (bool, error) {
	var resp struct {
		CanEdit bool `json:"can_edit"`
	}
	endpoint := "tasks/" + url.PathEscape(taskID) + "/can-edit"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.CanEdit, err
}

// Users lists accounts.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var resp struct {
		Items []User `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "users", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
