package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/token"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	codec := token.New("test-secret")
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{Codec: codec},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

// registerHTTP creates an account over the API and returns its session.
func registerHTTP(t *testing.T, srv *testServer, name string) (userID, accessToken string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"display_name":     name,
		"email":            name + "@example.com",
		"password":         "pw123456",
		"confirm_password": "pw123456",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", name, res.StatusCode, string(data))
	}
	var out struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal register: %v", err)
	}
	return out.UserID, out.AccessToken
}

// registerAdmin seeds an Admin through the engine and logs in over HTTP.
func registerAdmin(t *testing.T, srv *testServer) (userID, accessToken string) {
	t.Helper()
	u, err := srv.Engine.Register(context.Background(), engine.RegisterOptions{
		DisplayName:     "root",
		Email:           "root@example.com",
		Password:        "pw123456",
		ConfirmPassword: "pw123456",
		Roles:           []string{domain.RoleUser, domain.RoleAdmin},
	})
	if err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    "root@example.com",
		"password": "pw123456",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin login: %d %s", res.StatusCode, string(data))
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(data, &out)
	return u.ID, out.AccessToken
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, bearer("garbage"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_credentials" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestRegisterLoginMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, tok := registerHTTP(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer(tok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.DisplayName != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	// wrong password is a 401, not a 403
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", res.StatusCode)
	}
}

func TestTaskAssignmentFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, alice := registerHTTP(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Ship feature",
	}, bearer(alice))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != domain.StatusNotStarted || !created.CanEdit {
		t.Fatalf("unexpected created task: %+v", created)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/assign", nil, bearer(alice))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("assign self: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+created.ID, nil, bearer(alice))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d %s", res.StatusCode, string(data))
	}
	var fetched TaskResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.Status != domain.StatusInProgress {
		t.Fatalf("status after assign = %s, want InProgress", fetched.Status)
	}
	if !fetched.IsAssignedToCurrentUser {
		t.Fatalf("expected is_assigned_to_current_user")
	}
	if len(fetched.AssignedUsers) != 1 || fetched.AssignedUsers[0].DisplayName != "alice" {
		t.Fatalf("assigned users: %+v", fetched.AssignedUsers)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/unassign", nil, bearer(alice))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("unassign self: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+created.ID, nil, bearer(alice))
	_ = json.Unmarshal(data, &fetched)
	if fetched.Status != domain.StatusNotStarted {
		t.Fatalf("status after unassign = %s, want NotStarted", fetched.Status)
	}
}

func TestPermissionDenials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, alice := registerHTTP(t, srv, "alice")
	bobID, bob := registerHTTP(t, srv, "bob")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Alice's task",
	}, bearer(alice))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	// non-admin may not delete
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/tasks/"+created.ID, nil, bearer(alice))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("delete as creator: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}

	// non-admin may not direct-assign someone else
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/assign/"+bobID, nil, bearer(alice))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("direct assign as non-admin: %d", res.StatusCode)
	}

	// outsider view has the flags off
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+created.ID+"/can-edit", nil, bearer(bob))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-edit: %d %s", res.StatusCode, string(data))
	}
	var canEdit CanEditResponse
	_ = json.Unmarshal(data, &canEdit)
	if canEdit.CanEdit {
		t.Fatalf("outsider should not be able to edit")
	}
}

func TestAdminOperations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, adminTok := registerAdmin(t, srv)
	aliceID, aliceTok := registerHTTP(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Directed",
	}, bearer(adminTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	// admin can direct-assign alice
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/assign/"+aliceID, nil, bearer(adminTok))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("direct assign: %d %s", res.StatusCode, string(data))
	}

	// admin can set status directly
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/tasks/"+created.ID, map[string]any{
		"status": domain.StatusUnderReview,
	}, bearer(adminTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status: %d %s", res.StatusCode, string(data))
	}
	var patched TaskResponse
	_ = json.Unmarshal(data, &patched)
	if patched.Status != domain.StatusUnderReview {
		t.Fatalf("status = %s, want UnderReview", patched.Status)
	}

	// the same patch from alice is silently kept at the stored value
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/tasks/"+created.ID, map[string]any{
		"status": domain.StatusCompleted,
	}, bearer(aliceTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch as assignee: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &patched)
	if patched.Status != domain.StatusUnderReview {
		t.Fatalf("assignee changed status to %s", patched.Status)
	}

	// promote alice; her old token still carries the old roles, only a
	// fresh login picks up the grant
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/users/"+aliceID+"/roles", map[string]any{
		"role": domain.RoleAdmin,
	}, bearer(adminTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("grant role: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/tasks/"+created.ID, nil, bearer(aliceTok))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stale token should still be denied: %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "pw123456",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-login: %d %s", res.StatusCode, string(data))
	}
	var session struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(data, &session)
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/tasks/"+created.ID, nil, bearer(session.AccessToken))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete as freshly promoted admin: %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, aliceTok := registerHTTP(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"name": "ci",
	}, bearer(aliceTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("plaintext key missing on creation")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.Source != "api_key" || me.DisplayName != "alice" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	// listing never echoes the plaintext
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/apikeys", nil, bearer(aliceTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(data))
	}
	var list struct {
		Items []APIKeyResponse `json:"items"`
	}
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].Key != "" {
		t.Fatalf("unexpected key listing: %+v", list.Items)
	}
}

func TestValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, tok := registerHTTP(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "   ",
	}, bearer(tok))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank title: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "validation_error" || envelope.Error.Details["field"] != "title" {
		t.Fatalf("unexpected envelope: %+v", envelope.Error)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/no-such-task", nil, bearer(tok))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task: %d", res.StatusCode)
	}
}
