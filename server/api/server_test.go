// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkwell.io/inkwell/private/testrand"
	"inkwell.io/inkwell/server/api"
	"inkwell.io/inkwell/server/ask"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/derive"
	"inkwell.io/inkwell/server/embeddings"
	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/mail"
	"inkwell.io/inkwell/server/ratelimit"
	"inkwell.io/inkwell/server/serverdb/memdb"
)

type allowAll struct{}

func (allowAll) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: true, Limit: limit}, nil
}

type stubEmbed struct{}

func (stubEmbed) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{1, 0, 0}
	}
	return vectors, nil
}

type testServer struct {
	t    *testing.T
	base string
	db   *memdb.DB
}

func newTestServer(t *testing.T) *testServer {
	db := memdb.New()
	log := zaptest.NewLogger(t)
	limiter := allowAll{}
	mails := mail.NewService(log, mail.NewLogSender(log), mail.Config{})

	consoleService, err := console.NewService(log, db.Console(),
		console.NewPermissions(db.Console()), limiter, mails, console.Config{
			AuthTokenSecret:      "test-secret",
			TokenExpiration:      24 * time.Hour,
			ContentSizeLimit:     10 << 20,
			InvitationExpiry:     168 * time.Hour,
			ExternalInviteLimit:  10,
			ExternalInviteWindow: time.Hour,
		})
	require.NoError(t, err)

	queue := jobq.NewMemoryQueue()
	dispatcher := derive.NewDispatcher(log, db.Console(), nil, queue, nil)

	embedder := embeddings.NewService(log, db.Embeddings(), db.Console().Pages(), stubEmbed{}, embeddings.Config{
		Model:           "test-embed",
		Dimensions:      3,
		RetryInitial:    time.Millisecond,
		RetryMaxElapsed: 20 * time.Millisecond,
	})
	askService := ask.NewService(log, db.Ask(), db.Console(), embedder, limiter,
		func(credential *ask.Credential) (ask.ChatClient, error) {
			return nil, ask.Error.New("no chat backend in this test")
		}, ask.Config{
			Enabled:         true,
			MaxPages:        5,
			SearchK:         5,
			RateLimit:       30,
			RateWindow:      time.Hour,
			DefaultProvider: "openai",
			DefaultModel:    "test-model",
			MaxTokens:       128,
			PageContext:     6000,
			RetryInitial:    time.Millisecond,
			RetryMaxElapsed: 20 * time.Millisecond,
			BreakerFailures: 5,
			BreakerCooldown: 100 * time.Millisecond,
		})

	server := api.NewServer(log, nil, consoleService, askService, nil, nil,
		dispatcher, http.NotFoundHandler(), http.NotFoundHandler(), api.Config{})

	listener := httptest.NewServer(server.Handler())
	t.Cleanup(listener.Close)

	return &testServer{t: t, base: listener.URL, db: db}
}

type testClient struct {
	server *testServer
	token  string
}

func (client *testClient) request(method, path string, body interface{}) (int, []byte) {
	t := client.server.t
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, client.server.base+path, reader)
	require.NoError(t, err)
	if client.token != "" {
		req.Header.Set("Authorization", "Bearer "+client.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, payload
}

func decodeInto(t *testing.T, payload []byte, value interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(payload, value), string(payload))
}

func errorCode(t *testing.T, payload []byte) string {
	t.Helper()
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	decodeInto(t, payload, &envelope)
	require.NotEmpty(t, envelope.Message)
	return envelope.Error
}

// signup registers a fresh user and logs them in, returning an
// authenticated client.
func (server *testServer) signup(name string) (*testClient, console.User) {
	t := server.t
	t.Helper()

	client := &testClient{server: server}
	email := testrand.Email()

	status, payload := client.request(http.MethodPost, "/api/auth/register/", map[string]string{
		"email":    email,
		"fullName": name,
		"password": "correct horse battery",
	})
	require.Equal(t, http.StatusCreated, status, string(payload))
	var user console.User
	decodeInto(t, payload, &user)

	status, payload = client.request(http.MethodPost, "/api/auth/login/", map[string]string{
		"email":    email,
		"password": "correct horse battery",
	})
	require.Equal(t, http.StatusOK, status, string(payload))
	var login struct {
		Token string `json:"token"`
	}
	decodeInto(t, payload, &login)
	require.NotEmpty(t, login.Token)
	client.token = login.Token

	return client, user
}

func (client *testClient) personalProject() console.Project {
	t := client.server.t
	t.Helper()

	status, payload := client.request(http.MethodGet, "/api/projects/", nil)
	require.Equal(t, http.StatusOK, status, string(payload))
	var projects []console.Project
	decodeInto(t, payload, &projects)
	require.NotEmpty(t, projects)
	return projects[0]
}

func (client *testClient) createPage(projectExternalID, title, content string) console.Page {
	t := client.server.t
	t.Helper()

	status, payload := client.request(http.MethodPost, "/api/pages/", map[string]string{
		"projectId": projectExternalID,
		"title":     title,
		"content":   content,
	})
	require.Equal(t, http.StatusCreated, status, string(payload))
	var page console.Page
	decodeInto(t, payload, &page)
	return page
}

func TestRegisterAndLogin(t *testing.T) {
	server := newTestServer(t)
	client := &testClient{server: server}
	email := testrand.Email()

	status, payload := client.request(http.MethodPost, "/api/auth/register/", map[string]string{
		"email":    email,
		"fullName": "Alice",
		"password": "correct horse battery",
	})
	require.Equal(t, http.StatusCreated, status, string(payload))

	status, payload = client.request(http.MethodPost, "/api/auth/register/", map[string]string{
		"email":    email,
		"fullName": "Alice Again",
		"password": "correct horse battery",
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "email_used", errorCode(t, payload))

	status, payload = client.request(http.MethodPost, "/api/auth/login/", map[string]string{
		"email":    email,
		"password": "wrong password entirely",
	})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "not_authenticated", errorCode(t, payload))

	status, _ = client.request(http.MethodPost, "/api/auth/login/", map[string]string{
		"email":    email,
		"password": "correct horse battery",
	})
	require.Equal(t, http.StatusOK, status)
}

func TestAuthRequired(t *testing.T) {
	server := newTestServer(t)
	client := &testClient{server: server}

	status, payload := client.request(http.MethodGet, "/api/user/", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "not_authenticated", errorCode(t, payload))

	client.token = "not a real token"
	status, payload = client.request(http.MethodGet, "/api/user/", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "not_authenticated", errorCode(t, payload))
}

func TestCurrentUser(t *testing.T) {
	server := newTestServer(t)
	client, user := server.signup("Alice")

	status, payload := client.request(http.MethodGet, "/api/user/", nil)
	require.Equal(t, http.StatusOK, status, string(payload))
	var got console.User
	decodeInto(t, payload, &got)
	require.Equal(t, user.Email, got.Email)
	require.Equal(t, user.ID, got.ID)
}

func TestProjectLifecycle(t *testing.T) {
	server := newTestServer(t)
	client, _ := server.signup("Alice")

	personal := client.personalProject()
	require.Equal(t, "Personal", personal.Name)

	status, payload := client.request(http.MethodGet, "/api/orgs/", nil)
	require.Equal(t, http.StatusOK, status, string(payload))
	var orgs []console.Org
	decodeInto(t, payload, &orgs)
	require.Len(t, orgs, 1)

	status, payload = client.request(http.MethodPost, "/api/projects/", map[string]interface{}{
		"orgId": orgs[0].ID,
		"name":  "Research",
	})
	require.Equal(t, http.StatusCreated, status, string(payload))
	var created console.Project
	decodeInto(t, payload, &created)
	require.Equal(t, "Research", created.Name)

	status, payload = client.request(http.MethodGet, "/api/projects/"+created.ExternalID+"/", nil)
	require.Equal(t, http.StatusOK, status, string(payload))

	status, _ = client.request(http.MethodDelete, "/api/projects/"+created.ExternalID+"/", nil)
	require.Equal(t, http.StatusOK, status)

	status, payload = client.request(http.MethodGet, "/api/projects/"+created.ExternalID+"/", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", errorCode(t, payload))
}

func TestProjectAccessDenied(t *testing.T) {
	server := newTestServer(t)
	alice, _ := server.signup("Alice")
	bob, _ := server.signup("Bob")

	project := alice.personalProject()

	status, payload := bob.request(http.MethodGet, "/api/projects/"+project.ExternalID+"/", nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "access_denied", errorCode(t, payload))
}

func TestPageFlow(t *testing.T) {
	server := newTestServer(t)
	client, _ := server.signup("Alice")
	project := client.personalProject()

	page := client.createPage(project.ExternalID, "Notes", "Hello")
	require.Equal(t, "Notes", page.Title)

	status, payload := client.request(http.MethodPatch, "/api/pages/"+page.ExternalID+"/", map[string]string{
		"content": ", world",
		"mode":    "append",
	})
	require.Equal(t, http.StatusOK, status, string(payload))
	var updated console.Page
	decodeInto(t, payload, &updated)
	require.Equal(t, "Hello, world", updated.Details.Content)

	status, _ = client.request(http.MethodDelete, "/api/pages/"+page.ExternalID+"/", nil)
	require.Equal(t, http.StatusOK, status)

	status, payload = client.request(http.MethodGet, "/api/pages/"+page.ExternalID+"/", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", errorCode(t, payload))
}

func TestPageLinksAndSync(t *testing.T) {
	server := newTestServer(t)
	client, _ := server.signup("Alice")
	project := client.personalProject()

	target := client.createPage(project.ExternalID, "Rockets", "Thrust notes")
	content := "See [Rockets](/pages/" + target.ExternalID + "/) for details"
	source := client.createPage(project.ExternalID, "Index", content)

	status, payload := client.request(http.MethodGet, "/api/pages/"+source.ExternalID+"/links/", nil)
	require.Equal(t, http.StatusOK, status, string(payload))
	var links struct {
		Outgoing []console.PageLink `json:"outgoing"`
		Incoming []console.PageLink `json:"incoming"`
	}
	decodeInto(t, payload, &links)
	require.Len(t, links.Outgoing, 1)
	require.Equal(t, target.ID, links.Outgoing[0].TargetID)
	require.Empty(t, links.Incoming)

	status, payload = client.request(http.MethodGet, "/api/pages/"+target.ExternalID+"/links/", nil)
	require.Equal(t, http.StatusOK, status, string(payload))
	decodeInto(t, payload, &links)
	require.Empty(t, links.Outgoing)
	require.Len(t, links.Incoming, 1)
	require.Equal(t, source.ID, links.Incoming[0].SourceID)

	// A second derivation over unchanged content must be a no-op.
	status, payload = client.request(http.MethodPost, "/api/pages/"+source.ExternalID+"/links/sync/", nil)
	require.Equal(t, http.StatusOK, status, string(payload))
	var sync struct {
		Changed bool `json:"changed"`
	}
	decodeInto(t, payload, &sync)
	require.False(t, sync.Changed)
}

func TestInviteExistingUser(t *testing.T) {
	server := newTestServer(t)
	alice, _ := server.signup("Alice")
	bob, bobUser := server.signup("Bob")

	project := alice.personalProject()

	status, payload := alice.request(http.MethodPost, "/api/invitations/", map[string]string{
		"kind":     "project",
		"targetId": project.ExternalID,
		"email":    bobUser.Email,
		"role":     "editor",
	})
	require.Equal(t, http.StatusCreated, status, string(payload))
	var result console.InviteResult
	decodeInto(t, payload, &result)
	require.True(t, result.AddedDirectly)

	status, _ = bob.request(http.MethodGet, "/api/projects/"+project.ExternalID+"/", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestAskEmptyQuestion(t *testing.T) {
	server := newTestServer(t)
	client, _ := server.signup("Alice")

	status, payload := client.request(http.MethodPost, "/api/ask/", map[string]string{
		"query": "   ",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "empty_question", errorCode(t, payload))
}

func TestAskWithoutCredential(t *testing.T) {
	server := newTestServer(t)
	client, _ := server.signup("Alice")
	project := client.personalProject()
	page := client.createPage(project.ExternalID, "Rockets", "Thrust notes")

	status, payload := client.request(http.MethodPost, "/api/ask/", map[string]interface{}{
		"query":   "what do my notes say?",
		"pageIds": []string{page.ExternalID},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "ai_key_not_configured", errorCode(t, payload))
}
