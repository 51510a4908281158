// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package ask_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap/zaptest"

	"inkwell.io/inkwell/private/testrand"
	"inkwell.io/inkwell/server/ask"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/embeddings"
	"inkwell.io/inkwell/server/mail"
	"inkwell.io/inkwell/server/ratelimit"
	"inkwell.io/inkwell/server/serverdb/memdb"
)

// fakeChat scripts the completion API: it fails the first failTimes calls
// with failErr, then answers with response.
type fakeChat struct {
	calls    int
	messages []llms.MessageContent

	response  string
	failTimes int
	failErr   error
}

func (f *fakeChat) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	f.messages = messages
	if f.calls <= f.failTimes {
		return nil, f.failErr
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.response}},
	}, nil
}

type fakeEmbed struct {
	vectors map[string][]float32
}

func (f *fakeEmbed) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vector, ok := f.vectors[text]; ok {
			out[i] = vector
		} else {
			out[i] = []float32{1, 0, 0}
		}
	}
	return out, nil
}

type fakeLimiter struct{ deny bool }

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: !f.deny, Limit: limit}, nil
}

type testSetup struct {
	db       *memdb.DB
	console  *console.Service
	embedder *embeddings.Service
	chat     *fakeChat
	limiter  *fakeLimiter
	creds    []*ask.Credential
	service  *ask.Service
}

func testAskConfig() ask.Config {
	return ask.Config{
		Enabled:         true,
		MaxPages:        5,
		SearchK:         5,
		RateLimit:       30,
		RateWindow:      time.Hour,
		DefaultProvider: "openai",
		DefaultModel:    "test-model",
		MaxTokens:       256,
		PageContext:     6000,
		RetryInitial:    time.Millisecond,
		RetryMaxElapsed: 50 * time.Millisecond,
		BreakerFailures: 5,
		BreakerCooldown: 100 * time.Millisecond,
	}
}

func newTestSetup(t *testing.T, config ask.Config) *testSetup {
	db := memdb.New()
	log := zaptest.NewLogger(t)
	mails := mail.NewService(log, mail.NewLogSender(log), mail.Config{})
	limiter := &fakeLimiter{}

	consoleService, err := console.NewService(log, db.Console(),
		console.NewPermissions(db.Console()), limiter, mails, console.Config{
			AuthTokenSecret:  "test-secret",
			TokenExpiration:  24 * time.Hour,
			ContentSizeLimit: 10 << 20,
		})
	require.NoError(t, err)

	embedder := embeddings.NewService(log, db.Embeddings(), db.Console().Pages(),
		&fakeEmbed{vectors: map[string][]float32{}}, embeddings.Config{
			Model:           "test-embedding",
			Dimensions:      3,
			RetryInitial:    time.Millisecond,
			RetryMaxElapsed: 50 * time.Millisecond,
		})

	setup := &testSetup{
		db:      db,
		console: consoleService,
		chat:    &fakeChat{response: "the answer"},
		limiter: limiter,
	}
	setup.embedder = embedder
	setup.service = ask.NewService(log, db.Ask(), db.Console(), embedder, limiter,
		func(credential *ask.Credential) (ask.ChatClient, error) {
			setup.creds = append(setup.creds, credential)
			return setup.chat, nil
		}, config)
	return setup
}

func register(t *testing.T, service *console.Service, name string) (*console.User, context.Context) {
	user, err := service.Register(context.Background(), console.CreateUser{
		Email:    testrand.Email(),
		FullName: name,
		Password: "correct horse battery",
	})
	require.NoError(t, err)
	ctx := console.WithAuth(context.Background(), console.Authorization{User: *user})
	return user, ctx
}

func createPage(t *testing.T, service *console.Service, ctx context.Context, title, content string) *console.Page {
	projects, err := service.ListProjects(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, projects)

	page, err := service.CreatePage(ctx, console.CreatePageRequest{
		ProjectID: projects[0].ID,
		Title:     title,
		Details:   console.PageDetails{Content: content, Filetype: console.FiletypeMarkdown},
	})
	require.NoError(t, err)
	return page
}

func insertUserCredential(t *testing.T, setup *testSetup, user *console.User, provider string, isDefault bool) *ask.Credential {
	userID := user.ID
	credential, err := setup.db.Ask().Credentials().Insert(context.Background(), &ask.Credential{
		ID:        testrand.UUID(),
		UserID:    &userID,
		Provider:  provider,
		APIKey:    "sk-" + testrand.Hex(12),
		IsDefault: isDefault,
	})
	require.NoError(t, err)
	return credential
}

func messageText(messages []llms.MessageContent, role llms.ChatMessageType) string {
	var b strings.Builder
	for _, message := range messages {
		if message.Role != role {
			continue
		}
		for _, part := range message.Parts {
			if text, ok := part.(llms.TextContent); ok {
				b.WriteString(text.Text)
			}
		}
	}
	return b.String()
}

func lastRequest(t *testing.T, setup *testSetup, user *console.User) ask.Request {
	requests, err := setup.db.Ask().Requests().ListByUser(context.Background(), user.ID, 1)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	return requests[0]
}

func TestProcessQuery_MentionedPage(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	user, ctx := register(t, setup.console, "Alice")
	page := createPage(t, setup.console, ctx, "Rockets", "rockets burn fuel to produce thrust")
	insertUserCredential(t, setup, user, "openai", true)

	answer, err := setup.service.ProcessQuery(ctx, ask.Query{
		Text: fmt.Sprintf("what does @[Rockets](%s) say about thrust?", page.ExternalID),
	})
	require.NoError(t, err)
	require.Equal(t, "the answer", answer.Response)
	require.Len(t, answer.Pages, 1)
	require.Equal(t, page.ID, answer.Pages[0].ID)

	require.Equal(t, 1, setup.chat.calls)
	system := messageText(setup.chat.messages, llms.ChatMessageTypeSystem)
	require.Contains(t, system, "rockets burn fuel")
	require.Contains(t, system, "Rockets")
	human := messageText(setup.chat.messages, llms.ChatMessageTypeHuman)
	require.Equal(t, "what does Rockets say about thrust?", human)

	request := lastRequest(t, setup, user)
	require.Equal(t, answer.RequestID, request.ID)
	require.Equal(t, ask.StatusOK, request.Status)
	require.Equal(t, "the answer", request.Response)
	require.Equal(t, "what does Rockets say about thrust?", request.CleanedQuery)
	require.Equal(t, []uuid.UUID{page.ID}, request.PageIDs)
	require.Equal(t, "openai", request.Provider)
	require.Equal(t, "test-model", request.Model)
}

func TestProcessQuery_EmbeddingFallback(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	user, ctx := register(t, setup.console, "Alice")
	insertUserCredential(t, setup, user, "openai", true)

	embed := &fakeEmbed{vectors: map[string][]float32{
		"rockets and thrust":    {1, 0, 0},
		"sourdough bread":       {0, 1, 0},
		"tell me about rockets": {1, 0, 0},
	}}
	setup.embedder = embeddings.NewService(zaptest.NewLogger(t), setup.db.Embeddings(),
		setup.db.Console().Pages(), embed, embeddings.Config{Dimensions: 3,
			RetryInitial: time.Millisecond, RetryMaxElapsed: 50 * time.Millisecond})
	setup.service = ask.NewService(zaptest.NewLogger(t), setup.db.Ask(), setup.db.Console(),
		setup.embedder, setup.limiter,
		func(credential *ask.Credential) (ask.ChatClient, error) { return setup.chat, nil },
		testAskConfig())

	rockets := createPage(t, setup.console, ctx, "Rockets", "rockets and thrust")
	bread := createPage(t, setup.console, ctx, "Bread", "sourdough bread")
	for _, page := range []*console.Page{rockets, bread} {
		_, err := setup.embedder.IndexPage(context.Background(), page)
		require.NoError(t, err)
	}

	answer, err := setup.service.ProcessQuery(ctx, ask.Query{Text: "tell me about rockets"})
	require.NoError(t, err)
	require.NotEmpty(t, answer.Pages)
	require.Equal(t, rockets.ID, answer.Pages[0].ID)

	request := lastRequest(t, setup, user)
	require.Equal(t, ask.StatusOK, request.Status)
	require.NotEmpty(t, request.PageIDs)
}

func TestProcessQuery_InaccessibleMentionDropped(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	alice, aliceCtx := register(t, setup.console, "Alice")
	_, bobCtx := register(t, setup.console, "Bob")
	bobPage := createPage(t, setup.console, bobCtx, "Secret", "bob's secret plans")
	insertUserCredential(t, setup, alice, "openai", true)

	_, err := setup.service.ProcessQuery(aliceCtx, ask.Query{
		Text: fmt.Sprintf("summarize @[Secret](%s)", bobPage.ExternalID),
	})
	require.True(t, ask.ErrNoMatchingPages.Has(err))
	require.Zero(t, setup.chat.calls)

	request := lastRequest(t, setup, alice)
	require.Equal(t, ask.StatusFailed, request.Status)
	require.Equal(t, "no_matching_pages", request.ErrorCode)
}

func TestProcessQuery_NoCredential(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	user, ctx := register(t, setup.console, "Alice")
	page := createPage(t, setup.console, ctx, "Notes", "contents")

	_, err := setup.service.ProcessQuery(ctx, ask.Query{
		Text: fmt.Sprintf("explain @[Notes](%s)", page.ExternalID),
	})
	require.True(t, ask.ErrKeyNotConfigured.Has(err))

	request := lastRequest(t, setup, user)
	require.Equal(t, ask.StatusFailed, request.Status)
	require.Equal(t, "ai_key_not_configured", request.ErrorCode)
}

func TestProcessQuery_EmptyQuestion(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	user, ctx := register(t, setup.console, "Alice")

	_, err := setup.service.ProcessQuery(ctx, ask.Query{Text: "   "})
	require.True(t, ask.ErrEmptyQuestion.Has(err))

	// rejected before admission, no row recorded
	requests, err := setup.db.Ask().Requests().ListByUser(context.Background(), user.ID, 10)
	require.NoError(t, err)
	require.Empty(t, requests)
}

func TestProcessQuery_Disabled(t *testing.T) {
	config := testAskConfig()
	config.Enabled = false
	setup := newTestSetup(t, config)
	_, ctx := register(t, setup.console, "Alice")

	_, err := setup.service.ProcessQuery(ctx, ask.Query{Text: "anything"})
	require.True(t, ask.ErrFeatureDisabled.Has(err))
}

func TestProcessQuery_RateLimited(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	_, ctx := register(t, setup.console, "Alice")
	setup.limiter.deny = true

	_, err := setup.service.ProcessQuery(ctx, ask.Query{Text: "anything"})
	require.True(t, ask.ErrRateLimited.Has(err))
}

func TestProcessQuery_PermanentAPIFailure(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	user, ctx := register(t, setup.console, "Alice")
	page := createPage(t, setup.console, ctx, "Notes", "contents")
	insertUserCredential(t, setup, user, "openai", true)

	setup.chat.failTimes = 1000
	setup.chat.failErr = errors.New("invalid api key")

	_, err := setup.service.ProcessQuery(ctx, ask.Query{
		Text: fmt.Sprintf("explain @[Notes](%s)", page.ExternalID),
	})
	require.True(t, ask.ErrAPI.Has(err))
	require.Equal(t, 1, setup.chat.calls)

	request := lastRequest(t, setup, user)
	require.Equal(t, ask.StatusFailed, request.Status)
	require.Equal(t, "api_error", request.ErrorCode)
}

func TestProcessQuery_RetriesTransientFailure(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	user, ctx := register(t, setup.console, "Alice")
	page := createPage(t, setup.console, ctx, "Notes", "contents")
	insertUserCredential(t, setup, user, "openai", true)

	setup.chat.failTimes = 1
	setup.chat.failErr = errors.New("API returned unexpected status code: 429 Too Many Requests")

	answer, err := setup.service.ProcessQuery(ctx, ask.Query{
		Text: fmt.Sprintf("explain @[Notes](%s)", page.ExternalID),
	})
	require.NoError(t, err)
	require.Equal(t, "the answer", answer.Response)
	require.Equal(t, 2, setup.chat.calls)
}

func TestProcessQuery_ProviderHint(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	user, ctx := register(t, setup.console, "Alice")
	page := createPage(t, setup.console, ctx, "Notes", "contents")
	insertUserCredential(t, setup, user, "openai", true)
	anthropic := insertUserCredential(t, setup, user, "anthropic", false)

	_, err := setup.service.ProcessQuery(ctx, ask.Query{
		Text:     fmt.Sprintf("explain @[Notes](%s)", page.ExternalID),
		Provider: "anthropic",
	})
	require.NoError(t, err)
	require.NotEmpty(t, setup.creds)
	require.Equal(t, anthropic.ID, setup.creds[len(setup.creds)-1].ID)
}

func TestProcessQuery_MaxPagesTruncation(t *testing.T) {
	config := testAskConfig()
	config.MaxPages = 2
	setup := newTestSetup(t, config)
	user, ctx := register(t, setup.console, "Alice")
	insertUserCredential(t, setup, user, "openai", true)

	var mentions []string
	var pages []*console.Page
	for i := 0; i < 4; i++ {
		page := createPage(t, setup.console, ctx, fmt.Sprintf("Page %d", i), fmt.Sprintf("content %d", i))
		pages = append(pages, page)
		mentions = append(mentions, fmt.Sprintf("@[Page %d](%s)", i, page.ExternalID))
	}

	answer, err := setup.service.ProcessQuery(ctx, ask.Query{
		Text: "compare " + strings.Join(mentions, " and "),
	})
	require.NoError(t, err)
	require.Len(t, answer.Pages, 2)
	require.Equal(t, pages[0].ID, answer.Pages[0].ID)
	require.Equal(t, pages[1].ID, answer.Pages[1].ID)
}

func TestGetRequest_OwnerOnly(t *testing.T) {
	setup := newTestSetup(t, testAskConfig())
	alice, aliceCtx := register(t, setup.console, "Alice")
	_, bobCtx := register(t, setup.console, "Bob")
	page := createPage(t, setup.console, aliceCtx, "Notes", "contents")
	insertUserCredential(t, setup, alice, "openai", true)

	answer, err := setup.service.ProcessQuery(aliceCtx, ask.Query{
		Text: fmt.Sprintf("explain @[Notes](%s)", page.ExternalID),
	})
	require.NoError(t, err)

	request, err := setup.service.GetRequest(aliceCtx, answer.RequestID)
	require.NoError(t, err)
	require.Equal(t, ask.StatusOK, request.Status)

	_, err = setup.service.GetRequest(bobCtx, answer.RequestID)
	require.True(t, console.ErrNotFound.Has(err))
}
