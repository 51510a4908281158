// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package ask

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/derive"
	"inkwell.io/inkwell/server/embeddings"
	"inkwell.io/inkwell/server/ratelimit"
)

// Query is one question posed by a user.
type Query struct {
	Text string `json:"query"`

	// PageIDs explicitly scopes the question to pages, by external id.
	// They take priority over pages mentioned inside the text.
	PageIDs []string `json:"pageIds,omitempty"`

	// Provider, ConfigID and Model optionally steer credential and model
	// resolution.
	Provider string `json:"provider,omitempty"`
	ConfigID string `json:"configId,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Answer is the outcome of a processed query.
type Answer struct {
	RequestID uuid.UUID      `json:"requestId"`
	Response  string         `json:"response"`
	Pages     []console.Page `json:"pages"`
}

// Service runs the ask pipeline.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	db       DB
	console  console.DB
	embedder *embeddings.Service
	limiter  ratelimit.Limiter
	factory  ClientFactory
	breaker  *gobreaker.CircuitBreaker
	config   Config
}

// NewService creates an ask service. The factory defaults to the OpenAI
// binding when nil.
func NewService(log *zap.Logger, db DB, consoleDB console.DB, embedder *embeddings.Service, limiter ratelimit.Limiter, factory ClientFactory, config Config) *Service {
	if factory == nil {
		factory = OpenAIFactory
	}
	return &Service{
		log:      log,
		db:       db,
		console:  consoleDB,
		embedder: embedder,
		limiter:  limiter,
		factory:  factory,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ask-chat",
			Timeout: config.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.BreakerFailures
			},
		}),
		config: config,
	}
}

// ProcessQuery answers a question from the caller's pages.
//
// Mentions are parsed out of the text and merged with the explicitly given
// page ids, explicit first; when nothing is referenced, retrieval falls
// back to an embedding search over the caller's accessible pages. The
// request is recorded with a terminal status either way; failures after
// admission land on the row as a machine-readable error code.
func (service *Service) ProcessQuery(ctx context.Context, query Query) (_ *Answer, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !service.config.Enabled {
		return nil, ErrFeatureDisabled.New("ask is disabled")
	}

	text := strings.TrimSpace(query.Text)
	if text == "" {
		return nil, ErrEmptyQuestion.New("question is empty")
	}
	if err := service.consumeAskSlot(ctx, auth.User.ID); err != nil {
		return nil, err
	}

	cleaned := derive.CleanQuery(text)
	mentioned := derive.MentionedPageIDs(text)
	externalIDs := mergePageIDs(query.PageIDs, mentioned, service.config.MaxPages)

	request, err := service.db.Requests().Insert(ctx, &Request{
		ID:           uuid.New(),
		UserID:       auth.User.ID,
		Query:        text,
		CleanedQuery: cleaned,
		Status:       StatusPending,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	pages, err := service.resolvePages(ctx, auth.User.ID, cleaned, externalIDs)
	if err != nil {
		return nil, service.fail(ctx, request, "unexpected", Error.Wrap(err))
	}
	if len(pages) == 0 {
		return nil, service.fail(ctx, request, "no_matching_pages",
			ErrNoMatchingPages.New("no accessible pages matched the question"))
	}

	pageIDs := make([]uuid.UUID, len(pages))
	for i, page := range pages {
		pageIDs[i] = page.ID
	}
	if err := service.db.Requests().SetPages(ctx, request.ID, pageIDs); err != nil {
		return nil, service.fail(ctx, request, "unexpected", Error.Wrap(err))
	}

	credential, err := service.resolveCredential(ctx, &auth.User, query.ConfigID, query.Provider)
	if err != nil {
		return nil, service.fail(ctx, request, "ai_key_not_configured", err)
	}
	err = service.db.Requests().SetModel(ctx, request.ID,
		service.recordedProvider(credential), service.pickModel(credential, query.Model))
	if err != nil {
		return nil, service.fail(ctx, request, "unexpected", Error.Wrap(err))
	}

	response, err := service.complete(ctx, credential, query.Model, pages, cleaned)
	if err != nil {
		return nil, service.fail(ctx, request, "api_error", ErrAPI.Wrap(err))
	}

	if err := service.db.Requests().Finish(ctx, request.ID, StatusOK, response, ""); err != nil {
		return nil, Error.Wrap(err)
	}

	service.log.Info("query answered",
		zap.Stringer("request_id", request.ID),
		zap.Stringer("user_id", auth.User.ID),
		zap.Int("pages", len(pages)))

	return &Answer{
		RequestID: request.ID,
		Response:  response,
		Pages:     pages,
	}, nil
}

// GetRequest returns one of the caller's recorded requests.
func (service *Service) GetRequest(ctx context.Context, id uuid.UUID) (_ *Request, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	request, err := service.db.Requests().Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, console.ErrNotFound.New("request")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if request.UserID != auth.User.ID {
		return nil, console.ErrNotFound.New("request")
	}
	return request, nil
}

// ListRequests returns the caller's recent requests, newest first.
func (service *Service) ListRequests(ctx context.Context, limit int) (_ []Request, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	requests, err := service.db.Requests().ListByUser(ctx, auth.User.ID, limit)
	return requests, Error.Wrap(err)
}

// resolvePages turns the referenced external ids into readable pages,
// silently dropping what the user cannot access, or falls back to the
// embedding search when nothing was referenced.
func (service *Service) resolvePages(ctx context.Context, userID uuid.UUID, cleaned string, externalIDs []string) ([]console.Page, error) {
	if len(externalIDs) > 0 {
		return service.console.Pages().ListAccessibleByExternalIDs(ctx, userID, externalIDs)
	}
	if service.embedder == nil {
		return nil, nil
	}

	matches, err := service.embedder.Search(ctx, userID, cleaned, service.config.SearchK)
	if err != nil {
		return nil, err
	}
	var pages []console.Page
	for _, match := range matches {
		page, err := service.console.Pages().Get(ctx, match.PageID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if page.IsDeleted {
			continue
		}
		pages = append(pages, *page)
	}
	return pages, nil
}

// resolveCredential picks the AI credential: explicit config id, explicit
// provider, user default, org default; first match wins. A configured
// default wins within each step, otherwise the oldest credential serves.
func (service *Service) resolveCredential(ctx context.Context, user *console.User, configID, provider string) (*Credential, error) {
	userCreds, err := service.db.Credentials().ListByUser(ctx, user.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	orgs, err := service.console.Orgs().ListByUser(ctx, user.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	orgIDs := make([]uuid.UUID, len(orgs))
	for i, org := range orgs {
		orgIDs[i] = org.ID
	}
	orgCreds, err := service.db.Credentials().ListByOrgs(ctx, orgIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if configID != "" {
		id, err := uuid.Parse(configID)
		if err != nil {
			return nil, ErrKeyNotConfigured.New("unknown credential")
		}
		for _, cred := range append(append([]Credential{}, userCreds...), orgCreds...) {
			if cred.ID == id {
				return &cred, nil
			}
		}
		return nil, ErrKeyNotConfigured.New("unknown credential")
	}

	if provider != "" {
		for _, pool := range [][]Credential{userCreds, orgCreds} {
			for _, cred := range pool {
				if cred.Provider == provider {
					return &cred, nil
				}
			}
		}
		return nil, ErrKeyNotConfigured.New("no credential for provider %q", provider)
	}

	if len(userCreds) > 0 {
		return &userCreds[0], nil
	}
	if len(orgCreds) > 0 {
		return &orgCreds[0], nil
	}
	return nil, ErrKeyNotConfigured.New("no AI credential configured")
}

// complete calls the chat completion API behind the circuit breaker,
// retrying transient failures with exponential backoff.
func (service *Service) complete(ctx context.Context, credential *Credential, modelHint string, pages []console.Page, question string) (string, error) {
	client, err := service.factory(credential)
	if err != nil {
		return "", err
	}

	messages := service.composeMessages(pages, question)
	opts := []llms.CallOption{llms.WithMaxTokens(service.config.MaxTokens)}
	if model := service.pickModel(credential, modelHint); model != "" {
		opts = append(opts, llms.WithModel(model))
	}

	var response string
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = service.config.RetryInitial
	policy.MaxElapsedTime = service.config.RetryMaxElapsed

	err = backoff.Retry(func() error {
		result, callErr := service.breaker.Execute(func() (interface{}, error) {
			return client.GenerateContent(ctx, messages, opts...)
		})
		if callErr != nil {
			if errors.Is(callErr, gobreaker.ErrOpenState) || errors.Is(callErr, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(callErr)
			}
			if embeddings.IsTransient(callErr) {
				return callErr
			}
			return backoff.Permanent(callErr)
		}

		completion := result.(*llms.ContentResponse)
		if len(completion.Choices) == 0 {
			return backoff.Permanent(Error.New("provider returned no choices"))
		}
		response = completion.Choices[0].Content
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return "", err
	}
	return response, nil
}

// composeMessages renders the pages as system context and the cleaned
// question as the user turn.
func (service *Service) composeMessages(pages []console.Page, question string) []llms.MessageContent {
	var b strings.Builder
	b.WriteString("You answer questions about the user's documents. " +
		"Use only the documents below; say so when they do not contain the answer.\n")
	for _, page := range pages {
		content := page.Details.Content
		if service.config.PageContext > 0 && len(content) > service.config.PageContext {
			content = content[:service.config.PageContext]
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", page.Title, content)
	}

	return []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, b.String()),
		llms.TextParts(schema.ChatMessageTypeHuman, question),
	}
}

func (service *Service) pickModel(credential *Credential, hint string) string {
	switch {
	case hint != "":
		return hint
	case credential.Model != "":
		return credential.Model
	default:
		return service.config.DefaultModel
	}
}

func (service *Service) recordedProvider(credential *Credential) string {
	if credential.Provider != "" {
		return credential.Provider
	}
	return service.config.DefaultProvider
}

func (service *Service) fail(ctx context.Context, request *Request, code string, cause error) error {
	if err := service.db.Requests().Finish(ctx, request.ID, StatusFailed, "", code); err != nil {
		service.log.Error("failed recording request outcome",
			zap.Stringer("request_id", request.ID),
			zap.Error(err))
	}
	return cause
}

func (service *Service) consumeAskSlot(ctx context.Context, userID uuid.UUID) error {
	if service.limiter == nil {
		return nil
	}
	result, err := service.limiter.Allow(ctx,
		ratelimit.AskUserKey(userID),
		service.config.RateLimit, service.config.RateWindow)
	if err != nil {
		return Error.Wrap(err)
	}
	if !result.Allowed {
		return ErrRateLimited.New("ask budget exhausted")
	}
	return nil
}

// mergePageIDs combines explicit and mentioned external ids, explicit
// first, deduplicated, truncated to max.
func mergePageIDs(explicit, mentioned []string, max int) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, pool := range [][]string{explicit, mentioned} {
		for _, id := range pool {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, id)
		}
	}
	if max > 0 && len(merged) > max {
		merged = merged[:max]
	}
	return merged
}
