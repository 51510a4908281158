// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package ask orchestrates the question answering pipeline: it resolves
// the pages a query is about, composes a prompt from their contents and
// calls an external chat completion API with the caller's credential.
package ask

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error describes internal ask errors.
	Error = errs.Class("ask")

	// ErrEmptyQuestion occurs when the query has no content.
	ErrEmptyQuestion = errs.Class("empty question")
	// ErrNoMatchingPages occurs when neither mentions nor retrieval
	// produced an accessible page to answer from.
	ErrNoMatchingPages = errs.Class("no matching pages")
	// ErrKeyNotConfigured occurs when no AI credential resolves for the
	// caller. Distinct from ErrAPI so that clients can point the user at
	// their settings instead of retrying.
	ErrKeyNotConfigured = errs.Class("ai key not configured")
	// ErrAPI occurs when the chat completion API fails.
	ErrAPI = errs.Class("api error")
	// ErrFeatureDisabled occurs when the ask feature is switched off.
	ErrFeatureDisabled = errs.Class("feature disabled")
	// ErrRateLimited occurs when the per-user ask counter is exhausted.
	ErrRateLimited = errs.Class("rate limited")

	mon = monkit.Package()
)

// Status is the terminal state of an ask request.
type Status string

const (
	// StatusPending means the request is still being processed.
	StatusPending Status = "pending"
	// StatusOK means a completion was produced.
	StatusOK Status = "ok"
	// StatusFailed means the pipeline failed; ErrorCode says why.
	StatusFailed Status = "failed"
)

// Request is one recorded question with its terminal outcome.
type Request struct {
	ID     uuid.UUID
	UserID uuid.UUID

	Query        string
	CleanedQuery string
	PageIDs      []uuid.UUID

	Response  string
	Status    Status
	ErrorCode string

	Provider string
	Model    string

	CreatedAt time.Time
}

// Credential is a stored AI provider key. It belongs to either a user or
// an org, never both.
type Credential struct {
	ID     uuid.UUID
	UserID *uuid.UUID
	OrgID  *uuid.UUID

	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	IsDefault bool

	CreatedAt time.Time
}

// Requests exposes methods to manage the ask_requests table.
//
// architecture: Database
type Requests interface {
	// Insert records a new request, initially pending.
	Insert(ctx context.Context, request *Request) (*Request, error)
	// Get returns the request by id, or sql.ErrNoRows.
	Get(ctx context.Context, id uuid.UUID) (*Request, error)
	// ListByUser returns the user's requests, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Request, error)
	// Finish sets the terminal state of a request.
	Finish(ctx context.Context, id uuid.UUID, status Status, response, errorCode string) error
	// SetPages records which pages the answer drew from.
	SetPages(ctx context.Context, id uuid.UUID, pageIDs []uuid.UUID) error
	// SetModel records the provider and model the request resolved to.
	SetModel(ctx context.Context, id uuid.UUID, provider, model string) error
}

// Credentials exposes methods to manage the ai_credentials table.
//
// architecture: Database
type Credentials interface {
	// Insert stores a credential.
	Insert(ctx context.Context, credential *Credential) (*Credential, error)
	// Get returns the credential by id, or sql.ErrNoRows.
	Get(ctx context.Context, id uuid.UUID) (*Credential, error)
	// ListByUser returns the user's credentials, defaults first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Credential, error)
	// ListByOrgs returns the orgs' credentials, defaults first.
	ListByOrgs(ctx context.Context, orgIDs []uuid.UUID) ([]Credential, error)
	// Delete removes a credential.
	Delete(ctx context.Context, id uuid.UUID) error
}

// DB bundles the ask repositories.
//
// architecture: Database
type DB interface {
	// Requests is a getter for Requests repository.
	Requests() Requests
	// Credentials is a getter for Credentials repository.
	Credentials() Credentials
}

// Config contains configuration for the ask pipeline.
type Config struct {
	Enabled bool `help:"whether the ask feature is available" default:"true"`

	MaxPages int `help:"maximum pages merged into one question" default:"5"`
	SearchK  int `help:"pages retrieved by embedding search when nothing is mentioned" default:"5"`

	RateLimit  int           `help:"questions allowed per user per window" default:"30"`
	RateWindow time.Duration `help:"window for the question counter" default:"1h"`

	DefaultProvider string `help:"provider used when a credential has none" default:"openai"`
	DefaultModel    string `help:"model used when neither request nor credential names one" default:"gpt-4o-mini"`
	MaxTokens       int    `help:"completion token cap sent to the provider" default:"1024"`
	PageContext     int    `help:"bytes of each page included in the prompt" default:"6000"`

	RetryInitial    time.Duration `help:"initial backoff between chat API retries" default:"1s"`
	RetryMaxElapsed time.Duration `help:"total time budget for chat API retries" default:"1m"`

	BreakerFailures uint32        `help:"consecutive chat API failures before the circuit opens" default:"5"`
	BreakerCooldown time.Duration `help:"how long an open circuit rejects calls before probing" default:"30s"`
}
