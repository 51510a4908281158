// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package abuse tracks rejected-as-malicious actions and bans repeat
// offenders.
//
// Every rejected import archive (and any future abuse-prone surface)
// records a violation row with a severity. Recording re-evaluates the
// caller's recent history against per-severity thresholds and writes a
// ban row when any threshold is met. Entry points of abuse-prone
// operations consult ShouldBlock before doing work.
package abuse

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default abuse errs class.
	Error = errs.Class("abuse")

	mon = monkit.Package()
)

// Severity grades how hostile a violation is. Thresholds are configured
// per severity; a single critical violation is enough to ban.
type Severity string

const (
	// SeverityLow marks violations that are most likely accidents.
	SeverityLow Severity = "low"
	// SeverityMedium marks violations a legitimate client rarely produces.
	SeverityMedium Severity = "medium"
	// SeverityHigh marks violations that indicate a deliberate probe.
	SeverityHigh Severity = "high"
	// SeverityCritical marks unambiguous attacks.
	SeverityCritical Severity = "critical"
)

// Record is a single recorded violation.
type Record struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"userId"`

	// Reason is the machine-readable rejection reason, for example
	// "compression_ratio".
	Reason   string   `json:"reason"`
	Severity Severity `json:"severity"`
	// Detail carries the full inspection report as JSON.
	Detail string `json:"detail,omitempty"`

	// JobID references the import job that tripped the violation, when any.
	JobID     *uuid.UUID `json:"jobId,omitempty"`
	IP        string     `json:"ip,omitempty"`
	UserAgent string     `json:"userAgent,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Ban blocks a user from abuse-prone operations. One row per user; a
// lifted ban stays around and is reinstated if the user violates again.
type Ban struct {
	UserID    uuid.UUID `json:"userId"`
	Reason    string    `json:"reason"`
	Lifted    bool      `json:"lifted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Records is the violation table.
//
// architecture: Database
type Records interface {
	// Insert stores a violation row.
	Insert(ctx context.Context, record *Record) (*Record, error)
	// CountSince counts the user's violations at the severity created at
	// or after since.
	CountSince(ctx context.Context, userID uuid.UUID, severity Severity, since time.Time) (int, error)
}

// Bans is the ban table.
//
// architecture: Database
type Bans interface {
	// Upsert creates the user's ban or reinstates an existing one,
	// lifted or not, with the new reason.
	Upsert(ctx context.Context, ban *Ban) error
	// Get returns the user's ban row, or sql.ErrNoRows.
	Get(ctx context.Context, userID uuid.UUID) (*Ban, error)
	// SetLifted flips the lifted flag on an existing ban.
	SetLifted(ctx context.Context, userID uuid.UUID, lifted bool) error
}

// DB bundles the abuse tables.
//
// architecture: Database
type DB interface {
	Records() Records
	Bans() Bans
}
