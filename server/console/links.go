// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PageLinks exposes methods to manage derived page-to-page link rows.
//
// Rows are recomputed by diffing a fresh parse against the stored set, so
// Apply must tolerate duplicate inserts and missing deletes.
//
// architecture: Database
type PageLinks interface {
	// ListBySource returns all links originating from the page.
	ListBySource(ctx context.Context, sourceID uuid.UUID) ([]PageLink, error)
	// ListByTarget returns all links pointing at the page.
	ListByTarget(ctx context.Context, targetID uuid.UUID) ([]PageLink, error)
	// Apply inserts and deletes rows in a single transaction.
	Apply(ctx context.Context, sourceID uuid.UUID, add, remove []PageLink) error
}

// FileLinks exposes methods to manage derived page-to-file link rows.
//
// architecture: Database
type FileLinks interface {
	// ListBySource returns all file links originating from the page.
	ListBySource(ctx context.Context, sourceID uuid.UUID) ([]FileLink, error)
	// Apply inserts and deletes rows in a single transaction.
	Apply(ctx context.Context, sourceID uuid.UUID, add, remove []FileLink) error
}

// Mentions exposes methods to manage derived user mention rows.
//
// architecture: Database
type Mentions interface {
	// ListBySource returns all mentions originating from the page.
	ListBySource(ctx context.Context, sourceID uuid.UUID) ([]Mention, error)
	// Apply inserts and deletes rows in a single transaction.
	Apply(ctx context.Context, sourceID uuid.UUID, add, remove []Mention) error
}

// PageLink is a derived row stating that a page's content references another
// page. Unique on (source, target, text).
type PageLink struct {
	SourceID uuid.UUID `json:"sourceId"`
	TargetID uuid.UUID `json:"targetId"`
	Text     string    `json:"text"`

	CreatedAt time.Time `json:"createdAt"`
}

// FileLink is a derived row stating that a page's content references an
// uploaded file. Unique on (source, file, text).
type FileLink struct {
	SourceID uuid.UUID `json:"sourceId"`
	FileID   uuid.UUID `json:"fileId"`
	Text     string    `json:"text"`

	CreatedAt time.Time `json:"createdAt"`
}

// Mention is a derived row stating that a page's content mentions a user.
// Unique on (source, user).
type Mention struct {
	SourceID uuid.UUID `json:"sourceId"`
	UserID   uuid.UUID `json:"userId"`

	CreatedAt time.Time `json:"createdAt"`
}
