// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Pages exposes methods to manage the pages table in the database.
//
// architecture: Database
type Pages interface {
	// Insert is a method for inserting a page into the database.
	Insert(ctx context.Context, page *Page) (*Page, error)
	// InsertBatch inserts pages in a single transaction, preserving the
	// given order so parents precede children.
	InsertBatch(ctx context.Context, pages []*Page) error
	// Get is a method for querying a page from the database by id.
	//
	// Soft-deleted pages are returned; callers filter on IsDeleted.
	Get(ctx context.Context, id uuid.UUID) (*Page, error)
	// GetByExternalID is a method for querying a page by external id.
	GetByExternalID(ctx context.Context, externalID string) (*Page, error)
	// ListByProject returns non-deleted pages of the project.
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]Page, error)

	// ListAccessible returns all non-deleted pages the user can read:
	// pages of projects whose org the user belongs to when the project
	// shares with org members, plus pages of projects the user is a direct
	// editor of. Soft-deleted projects are excluded as well.
	ListAccessible(ctx context.Context, userID uuid.UUID) ([]Page, error)
	// ListAccessibleIDs is ListAccessible reduced to page ids.
	ListAccessibleIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	// ListAccessibleByExternalIDs returns the subset of the given pages the
	// user can read, preserving the order of externalIDs.
	ListAccessibleByExternalIDs(ctx context.Context, userID uuid.UUID, externalIDs []string) ([]Page, error)
	// ListEditable returns all non-deleted pages the user can write:
	// org-shared pages of the user's orgs plus pages of projects where the
	// user holds the editor role.
	ListEditable(ctx context.Context, userID uuid.UUID) ([]Page, error)

	// UpdateDetails replaces the page details and bumps updated_at.
	UpdateDetails(ctx context.Context, id uuid.UUID, details PageDetails) error
	// UpdateTitle renames the page.
	UpdateTitle(ctx context.Context, id uuid.UUID, title string) error

	// Delete soft-deletes the page and hard-deletes its update log entries
	// and snapshot in the same transaction.
	Delete(ctx context.Context, id uuid.UUID) error
}

// Page filetypes the platform recognises.
const (
	FiletypeMarkdown = "md"
	FiletypeCSV      = "csv"
	FiletypeText     = "txt"
)

// PageDetails is the structured document payload stored as JSONB.
type PageDetails struct {
	Content       string `json:"content"`
	Filetype      string `json:"filetype"`
	SchemaVersion int    `json:"schema_version"`
}

// Page is a database object that describes a single collaborative document.
type Page struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"externalId"`
	ProjectID  uuid.UUID `json:"projectId"`
	CreatorID  uuid.UUID `json:"creatorId"`

	Title   string      `json:"title"`
	Details PageDetails `json:"details"`

	// ParentID preserves the tree hierarchy of imported archives.
	ParentID *uuid.UUID `json:"parentId,omitempty"`

	// AccessCode, when set, authorises read-only access without a session.
	AccessCode string `json:"-"`

	IsDeleted bool `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
