// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package crdt wraps the conflict-free document implementation behind
// narrow interfaces, so the rest of the server treats updates and states
// as opaque blobs.
package crdt

import (
	"github.com/zeebo/errs"
)

// Error is the default crdt errs class.
var Error = errs.Class("crdt")

// Engine creates and restores documents.
type Engine interface {
	// New returns an empty document.
	New() Document
	// Load restores a document from a compacted state blob.
	Load(state []byte) (Document, error)
}

// Document is a single mutable conflict-free document.
//
// Documents are not safe for concurrent use; a room goroutine owns its
// document exclusively.
type Document interface {
	// ApplyUpdate merges one opaque update blob into the document.
	ApplyUpdate(blob []byte) error
	// Save returns the compacted state of the document.
	Save() ([]byte, error)
	// Text returns the plain text content of the document, empty when the
	// document carries none.
	Text() string
}
