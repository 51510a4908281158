// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package collab

import (
	"context"
	"strings"
	"time"
)

// DocStore persists the append-only update log and the compacted snapshot
// of every room.
//
// architecture: Database
type DocStore interface {
	// AppendUpdate atomically appends a raw update blob to the room's log
	// and returns its id. Ids are strictly monotonic across the whole log,
	// not per room.
	AppendUpdate(ctx context.Context, roomID string, blob []byte) (id int64, err error)
	// ListUpdatesSince returns the room's updates with id > since, in id
	// order.
	ListUpdatesSince(ctx context.Context, roomID string, since int64) ([]UpdateLogEntry, error)
	// GetSnapshot returns the room's snapshot or sql.ErrNoRows.
	GetSnapshot(ctx context.Context, roomID string) (*Snapshot, error)
	// PutSnapshot overwrites the room's snapshot. The pair must be
	// consistent: state contains every update up to and including watermark.
	PutSnapshot(ctx context.Context, roomID string, state []byte, watermark int64) error
	// DeleteRoom erases the room's log entries and snapshot.
	DeleteRoom(ctx context.Context, roomID string) error
}

// UpdateLogEntry is one immutable CRDT update blob in a room's log.
type UpdateLogEntry struct {
	ID     int64
	RoomID string
	Blob   []byte

	CreatedAt time.Time
}

// Snapshot is the compacted CRDT state of a room covering every update with
// id <= Watermark. Overwritten in place, never versioned.
type Snapshot struct {
	RoomID    string
	State     []byte
	Watermark int64

	UpdatedAt time.Time
}

const roomPrefix = "page_"

// RoomID returns the room identifier of a page.
func RoomID(pageExternalID string) string {
	return roomPrefix + pageExternalID
}

// PageExternalID extracts the page external id from a room identifier.
func PageExternalID(roomID string) string {
	return strings.TrimPrefix(roomID, roomPrefix)
}
