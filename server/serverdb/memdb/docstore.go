// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package memdb

import (
	"context"
	"database/sql"

	"inkwell.io/inkwell/server/collab"
)

type docStore DB

func (store *docStore) AppendUpdate(ctx context.Context, roomID string, blob []byte) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.updateSeq++
	entry := collab.UpdateLogEntry{
		ID:        store.updateSeq,
		RoomID:    roomID,
		Blob:      append([]byte(nil), blob...),
		CreatedAt: now(),
	}
	store.updates = append(store.updates, entry)
	return entry.ID, nil
}

func (store *docStore) ListUpdatesSince(ctx context.Context, roomID string, since int64) ([]collab.UpdateLogEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var entries []collab.UpdateLogEntry
	for _, entry := range store.updates {
		if entry.RoomID == roomID && entry.ID > since {
			copied := entry
			copied.Blob = append([]byte(nil), entry.Blob...)
			entries = append(entries, copied)
		}
	}
	return entries, nil
}

func (store *docStore) GetSnapshot(ctx context.Context, roomID string) (*collab.Snapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	snapshot, ok := store.snapshots[roomID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := snapshot
	out.State = append([]byte(nil), snapshot.State...)
	return &out, nil
}

func (store *docStore) PutSnapshot(ctx context.Context, roomID string, state []byte, watermark int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.snapshots[roomID] = collab.Snapshot{
		RoomID:    roomID,
		State:     append([]byte(nil), state...),
		Watermark: watermark,
		UpdatedAt: now(),
	}
	return nil
}

func (store *docStore) DeleteRoom(ctx context.Context, roomID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	kept := store.updates[:0]
	for _, entry := range store.updates {
		if entry.RoomID != roomID {
			kept = append(kept, entry)
		}
	}
	store.updates = kept
	delete(store.snapshots, roomID)
	return nil
}
