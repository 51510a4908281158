// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"inkwell.io/inkwell/server/collab"
)

// ensures that docStore implements collab.DocStore.
var _ collab.DocStore = (*docStore)(nil)

// docStore implements collab.DocStore on the room_updates and room_snapshots
// tables. Update ids come from a single sequence shared by every room, so
// they are monotonic across the whole log.
type docStore struct {
	db *sqlx.DB
}

type updateRow struct {
	ID        int64     `db:"id"`
	RoomID    string    `db:"room_id"`
	Blob      []byte    `db:"blob"`
	CreatedAt time.Time `db:"created_at"`
}

// AppendUpdate atomically appends a raw update blob to the room's log and
// returns its id.
func (store *docStore) AppendUpdate(ctx context.Context, roomID string, blob []byte) (id int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = store.db.GetContext(ctx, &id, `
		INSERT INTO room_updates (room_id, blob)
		VALUES ($1, $2)
		RETURNING id`, roomID, blob)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return id, nil
}

// ListUpdatesSince returns the room's updates with id > since, in id order.
func (store *docStore) ListUpdatesSince(ctx context.Context, roomID string, since int64) (_ []collab.UpdateLogEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []updateRow
	err = store.db.SelectContext(ctx, &rows, `
		SELECT id, room_id, blob, created_at
		FROM room_updates
		WHERE room_id = $1 AND id > $2
		ORDER BY id`, roomID, since)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	entries := make([]collab.UpdateLogEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, collab.UpdateLogEntry(row))
	}
	return entries, nil
}

// GetSnapshot returns the room's snapshot or sql.ErrNoRows.
func (store *docStore) GetSnapshot(ctx context.Context, roomID string) (_ *collab.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	var snapshot collab.Snapshot
	err = store.db.QueryRowxContext(ctx, `
		SELECT room_id, state, watermark, updated_at
		FROM room_snapshots WHERE room_id = $1`, roomID,
	).Scan(&snapshot.RoomID, &snapshot.State, &snapshot.Watermark, &snapshot.UpdatedAt)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return &snapshot, nil
}

// PutSnapshot overwrites the room's snapshot.
func (store *docStore) PutSnapshot(ctx context.Context, roomID string, state []byte, watermark int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = store.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, state, watermark, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room_id) DO UPDATE
		SET state = EXCLUDED.state, watermark = EXCLUDED.watermark, updated_at = now()`,
		roomID, state, watermark)
	return Error.Wrap(err)
}

// DeleteRoom erases the room's log entries and snapshot.
func (store *docStore) DeleteRoom(ctx context.Context, roomID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return withTx(ctx, store.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM room_updates WHERE room_id = $1`, roomID); err != nil {
			return Error.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM room_snapshots WHERE room_id = $1`, roomID); err != nil {
			return Error.Wrap(err)
		}
		return nil
	})
}
