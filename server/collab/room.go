// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package collab

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/crdt"
	"inkwell.io/inkwell/server/jobq"
)

type roomMsgKind int

const (
	msgJoin roomMsgKind = iota
	msgLeave
	msgUpdate
	msgFrame
	msgWriteRevoked
	msgAccessRevoked
	msgDeleted
)

type roomMsg struct {
	kind   roomMsgKind
	conn   *Conn
	blob   []byte
	frame  Frame
	userID uuid.UUID
}

// Room serializes everything that happens to one live document: a single
// goroutine owns the authoritative CRDT state, the ordered connection list
// and the quiescence timer, so no room state is ever locked.
type Room struct {
	id       string
	page     console.Page
	registry *Registry
	log      *zap.Logger

	mu       sync.Mutex
	stopping bool
	queue    []roomMsg
	wake     chan struct{}

	// Owned by run; never touched from outside.
	doc     crdt.Document
	conns   []*Conn
	dirty   bool
	lastID  int64
	deleted bool
	quiesce *time.Timer
}

func newRoom(registry *Registry, page console.Page) *Room {
	return &Room{
		id:       RoomID(page.ExternalID),
		page:     page,
		registry: registry,
		log:      registry.log.With(zap.String("room", RoomID(page.ExternalID))),
		wake:     make(chan struct{}, 1),
	}
}

// enqueue hands a message to the room goroutine. It reports false once the
// room is tearing down; callers must then treat the room as gone.
func (room *Room) enqueue(msg roomMsg) bool {
	room.mu.Lock()
	if room.stopping {
		room.mu.Unlock()
		return false
	}
	room.queue = append(room.queue, msg)
	room.mu.Unlock()

	select {
	case room.wake <- struct{}{}:
	default:
	}
	return true
}

func (room *Room) drain() []roomMsg {
	room.mu.Lock()
	defer room.mu.Unlock()
	msgs := room.queue
	room.queue = nil
	return msgs
}

func (room *Room) run(ctx context.Context) {
	defer room.registry.active.Done()
	defer roomsGauge.Dec()

	if err := room.load(ctx); err != nil {
		room.log.Error("room load failed", zap.Error(err))
		room.registry.forceRemove(room)
		room.rejectQueued(errorFrame(CodeUnexpected, "room unavailable"), websocket.CloseInternalServerErr)
		return
	}

	room.quiesce = time.NewTimer(time.Hour)
	room.quiesce.Stop()
	defer room.quiesce.Stop()

	for {
		select {
		case <-ctx.Done():
			room.shutdown(ctx)
			return

		case <-room.wake:
			for _, msg := range room.drain() {
				room.handle(ctx, msg)
			}

		case <-room.quiesce.C:
			room.compact(ctx)
		}

		if room.deleted {
			room.registry.forceRemove(room)
			room.rejectQueued(errorFrame(CodeAccessDenied, "page deleted"), CloseAccessDenied)
			return
		}
		if len(room.conns) == 0 {
			// Empty rooms compact immediately instead of waiting for the
			// timer, then leave the registry.
			room.compact(ctx)
			if room.registry.tryRemove(room) {
				return
			}
			// A join raced in; keep serving.
		}
	}
}

func (room *Room) handle(ctx context.Context, msg roomMsg) {
	switch msg.kind {
	case msgJoin:
		room.handleJoin(msg.conn)
	case msgLeave:
		room.detach(msg.conn)
	case msgUpdate:
		room.handleUpdate(ctx, msg)
	case msgFrame:
		room.broadcastFrame(msg.frame)
	case msgWriteRevoked:
		room.handleWriteRevoked(msg.userID)
	case msgAccessRevoked:
		room.handleAccessRevoked(ctx, msg.userID)
	case msgDeleted:
		room.handleDeleted()
	}
}

// handleJoin attaches the connection and sends it the initial-sync frame
// with the full current document state.
func (room *Room) handleJoin(conn *Conn) {
	if room.deleted {
		conn.reject(errorFrame(CodeAccessDenied, "page deleted"), CloseAccessDenied)
		return
	}
	state, err := room.doc.Save()
	if err != nil {
		room.log.Error("document save failed", zap.Error(err))
		conn.reject(errorFrame(CodeUnexpected, "room unavailable"), websocket.CloseInternalServerErr)
		return
	}
	room.conns = append(room.conns, conn)
	connectionsGauge.Inc()
	conn.sendBinary(state)
}

func (room *Room) detach(conn *Conn) {
	for i, attached := range room.conns {
		if attached == conn {
			room.conns = append(room.conns[:i], room.conns[i+1:]...)
			connectionsGauge.Dec()
			break
		}
	}
}

// handleUpdate is the relay hot path: apply to the authoritative document,
// append the raw bytes to the log, and fan the same bytes out to every other
// connection. The sender never gets its own update echoed back.
func (room *Room) handleUpdate(ctx context.Context, msg roomMsg) {
	if room.deleted {
		// The page's relay rows were purged; appending now would revive them.
		return
	}
	if msg.conn.readOnly {
		// Read-only connections may listen but their updates vanish.
		return
	}

	if err := room.doc.ApplyUpdate(msg.blob); err != nil {
		room.log.Warn("dropping malformed update",
			zap.String("user", msg.conn.user.ExternalID), zap.Error(err))
		return
	}

	id, err := room.registry.store.AppendUpdate(ctx, room.id, msg.blob)
	if err != nil {
		// The update is merged in memory and will be carried by the next
		// snapshot; replaying a log that misses it is still convergent.
		room.log.Error("update log append failed", zap.Error(err))
	} else {
		room.lastID = id
	}

	room.dirty = true
	room.resetQuiesce()
	updatesRelayedCounter.Inc()

	for _, other := range room.conns {
		if other != msg.conn {
			other.sendBinary(msg.blob)
		}
	}
}

func (room *Room) broadcastFrame(frame Frame) {
	data := frame.encode()
	for _, conn := range room.conns {
		conn.sendText(data)
	}
}

// handleWriteRevoked flips every connection of the user to read-only and
// announces it to the whole room.
func (room *Room) handleWriteRevoked(userID uuid.UUID) {
	var affected *Conn
	for _, conn := range room.conns {
		if conn.user.ID == userID {
			conn.readOnly = true
			affected = conn
		}
	}
	if affected != nil {
		room.broadcastFrame(writeRevokedFrame(affected.user.ExternalID))
	}
}

// handleAccessRevoked reruns admission for every connection of the user.
// Connections that no longer pass get the server-initiated close sequence;
// survivors get their write permission recomputed.
func (room *Room) handleAccessRevoked(ctx context.Context, userID uuid.UUID) {
	var affected []*Conn
	for _, conn := range room.conns {
		if conn.user.ID == userID {
			affected = append(affected, conn)
		}
	}
	if len(affected) == 0 {
		return
	}
	room.broadcastFrame(accessRevokedFrame(affected[0].user.ExternalID))

	page, project, err := room.registry.service.ResolvePage(ctx, room.page.ExternalID)
	for _, conn := range affected {
		allowed := false
		if err == nil {
			allowed, _ = room.registry.service.Permissions().Can(ctx, &conn.user, console.ActionReadPage, console.Target{
				Page: page, Project: project,
			})
		}
		if !allowed {
			// Drop writes that race the close sequence.
			conn.readOnly = true
			room.detach(conn)
			conn.reject(errorFrame(CodeAccessDenied, "access revoked"), CloseAccessDenied)
			continue
		}
		writable, err := room.registry.service.Permissions().Can(ctx, &conn.user, console.ActionWritePage, console.Target{
			Page: page, Project: project,
		})
		conn.readOnly = err != nil || !writable
	}
}

// handleDeleted closes every connection. Compaction is skipped from here on.
func (room *Room) handleDeleted() {
	room.deleted = true
	for _, conn := range room.conns {
		conn.reject(errorFrame(CodeAccessDenied, "page deleted"), CloseAccessDenied)
	}
	connectionsGauge.Sub(float64(len(room.conns)))
	room.conns = nil
}

// load brings up the authoritative document: snapshot first, then every
// logged update past its watermark.
func (room *Room) load(ctx context.Context) error {
	snapshot, err := room.registry.store.GetSnapshot(ctx, room.id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		room.doc = room.registry.engine.New()
	case err != nil:
		return Error.Wrap(err)
	default:
		doc, err := room.registry.engine.Load(snapshot.State)
		if err != nil {
			return Error.Wrap(err)
		}
		room.doc = doc
		room.lastID = snapshot.Watermark
	}

	entries, err := room.registry.store.ListUpdatesSince(ctx, room.id, room.lastID)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, entry := range entries {
		if err := room.doc.ApplyUpdate(entry.Blob); err != nil {
			room.log.Warn("skipping unreplayable logged update",
				zap.Int64("update_id", entry.ID), zap.Error(err))
		}
		room.lastID = entry.ID
	}
	return nil
}

// compact persists the snapshot and kicks off derived work. Only runs when
// an update has actually been observed; empty rooms never write snapshots.
func (room *Room) compact(ctx context.Context) {
	if !room.dirty || room.deleted {
		return
	}

	state, err := room.doc.Save()
	if err != nil {
		room.log.Error("document save failed", zap.Error(err))
		return
	}
	if err := room.registry.store.PutSnapshot(ctx, room.id, state, room.lastID); err != nil {
		// Stays dirty; the next quiescence retries.
		room.log.Error("snapshot write failed", zap.Error(err))
		return
	}
	room.dirty = false

	room.dispatchDerived(ctx, room.doc.Text())
}

// dispatchDerived hands the extracted text to the deriver and queues the
// page-row sync, both without blocking the room.
func (room *Room) dispatchDerived(ctx context.Context, text string) {
	room.registry.mu.Lock()
	deriver := room.registry.deriver
	room.registry.mu.Unlock()

	if deriver != nil {
		detached := context.WithoutCancel(ctx)
		go deriver.Sync(detached, room.page.ID, text)
	}

	if room.registry.queue != nil {
		err := room.registry.queue.Enqueue(ctx, jobq.QueueMaintenance, jobq.TaskSyncSnapshot,
			map[string]string{"room_id": room.id})
		if err != nil {
			room.log.Error("snapshot sync enqueue failed", zap.Error(err))
		}
	}
}

// shutdown runs when the whole registry stops: write out pending state and
// close every connection cleanly.
func (room *Room) shutdown(ctx context.Context) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	room.compact(detached)
	for _, conn := range room.conns {
		conn.sendClose(CloseNormal)
	}
	connectionsGauge.Sub(float64(len(room.conns)))
	room.conns = nil
	room.registry.forceRemove(room)
	room.rejectQueued(errorFrame(CodeUnexpected, "server shutting down"), websocket.CloseInternalServerErr)
}

// rejectQueued turns away joins that were still queued when the room left
// the registry. Runs after forceRemove, so the queue cannot grow anymore.
func (room *Room) rejectQueued(frame Frame, closeCode int) {
	for _, msg := range room.drain() {
		if msg.kind == msgJoin {
			msg.conn.reject(frame, closeCode)
		}
	}
}

func (room *Room) resetQuiesce() {
	if !room.quiesce.Stop() {
		select {
		case <-room.quiesce.C:
		default:
		}
	}
	room.quiesce.Reset(room.registry.config.QuiescenceIdle)
}
