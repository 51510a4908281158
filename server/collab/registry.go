// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package collab implements the per-page relay rooms: live CRDT update
// fan-out over websockets backed by an append-only update log with
// compacted snapshots.
package collab

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/crdt"
	"inkwell.io/inkwell/server/jobq"
)

var (
	// Error is the default collab errs class.
	Error = errs.Class("collab")

	mon = monkit.Package()
)

// Config contains configuration for the relay.
type Config struct {
	QuiescenceIdle time.Duration `help:"idle period after which a room compacts its log and derives" default:"5s"`
	AdmitTimeout   time.Duration `help:"deadline for authenticating and admitting a connection; overrun counts as denial" default:"2s"`

	ConnLimit  int           `help:"connection attempts allowed per user or address per window" default:"10"`
	ConnWindow time.Duration `help:"window for the connection attempt limit" default:"1m"`

	WriteTimeout  time.Duration `help:"deadline for writing a single frame to a client" default:"10s"`
	MaxUpdateSize int64         `help:"maximum inbound update frame size in bytes" default:"1048576"`
	SendQueue     int           `help:"outbound frames buffered per connection before it is considered stuck" default:"256"`
}

// Deriver receives the extracted text of a page after its room compacts.
// Implementations must do their own error handling; the room does not wait.
type Deriver interface {
	Sync(ctx context.Context, pageID uuid.UUID, text string)
}

// Registry owns the live rooms, one per page with at least one connection.
//
// It is also the console.Notifier: access changes made through the console
// service land here and are forwarded into the affected rooms.
//
// architecture: Service
type Registry struct {
	log     *zap.Logger
	store   DocStore
	engine  crdt.Engine
	service *console.Service
	queue   jobq.Queue
	config  Config

	mu      sync.Mutex
	runCtx  context.Context
	rooms   map[string]*Room
	deriver Deriver

	startOnce sync.Once
	started   chan struct{}

	active sync.WaitGroup
}

var _ console.Notifier = (*Registry)(nil)

// NewRegistry creates a room registry. The deriver is bound late via
// SetDeriver because the derive dispatcher needs the registry to announce
// link changes.
func NewRegistry(log *zap.Logger, store DocStore, engine crdt.Engine, service *console.Service, queue jobq.Queue, config Config) *Registry {
	return &Registry{
		log:     log,
		store:   store,
		engine:  engine,
		service: service,
		queue:   queue,
		config:  config,
		rooms:   map[string]*Room{},
		started: make(chan struct{}),
	}
}

// SetDeriver installs the derived-work dispatcher.
func (registry *Registry) SetDeriver(deriver Deriver) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.deriver = deriver
}

// Run keeps the registry accepting rooms until the context is canceled, then
// waits for every room to write out pending state and exit.
func (registry *Registry) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	registry.mu.Lock()
	registry.runCtx = ctx
	registry.mu.Unlock()
	registry.startOnce.Do(func() { close(registry.started) })

	<-ctx.Done()
	registry.active.Wait()
	return nil
}

// Join attaches an admitted connection to the page's room, creating and
// loading the room when it is not live yet.
func (registry *Registry) Join(ctx context.Context, page console.Page, conn *Conn) (_ *Room, err error) {
	defer mon.Task()(&ctx)(&err)

	// Connections can arrive while the process is still starting up.
	select {
	case <-registry.started:
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	}

	roomID := RoomID(page.ExternalID)
	for {
		registry.mu.Lock()
		runCtx := registry.runCtx
		if runCtx == nil || runCtx.Err() != nil {
			registry.mu.Unlock()
			return nil, Error.New("registry is not running")
		}
		room := registry.rooms[roomID]
		if room == nil {
			room = newRoom(registry, page)
			registry.rooms[roomID] = room
			registry.active.Add(1)
			roomsGauge.Inc()
			go room.run(runCtx)
		}
		ok := room.enqueue(roomMsg{kind: msgJoin, conn: conn})
		registry.mu.Unlock()
		if ok {
			return room, nil
		}
		// The room began tearing down between the map lookup and the
		// enqueue; it is gone from the map now, so retry with a fresh one.
	}
}

// ActiveRooms reports the number of live rooms.
func (registry *Registry) ActiveRooms() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.rooms)
}

// WritePermissionRevoked flips the user's connections in the project's rooms
// to read-only and announces it.
func (registry *Registry) WritePermissionRevoked(ctx context.Context, projectID, userID uuid.UUID) {
	for _, room := range registry.roomsOfProject(projectID) {
		room.enqueue(roomMsg{kind: msgWriteRevoked, userID: userID})
	}
}

// AccessRevoked makes the user's connections in the project's rooms rerun
// admission; connections that fail it are closed.
func (registry *Registry) AccessRevoked(ctx context.Context, projectID, userID uuid.UUID) {
	for _, room := range registry.roomsOfProject(projectID) {
		room.enqueue(roomMsg{kind: msgAccessRevoked, userID: userID})
	}
}

// PageDeleted force-closes the page's room. The room must not compact on the
// way out: the page's log and snapshot rows were just purged and a late
// snapshot write would resurrect the document.
func (registry *Registry) PageDeleted(ctx context.Context, pageID uuid.UUID) {
	registry.mu.Lock()
	var room *Room
	for _, candidate := range registry.rooms {
		if candidate.page.ID == pageID {
			room = candidate
			break
		}
	}
	registry.mu.Unlock()

	if room != nil {
		room.enqueue(roomMsg{kind: msgDeleted})
	}
}

// LinksUpdated fans a links_updated frame into the page's room, if live.
// Called by the derive dispatcher after it changed stored links.
func (registry *Registry) LinksUpdated(ctx context.Context, pageExternalID string) {
	registry.mu.Lock()
	room := registry.rooms[RoomID(pageExternalID)]
	registry.mu.Unlock()

	if room != nil {
		room.enqueue(roomMsg{kind: msgFrame, frame: linksUpdatedFrame(pageExternalID)})
	}
}

func (registry *Registry) roomsOfProject(projectID uuid.UUID) []*Room {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var rooms []*Room
	for _, room := range registry.rooms {
		if room.page.ProjectID == projectID {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// tryRemove atomically checks that the room has nothing queued and unlists
// it. After it returns true nothing can reach the room anymore.
func (registry *Registry) tryRemove(room *Room) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()

	if len(room.queue) > 0 {
		return false
	}
	room.stopping = true
	delete(registry.rooms, room.id)
	return true
}

// forceRemove unlists the room regardless of queued messages. The room
// rejects whatever is still queued.
func (registry *Registry) forceRemove(room *Room) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()

	room.stopping = true
	delete(registry.rooms, room.id)
}
