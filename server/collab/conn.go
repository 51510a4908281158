// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Conn is one websocket connection in a room. The room goroutine owns its
// membership state (user, read-only flag); the connection owns its send side
// through a single writer goroutine, so frames to one client never interleave.
type Conn struct {
	log *zap.Logger
	ws  *websocket.Conn

	user     console.User
	readOnly bool

	writeTimeout  time.Duration
	maxUpdateSize int64
	sendQueue     chan outFrame
	closeOnce     sync.Once
	closed        chan struct{}
}

type outFrame struct {
	messageType int
	data        []byte
	closeCode   int
}

func newConn(log *zap.Logger, ws *websocket.Conn, config Config) *Conn {
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	queue := config.SendQueue
	if queue < 8 {
		queue = 8
	}
	return &Conn{
		log:           log,
		ws:            ws,
		writeTimeout:  writeTimeout,
		maxUpdateSize: config.MaxUpdateSize,
		sendQueue:     make(chan outFrame, queue),
		closed:        make(chan struct{}),
	}
}

// writePump is the only goroutine writing to the socket. It exits when a
// close frame goes out, a write fails, or the connection is aborted, and
// closing the socket then unblocks the read side.
func (conn *Conn) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = conn.ws.Close()
	}()

	for {
		select {
		case <-conn.closed:
			return

		case frame := <-conn.sendQueue:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(conn.writeTimeout))
			if frame.messageType == websocket.CloseMessage {
				_ = conn.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(frame.closeCode, ""))
				conn.abort()
				return
			}
			if err := conn.ws.WriteMessage(frame.messageType, frame.data); err != nil {
				conn.abort()
				return
			}

		case <-ping.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(conn.writeTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.abort()
				return
			}
		}
	}
}

// readPump feeds inbound frames into the room until the connection dies,
// then detaches. Binary frames are document updates; there is no
// client-to-server text vocabulary, so text frames are dropped.
func (conn *Conn) readPump(room *Room) {
	defer func() {
		room.enqueue(roomMsg{kind: msgLeave, conn: conn})
		conn.abort()
	}()

	conn.ws.SetReadLimit(conn.maxUpdateSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if !room.enqueue(roomMsg{kind: msgUpdate, conn: conn, blob: data}) {
			return
		}
	}
}

func (conn *Conn) send(frame outFrame) {
	select {
	case conn.sendQueue <- frame:
	case <-conn.closed:
	default:
		// Queue full means the client stopped reading. Cut it loose rather
		// than block the room on it.
		conn.log.Warn("dropping stuck connection", zap.String("user", conn.user.ExternalID))
		conn.abort()
	}
}

func (conn *Conn) sendBinary(data []byte) {
	conn.send(outFrame{messageType: websocket.BinaryMessage, data: data})
}

func (conn *Conn) sendText(data []byte) {
	conn.send(outFrame{messageType: websocket.TextMessage, data: data})
}

func (conn *Conn) sendClose(code int) {
	conn.send(outFrame{messageType: websocket.CloseMessage, closeCode: code})
}

// reject sends the error frame and then the close frame. The upgrade has
// already been accepted by the time any rejection happens, so the client
// always learns why it is being dropped.
func (conn *Conn) reject(frame Frame, closeCode int) {
	conn.sendText(frame.encode())
	conn.sendClose(closeCode)
}

func (conn *Conn) abort() {
	conn.closeOnce.Do(func() { close(conn.closed) })
}
