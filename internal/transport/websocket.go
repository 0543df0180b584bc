// Package transport implements room.Transport over a gorilla/websocket
// connection: a writePump goroutine keeps Site.Send non-blocking (spec.md
// §9 suspension-point rules) by decoupling the actual socket write onto its
// own goroutine fed by a buffered channel. Reads are not pumped: Receive
// reads on the caller's goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// sendBufferSize bounds how many outbound frames can queue for a slow
	// reader before Send starts failing instead of blocking the room actor.
	sendBufferSize = 256

	writeWait = 10 * time.Second
)

// WebSocket adapts a *websocket.Conn to room.Transport. Outbound frames are
// queued onto a buffered channel and written by a dedicated writePump
// goroutine; Send itself only ever enqueues and never touches the network.
type WebSocket struct {
	conn *websocket.Conn

	outbox chan []byte
	done   chan struct{}
	alive  atomic.Bool

	// readDeadlineDur holds the duration last passed to SetReadDeadline
	// (nanoseconds, 0 means disabled), so both Receive and the pong
	// handler can re-arm the connection's absolute deadline without a
	// shared mutex.
	readDeadlineDur atomic.Int64

	closeOnce sync.Once
	pingOnce  sync.Once
}

// NewWebSocket wraps conn and starts its writer goroutine. It installs a
// pong handler that re-arms the read deadline, matching the original's
// uvicorn ws_ping_interval/ws_ping_timeout liveness: call StartPing to have
// this side emit real WebSocket pings, and SetReadDeadline to establish the
// window each pong (or ordinary read) must land within.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{
		conn:   conn,
		outbox: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	ws.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		ws.armReadDeadline()
		return nil
	})
	go ws.writePump()
	return ws
}

// armReadDeadline re-applies the last duration passed to SetReadDeadline,
// measured from now. A no-op once deadlines are disabled (duration <= 0).
func (ws *WebSocket) armReadDeadline() {
	d := time.Duration(ws.readDeadlineDur.Load())
	if d <= 0 {
		return
	}
	_ = ws.conn.SetReadDeadline(time.Now().Add(d))
}

// StartPing launches a goroutine that writes a real WebSocket ping control
// frame every interval until the connection closes. gorilla/websocket lets
// WriteControl run concurrently with WriteMessage, so this never contends
// with writePump. The peer's stack answers automatically with a pong,
// which ReadMessage intercepts even while a session is blocked waiting for
// the next data frame, invoking the handler installed in NewWebSocket and
// re-arming the read deadline for otherwise-idle sessions.
func (ws *WebSocket) StartPing(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ws.pingOnce.Do(func() { go ws.pingLoop(interval) })
}

func (ws *WebSocket) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (ws *WebSocket) writePump() {
	for {
		select {
		case frame, ok := <-ws.outbox:
			if !ok {
				return
			}
			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				ws.alive.Store(false)
				return
			}
		case <-ws.done:
			return
		}
	}
}

// Send enqueues frame for the writer goroutine. It never blocks on network
// I/O; if the outbox is full (a stalled peer) it fails fast rather than
// backing up the room actor.
func (ws *WebSocket) Send(ctx context.Context, frame []byte) error {
	if !ws.alive.Load() {
		return errors.New("transport: connection closed")
	}
	select {
	case ws.outbox <- frame:
		return nil
	case <-ws.done:
		return errors.New("transport: connection closed")
	default:
		return fmt.Errorf("transport: outbox full, peer too slow")
	}
}

// Receive blocks on the underlying connection's next text frame, re-arming
// the read deadline on success so a session that keeps receiving frames (or
// pongs, via the handler installed in NewWebSocket) never times out.
// Cancelling ctx expires the read deadline, so Receive returns ctx's error.
func (ws *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = ws.conn.SetReadDeadline(time.Now()) })
	defer stop()
	_, data, err := ws.conn.ReadMessage()
	if err != nil {
		ws.alive.Store(false)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	ws.armReadDeadline()
	return data, nil
}

// SetReadDeadline establishes the read deadline window (spec.md §6.4
// heartbitInterval) and applies it immediately; armReadDeadline re-applies
// the same duration on every later successful read or pong.
func (ws *WebSocket) SetReadDeadline(d time.Duration) error {
	ws.readDeadlineDur.Store(int64(d))
	if d <= 0 {
		return nil
	}
	return ws.conn.SetReadDeadline(time.Now().Add(d))
}

// Close idempotently tears down the writer goroutine and the socket.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.alive.Store(false)
		close(ws.done)
		err = ws.conn.Close()
	})
	return err
}

// IsAlive reports whether the connection is still considered established.
func (ws *WebSocket) IsAlive() bool {
	return ws.alive.Load()
}
