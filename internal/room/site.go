package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/collabcrdt/server/internal/wire"
)

// Transport is the bidirectional text-frame channel a Site speaks over.
// internal/transport provides the gorilla/websocket-backed implementation;
// tests use an in-memory fake. This is the "external adapter" contract
// spec.md §2/§6.1 leaves to the caller: the core only requires a
// bidirectional text-frame transport per participant.
type Transport interface {
	// Send enqueues frame for delivery. It must not block on network I/O;
	// implementations decouple the actual write onto a per-connection
	// writer so a slow peer cannot stall the room that owns this site.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until the next frame arrives, ctx is cancelled, or the
	// transport fails.
	Receive(ctx context.Context) ([]byte, error)
	// Close is a best-effort, idempotent close of the underlying
	// connection.
	Close() error
	// IsAlive reports whether the transport is still fully established.
	IsAlive() bool
}

// ErrDisconnected wraps any transport failure observed by a Site.
type ErrDisconnected struct {
	Cause error
}

func (e *ErrDisconnected) Error() string {
	if e.Cause == nil {
		return "room: disconnected"
	}
	return fmt.Sprintf("room: disconnected: %v", e.Cause)
}

func (e *ErrDisconnected) Unwrap() error { return e.Cause }

func disconnected(cause error) error { return &ErrDisconnected{Cause: cause} }

// Site is one connected participant: a siteId, its transport handle, and
// its most recently advertised presence payload.
type Site struct {
	ID        uint32
	transport Transport

	lastPresence *wire.Presence
}

// NewSite wraps transport under the given siteId.
func NewSite(id uint32, transport Transport) *Site {
	return &Site{ID: id, transport: transport}
}

// Send serializes msg and pushes it to the transport. Any transport error
// is reported as ErrDisconnected.
func (s *Site) Send(ctx context.Context, msg wire.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("room: marshal message for site %d: %w", s.ID, err)
	}
	if err := s.transport.Send(ctx, b); err != nil {
		return disconnected(err)
	}
	return nil
}

// Receive pulls one text frame and parses it into a wire.Message. Any
// transport error is reported as ErrDisconnected; a malformed payload is
// reported as a wrapped JSON error (caller treats it as ProtocolViolation).
func (s *Site) Receive(ctx context.Context) (wire.Message, error) {
	raw, err := s.transport.Receive(ctx)
	if err != nil {
		return wire.Message{}, disconnected(err)
	}
	var msg wire.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return wire.Message{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return msg, nil
}

// Close best-effort closes the transport; idempotent, swallows transport
// errors.
func (s *Site) Close() {
	_ = s.transport.Close()
}

// IsAlive reports whether the transport is fully established for both
// peers.
func (s *Site) IsAlive() bool {
	return s.transport.IsAlive()
}

// HeartbeatLoop sends a {heartbit:true} frame every interval until the
// transport fails or ctx is cancelled. It is meant to run in its own
// goroutine for the lifetime of a session.
func (s *Site) HeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Send(ctx, wire.Message{Heartbit: true}); err != nil {
				return
			}
		}
	}
}

// LastPresence returns the most recently applied presence payload, or nil
// if the site has never advertised one.
func (s *Site) LastPresence() *wire.Presence {
	return s.lastPresence
}
