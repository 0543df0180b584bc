package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/collabcrdt/server/internal/room"
	"github.com/collabcrdt/server/internal/transport"
	"github.com/collabcrdt/server/internal/wire"
)

// handleWebSocket drives one site's session end to end, following the
// handshake in spec.md §6.1 (and original_source's websocket_endpoint):
// upgrade, claim the room's snapshot file, connect with catch-up, await
// the literal "Hello" frame, send setSiteId, start the heartbeat, then
// loop applying crdtEvents/sitePresence until the connection dies. Every
// exit path disconnects the site and stops the heartbeat.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	ctx := r.Context()

	r0 := s.getRoomOrNotFound(w, r, roomID)
	if r0 == nil {
		return
	}

	// sessionID is a log-correlation id only; it never appears on the wire
	// and has no bearing on siteId allocation (spec.md §3 reserves that to
	// the room). Grounded on the teacher pack's per-connection uuid client
	// id pattern (M-Faraz3110-codellab-editor's Client.ID).
	sessionID := uuid.NewString()
	logger := s.logger.With("session", sessionID, "room", roomID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "err", err)
		return
	}

	if err := s.repo.Claim(ctx, roomID); err != nil {
		logger.Error("failed to claim room", "err", err)
	}

	ws := transport.NewWebSocket(conn)
	_ = ws.SetReadDeadline(2 * s.cfg.HeartbitInterval)
	ws.StartPing(s.cfg.HeartbitInterval)

	site, err := r0.ConnectNewSite(ctx, ws, parseOffset(r))
	if err != nil {
		logger.Warn("connect refused", "err", err)
		ws.Close()
		return
	}

	s.runSession(ctx, r0, site, ws, logger)
}

func (s *Server) runSession(ctx context.Context, r *room.Room, site *room.Site, ws *transport.WebSocket, logger *slog.Logger) {
	logger = logger.With("site", site.ID)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		_ = r.Disconnect(ctx, site.ID)
	}()

	if err := receiveHello(sessionCtx, ws); err != nil {
		logger.Warn("session ended before hello", "err", err)
		return
	}

	if err := site.Send(sessionCtx, wire.Message{SetSiteID: &wire.SetSiteID{SiteID: site.ID}}); err != nil {
		logger.Warn("failed to send setSiteId", "err", err)
		return
	}

	go site.HeartbeatLoop(sessionCtx, s.cfg.HeartbitInterval)

	for {
		msg, err := site.Receive(sessionCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Info("session ended", "err", err)
			}
			return
		}

		if err := s.dispatch(sessionCtx, r, site.ID, msg); err != nil {
			if errors.Is(err, room.ErrLogFull) {
				logger.Error("event log full, tearing down session", "err", err)
			} else {
				logger.Warn("protocol violation, tearing down session", "err", err)
			}
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, r *room.Room, siteID uint32, msg wire.Message) error {
	switch {
	case msg.CrdtEvents != nil:
		events, err := wire.EventsToCrdt(msg.CrdtEvents)
		if err != nil {
			return fmt.Errorf("decode crdtEvents: %w", err)
		}
		if err := r.ApplyEvents(ctx, events, siteID); err != nil {
			return err
		}
		if err := s.repo.TryCompact(ctx, r.ID); err != nil {
			s.logger.Error("compaction attempt failed", "room", r.ID, "err", err)
		}
		return nil
	case msg.SitePresence != nil:
		return r.ApplyPresence(ctx, *msg.SitePresence, siteID)
	default:
		return errors.New("frame carries neither crdtEvents nor sitePresence")
	}
}

// receiveHello reads the raw first frame directly from the transport,
// since "Hello" is not valid JSON and must be compared as plain text
// (spec.md §6.1 step 3), not run through Site.Receive's JSON decoder.
func receiveHello(ctx context.Context, ws *transport.WebSocket) error {
	raw, err := ws.Receive(ctx)
	if err != nil {
		return err
	}
	if string(raw) != "Hello" {
		return fmt.Errorf("first frame must be the literal text \"Hello\", got %q", raw)
	}
	return nil
}
