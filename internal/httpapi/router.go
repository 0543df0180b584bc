// Package httpapi is the external adapter of spec.md §2/§6.2: a
// gorilla/mux router that accepts HTTP and WebSocket connections, and
// feeds them into the room/repository core. None of this package's logic
// is part of the CRDT or room invariants — it only translates transport
// events into Room/Repository calls.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/collabcrdt/server/internal/config"
	"github.com/collabcrdt/server/internal/repository"
	"github.com/collabcrdt/server/internal/room"
	"github.com/collabcrdt/server/internal/transport"
	"github.com/collabcrdt/server/internal/wire"
)

// Server wires a Repository and Config into an http.Handler.
type Server struct {
	repo      *repository.Repository
	cfg       config.Config
	logger    *slog.Logger
	startedAt time.Time
	upgrader  websocket.Upgrader
}

// NewServer builds the router. startedAt feeds the /resource/stats uptime
// figure.
func NewServer(repo *repository.Repository, cfg config.Config, logger *slog.Logger, startedAt time.Time) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		repo:      repo,
		cfg:       cfg,
		logger:    logger,
		startedAt: startedAt,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the *mux.Router per spec.md §6.2.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	resource := r.PathPrefix("/resource").Subrouter()
	resource.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	resource.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	resource.HandleFunc("/room", s.handleCreateRoom).Methods(http.MethodPost)
	resource.HandleFunc("/room/{roomId}", s.handleGetRoom).Methods(http.MethodGet)
	resource.HandleFunc("/room/{roomId}/ws", s.handleWebSocket)
	return r
}

type roomSettings struct {
	DocumentLimit    int `json:"documentLimit"`
	HeartbitInterval int `json:"heartbitInterval"`
}

type roomModel struct {
	RoomID   string           `json:"roomId"`
	Events   []wire.CrdtEvent `json:"events"`
	Settings roomSettings     `json:"settings"`
}

func (s *Server) settings() roomSettings {
	return roomSettings{
		DocumentLimit:    s.cfg.DocumentLengthLimit,
		HeartbitInterval: int(s.cfg.HeartbitInterval.Seconds()),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	activeRooms, activeUsers := s.repo.Stats(ctx)
	bucket := time.Now().Unix() / 30
	totalRooms, err := s.repo.TotalRooms(bucket)
	if err != nil {
		s.logger.Error("failed to compute total rooms", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeRooms":   activeRooms,
		"activeUsers":   activeUsers,
		"totalRooms":    totalRooms,
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	created := s.repo.Create()
	writeJSON(w, http.StatusOK, roomModel{
		RoomID:   created.ID,
		Events:   []wire.CrdtEvent{},
		Settings: s.settings(),
	})
}

// getRoomOrNotFound reproduces the original's get_room_or_throw shape
// (spec.md's "return current {...} or 404", original_source's concrete
// exists-then-get pattern): a 404 is written and nil returned when the
// room is unknown.
func (s *Server) getRoomOrNotFound(w http.ResponseWriter, r *http.Request, roomID string) *room.Room {
	if !s.repo.Exists(roomID) {
		http.Error(w, "room not found", http.StatusNotFound)
		return nil
	}
	got, err := s.repo.Get(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
		} else {
			s.logger.Error("failed to load room", "room", roomID, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return nil
	}
	return got
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	got := s.getRoomOrNotFound(w, r, roomID)
	if got == nil {
		return
	}

	events, err := got.Events(r.Context(), 0)
	if err != nil {
		s.logger.Error("failed to read room events", "room", roomID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, roomModel{
		RoomID:   roomID,
		Events:   wire.EventsFromCrdt(events),
		Settings: s.settings(),
	})
}

func parseOffset(r *http.Request) int {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
