// Package repository implements RoomRepository from spec.md §4.4: the
// process-wide registry of live rooms, their on-disk gzip snapshots, and
// the compaction/offload/TTL-purge operations that keep memory bounded.
//
// RoomRepository.rooms is the single point of shared mutation (spec.md §5);
// every exported method takes repo.mu before touching it. Individual rooms
// still serialize their own state through their actor goroutine (see
// internal/room), so the repository's lock only ever guards the map itself,
// never a room's internals.
package repository

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/collabcrdt/server/internal/idgen"
	"github.com/collabcrdt/server/internal/room"
)

// ErrRoomNotFound is returned by Get when roomId names neither a live room
// nor an on-disk snapshot.
var ErrRoomNotFound = errors.New("repository: room not found")

// Config mirrors the roomXxx/flushInterval/roomTtlDays options of spec.md
// §6.4. TTLDays == nil disables stale-room purging.
type Config struct {
	Root                string
	RoomEventsLimit     int
	RoomSitesLimit      int
	DocumentLengthLimit int
	CompactionThreshold int
	RoomNameLength      int
	TTLDays             *int
	FlushInterval       time.Duration
}

// Repository is the process-wide room registry and persistence layer.
type Repository struct {
	cfg    Config
	logger *slog.Logger

	mu                sync.Mutex
	rooms             map[string]*room.Room
	eventsAtLastFlush map[string]int

	totalRoomsMu     sync.Mutex
	totalRoomsBucket int64
	totalRoomsCached int
	totalRoomsValid  bool
}

// New creates the repository, ensuring cfg.Root exists.
func New(cfg Config, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("repository: create root %q: %w", cfg.Root, err)
	}
	return &Repository{
		cfg:               cfg,
		logger:            logger,
		rooms:             make(map[string]*room.Room),
		eventsAtLastFlush: make(map[string]int),
	}, nil
}

func (repo *Repository) limits() room.Limits {
	return room.Limits{
		EventsLimit:         repo.cfg.RoomEventsLimit,
		SitesLimit:          repo.cfg.RoomSitesLimit,
		DocumentLengthLimit: repo.cfg.DocumentLengthLimit,
		CompactionThreshold: repo.cfg.CompactionThreshold,
	}
}

func (repo *Repository) roomPath(roomID string) string {
	return filepath.Join(repo.cfg.Root, roomID+".txt.gz")
}

// Create allocates a fresh empty room with a freshly generated phonetic id
// and registers it in memory. No file is written yet: a room abandoned
// before anyone connects costs no I/O.
func (repo *Repository) Create() *room.Room {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	nameLen := repo.cfg.RoomNameLength
	if nameLen <= 0 {
		nameLen = idgen.DefaultRoomNameLength
	}
	var roomID string
	for {
		roomID = idgen.PhoneticName(nameLen)
		if _, exists := repo.rooms[roomID]; !exists {
			break
		}
	}

	r := room.New(roomID, repo.limits(), repo.logger)
	repo.rooms[roomID] = r
	return r
}

// Claim persists an initial snapshot for roomId if none exists yet. This is
// what lets Create stay I/O-free: the first caller to actually use a room
// (the websocket session handler, right after upgrade) pays for the file
// write.
func (repo *Repository) Claim(ctx context.Context, roomID string) error {
	if _, err := os.Stat(repo.roomPath(roomID)); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("repository: stat %q: %w", roomID, err)
	}

	repo.mu.Lock()
	r, ok := repo.rooms[roomID]
	repo.mu.Unlock()
	if !ok {
		return fmt.Errorf("repository: claim %q: %w", roomID, ErrRoomNotFound)
	}

	repo.logger.Info("claiming room, was never flushed", "room", roomID)
	return repo.flush(ctx, roomID, r)
}

// Exists reports whether roomId names a live room or an on-disk snapshot.
func (repo *Repository) Exists(roomID string) bool {
	repo.mu.Lock()
	_, live := repo.rooms[roomID]
	repo.mu.Unlock()
	if live {
		return true
	}
	_, err := os.Stat(repo.roomPath(roomID))
	return err == nil
}

// Get returns the live room for roomId, loading it from its on-disk
// snapshot on first access.
func (repo *Repository) Get(ctx context.Context, roomID string) (*room.Room, error) {
	repo.mu.Lock()
	if r, ok := repo.rooms[roomID]; ok {
		repo.mu.Unlock()
		return r, nil
	}
	repo.mu.Unlock()

	if !repo.Exists(roomID) {
		return nil, fmt.Errorf("repository: get %q: %w", roomID, ErrRoomNotFound)
	}

	text, err := repo.readSnapshot(roomID)
	if err != nil {
		return nil, fmt.Errorf("repository: read snapshot %q: %w", roomID, err)
	}

	r, err := room.NewFromText(roomID, text, repo.limits(), repo.logger)
	if err != nil {
		return nil, fmt.Errorf("repository: seed %q from snapshot: %w", roomID, err)
	}

	n, err := r.EventsLen(ctx)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("repository: inspect seeded room %q: %w", roomID, err)
	}

	repo.mu.Lock()
	// Another goroutine may have loaded the same room while we were
	// reading disk; prefer whichever one got there first and discard ours.
	if existing, ok := repo.rooms[roomID]; ok {
		repo.mu.Unlock()
		r.Close()
		return existing, nil
	}
	repo.rooms[roomID] = r
	repo.eventsAtLastFlush[roomID] = n
	repo.mu.Unlock()

	repo.logger.Info("loaded room from disk", "room", roomID, "events", n)
	return r, nil
}

func (repo *Repository) readSnapshot(roomID string) (string, error) {
	f, err := os.Open(repo.roomPath(roomID))
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	b, err := io.ReadAll(gz)
	if err != nil {
		return "", fmt.Errorf("read gzip body: %w", err)
	}
	return string(b), nil
}

// Flush persists roomId's current text if it has changed since the last
// flush (spec.md §8 property 8: an unchanged room writes zero bytes).
func (repo *Repository) Flush(ctx context.Context, roomID string) error {
	repo.mu.Lock()
	r, ok := repo.rooms[roomID]
	repo.mu.Unlock()
	if !ok {
		return fmt.Errorf("repository: flush %q: %w", roomID, ErrRoomNotFound)
	}
	return repo.flush(ctx, roomID, r)
}

func (repo *Repository) flush(ctx context.Context, roomID string, r *room.Room) error {
	n, err := r.EventsLen(ctx)
	if err != nil {
		return fmt.Errorf("repository: inspect %q: %w", roomID, err)
	}

	repo.mu.Lock()
	last, tracked := repo.eventsAtLastFlush[roomID]
	repo.mu.Unlock()
	if tracked && n == last {
		repo.logger.Debug("skipping flush, nothing new", "room", roomID)
		return nil
	}

	text, err := r.Materialize(ctx)
	if err != nil {
		return fmt.Errorf("repository: materialize %q: %w", roomID, err)
	}

	start := time.Now()
	if err := repo.writeSnapshot(roomID, text); err != nil {
		return fmt.Errorf("repository: write snapshot %q: %w", roomID, err)
	}
	repo.logger.Info("persisted room", "room", roomID, "length", len(text), "took", time.Since(start))

	repo.mu.Lock()
	repo.eventsAtLastFlush[roomID] = n
	repo.mu.Unlock()
	return nil
}

func (repo *Repository) writeSnapshot(roomID, text string) error {
	f, err := os.Create(repo.roomPath(roomID))
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(text)); err != nil {
		gz.Close()
		return fmt.Errorf("write gzip body: %w", err)
	}
	return gz.Close()
}

// FlushAll flushes every live room, logging and continuing past any single
// failure (spec.md §4.4, §7 PersistenceFailure: a flush failure never
// removes a room from memory or blocks the others).
func (repo *Repository) FlushAll(ctx context.Context) {
	for roomID, r := range repo.snapshotRooms() {
		if err := repo.flush(ctx, roomID, r); err != nil {
			repo.logger.Error("failed to flush room, skipping", "room", roomID, "err", err)
		}
	}
}

// Offload flushes roomId best-effort, then drops it from memory.
func (repo *Repository) Offload(ctx context.Context, roomID string) {
	repo.mu.Lock()
	r, ok := repo.rooms[roomID]
	repo.mu.Unlock()
	if !ok {
		return
	}

	if err := repo.flush(ctx, roomID, r); err != nil {
		repo.logger.Error("failed to flush room during offload, continuing", "room", roomID, "err", err)
	}

	repo.mu.Lock()
	delete(repo.rooms, roomID)
	delete(repo.eventsAtLastFlush, roomID)
	repo.mu.Unlock()

	r.Close()
	repo.logger.Info("removed room from memory", "room", roomID)
}

// GC runs gcSites on every live room, then offloads any room left with no
// active sites. A per-room failure offloads that room defensively rather
// than stalling the sweep (spec.md §4.4 gc, §7 propagation policy).
func (repo *Repository) GC(ctx context.Context) {
	for roomID, r := range repo.snapshotRooms() {
		if err := repo.gcOne(ctx, roomID, r); err != nil {
			repo.logger.Error("failed to clean up room, offloading defensively", "room", roomID, "err", err)
			repo.Offload(ctx, roomID)
		}
	}
}

func (repo *Repository) gcOne(ctx context.Context, roomID string, r *room.Room) error {
	if err := r.GCSites(ctx); err != nil {
		return err
	}
	active, err := r.HasActiveSites(ctx)
	if err != nil {
		return err
	}
	if !active {
		repo.logger.Info("room is empty, removing from memory", "room", roomID)
		repo.Offload(ctx, roomID)
	}
	return nil
}

// TryCompact compacts roomId if its event log has grown past the
// configured compaction threshold.
func (repo *Repository) TryCompact(ctx context.Context, roomID string) error {
	repo.mu.Lock()
	r, ok := repo.rooms[roomID]
	repo.mu.Unlock()
	if !ok {
		return nil
	}

	n, err := r.EventsLen(ctx)
	if err != nil {
		return fmt.Errorf("repository: inspect %q: %w", roomID, err)
	}
	if n > repo.cfg.CompactionThreshold {
		return repo.Compact(ctx, roomID)
	}
	return nil
}

// Compact forces every connected site to resynchronize and discards the
// room's tombstone-laden history: it broadcasts {compactionRequired:true},
// disconnects every site, then offloads. The next Get reconstructs the
// room from a fresh snapshot with a tombstone-free log (spec.md §8
// property 9).
func (repo *Repository) Compact(ctx context.Context, roomID string) error {
	repo.mu.Lock()
	r, ok := repo.rooms[roomID]
	repo.mu.Unlock()
	if !ok {
		return nil
	}

	repo.logger.Warn("compacting room", "room", roomID)
	if err := r.DisconnectAllForCompaction(ctx); err != nil {
		return fmt.Errorf("repository: disconnect all for compaction %q: %w", roomID, err)
	}
	repo.Offload(ctx, roomID)
	return nil
}

// TotalRooms returns the union of on-disk snapshot stems and in-memory room
// ids, memoized per bucket: repeated calls within the same bucket are
// served from cache, and the count is recomputed only when bucket changes
// (spec.md §4.4 totalRooms; bucket is typically a coarse wall-clock tick
// supplied by the caller, e.g. time.Now().Unix()/60).
func (repo *Repository) TotalRooms(bucket int64) (int, error) {
	repo.totalRoomsMu.Lock()
	defer repo.totalRoomsMu.Unlock()

	if repo.totalRoomsValid && repo.totalRoomsBucket == bucket {
		return repo.totalRoomsCached, nil
	}

	entries, err := os.ReadDir(repo.cfg.Root)
	if err != nil {
		return 0, fmt.Errorf("repository: read root: %w", err)
	}

	stems := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".txt.gz") {
			stems[strings.TrimSuffix(name, ".txt.gz")] = struct{}{}
		}
	}

	repo.mu.Lock()
	for roomID := range repo.rooms {
		stems[roomID] = struct{}{}
	}
	repo.mu.Unlock()

	repo.totalRoomsBucket = bucket
	repo.totalRoomsCached = len(stems)
	repo.totalRoomsValid = true
	return repo.totalRoomsCached, nil
}

// PurgeStaleRooms removes every on-disk snapshot whose mtime is older than
// TTLDays. Never touches in-memory rooms, which are active by definition.
// A nil TTLDays disables purging entirely.
func (repo *Repository) PurgeStaleRooms() {
	if repo.cfg.TTLDays == nil {
		return
	}
	ttl := time.Duration(*repo.cfg.TTLDays) * 24 * time.Hour

	entries, err := os.ReadDir(repo.cfg.Root)
	if err != nil {
		repo.logger.Error("failed to list data root for TTL purge", "err", err)
		return
	}

	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age > ttl {
			path := filepath.Join(repo.cfg.Root, e.Name())
			if err := os.Remove(path); err != nil {
				repo.logger.Error("failed to remove stale room", "file", e.Name(), "err", err)
				continue
			}
			repo.logger.Info("removed stale room", "file", e.Name(), "age_days", age.Hours()/24)
		}
	}
}

// Stats reports the live-process counters behind the supplemented
// GET /resource/stats surface: how many rooms are currently resident in
// memory and how many sites are connected across all of them.
func (repo *Repository) Stats(ctx context.Context) (activeRooms, activeUsers int) {
	rooms := repo.snapshotRooms()
	activeRooms = len(rooms)
	for _, r := range rooms {
		n, err := r.SiteCount(ctx)
		if err != nil {
			continue
		}
		activeUsers += n
	}
	return activeRooms, activeUsers
}

func (repo *Repository) snapshotRooms() map[string]*room.Room {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	out := make(map[string]*room.Room, len(repo.rooms))
	for k, v := range repo.rooms {
		out[k] = v
	}
	return out
}
