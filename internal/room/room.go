// Package room implements the Room and Site components of spec.md §4.2-§4.3:
// the orchestration of connected sites, the event log, and the document for
// one collaboratively edited room.
//
// Concurrency model: spec.md §9 notes that a target implementation may give
// each room its own serial execution context "so that inter-room work
// parallelizes while intra-room invariants remain trivially safe" and that,
// if chosen, the §5 "snapshot-then-iterate-with-re-check" rules collapse
// into the channel's natural serialization. Room follows that path: all
// state (sites, the event log, the document) is touched exclusively by one
// goroutine (run), and every exported method is a synchronous round trip
// through a command channel. Site.Send does not block on network I/O (see
// internal/transport), so the actor's command loop never suspends
// mid-operation; spec.md's re-check rule is satisfied trivially because
// there is nothing to race with.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/collabcrdt/server/internal/crdt"
	"github.com/collabcrdt/server/internal/wire"
)

// Limits are the per-room caps from spec.md §3/§6.4.
type Limits struct {
	EventsLimit         int
	SitesLimit          int
	DocumentLengthLimit int
	CompactionThreshold int
}

// Room orchestrates sites, the event log, and the document for one shared
// document. The sites, log and doc fields are actor-exclusive: never read
// or written outside a closure run on the room's own goroutine.
type Room struct {
	ID     string
	Limits Limits

	logger *slog.Logger

	sites map[uint32]*Site
	log   []crdt.Event
	doc   *crdt.Document

	cmds      chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// New returns an empty room and starts its actor goroutine.
func New(id string, limits Limits, logger *slog.Logger) *Room {
	r := newRoom(id, limits, logger)
	go r.run()
	return r
}

// NewFromText seeds a room from a stored text snapshot: one synthetic
// insert per character, using crdt.UtilSiteID as the originator and
// monotonically increasing counters, each anchored to the previous
// character. It asserts the materialized result equals the input before
// returning (spec.md §4.3, §8 property 7).
func NewFromText(id string, text string, limits Limits, logger *slog.Logger) (*Room, error) {
	r := newRoom(id, limits, logger)

	var prevGID crdt.GlobalID
	hasPrev := false
	var counter uint64
	for _, ch := range text {
		gid := crdt.GlobalID{Counter: counter, SiteID: crdt.UtilSiteID}
		var ev crdt.Event
		if hasPrev {
			ev = crdt.NewInsert(gid, ch, prevGID, true)
		} else {
			ev = crdt.NewInsertAtHead(gid, ch)
		}
		if err := r.doc.Apply(ev); err != nil {
			return nil, fmt.Errorf("room: seed %q from text: %w", id, err)
		}
		r.log = append(r.log, ev)
		prevGID = gid
		hasPrev = true
		counter++
	}

	if got := r.doc.Materialize(); got != text {
		return nil, fmt.Errorf("room: seeded document for %q does not round-trip: got %q, want %q", id, got, text)
	}

	go r.run()
	return r, nil
}

func newRoom(id string, limits Limits, logger *slog.Logger) *Room {
	if logger == nil {
		logger = slog.Default()
	}
	return &Room{
		ID:     id,
		Limits: limits,
		logger: logger,
		sites:  make(map[uint32]*Site),
		doc:    crdt.NewDocument(),
		cmds:   make(chan func()),
		closed: make(chan struct{}),
	}
}

func (r *Room) run() {
	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-r.closed:
			return
		}
	}
}

// do submits fn to the room's actor goroutine and blocks until it has run.
func (r *Room) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case r.cmds <- func() { fn(); close(done) }:
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the room's actor goroutine. Called by the repository
// after a final flush, when offloading a room.
func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *Room) sortedSiteIDs() []uint32 {
	ids := make([]uint32, 0, len(r.sites))
	for id := range r.sites {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NextSiteID returns max(siteIds-seen, siteIds-connected)+1, so a newly
// connected site can never collide with any past or present participant.
// siteId 0 is reserved for the synthetic snapshot-seeding originator, so
// this always returns at least 1, even for a brand-new empty room.
func (r *Room) NextSiteID(ctx context.Context) (uint32, error) {
	var out uint32
	err := r.do(ctx, func() { out = r.nextSiteIDLocked() })
	return out, err
}

func (r *Room) nextSiteIDLocked() uint32 {
	var maxSeen uint32
	for _, e := range r.log {
		if e.GID.SiteID > maxSeen {
			maxSeen = e.GID.SiteID
		}
	}
	for id := range r.sites {
		if id > maxSeen {
			maxSeen = id
		}
	}
	return maxSeen + 1
}

// Connect registers site, sends it the catch-up batch log[offset:], then
// sends it the last known presence of every currently registered peer.
func (r *Room) Connect(ctx context.Context, site *Site, offset int) error {
	var opErr error
	if err := r.do(ctx, func() { opErr = r.connectLocked(ctx, site, offset) }); err != nil {
		return err
	}
	return opErr
}

// ConnectNewSite allocates the next siteId and registers it in the same
// actor turn, so two clients joining concurrently can never be handed the
// same id by NextSiteID before either has a chance to register: here the
// allocation and the registration that makes the id "taken" happen without
// an intervening suspension, the way the original computes and uses an id
// in one step.
func (r *Room) ConnectNewSite(ctx context.Context, transport Transport, offset int) (*Site, error) {
	var site *Site
	var opErr error
	if err := r.do(ctx, func() {
		id := r.nextSiteIDLocked()
		s := NewSite(id, transport)
		if opErr = r.connectLocked(ctx, s, offset); opErr == nil {
			site = s
		}
	}); err != nil {
		return nil, err
	}
	return site, opErr
}

func (r *Room) connectLocked(ctx context.Context, site *Site, offset int) error {
	if _, exists := r.sites[site.ID]; exists {
		return ErrAlreadyConnected
	}
	if len(r.sites) >= r.Limits.SitesLimit {
		return ErrRoomFull
	}

	r.sites[site.ID] = site
	r.logger.Info("site connected", "room", r.ID, "site", site.ID)

	if offset < 0 || offset > len(r.log) {
		offset = 0
	}
	catchUp := wire.Message{CrdtEvents: wire.EventsFromCrdt(r.log[offset:])}
	if err := site.Send(ctx, catchUp); err != nil {
		r.disconnectLocked(ctx, site.ID)
		return nil
	}

	// Snapshot-then-iterate-with-re-check (spec.md §5): other sites may in
	// principle disconnect between sends. Under the actor model this
	// cannot actually happen mid-loop (nothing else runs concurrently with
	// this closure), but the re-check is kept anyway so the code reads the
	// same under either concurrency model.
	for _, otherID := range r.sortedSiteIDs() {
		if otherID == site.ID {
			continue
		}
		other, stillConnected := r.sites[otherID]
		if !stillConnected {
			continue
		}
		presence := other.LastPresence()
		if presence == nil {
			continue
		}
		if err := site.Send(ctx, wire.Message{SitePresence: presence}); err != nil {
			r.disconnectLocked(ctx, site.ID)
			return nil
		}
	}
	return nil
}

// ApplyEvents appends a batch of CRDT events to the log and document and
// broadcasts it to every peer except sender. sender must be connected and
// must have advertised presence; every Insert in the batch must carry
// sender as its gid's siteId.
func (r *Room) ApplyEvents(ctx context.Context, events []crdt.Event, sender uint32) error {
	var opErr error
	if err := r.do(ctx, func() { opErr = r.applyEventsLocked(ctx, events, sender) }); err != nil {
		return err
	}
	return opErr
}

func (r *Room) applyEventsLocked(ctx context.Context, events []crdt.Event, sender uint32) error {
	site, ok := r.sites[sender]
	if !ok || site.LastPresence() == nil {
		return ErrProtocolViolation
	}
	for _, e := range events {
		if e.Type == crdt.EventInsert && e.GID.SiteID != sender {
			return ErrProtocolViolation
		}
	}

	if len(r.log)+len(events) > r.Limits.EventsLimit {
		return ErrLogFull
	}

	for _, e := range events {
		if err := r.doc.Apply(e); err != nil {
			r.logger.Error("bug: accepted event failed to apply", "room", r.ID, "event", e, "err", err)
			return fmt.Errorf("room: apply event: %w", err)
		}
	}
	r.log = append(r.log, events...)

	r.broadcastLocked(ctx, wire.Message{CrdtEvents: wire.EventsFromCrdt(events)}, sender)
	return nil
}

// ApplyPresence replaces sender's advertised presence and broadcasts it to
// every site, including the sender (so the sender receives a
// server-validated echo).
func (r *Room) ApplyPresence(ctx context.Context, presence wire.Presence, sender uint32) error {
	var opErr error
	if err := r.do(ctx, func() { opErr = r.applyPresenceLocked(ctx, presence, sender) }); err != nil {
		return err
	}
	return opErr
}

func (r *Room) applyPresenceLocked(ctx context.Context, presence wire.Presence, sender uint32) error {
	if presence.SiteID != sender {
		return ErrProtocolViolation
	}
	site, ok := r.sites[sender]
	if !ok {
		return ErrProtocolViolation
	}

	p := presence
	site.lastPresence = &p
	// except=0: siteId 0 is never a connected real site, so this
	// broadcasts to every site including the sender.
	r.broadcastLocked(ctx, wire.Message{SitePresence: &p}, crdt.UtilSiteID)
	return nil
}

// broadcastLocked iterates a snapshot of connected sites, sending msg to
// every one of them except the site identified by except (crdt.UtilSiteID
// to mean "no exclusion", since that id is never a connected real site).
// A send failure disconnects that site on the spot and continues with the
// rest of the cohort.
func (r *Room) broadcastLocked(ctx context.Context, msg wire.Message, except uint32) {
	for _, id := range r.sortedSiteIDs() {
		if id == except {
			continue
		}
		site, ok := r.sites[id]
		if !ok {
			continue
		}
		if err := site.Send(ctx, msg); err != nil {
			r.logger.Warn("broadcast failed, disconnecting site", "room", r.ID, "site", id, "err", err)
			r.disconnectLocked(ctx, id)
		}
	}
}

// Disconnect removes siteId from the room, closing its transport and
// notifying the remaining sites. No-op if siteId is absent.
func (r *Room) Disconnect(ctx context.Context, siteID uint32) error {
	return r.do(ctx, func() { r.disconnectLocked(ctx, siteID) })
}

func (r *Room) disconnectLocked(ctx context.Context, siteID uint32) {
	site, ok := r.sites[siteID]
	if !ok {
		return
	}
	site.Close()
	delete(r.sites, siteID)
	r.logger.Info("site disconnected", "room", r.ID, "site", siteID)
	r.broadcastLocked(ctx, wire.Message{SiteDisconnected: &wire.SiteDisconnected{SiteID: siteID}}, crdt.UtilSiteID)
}

// GCSites disconnects every site whose transport is no longer alive.
func (r *Room) GCSites(ctx context.Context) error {
	return r.do(ctx, func() {
		for _, id := range r.sortedSiteIDs() {
			site, ok := r.sites[id]
			if ok && !site.IsAlive() {
				r.disconnectLocked(ctx, id)
			}
		}
	})
}

// DisconnectAllForCompaction broadcasts {compactionRequired:true} and then
// disconnects every site, in preparation for the repository offloading and
// later reloading this room from a fresh snapshot (spec.md §4.4 compact).
func (r *Room) DisconnectAllForCompaction(ctx context.Context) error {
	return r.do(ctx, func() {
		r.broadcastLocked(ctx, wire.Message{CompactionRequired: true}, crdt.UtilSiteID)
		for _, id := range r.sortedSiteIDs() {
			r.disconnectLocked(ctx, id)
		}
	})
}

// Materialize returns the document's current visible text.
func (r *Room) Materialize(ctx context.Context) (string, error) {
	var out string
	err := r.do(ctx, func() { out = r.doc.Materialize() })
	return out, err
}

// EventsLen returns the current event log length.
func (r *Room) EventsLen(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, func() { n = len(r.log) })
	return n, err
}

// Events returns a copy of the event log from offset onward.
func (r *Room) Events(ctx context.Context, offset int) ([]crdt.Event, error) {
	var out []crdt.Event
	err := r.do(ctx, func() {
		if offset < 0 || offset > len(r.log) {
			offset = 0
		}
		out = append([]crdt.Event(nil), r.log[offset:]...)
	})
	return out, err
}

// HasActiveSites reports whether any site is currently connected.
func (r *Room) HasActiveSites(ctx context.Context) (bool, error) {
	var has bool
	err := r.do(ctx, func() { has = len(r.sites) > 0 })
	return has, err
}

// SiteCount returns the number of currently connected sites.
func (r *Room) SiteCount(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, func() { n = len(r.sites) })
	return n, err
}
