// Package wire defines the JSON text-frame schema exchanged between a site
// and its room (spec.md §6.1), and the conversion to/from internal/crdt
// events. Every field is optional; absent/null fields are omitted on the
// wire via encoding/json's omitempty.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/collabcrdt/server/internal/crdt"
)

// GlobalID is the wire shape of crdt.GlobalID.
type GlobalID struct {
	Counter uint64 `json:"counter"`
	SiteID  uint32 `json:"siteId"`
}

func fromCrdtGID(g crdt.GlobalID) GlobalID {
	return GlobalID{Counter: g.Counter, SiteID: g.SiteID}
}

func (g GlobalID) toCrdt() crdt.GlobalID {
	return crdt.GlobalID{Counter: g.Counter, SiteID: g.SiteID}
}

// CrdtEvent is the wire shape of crdt.Event. Char is required iff
// Type == "insert"; AfterGID is only meaningful for inserts and is omitted
// when the insert has no anchor.
type CrdtEvent struct {
	Type     string    `json:"type"`
	GID      GlobalID  `json:"gid"`
	Char     *string   `json:"char,omitempty"`
	AfterGID *GlobalID `json:"afterGid,omitempty"`
}

// FromEvent converts an internal CRDT event to its wire representation.
func FromEvent(e crdt.Event) CrdtEvent {
	out := CrdtEvent{GID: fromCrdtGID(e.GID)}
	switch e.Type {
	case crdt.EventInsert:
		out.Type = "insert"
		s := string(e.Char)
		out.Char = &s
		if e.HasAfterGID {
			g := fromCrdtGID(e.AfterGID)
			out.AfterGID = &g
		}
	case crdt.EventDelete:
		out.Type = "delete"
	}
	return out
}

// ToEvent converts a wire event to its internal representation. It rejects
// an insert whose Char is not exactly one rune (ErrMalformedInsert via the
// document layer is reserved for the document's own invariant checks; this
// is wire-level validation before an event ever reaches the document).
func (c CrdtEvent) ToEvent() (crdt.Event, error) {
	gid := c.GID.toCrdt()
	switch c.Type {
	case "insert":
		if c.Char == nil {
			return crdt.Event{}, fmt.Errorf("wire: insert event missing char")
		}
		chars := []rune(*c.Char)
		if len(chars) != 1 {
			return crdt.Event{}, fmt.Errorf("wire: insert char must be exactly one rune, got %d", len(chars))
		}
		if c.AfterGID != nil {
			return crdt.NewInsert(gid, chars[0], c.AfterGID.toCrdt(), true), nil
		}
		return crdt.NewInsertAtHead(gid, chars[0]), nil
	case "delete":
		return crdt.NewDelete(gid), nil
	default:
		return crdt.Event{}, fmt.Errorf("wire: unknown event type %q", c.Type)
	}
}

// SetSiteID is sent server→client right after the Hello handshake.
type SetSiteID struct {
	SiteID uint32 `json:"siteId"`
}

// SiteDisconnected is broadcast server→client when a peer leaves a room.
type SiteDisconnected struct {
	SiteID uint32 `json:"siteId"`
}

// Presence wraps a site's self-describing payload. The server validates
// only the siteId field (via SiteID, extracted at unmarshal time) and
// echoes the rest of the payload verbatim, so the raw bytes are kept
// alongside the parsed id.
type Presence struct {
	SiteID uint32
	Raw    json.RawMessage
}

func (p Presence) MarshalJSON() ([]byte, error) {
	if p.Raw == nil {
		return json.Marshal(struct {
			SiteID uint32 `json:"siteId"`
		}{p.SiteID})
	}
	return p.Raw, nil
}

func (p *Presence) UnmarshalJSON(data []byte) error {
	var probe struct {
		SiteID uint32 `json:"siteId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("wire: invalid presence payload: %w", err)
	}
	p.SiteID = probe.SiteID
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Message is a WebSocket text frame. Every field is optional; fields left
// at their zero value are omitted from the marshaled JSON.
type Message struct {
	SetSiteID          *SetSiteID        `json:"setSiteId,omitempty"`
	SitePresence       *Presence         `json:"sitePresence,omitempty"`
	SiteDisconnected   *SiteDisconnected `json:"siteDisconnected,omitempty"`
	CrdtEvents         []CrdtEvent       `json:"crdtEvents,omitempty"`
	Heartbit           bool              `json:"heartbit,omitempty"`
	CompactionRequired bool              `json:"compactionRequired,omitempty"`
}

// EventsFromCrdt converts a batch of internal events to their wire shape.
func EventsFromCrdt(events []crdt.Event) []CrdtEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]CrdtEvent, len(events))
	for i, e := range events {
		out[i] = FromEvent(e)
	}
	return out
}

// EventsToCrdt converts a batch of wire events to their internal shape.
func EventsToCrdt(events []CrdtEvent) ([]crdt.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	out := make([]crdt.Event, len(events))
	for i, e := range events {
		ev, err := e.ToEvent()
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}
