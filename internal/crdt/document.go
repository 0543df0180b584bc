package crdt

import (
	"errors"
	"strings"
)

// ErrUnknownTarget is returned when a delete, or an insert's AfterGID,
// names a gid the document has never seen. Both are protocol violations;
// the document refuses to mutate state.
var ErrUnknownTarget = errors.New("crdt: unknown target gid")

// ErrMalformedInsert is returned when an insert event doesn't carry exactly
// one Unicode scalar character. Apply also returns it for an event whose
// Type is neither insert nor delete.
var ErrMalformedInsert = errors.New("crdt: malformed insert")

// charEntry is one character in the document's singly-linked visible order.
// visible is the only field mutated after creation, flipped false by a
// delete (tombstone).
type charEntry struct {
	gid     GlobalID
	char    rune
	visible bool
	next    *charEntry
}

// Document is the sequence-CRDT engine: it applies insert/delete events and
// materializes the current visible text. Convergence property: for any two
// replicas that have applied the same multiset of events, regardless of
// order, Materialize returns the identical string.
//
// Document is not safe for concurrent use; callers (internal/room's Room
// actor) serialize access.
type Document struct {
	head  *charEntry
	index map[GlobalID]*charEntry
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{index: make(map[GlobalID]*charEntry)}
}

// Apply applies a single event. Both insert and delete are idempotent with
// respect to their own gid: re-applying an already-applied insert or an
// already-tombstoned delete is a no-op.
func (d *Document) Apply(e Event) error {
	switch e.Type {
	case EventDelete:
		return d.applyDelete(e)
	case EventInsert:
		return d.applyInsert(e)
	default:
		return ErrMalformedInsert
	}
}

func (d *Document) applyDelete(e Event) error {
	entry, ok := d.index[e.GID]
	if !ok {
		return ErrUnknownTarget
	}
	entry.visible = false
	return nil
}

func (d *Document) applyInsert(e Event) error {
	if _, ok := d.index[e.GID]; ok {
		// Idempotent: already applied.
		return nil
	}
	if e.Char == 0 {
		return ErrMalformedInsert
	}

	var prev *charEntry
	if e.HasAfterGID {
		anchor, ok := d.index[e.AfterGID]
		if !ok {
			return ErrUnknownTarget
		}
		prev = anchor
	}

	var cur *charEntry
	if prev != nil {
		cur = prev.next
	} else {
		cur = d.head
	}

	// Walk while the scanned entry's gid is greater than the new event's
	// gid: concurrent inserts sharing the same anchor sort descending by
	// gid, so every replica converges on the same order.
	for cur != nil && cur.gid.Greater(e.GID) {
		prev = cur
		cur = cur.next
	}

	entry := &charEntry{gid: e.GID, char: e.Char, visible: true, next: cur}
	if prev == nil {
		d.head = entry
	} else {
		prev.next = entry
	}
	d.index[e.GID] = entry
	return nil
}

// Materialize traverses the document from head, appending the character of
// every visible entry. O(n) in log length.
func (d *Document) Materialize() string {
	var b strings.Builder
	for cur := d.head; cur != nil; cur = cur.next {
		if cur.visible {
			b.WriteRune(cur.char)
		}
	}
	return b.String()
}

// Len returns the number of entries ever inserted (visible and tombstoned).
func (d *Document) Len() int {
	return len(d.index)
}
