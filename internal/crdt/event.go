package crdt

// EventType discriminates the two CrdtEvent variants.
type EventType string

const (
	EventInsert EventType = "insert"
	EventDelete EventType = "delete"
)

// Event is the tagged insert/delete operation record. AfterGID and Char are
// only meaningful when Type is EventInsert; HasAfterGID distinguishes
// "insert at head" (false) from "insert after a concrete entry" (true),
// since the zero GlobalID is a valid id.
type Event struct {
	Type        EventType
	GID         GlobalID
	Char        rune
	AfterGID    GlobalID
	HasAfterGID bool
}

// NewInsert builds an insert event anchored after afterGID.
func NewInsert(gid GlobalID, char rune, afterGID GlobalID, hasAfter bool) Event {
	return Event{Type: EventInsert, GID: gid, Char: char, AfterGID: afterGID, HasAfterGID: hasAfter}
}

// NewInsertAtHead builds an insert event with no anchor.
func NewInsertAtHead(gid GlobalID, char rune) Event {
	return Event{Type: EventInsert, GID: gid, Char: char}
}

// NewDelete builds a delete event targeting gid.
func NewDelete(gid GlobalID) Event {
	return Event{Type: EventDelete, GID: gid}
}
