// Package crdt implements the sequence CRDT that backs a shared document:
// a total order on operation identities, the tagged insert/delete event
// type, and the document engine that applies events and materializes text.
package crdt

import "fmt"

// UtilSiteID is the reserved synthetic originator used when seeding a room
// from a stored text snapshot. Real participants never receive this id.
const UtilSiteID uint32 = 0

// GlobalID identifies an operation uniquely across all participants. It
// carries the CRDT's total order: compare by Counter first, then SiteID.
type GlobalID struct {
	Counter uint64
	SiteID  uint32
}

// Less reports whether g sorts strictly before other in the total order.
func (g GlobalID) Less(other GlobalID) bool {
	if g.Counter != other.Counter {
		return g.Counter < other.Counter
	}
	return g.SiteID < other.SiteID
}

// Greater reports whether g sorts strictly after other.
func (g GlobalID) Greater(other GlobalID) bool {
	return other.Less(g)
}

func (g GlobalID) String() string {
	return fmt.Sprintf("(%d,%d)", g.Counter, g.SiteID)
}
