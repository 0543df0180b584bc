package room

import "errors"

// Error kinds from spec.md §7. ProtocolViolation-class errors and LogFull
// cause the caller (internal/httpapi's session handler) to tear the
// session down; RoomFull is reported back to the connecting caller;
// Disconnected is handled locally by disconnecting the affected site.
var (
	// ErrAlreadyConnected is returned by Connect when the site's id is
	// already registered in the room.
	ErrAlreadyConnected = errors.New("room: site already connected")

	// ErrRoomFull is returned by Connect when the room is at its sites
	// limit.
	ErrRoomFull = errors.New("room: full")

	// ErrLogFull is returned by ApplyEvents when appending the batch would
	// exceed the room's hard event-log cap.
	ErrLogFull = errors.New("room: event log full")

	// ErrProtocolViolation covers the insert/presence siteId mismatches and
	// "sender not connected" / "sender has no presence" checks in §4.3.
	ErrProtocolViolation = errors.New("room: protocol violation")

	// ErrClosed is returned by any operation submitted to a room whose
	// actor loop has already been shut down (post-offload).
	ErrClosed = errors.New("room: closed")
)
