package main

import "errors"

var (
	// ErrRoomFull is returned when a join would exceed the mesh cap.
	ErrRoomFull = errors.New("room full")
	// ErrUnknownPeer is returned when a relay targets a participant that
	// is not (or no longer) in the room.
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRegistryFull is returned when no new room can be allocated.
	// Fatal to the join, never to the process.
	ErrRegistryFull = errors.New("registry full")

	// errRoomClosed is returned by Room.Join when the grace-period
	// reaper has already claimed the room. Callers re-resolve the id
	// through the registry and retry.
	errRoomClosed = errors.New("room closed")
)

// Wire error codes (the `code` field of error envelopes).
const (
	CodeRoomFull        = "RoomFull"
	CodeUnknownPeer     = "UnknownPeer"
	CodeUnauthorized    = "Unauthorized"
	CodeProtocolError   = "ProtocolError"
	CodeRoomUnavailable = "RoomUnavailable"
)

// wireCode maps an error to the code sent back to the client.
func wireCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return CodeRoomFull
	case errors.Is(err, ErrUnknownPeer):
		return CodeUnknownPeer
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrRegistryFull):
		return CodeRoomUnavailable
	default:
		return CodeProtocolError
	}
}
