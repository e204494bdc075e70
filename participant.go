package main

import (
	"time"

	"github.com/google/uuid"
)

// connectionHandle is the room's view of a participant's connection.
// Delivery never blocks; ownership of the underlying socket stays with
// the connection handler.
type connectionHandle interface {
	// Enqueue queues a frame for delivery. Returns false if the frame
	// was dropped (queue overflow or connection closing).
	Enqueue(frame []byte) bool
	// Kick asks the handler to close the connection. Asynchronous.
	Kick(reason string)
}

// Participant is one connected client within a room.
type Participant struct {
	ID          string
	UserID      string // empty for anonymous instant-call joiners
	DisplayName string
	Media       MediaState

	JoinedAt      time.Time
	LastHeartbeat time.Time

	conn connectionHandle
}

// newParticipant mints a participant with a server-generated id.
// Ids are never user-supplied, so they cannot collide or spoof.
func newParticipant(userID, displayName string, conn connectionHandle) *Participant {
	now := time.Now()
	return &Participant{
		ID:            uuid.NewString(),
		UserID:        userID,
		DisplayName:   displayName,
		JoinedAt:      now,
		LastHeartbeat: now,
		conn:          conn,
	}
}

func (p *Participant) Info() PeerInfo {
	return PeerInfo{ID: p.ID, DisplayName: p.DisplayName, MediaState: p.Media}
}
