package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Room is one live call session. All mutation goes through the methods
// below, each of which holds the room mutex for a single state
// transition and never touches external I/O while doing so (enqueueing
// to a participant is non-blocking by contract).
type Room struct {
	ID  string
	cap int
	log *slog.Logger

	mu           sync.Mutex
	participants map[string]*Participant
	order        []string // join order, for deterministic fan-out
	closed       bool
	createdAt    time.Time
	lastActivity time.Time
}

func NewRoom(id string, capacity int, log *slog.Logger) *Room {
	now := time.Now()
	return &Room{
		ID:           id,
		cap:          capacity,
		log:          log.With("room", id),
		participants: make(map[string]*Participant),
		createdAt:    now,
		lastActivity: now,
	}
}

// Join admits a participant: snapshot first, presence broadcast second.
// The joiner's existing-peers snapshot and the peer-joined fan-out
// happen under the same critical section so no recipient can observe
// the join twice or not at all.
func (r *Room) Join(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errRoomClosed
	}
	if len(r.participants) >= r.cap {
		return fmt.Errorf("room %s at capacity %d: %w", r.ID, r.cap, ErrRoomFull)
	}

	snapshot := r.snapshotLocked()

	r.participants[p.ID] = p
	r.order = append(r.order, p.ID)
	r.lastActivity = time.Now()

	p.conn.Enqueue(encodeExistingPeers(snapshot))
	r.broadcastLocked(p.ID, encodePeerJoined(p.ID, p.DisplayName))

	r.log.Info("participant joined", "participant", p.ID, "name", p.DisplayName, "count", len(r.participants))
	return nil
}

// Leave removes a participant and tells the others. Every removal path
// (explicit leave, heartbeat timeout, socket error) funnels here, so a
// second call for the same id is a no-op.
// Returns the removed participant (nil if absent) and whether the room
// is now empty.
func (r *Room) Leave(participantID string) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return nil, len(r.participants) == 0
	}

	delete(r.participants, participantID)
	r.order = lo.Without(r.order, participantID)
	r.lastActivity = time.Now()

	r.broadcastLocked(participantID, encodePeerLeft(participantID))

	r.log.Info("participant left", "participant", participantID, "count", len(r.participants))
	return p, len(r.participants) == 0
}

// Heartbeat stamps the participant's liveness. Returns false when the
// participant is not in the room.
func (r *Room) Heartbeat(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return false
	}
	p.LastHeartbeat = time.Now()
	r.lastActivity = p.LastHeartbeat
	return true
}

// UpdateMediaState records the advisory flags and tells the others.
func (r *Room) UpdateMediaState(participantID string, state MediaState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return false
	}
	p.Media = state
	r.lastActivity = time.Now()
	r.broadcastLocked(participantID, encodeMediaState(participantID, state))
	return true
}

// Relay addresses one signaling payload to one participant. The body is
// opaque; only the addressing is rewritten (toId becomes fromId on the
// way out).
func (r *Room) Relay(msgType, fromID string, payload *RelayPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.participants[payload.To]
	if !ok {
		return fmt.Errorf("relay %s to %s: %w", msgType, payload.To, ErrUnknownPeer)
	}
	r.lastActivity = time.Now()
	target.conn.Enqueue(encodeRelay(msgType, fromID, payload))
	return nil
}

// ExpireStale force-leaves every participant whose last heartbeat is
// older than timeout. Indistinguishable from an explicit leave, except
// the connection is also told to close. Returns whether the room ended
// up empty having held participants before.
func (r *Room) ExpireStale(timeout time.Duration) (expired []*Participant, nowEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) == 0 {
		return nil, false
	}

	cutoff := time.Now().Add(-timeout)
	for _, id := range lo.Filter(r.order, func(id string, _ int) bool {
		return r.participants[id].LastHeartbeat.Before(cutoff)
	}) {
		p := r.participants[id]
		delete(r.participants, id)
		r.order = lo.Without(r.order, id)
		r.broadcastLocked(id, encodePeerLeft(id))
		p.conn.Kick("heartbeat timeout")
		expired = append(expired, p)
		r.log.Info("participant expired", "participant", id)
	}
	if len(expired) > 0 {
		r.lastActivity = time.Now()
	}
	return expired, len(expired) > 0 && len(r.participants) == 0
}

// CloseIfEmpty marks the room dead if no participants remain. Once
// closed, Join fails with errRoomClosed and the registry drops the
// room. Returns true if the room was closed.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) > 0 {
		return false
	}
	r.closed = true
	return true
}

// CloseAll kicks every participant. Used at shutdown.
func (r *Room) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, p := range r.participants {
		p.conn.Kick("server shutting down")
	}
	r.participants = make(map[string]*Participant)
	r.order = nil
}

func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Snapshot returns the participant views in join order.
func (r *Room) Snapshot() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Room) snapshotLocked() []PeerInfo {
	return lo.Map(r.order, func(id string, _ int) PeerInfo {
		return r.participants[id].Info()
	})
}

// broadcastLocked fans out to every participant except the originator,
// in join order. Best effort per recipient: a full queue drops the
// frame for that recipient only.
func (r *Room) broadcastLocked(fromID string, frame []byte) {
	for _, id := range r.order {
		if id == fromID {
			continue
		}
		if !r.participants[id].conn.Enqueue(frame) {
			r.log.Warn("broadcast dropped", "recipient", id)
		}
	}
}
