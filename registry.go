package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry owns the room table. Its mutex guards only the table and the
// pending-removal timers; it is never held across a call into a room,
// and room methods never call back into the registry. That keeps the
// two lock levels strictly unnested.
type Registry struct {
	cfg *Config
	log *slog.Logger

	mu      sync.RWMutex
	rooms   map[string]*Room
	pending map[string]*time.Timer // grace-period removal timers
}

func NewRegistry(cfg *Config, log *slog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		log:     log,
		rooms:   make(map[string]*Room),
		pending: make(map[string]*time.Timer),
	}
}

// GetOrCreate resolves a room, creating it lazily. Exactly one live
// room ever exists per id. A pending grace-period removal for the id is
// cancelled, so a rejoin during the grace window keeps the room.
//
// The returned room may lose a race with the grace reaper and already
// be closed; callers that get errRoomClosed from Join simply resolve
// again.
func (reg *Registry) GetOrCreate(id string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if t, ok := reg.pending[id]; ok {
		t.Stop()
		delete(reg.pending, id)
	}

	if room, ok := reg.rooms[id]; ok {
		return room, nil
	}
	if len(reg.rooms) >= reg.cfg.MaxRooms {
		return nil, fmt.Errorf("cannot allocate room %s: %w", id, ErrRegistryFull)
	}

	room := NewRoom(id, reg.cfg.RoomCap, reg.log)
	reg.rooms[id] = room
	reg.log.Info("room created", "room", id)
	return room, nil
}

func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[id]
	return room, ok
}

// ScheduleRemoval starts the grace-period timer for an emptied room.
// Called by whoever observed the room become empty. Idempotent; a
// subsequent GetOrCreate cancels it.
func (reg *Registry) ScheduleRemoval(room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if current, ok := reg.rooms[room.ID]; !ok || current != room {
		return
	}
	if t, ok := reg.pending[room.ID]; ok {
		t.Stop()
	}
	id := room.ID
	reg.pending[id] = time.AfterFunc(reg.cfg.GracePeriod, func() {
		reg.reapIfEmpty(id, room)
	})
	reg.log.Debug("room removal scheduled", "room", id, "grace", reg.cfg.GracePeriod)
}

// reapIfEmpty runs when a grace timer fires. The emptiness check and
// the tombstone happen under the room's own lock (CloseIfEmpty); only
// then is the table entry dropped.
func (reg *Registry) reapIfEmpty(id string, room *Room) {
	reg.mu.Lock()
	delete(reg.pending, id)
	live := reg.rooms[id] == room
	reg.mu.Unlock()

	if !live || !room.CloseIfEmpty() {
		return
	}

	reg.mu.Lock()
	if reg.rooms[id] == room {
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()
	reg.log.Info("room removed", "room", id)
}

// Run drives the heartbeat sweep until ctx is cancelled, then closes
// every room.
func (reg *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(reg.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			reg.closeAll()
			return
		case <-ticker.C:
			reg.sweep()
		}
	}
}

// sweep force-leaves participants whose heartbeats went stale. Rooms
// are snapshotted first so no room op runs under the registry lock.
func (reg *Registry) sweep() {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	for _, room := range rooms {
		if _, nowEmpty := room.ExpireStale(reg.cfg.HeartbeatTimeout); nowEmpty {
			reg.ScheduleRemoval(room)
		}
	}
}

func (reg *Registry) closeAll() {
	reg.mu.Lock()
	rooms := reg.rooms
	reg.rooms = make(map[string]*Room)
	for id, t := range reg.pending {
		t.Stop()
		delete(reg.pending, id)
	}
	reg.mu.Unlock()

	for _, room := range rooms {
		room.CloseAll()
	}
}

func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// ParticipantCount totals participants across rooms. Counting happens
// on a snapshot, outside the registry lock.
func (reg *Registry) ParticipantCount() int {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	total := 0
	for _, room := range rooms {
		total += room.ParticipantCount()
	}
	return total
}
