package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn satisfies connectionHandle for room-level tests.
type fakeConn struct {
	frames chan []byte
	kicked chan string
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 32), kicked: make(chan string, 1)}
}

func (f *fakeConn) Enqueue(frame []byte) bool {
	select {
	case f.frames <- frame:
		return true
	default:
		return false
	}
}

func (f *fakeConn) Kick(reason string) {
	select {
	case f.kicked <- reason:
	default:
	}
}

// outFrame is the superset of server-to-client envelope fields.
type outFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	From        string          `json:"fromId"`
	DisplayName string          `json:"displayName"`
	Peers       []PeerInfo      `json:"peers"`
	SDP         json.RawMessage `json:"sdp"`
	Candidate   json.RawMessage `json:"candidate"`
	Video       bool            `json:"video"`
	Audio       bool            `json:"audio"`
	Code        string          `json:"code"`
	Message     string          `json:"message"`
}

func nextFrame(t *testing.T, conn *fakeConn) outFrame {
	t.Helper()
	select {
	case raw := <-conn.frames:
		var f outFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return outFrame{}
	}
}

func noFrame(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case raw := <-conn.frames:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(20 * time.Millisecond):
	}
}

func joinOne(t *testing.T, room *Room, name string) (*Participant, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	p := newParticipant("", name, conn)
	require.NoError(t, room.Join(p))
	return p, conn
}

func TestRoom_JoinSnapshotThenBroadcast(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())

	a, aConn := joinOne(t, room, "Alice")

	snap := nextFrame(t, aConn)
	assert.Equal(t, TypeExistingPeers, snap.Type)
	assert.Empty(t, snap.Peers, "first joiner sees an empty room")

	b, bConn := joinOne(t, room, "Bob")

	// The joiner's very first frame is the snapshot, and it excludes
	// the joiner itself.
	bSnap := nextFrame(t, bConn)
	require.Equal(t, TypeExistingPeers, bSnap.Type)
	require.Len(t, bSnap.Peers, 1)
	assert.Equal(t, a.ID, bSnap.Peers[0].ID)
	assert.Equal(t, "Alice", bSnap.Peers[0].DisplayName)

	// Existing participants get exactly one peer-joined.
	joined := nextFrame(t, aConn)
	assert.Equal(t, TypePeerJoined, joined.Type)
	assert.Equal(t, b.ID, joined.ID)
	assert.Equal(t, "Bob", joined.DisplayName)
	noFrame(t, aConn)
	noFrame(t, bConn)
}

func TestRoom_Capacity(t *testing.T) {
	room := NewRoom("abc", 2, discardLogger())
	joinOne(t, room, "Alice")
	joinOne(t, room, "Bob")

	late := newParticipant("", "Carol", newFakeConn())
	err := room.Join(late)
	require.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, 2, room.ParticipantCount(), "existing participants unaffected")
}

func TestRoom_RelayRoundTrip(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())
	a, aConn := joinOne(t, room, "Alice")
	b, bConn := joinOne(t, room, "Bob")
	nextFrame(t, aConn) // own snapshot
	nextFrame(t, aConn) // bob joined
	nextFrame(t, bConn) // own snapshot

	err := room.Relay(TypeOffer, a.ID, &RelayPayload{To: b.ID, SDP: json.RawMessage(`"v=0 sdp-x"`)})
	require.NoError(t, err)

	offer := nextFrame(t, bConn)
	assert.Equal(t, TypeOffer, offer.Type)
	assert.Equal(t, a.ID, offer.From)
	assert.JSONEq(t, `"v=0 sdp-x"`, string(offer.SDP), "sdp passes through unmodified")
	noFrame(t, aConn)
}

func TestRoom_RelayUnknownPeer(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())
	a, aConn := joinOne(t, room, "Alice")
	nextFrame(t, aConn)

	err := room.Relay(TypeOffer, a.ID, &RelayPayload{To: "nobody", SDP: json.RawMessage(`"v=0"`)})
	require.ErrorIs(t, err, ErrUnknownPeer)
	// No broadcast on a failed relay.
	noFrame(t, aConn)
}

func TestRoom_Leave(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())
	a, aConn := joinOne(t, room, "Alice")
	b, bConn := joinOne(t, room, "Bob")
	nextFrame(t, aConn)
	nextFrame(t, aConn)
	nextFrame(t, bConn)

	removed, empty := room.Leave(b.ID)
	require.NotNil(t, removed)
	assert.False(t, empty)

	left := nextFrame(t, aConn)
	assert.Equal(t, TypePeerLeft, left.Type)
	assert.Equal(t, b.ID, left.ID)

	removed, empty = room.Leave(a.ID)
	require.NotNil(t, removed)
	assert.True(t, empty)

	// Leaving twice is a no-op.
	removed, empty = room.Leave(a.ID)
	assert.Nil(t, removed)
	assert.True(t, empty)
}

func TestRoom_MediaStateBroadcast(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())
	a, aConn := joinOne(t, room, "Alice")
	_, bConn := joinOne(t, room, "Bob")
	nextFrame(t, aConn)
	nextFrame(t, aConn)
	nextFrame(t, bConn)

	require.True(t, room.UpdateMediaState(a.ID, MediaState{Video: false, Audio: true}))

	update := nextFrame(t, bConn)
	assert.Equal(t, TypeMediaState, update.Type)
	assert.Equal(t, a.ID, update.From)
	assert.False(t, update.Video)
	assert.True(t, update.Audio)
	// Originator excluded.
	noFrame(t, aConn)

	assert.False(t, room.UpdateMediaState("nobody", MediaState{}))
}

func TestRoom_SnapshotInJoinOrder(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())
	a, _ := joinOne(t, room, "Alice")
	b, _ := joinOne(t, room, "Bob")
	c, _ := joinOne(t, room, "Carol")

	snap := room.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
}

func TestRoom_Heartbeat(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())
	a, _ := joinOne(t, room, "Alice")

	before := a.LastHeartbeat
	time.Sleep(5 * time.Millisecond)
	require.True(t, room.Heartbeat(a.ID))
	assert.True(t, a.LastHeartbeat.After(before))

	assert.False(t, room.Heartbeat("nobody"))
}

func TestRoom_ExpireStale(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())
	a, aConn := joinOne(t, room, "Alice")
	b, bConn := joinOne(t, room, "Bob")
	nextFrame(t, aConn)
	nextFrame(t, aConn)
	nextFrame(t, bConn)

	// Bob went quiet.
	b.LastHeartbeat = time.Now().Add(-time.Minute)

	expired, nowEmpty := room.ExpireStale(30 * time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, b.ID, expired[0].ID)
	assert.False(t, nowEmpty)

	left := nextFrame(t, aConn)
	assert.Equal(t, TypePeerLeft, left.Type)
	assert.Equal(t, b.ID, left.ID)

	select {
	case reason := <-bConn.kicked:
		assert.Contains(t, reason, "heartbeat")
	default:
		t.Fatal("stale participant was not kicked")
	}

	// Alice is untouched.
	require.True(t, room.Heartbeat(a.ID))
}

func TestRoom_ExpireStaleEmptiesRoom(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())
	a, _ := joinOne(t, room, "Alice")
	a.LastHeartbeat = time.Now().Add(-time.Minute)

	expired, nowEmpty := room.ExpireStale(30 * time.Second)
	require.Len(t, expired, 1)
	assert.True(t, nowEmpty)
}

func TestRoom_CloseIfEmpty(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())

	require.True(t, room.CloseIfEmpty())

	err := room.Join(newParticipant("", "Late", newFakeConn()))
	require.ErrorIs(t, err, errRoomClosed)
}

func TestRoom_CloseIfEmptyWithParticipants(t *testing.T) {
	room := NewRoom("abc", 8, discardLogger())
	joinOne(t, room, "Alice")

	assert.False(t, room.CloseIfEmpty())
	assert.Equal(t, 1, room.ParticipantCount())
}
