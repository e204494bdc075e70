package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueueClient(policy string, size int) *Client {
	cfg := testConfig()
	cfg.SendQueuePolicy = policy
	cfg.SendQueueSize = size
	reg := NewRegistry(cfg, discardLogger())
	return NewClient(cfg, discardLogger(), reg, nil, "127.0.0.1", "")
}

func TestClient_EnqueueDropOldest(t *testing.T) {
	c := newQueueClient(QueuePolicyDropOldest, 2)

	assert.True(t, c.Enqueue([]byte("one")))
	assert.True(t, c.Enqueue([]byte("two")))
	// Queue full: the oldest frame makes way for the newest.
	assert.True(t, c.Enqueue([]byte("three")))

	assert.Equal(t, "two", string(<-c.send))
	assert.Equal(t, "three", string(<-c.send))
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame %q", frame)
	default:
	}
}

func TestClient_EnqueueDisconnectPolicy(t *testing.T) {
	c := newQueueClient(QueuePolicyDisconnect, 1)

	assert.True(t, c.Enqueue([]byte("one")))
	assert.False(t, c.Enqueue([]byte("two")), "overflow requests a disconnect")

	select {
	case <-c.done:
	default:
		t.Fatal("overflow should have started the close")
	}
	assert.False(t, c.Enqueue([]byte("three")), "closing client accepts nothing")
}

func TestClient_KickIsIdempotent(t *testing.T) {
	c := newQueueClient(QueuePolicyDropOldest, 4)

	c.Kick("first")
	c.Kick("second")

	select {
	case <-c.done:
	default:
		t.Fatal("kick should close done")
	}
}

func TestClient_StateTransitions(t *testing.T) {
	c := newQueueClient(QueuePolicyDropOldest, 4)

	assert.Equal(t, stateConnecting, c.State())
	c.Authenticated("user-1")
	assert.Equal(t, stateAuthenticated, c.State())
	assert.Equal(t, "user-1", c.userID)
}

func TestClient_SignalingBeforeJoinIsProtocolError(t *testing.T) {
	c := newQueueClient(QueuePolicyDropOldest, 4)
	c.Authenticated("")

	err := c.handleMessage([]byte(`{"type":"offer","toId":"x","sdp":"v=0"}`))
	require.Error(t, err)

	err = c.handleMessage([]byte(`{"type":"leave"}`))
	require.Error(t, err)
}

func TestClient_PingAlwaysAnswered(t *testing.T) {
	c := newQueueClient(QueuePolicyDropOldest, 4)
	c.Authenticated("")

	require.NoError(t, c.handleMessage([]byte(`{"type":"ping"}`)))
	assert.JSONEq(t, `{"type":"pong"}`, string(<-c.send))
}

func TestClient_JoinThenRelayThroughRoom(t *testing.T) {
	c := newQueueClient(QueuePolicyDropOldest, 8)
	c.Authenticated("user-1")

	require.NoError(t, c.handleMessage([]byte(`{"type":"join","roomId":"abc","displayName":"Alice"}`)))
	assert.Equal(t, stateJoined, c.State())
	require.NotNil(t, c.participant)
	assert.Equal(t, "user-1", c.participant.UserID)

	// First outbound frame is the empty snapshot.
	snap := <-c.send
	assert.Contains(t, string(snap), `"existing-peers"`)

	// Relay to a peer that is not there answers the sender only.
	require.NoError(t, c.handleMessage([]byte(`{"type":"offer","toId":"ghost","sdp":"v=0"}`)))
	errFrame := <-c.send
	assert.Contains(t, string(errFrame), CodeUnknownPeer)
	assert.Equal(t, stateJoined, c.State(), "connection stays usable")
}

func TestClient_JoinWhileJoinedIsLeaveThenJoin(t *testing.T) {
	c := newQueueClient(QueuePolicyDropOldest, 8)
	c.Authenticated("")

	require.NoError(t, c.handleMessage([]byte(`{"type":"join","roomId":"first","displayName":"Alice"}`)))
	firstRoom := c.room
	<-c.send // snapshot

	require.NoError(t, c.handleMessage([]byte(`{"type":"join","roomId":"second","displayName":"Alice"}`)))
	assert.Equal(t, stateJoined, c.State())
	assert.NotSame(t, firstRoom, c.room)
	assert.Equal(t, 0, firstRoom.ParticipantCount())
	assert.Equal(t, 1, c.room.ParticipantCount())
}

func TestClient_JoinRoomMismatch(t *testing.T) {
	cfg := testConfig()
	reg := NewRegistry(cfg, discardLogger())
	c := NewClient(cfg, discardLogger(), reg, nil, "127.0.0.1", "expected-room")
	c.Authenticated("")

	err := c.handleMessage([]byte(`{"type":"join","roomId":"other-room","displayName":"Alice"}`))
	require.Error(t, err)
}

func TestClient_RoomFullAnsweredNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.RoomCap = 2
	reg := NewRegistry(cfg, discardLogger())

	room, err := reg.GetOrCreate("abc")
	require.NoError(t, err)
	require.NoError(t, room.Join(newParticipant("", "A", newFakeConn())))
	require.NoError(t, room.Join(newParticipant("", "B", newFakeConn())))

	c := NewClient(cfg, discardLogger(), reg, nil, "127.0.0.1", "")
	c.Authenticated("")
	require.NoError(t, c.handleMessage([]byte(`{"type":"join","roomId":"abc","displayName":"C"}`)))

	assert.Equal(t, stateAuthenticated, c.State(), "still open for retry")
	frame := <-c.send
	assert.Contains(t, string(frame), CodeRoomFull)
	assert.Equal(t, 2, room.ParticipantCount())
}

func TestClient_LeaveSchedulesRoomRemoval(t *testing.T) {
	cfg := testConfig()
	reg := NewRegistry(cfg, discardLogger())
	c := NewClient(cfg, discardLogger(), reg, nil, "127.0.0.1", "")
	c.Authenticated("")

	require.NoError(t, c.handleMessage([]byte(`{"type":"join","roomId":"abc","displayName":"Alice"}`)))
	require.NoError(t, c.handleMessage([]byte(`{"type":"leave"}`)))
	assert.Equal(t, stateAuthenticated, c.State())

	// Last participant gone: the grace timer reaps the room.
	require.Eventually(t, func() bool {
		_, ok := reg.Get("abc")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
