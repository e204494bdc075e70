package main

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Connection states. Transitions happen only on the read goroutine;
// the field is atomic so the write side and tests can observe it.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateJoined
	stateClosed
)

// Client owns one WebSocket for its lifetime: framing, validation, the
// per-connection state machine, and the bounded outbound queue. One
// goroutine reads, one writes; rooms only ever see the connectionHandle
// side.
type Client struct {
	cfg      *Config
	log      *slog.Logger
	registry *Registry
	conn     *websocket.Conn

	ip        string
	roomParam string // room id from the connection URL, may be empty
	userID    string // set during authentication, empty for anonymous

	state atomic.Int32

	room        *Room
	participant *Participant

	send     chan []byte
	done     chan struct{}
	closing  atomic.Bool
	shutOnce sync.Once
}

func NewClient(cfg *Config, log *slog.Logger, registry *Registry, conn *websocket.Conn, ip, roomParam string) *Client {
	c := &Client{
		cfg:       cfg,
		log:       log,
		registry:  registry,
		conn:      conn,
		ip:        ip,
		roomParam: roomParam,
		send:      make(chan []byte, cfg.SendQueueSize),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(stateConnecting))
	return c
}

func (c *Client) State() connState { return connState(c.state.Load()) }

func (c *Client) setState(s connState) { c.state.Store(int32(s)) }

// Authenticated marks the Connecting → Authenticated transition; the
// server performs the gateway call before starting the pumps.
func (c *Client) Authenticated(userID string) {
	c.userID = userID
	c.setState(stateAuthenticated)
}

// Enqueue implements connectionHandle. It never blocks: on overflow it
// either drops the oldest queued frame or asks for a disconnect,
// depending on the configured policy.
func (c *Client) Enqueue(frame []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
	}

	if c.cfg.SendQueuePolicy == QueuePolicyDisconnect {
		c.log.Warn("send queue full, disconnecting", "ip", c.ip)
		c.Kick("send queue overflow")
		return false
	}

	// Drop-oldest: make room for the new frame so recent state wins.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Kick implements connectionHandle: asynchronous close request from a
// room or the sweeper.
func (c *Client) Kick(reason string) {
	c.log.Debug("kicked", "reason", reason)
	c.shutdown()
}

func (c *Client) shutdown() {
	c.shutOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
	})
}

// ReadPump consumes the inbound stream until the socket dies or a
// protocol error occurs. Messages are processed strictly in arrival
// order; every exit path converges on the same leave routine.
func (c *Client) ReadPump() {
	defer func() {
		c.leaveRoom()
		c.setState(stateClosed)
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read error", "ip", c.ip, "err", err)
			}
			return
		}

		if err := c.handleMessage(data); err != nil {
			c.log.Warn("protocol error", "ip", c.ip, "err", err)
			c.closeWithPolicyViolation(err.Error())
			return
		}
	}
}

// handleMessage dispatches one inbound frame as a single atomic
// operation against room state. A returned error is a protocol error
// and closes the connection; recoverable faults (RoomFull, UnknownPeer)
// are answered with error envelopes instead.
func (c *Client) handleMessage(data []byte) error {
	msg, err := DecodeInbound(data)
	if err != nil {
		return err
	}

	// Liveness probes are valid in any pre-close state.
	if msg.Type == TypePing {
		if c.State() == stateJoined {
			c.room.Heartbeat(c.participant.ID)
		}
		c.Enqueue(encodePong())
		return nil
	}
	if msg.Type == TypePong {
		return nil
	}

	switch c.State() {
	case stateAuthenticated:
		if msg.Type != TypeJoin {
			return errors.New("not in a room")
		}
		return c.handleJoin(msg.Join)

	case stateJoined:
		switch msg.Type {
		case TypeJoin:
			// Joining while joined is leave-then-join.
			c.leaveRoom()
			return c.handleJoin(msg.Join)
		case TypeLeave:
			c.leaveRoom()
			return nil
		case TypeOffer, TypeAnswer, TypeICE:
			if err := c.room.Relay(msg.Type, c.participant.ID, msg.Relay); err != nil {
				if errors.Is(err, ErrUnknownPeer) {
					c.Enqueue(encodeError(CodeUnknownPeer, "no such peer: "+msg.Relay.To))
					return nil
				}
				return err
			}
			return nil
		case TypeMediaState:
			if !c.room.UpdateMediaState(c.participant.ID, *msg.Media) {
				return errors.New("not in room anymore")
			}
			return nil
		default:
			return errors.New("unexpected " + msg.Type + " while joined")
		}

	default:
		return errors.New("unexpected message before authentication")
	}
}

func (c *Client) handleJoin(req *JoinRequest) error {
	if c.roomParam != "" && c.roomParam != req.RoomID {
		return errors.New("join room id does not match connection room")
	}

	p := newParticipant(c.userID, req.DisplayName, c)

	// A room can be reaped between resolution and Join; resolve again.
	for {
		room, err := c.registry.GetOrCreate(req.RoomID)
		if err != nil {
			c.Enqueue(encodeError(wireCode(err), "room unavailable"))
			return nil
		}
		err = room.Join(p)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		if err != nil {
			c.Enqueue(encodeError(wireCode(err), "room is full"))
			return nil
		}
		c.room = room
		c.participant = p
		c.setState(stateJoined)
		return nil
	}
}

// leaveRoom is the single removal routine. Safe to call from any exit
// path, including after the sweeper already removed the participant.
func (c *Client) leaveRoom() {
	if c.State() != stateJoined || c.room == nil {
		return
	}
	removed, empty := c.room.Leave(c.participant.ID)
	if removed != nil && empty {
		c.registry.ScheduleRemoval(c.room)
	}
	c.room = nil
	c.participant = nil
	c.setState(stateAuthenticated)
}

// WritePump owns all writes to the socket: queued frames, keepalive
// pings, and the close handshake.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithPolicyViolation performs the protocol-error close. Control
// frames are safe to write concurrently with the write pump.
func (c *Client) closeWithPolicyViolation(reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeWait))
}
