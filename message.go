package main

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Message types recognized on the wire. Anything else is a protocol error.
const (
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeICE        = "ice-candidate"
	TypeMediaState = "media-state-update"
	TypePing       = "ping"
	TypePong       = "pong"

	TypeExistingPeers = "existing-peers"
	TypePeerJoined    = "peer-joined"
	TypePeerLeft      = "peer-left"
	TypeError         = "error"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// JoinRequest is the payload of a client "join" envelope.
type JoinRequest struct {
	RoomID      string `json:"roomId" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"required,max=64"`
}

// RelayPayload carries offer/answer/ice-candidate envelopes. SDP and
// candidate bodies are opaque blobs; the server only reads the addressing.
type RelayPayload struct {
	To        string          `json:"toId,omitempty"`
	From      string          `json:"fromId,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// MediaState is the advisory self-reported AV state of a participant.
type MediaState struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// PeerInfo is the per-participant view sent in snapshots.
type PeerInfo struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	MediaState  MediaState `json:"mediaState"`
}

// Inbound is a decoded client envelope: the type tag plus exactly one
// populated variant.
type Inbound struct {
	Type  string
	Join  *JoinRequest
	Relay *RelayPayload
	Media *MediaState
}

// rawEnvelope is the superset shape every inbound frame must parse into.
type rawEnvelope struct {
	Type        string          `json:"type"`
	RoomID      string          `json:"roomId"`
	DisplayName string          `json:"displayName"`
	To          string          `json:"toId"`
	SDP         json.RawMessage `json:"sdp"`
	Candidate   json.RawMessage `json:"candidate"`
	Video       *bool           `json:"video"`
	Audio       *bool           `json:"audio"`
}

// DecodeInbound parses and validates a client frame into its variant.
// Every failure is a protocol error.
func DecodeInbound(data []byte) (*Inbound, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch raw.Type {
	case TypeJoin:
		join := &JoinRequest{RoomID: raw.RoomID, DisplayName: raw.DisplayName}
		if err := validate.Struct(join); err != nil {
			return nil, fmt.Errorf("invalid join: %w", err)
		}
		return &Inbound{Type: raw.Type, Join: join}, nil

	case TypeOffer, TypeAnswer:
		if raw.To == "" {
			return nil, fmt.Errorf("%s missing toId", raw.Type)
		}
		if len(raw.SDP) == 0 {
			return nil, fmt.Errorf("%s missing sdp", raw.Type)
		}
		return &Inbound{Type: raw.Type, Relay: &RelayPayload{To: raw.To, SDP: raw.SDP}}, nil

	case TypeICE:
		if raw.To == "" {
			return nil, fmt.Errorf("%s missing toId", raw.Type)
		}
		if len(raw.Candidate) == 0 {
			return nil, fmt.Errorf("%s missing candidate", raw.Type)
		}
		return &Inbound{Type: raw.Type, Relay: &RelayPayload{To: raw.To, Candidate: raw.Candidate}}, nil

	case TypeMediaState:
		if raw.Video == nil || raw.Audio == nil {
			return nil, fmt.Errorf("%s missing video/audio", raw.Type)
		}
		return &Inbound{Type: raw.Type, Media: &MediaState{Video: *raw.Video, Audio: *raw.Audio}}, nil

	case TypeLeave, TypePing, TypePong:
		return &Inbound{Type: raw.Type}, nil

	case "":
		return nil, fmt.Errorf("envelope missing type")
	default:
		return nil, fmt.Errorf("unknown message type %q", raw.Type)
	}
}

// Outbound frame constructors. Marshal errors cannot occur for these
// shapes, so the encoded bytes are returned directly.

func encodeExistingPeers(peers []PeerInfo) []byte {
	return mustMarshal(struct {
		Type  string     `json:"type"`
		Peers []PeerInfo `json:"peers"`
	}{TypeExistingPeers, peers})
}

func encodePeerJoined(id, displayName string) []byte {
	return mustMarshal(struct {
		Type        string `json:"type"`
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}{TypePeerJoined, id, displayName})
}

func encodePeerLeft(id string) []byte {
	return mustMarshal(struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}{TypePeerLeft, id})
}

func encodeMediaState(fromID string, state MediaState) []byte {
	return mustMarshal(struct {
		Type  string `json:"type"`
		From  string `json:"fromId"`
		Video bool   `json:"video"`
		Audio bool   `json:"audio"`
	}{TypeMediaState, fromID, state.Video, state.Audio})
}

// encodeRelay re-addresses a relay payload for delivery: the recipient
// sees who it came from, not who it was sent to.
func encodeRelay(msgType, fromID string, p *RelayPayload) []byte {
	return mustMarshal(struct {
		Type      string          `json:"type"`
		From      string          `json:"fromId"`
		SDP       json.RawMessage `json:"sdp,omitempty"`
		Candidate json.RawMessage `json:"candidate,omitempty"`
	}{msgType, fromID, p.SDP, p.Candidate})
}

func encodeError(code, message string) []byte {
	return mustMarshal(struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{TypeError, code, message})
}

func encodePong() []byte {
	return []byte(`{"type":"pong"}`)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal outbound frame: %v", err))
	}
	return data
}
