// Live end-to-end probe: drives two clients through a full call setup
// against a running signaling server.
// Usage: go run ./cmd/signalprobe -server ws://localhost:8443/ws
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

var serverURL = flag.String("server", "ws://localhost:8443/ws", "signaling server WebSocket URL")

type envelope struct {
	Type        string          `json:"type"`
	RoomID      string          `json:"roomId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	ID          string          `json:"id,omitempty"`
	To          string          `json:"toId,omitempty"`
	From        string          `json:"fromId,omitempty"`
	SDP         json.RawMessage `json:"sdp,omitempty"`
	Peers       []peerInfo      `json:"peers,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type peerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	roomID := fmt.Sprintf("probe-%d", time.Now().UnixNano())

	log.Println(">> Connecting alice...")
	alice := dial(*serverURL)
	defer alice.Close()

	send(alice, envelope{Type: "join", RoomID: roomID, DisplayName: "Alice"})
	snapshot := expect(alice, "existing-peers")
	if len(snapshot.Peers) != 0 {
		log.Fatalf("alice expected empty snapshot, got %d peers", len(snapshot.Peers))
	}
	log.Println("   Alice joined, empty snapshot ✓")

	log.Println(">> Connecting bob...")
	bob := dial(*serverURL)
	defer bob.Close()

	send(bob, envelope{Type: "join", RoomID: roomID, DisplayName: "Bob"})
	bobSnapshot := expect(bob, "existing-peers")
	if len(bobSnapshot.Peers) != 1 || bobSnapshot.Peers[0].DisplayName != "Alice" {
		log.Fatalf("bob expected snapshot [Alice], got %+v", bobSnapshot.Peers)
	}
	aliceID := bobSnapshot.Peers[0].ID
	log.Println("   Bob joined, saw Alice ✓")

	joined := expect(alice, "peer-joined")
	bobID := joined.ID
	log.Printf("   Alice saw Bob join (%s) ✓", bobID)

	log.Println(">> Alice sending offer to Bob...")
	send(alice, envelope{Type: "offer", To: bobID, SDP: json.RawMessage(`"v=0 probe-sdp"`)})
	offer := expect(bob, "offer")
	if offer.From != aliceID || string(offer.SDP) != `"v=0 probe-sdp"` {
		log.Fatalf("bad relayed offer: %+v", offer)
	}
	log.Println("   Bob received offer with fromId=alice ✓")

	log.Println(">> Bob leaving...")
	send(bob, envelope{Type: "leave"})
	left := expect(alice, "peer-left")
	if left.ID != bobID {
		log.Fatalf("peer-left id = %s, want %s", left.ID, bobID)
	}
	log.Println("   Alice saw Bob leave ✓")

	log.Println("PROBE PASSED")
}

func dial(u string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", u, err)
	}
	return conn
}

func send(conn *websocket.Conn, env envelope) {
	if err := conn.WriteJSON(env); err != nil {
		log.Fatal("send:", err)
	}
}

// expect reads frames until one of the wanted type arrives, skipping
// pongs and media updates. Fails after a short deadline.
func expect(conn *websocket.Conn, msgType string) envelope {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Fatalf("waiting for %s: %v", msgType, err)
		}
		if env.Type == "error" {
			log.Fatalf("waiting for %s, got error %s: %s", msgType, env.Code, env.Message)
		}
		if env.Type == msgType {
			return env
		}
	}
}
