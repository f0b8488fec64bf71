package signaling

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshvoice/meshvoice/internal/auth"
	"github.com/meshvoice/meshvoice/internal/config"
	"github.com/meshvoice/meshvoice/internal/metrics"
	"github.com/meshvoice/meshvoice/internal/monitor"
	"github.com/meshvoice/meshvoice/internal/protocol"
	"github.com/meshvoice/meshvoice/internal/ratelimit"
	"github.com/meshvoice/meshvoice/internal/registry"
	"github.com/meshvoice/meshvoice/internal/turnrest"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*httptest.Server, *Server) {
	t.Helper()
	cfg := Config{
		Logger:               slog.New(slog.DiscardHandler),
		Registry:             registry.New(ratelimit.RealClock{}, nil),
		Metrics:              metrics.New(),
		Monitor:              monitor.New(ratelimit.RealClock{}, time.Minute, 128),
		Verifier:             auth.AllowAll{},
		AuthMode:             config.AuthModeNone,
		CheckOrigin:          func(*http.Request) bool { return true },
		STUNServers:          []string{"stun:stun.example.org:3478"},
		WSIdleTimeout:        5 * time.Second,
		WSPingInterval:       time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 100,
		ICEBatchDelay:        5 * time.Millisecond,
		CandidateDedupTTL:    time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts, srv
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func expectType(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Message {
	t.Helper()
	msg := readMessage(t, conn)
	if msg.Type != want {
		t.Fatalf("got message type %q, want %q (%+v)", msg.Type, want, msg)
	}
	return msg
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID string) protocol.Message {
	t.Helper()
	sendMessage(t, conn, protocol.Message{Type: protocol.TypeJoinRoom, RoomID: roomID})
	return expectType(t, conn, protocol.TypeRoomJoined)
}

func TestConnectSendsICEServers(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	conn := dial(t, ts, "userId=alice")
	msg := expectType(t, conn, protocol.TypeICEServers)
	if msg.ICEServers == nil || len(msg.ICEServers.STUNServers) != 1 {
		t.Fatalf("ice-servers payload wrong: %+v", msg.ICEServers)
	}
}

func TestConnectMintsPerUserTURNCredentials(t *testing.T) {
	gen, err := turnrest.New("s3cret", time.Hour, "mv", nil)
	if err != nil {
		t.Fatalf("turnrest: %v", err)
	}
	ts, _ := newTestServer(t, func(cfg *Config) {
		cfg.TURNServers = []config.TURNServer{{URLs: []string{"turn:turn.example.org:3478"}}}
		cfg.TURNCredentials = gen
	})

	conn := dial(t, ts, "userId=alice")
	msg := expectType(t, conn, protocol.TypeICEServers)
	if msg.ICEServers == nil || len(msg.ICEServers.TURNServers) != 1 {
		t.Fatalf("ice-servers payload wrong: %+v", msg.ICEServers)
	}
	turn := msg.ICEServers.TURNServers[0]
	if !strings.HasSuffix(turn.Username, ":mv:alice") {
		t.Fatalf("username %q not minted for alice", turn.Username)
	}
	if turn.Credential == "" {
		t.Fatalf("credential missing")
	}
}

func TestJoinRoomFlow(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	a := dial(t, ts, "userId=alice")
	expectType(t, a, protocol.TypeICEServers)
	joined := joinRoom(t, a, "room-1")
	if joined.UserID != "alice" || joined.RoomID != "room-1" {
		t.Fatalf("room-joined wrong identity: %+v", joined)
	}
	if len(joined.Users) != 0 {
		t.Fatalf("first member should see an empty peer list, got %v", joined.Users)
	}

	b := dial(t, ts, "userId=bob")
	expectType(t, b, protocol.TypeICEServers)
	joinedB := joinRoom(t, b, "room-1")
	if len(joinedB.Users) != 1 || joinedB.Users[0] != "alice" {
		t.Fatalf("second member peer list=%v, want [alice]", joinedB.Users)
	}

	notice := expectType(t, a, protocol.TypeUserJoined)
	if notice.UserID != "bob" || notice.RoomID != "room-1" {
		t.Fatalf("user-joined wrong: %+v", notice)
	}
}

func TestRoomMoveNotifiesOldRoom(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	a := dial(t, ts, "userId=alice")
	expectType(t, a, protocol.TypeICEServers)
	joinRoom(t, a, "room-1")

	b := dial(t, ts, "userId=bob")
	expectType(t, b, protocol.TypeICEServers)
	joinRoom(t, b, "room-1")
	expectType(t, a, protocol.TypeUserJoined)

	// Last join wins: bob moves without an explicit leave-room, and the old
	// room's members still hear about the departure.
	joinRoom(t, b, "room-2")

	left := expectType(t, a, protocol.TypeUserLeft)
	if left.UserID != "bob" || left.RoomID != "room-1" {
		t.Fatalf("user-left wrong after move: %+v", left)
	}
}

func TestOfferRelayBetweenPeers(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	a := dial(t, ts, "userId=alice")
	expectType(t, a, protocol.TypeICEServers)
	joinRoom(t, a, "room-1")

	b := dial(t, ts, "userId=bob")
	expectType(t, b, protocol.TypeICEServers)
	joinRoom(t, b, "room-1")
	expectType(t, a, protocol.TypeUserJoined)

	sendMessage(t, a, protocol.Message{
		Type: protocol.TypeOffer,
		To:   "bob",
		SDP:  &protocol.SessionDescription{Type: "offer", SDP: "v=0"},
	})

	offer := expectType(t, b, protocol.TypeOffer)
	if offer.From != "alice" || offer.RoomID != "room-1" {
		t.Fatalf("offer not stamped: %+v", offer)
	}
	if offer.SDP == nil || offer.SDP.SDP != "v=0" {
		t.Fatalf("offer sdp lost: %+v", offer.SDP)
	}
}

func TestSignalingWithoutRoomReturnsError(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	a := dial(t, ts, "userId=alice")
	expectType(t, a, protocol.TypeICEServers)

	sendMessage(t, a, protocol.Message{
		Type: protocol.TypeOffer,
		To:   "bob",
		SDP:  &protocol.SessionDescription{Type: "offer", SDP: "v=0"},
	})

	msg := expectType(t, a, protocol.TypeError)
	if msg.Error == "" {
		t.Fatalf("error message missing text: %+v", msg)
	}
}

func TestLeaveRoomNotifiesPeers(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	a := dial(t, ts, "userId=alice")
	expectType(t, a, protocol.TypeICEServers)
	joinRoom(t, a, "room-1")

	b := dial(t, ts, "userId=bob")
	expectType(t, b, protocol.TypeICEServers)
	joinRoom(t, b, "room-1")
	expectType(t, a, protocol.TypeUserJoined)

	sendMessage(t, b, protocol.Message{Type: protocol.TypeLeaveRoom})

	left := expectType(t, a, protocol.TypeUserLeft)
	if left.UserID != "bob" || left.RoomID != "room-1" {
		t.Fatalf("user-left wrong: %+v", left)
	}
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	ts, srv := newTestServer(t, nil)

	a := dial(t, ts, "userId=alice")
	expectType(t, a, protocol.TypeICEServers)
	joinRoom(t, a, "room-1")

	b := dial(t, ts, "userId=bob")
	expectType(t, b, protocol.TypeICEServers)
	joinRoom(t, b, "room-1")
	expectType(t, a, protocol.TypeUserJoined)

	_ = b.Close()

	left := expectType(t, a, protocol.TypeUserLeft)
	if left.UserID != "bob" {
		t.Fatalf("user-left wrong after disconnect: %+v", left)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, users := srv.cfg.Registry.Counts(); users == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, users := srv.cfg.Registry.Counts()
	t.Fatalf("registry still tracks %d users, want 1", users)
}

func TestInvalidMessageReturnsError(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	a := dial(t, ts, "userId=alice")
	expectType(t, a, protocol.TypeICEServers)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := expectType(t, a, protocol.TypeError)
	if !strings.Contains(msg.Error, "invalid message") {
		t.Fatalf("error text=%q, want invalid message", msg.Error)
	}
}

func TestHandshakeAuthAPIKey(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *Config) {
		cfg.AuthMode = config.AuthModeAPIKey
		cfg.Verifier = auth.APIKeyVerifier{Expected: "hunter2"}
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("dial without credentials should fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}

	conn := dial(t, ts, "apiKey=hunter2&userId=alice")
	expectType(t, conn, protocol.TypeICEServers)
}

func TestRateLimitSendsError(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *Config) {
		cfg.MaxMessagesPerSecond = 1
	})

	a := dial(t, ts, "userId=alice")
	expectType(t, a, protocol.TypeICEServers)
	joinRoom(t, a, "room-1")

	// Burst capacity is 2x the rate; the third message in the same instant
	// must trip the limiter.
	for i := 0; i < 3; i++ {
		sendMessage(t, a, protocol.Message{Type: protocol.TypeLeaveRoom})
		sendMessage(t, a, protocol.Message{Type: protocol.TypeJoinRoom, RoomID: "room-1"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, a)
		if msg.Type == protocol.TypeError && strings.Contains(msg.Error, "rate limit") {
			return
		}
	}
	t.Fatalf("rate limit error never arrived")
}
