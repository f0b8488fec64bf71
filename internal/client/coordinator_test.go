package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshvoice/meshvoice/internal/auth"
	"github.com/meshvoice/meshvoice/internal/config"
	"github.com/meshvoice/meshvoice/internal/metrics"
	"github.com/meshvoice/meshvoice/internal/monitor"
	"github.com/meshvoice/meshvoice/internal/protocol"
	"github.com/meshvoice/meshvoice/internal/ratelimit"
	"github.com/meshvoice/meshvoice/internal/registry"
	"github.com/meshvoice/meshvoice/internal/signaling"
	"github.com/meshvoice/meshvoice/internal/topology"
)

func startSignalingServer(t *testing.T) string {
	t.Helper()
	srv := signaling.NewServer(signaling.Config{
		Logger:               slog.New(slog.DiscardHandler),
		Registry:             registry.New(ratelimit.RealClock{}, nil),
		Metrics:              metrics.New(),
		Monitor:              monitor.New(ratelimit.RealClock{}, time.Minute, 128),
		Verifier:             auth.AllowAll{},
		AuthMode:             config.AuthModeNone,
		CheckOrigin:          func(*http.Request) bool { return true },
		STUNServers:          []string{"stun:stun.example.org:3478"},
		WSIdleTimeout:        10 * time.Second,
		WSPingInterval:       time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 200,
		ICEBatchDelay:        5 * time.Millisecond,
		CandidateDedupTTL:    time.Second,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type eventRecorder struct {
	mu          sync.Mutex
	roomJoined  []string
	userJoined  []string
	userLeft    []string
	signals     []protocol.Message
	topoEvents  []topology.Event
	negotiation []string
}

func (r *eventRecorder) events() Events {
	return Events{
		OnRoomJoined: func(roomID string, peers []string) {
			r.mu.Lock()
			r.roomJoined = append(r.roomJoined, roomID)
			r.mu.Unlock()
		},
		OnUserJoined: func(userID string) {
			r.mu.Lock()
			r.userJoined = append(r.userJoined, userID)
			r.mu.Unlock()
		},
		OnUserLeft: func(userID string) {
			r.mu.Lock()
			r.userLeft = append(r.userLeft, userID)
			r.mu.Unlock()
		},
		OnSignal: func(msg protocol.Message) {
			r.mu.Lock()
			r.signals = append(r.signals, msg)
			r.mu.Unlock()
		},
		OnTopology: func(ev topology.Event) {
			r.mu.Lock()
			r.topoEvents = append(r.topoEvents, ev)
			r.mu.Unlock()
		},
		OnNegotiationNeeded: func(peerID string) {
			r.mu.Lock()
			r.negotiation = append(r.negotiation, peerID)
			r.mu.Unlock()
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newCoordinator(t *testing.T, cfg Config, events Events) *Coordinator {
	t.Helper()
	cfg.Logger = slog.New(slog.DiscardHandler)
	cfg.DisableQualityAdaptation = true
	c, err := New(cfg, events)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestConnectAndJoinRoom(t *testing.T) {
	url := startSignalingServer(t)

	recA := &eventRecorder{}
	a := newCoordinator(t, Config{SignalingURL: url, UserID: "alice"}, recA.events())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if a.State() != StateConnected {
		t.Fatalf("state=%q, want connected", a.State())
	}

	if err := a.JoinRoom("room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "room-joined", func() bool {
		recA.mu.Lock()
		defer recA.mu.Unlock()
		return len(recA.roomJoined) == 1
	})
	if a.RoomID() != "room-1" || a.UserID() != "alice" {
		t.Fatalf("identity = (%q, %q)", a.RoomID(), a.UserID())
	}

	recB := &eventRecorder{}
	b := newCoordinator(t, Config{SignalingURL: url, UserID: "bob", RoomID: "room-1", AutoConnect: true}, recB.events())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect b: %v", err)
	}

	waitFor(t, "alice sees bob", func() bool {
		recA.mu.Lock()
		defer recA.mu.Unlock()
		return len(recA.userJoined) == 1 && recA.userJoined[0] == "bob"
	})
}

func TestOfferDeliveredToPeer(t *testing.T) {
	url := startSignalingServer(t)

	recA := &eventRecorder{}
	recB := &eventRecorder{}
	a := newCoordinator(t, Config{SignalingURL: url, UserID: "alice", RoomID: "r", AutoConnect: true}, recA.events())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	b := newCoordinator(t, Config{SignalingURL: url, UserID: "bob", RoomID: "r", AutoConnect: true}, recB.events())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	waitFor(t, "both in room", func() bool {
		recA.mu.Lock()
		defer recA.mu.Unlock()
		return len(recA.userJoined) == 1
	})

	if err := a.SendOffer("bob", protocol.SessionDescription{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	waitFor(t, "offer at bob", func() bool {
		recB.mu.Lock()
		defer recB.mu.Unlock()
		return len(recB.signals) == 1
	})
	recB.mu.Lock()
	offer := recB.signals[0]
	recB.mu.Unlock()
	if offer.Type != protocol.TypeOffer || offer.From != "alice" {
		t.Fatalf("offer = %+v", offer)
	}
}

func TestConnectFailureIsTerminal(t *testing.T) {
	c := newCoordinator(t, Config{
		SignalingURL:   "ws://127.0.0.1:1/ws",
		ConnectTimeout: 200 * time.Millisecond,
	}, Events{})

	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("connect to dead endpoint succeeded")
	}
	if c.State() != StateFailed {
		t.Fatalf("state=%q, want failed", c.State())
	}
}

func TestConnectRetriesThenFails(t *testing.T) {
	start := time.Now()
	c := newCoordinator(t, Config{
		SignalingURL:   "ws://127.0.0.1:1/ws",
		ConnectTimeout: 100 * time.Millisecond,
		Reconnect: ReconnectPolicy{
			Enabled:     true,
			Interval:    50 * time.Millisecond,
			MaxAttempts: 3,
		},
	}, Events{})

	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("connect to dead endpoint succeeded")
	}
	if c.State() != StateFailed {
		t.Fatalf("state=%q, want failed", c.State())
	}
	// Three attempts means at least two inter-attempt waits.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("retries finished too fast: %v", elapsed)
	}
}

func TestTopologyPromotionAndDemotion(t *testing.T) {
	url := startSignalingServer(t)

	mk := func(user string) (*Coordinator, *eventRecorder) {
		rec := &eventRecorder{}
		c := newCoordinator(t, Config{
			SignalingURL:       url,
			UserID:             user,
			RoomID:             "big-room",
			AutoConnect:        true,
			SFUURL:             "wss://sfu.example.org",
			MeshToSFUThreshold: 3,
		}, rec.events())
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect %s: %v", user, err)
		}
		return c, rec
	}

	a, _ := mk("alice")
	mk("bob")

	if a.Topology() != protocol.ModeMesh {
		t.Fatalf("mode=%q with 2 members, want mesh", a.Topology())
	}

	carol, _ := mk("carol")
	waitFor(t, "promotion to sfu", func() bool {
		return a.Topology() == protocol.ModeSFU
	})

	if err := carol.LeaveRoom(); err != nil {
		t.Fatalf("carol leave: %v", err)
	}
	waitFor(t, "demotion to mesh", func() bool {
		return a.Topology() == protocol.ModeMesh
	})
}

func TestServerErrorIncrementsCounter(t *testing.T) {
	url := startSignalingServer(t)

	c := newCoordinator(t, Config{SignalingURL: url, UserID: "alice"}, Events{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Signaling before joining a room draws an error message back.
	if err := c.SendOffer("bob", protocol.SessionDescription{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "error counter", func() bool {
		return c.ErrorCount() == 1
	})
}

func TestSendWithoutConnection(t *testing.T) {
	c := newCoordinator(t, Config{SignalingURL: "ws://127.0.0.1:1/ws"}, Events{})
	if err := c.JoinRoom("r"); err != ErrNotConnected {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{}, Events{}); err == nil {
		t.Fatalf("missing signaling url accepted")
	}
	if _, err := New(Config{SignalingURL: "ws://x", ArchitectureMode: "bogus"}, Events{}); err == nil {
		t.Fatalf("bogus architecture mode accepted")
	}
}
