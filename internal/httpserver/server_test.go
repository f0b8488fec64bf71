package httpserver

import (
	"encoding/json"
	"io"
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
	"github.com/meshvoice/meshvoice/internal/signaling"
)

func newTestServer(t *testing.T, cfg config.Config, h Handlers) *httptest.Server {
	t.Helper()
	if cfg.SignalingPath == "" {
		cfg.SignalingPath = "/ws"
	}
	s := New(cfg, slog.New(slog.DiscardHandler), BuildInfo{Commit: "test"}, h)
	s.ready.Store(true)
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Handlers{})

	resp, body := get(t, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil || health["ok"] != true {
		t.Fatalf("healthz body=%s err=%v", body, err)
	}

	resp, body = get(t, ts.URL+"/version", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("version status=%d", resp.StatusCode)
	}
	var build BuildInfo
	if err := json.Unmarshal(body, &build); err != nil || build.Commit != "test" {
		t.Fatalf("version body=%s err=%v", body, err)
	}
}

func TestAPIMountAndCORS(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ts := newTestServer(t, config.Config{AllowedOrigins: []string{"https://app.example.com"}}, Handlers{API: api})

	resp, _ := get(t, ts.URL+"/api/rooms", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("no-origin request status=%d, want 200", resp.StatusCode)
	}

	resp, _ = get(t, ts.URL+"/api/rooms", map[string]string{"Origin": "https://app.example.com"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin header=%q", got)
	}

	resp, _ = get(t, ts.URL+"/api/rooms", map[string]string{"Origin": "https://evil.example.com"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("forbidden origin status=%d, want 403", resp.StatusCode)
	}
}

func TestSignalingUpgradeThroughAssembledServer(t *testing.T) {
	sig := signaling.NewServer(signaling.Config{
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
	})
	t.Cleanup(sig.Close)

	// The upgrade must survive the full middleware chain, which wraps the
	// response writer for status logging.
	ts := newTestServer(t, config.Config{}, Handlers{Signaling: sig})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?userId=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial /ws through assembled server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read first message: %v", err)
	}
	if msg.Type != protocol.TypeICEServers {
		t.Fatalf("first message type=%q, want ice-servers", msg.Type)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Handlers{})

	resp, _ := get(t, ts.URL+"/healthz", map[string]string{"X-Request-ID": "req-42"})
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("request id not echoed: %q", got)
	}

	resp, _ = get(t, ts.URL+"/healthz", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("request id not generated")
	}
}

func TestCheckOriginForUpgrade(t *testing.T) {
	check := CheckOrigin([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(req) {
		t.Fatalf("missing origin should pass (non-browser client)")
	}

	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Fatalf("allowed origin rejected")
	}

	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatalf("disallowed origin accepted")
	}
}
