package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
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

// Rate limiter burst headroom above the steady per-second rate.
const rateLimitBurstFactor = 2

// Config wires the signaling server's collaborators and knobs. CheckOrigin is
// supplied by the HTTP layer so origin policy lives in one place.
type Config struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Monitor  *monitor.Monitor
	Verifier auth.Verifier
	Clock    ratelimit.Clock

	AuthMode    config.AuthMode
	CheckOrigin func(r *http.Request) bool

	STUNServers []string
	TURNServers []config.TURNServer

	// TURNCredentials, when set, mints per-user time-limited credentials for
	// the TURN servers above instead of forwarding the static pair.
	TURNCredentials *turnrest.Generator

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	ICEBatchDelay     time.Duration
	CandidateDedupTTL time.Duration
}

// Server upgrades signaling WebSocket connections and runs one read loop per
// client. Room state lives in the registry; message dispatch in the Router.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	router   *Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "signaling")),
		router: NewRouter(cfg.Logger, cfg.Registry, cfg.Metrics, cfg.Monitor, cfg.Clock, cfg.ICEBatchDelay, cfg.CandidateDedupTTL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		clients: make(map[*client]struct{}),
	}
	return s
}

// Router exposes the dispatch layer for the inspection surface.
func (s *Server) Router() *Router { return s.router }

// ServeHTTP authenticates the handshake and upgrades to WebSocket.
//
// Credentials travel in the query string (browsers cannot set headers on a
// WebSocket handshake). A JWT user id claim pins the identity; otherwise the
// client may propose one via ?userId=, and an id is minted when absent.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err != nil {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claimedUserID, err := s.cfg.Verifier.Verify(credential)
	if err != nil && s.cfg.AuthMode != config.AuthModeNone {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		s.logger.Warn("handshake auth failed", slog.Any("error", err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	userID := claimedUserID
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	if userID == "" {
		userID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", slog.Any("error", err))
		return
	}

	c := newClient(userID, conn, s.logger, s.cfg.WSPingInterval, s.cfg.Metrics)
	if !s.track(c) {
		c.close()
		_ = conn.Close()
		return
	}

	// The socket must be reachable before any join so error replies (for
	// example "user not in a room") can be delivered.
	s.cfg.Registry.RegisterSocket(userID, c)

	go c.writePump()
	go s.readLoop(c)
}

func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) readLoop(c *client) {
	defer s.teardown(c)

	c.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	resetIdle := func() {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	}
	resetIdle()
	c.conn.SetPongHandler(func(string) error {
		resetIdle()
		return nil
	})

	rate := int64(s.cfg.MaxMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(s.cfg.Clock, rate*rateLimitBurstFactor, rate)

	// The first message the client sees is the NAT traversal configuration.
	_ = c.Send(protocol.Message{
		Type: protocol.TypeICEServers,
		ICEServers: &protocol.ICEServers{
			STUNServers: s.cfg.STUNServers,
			TURNServers: s.turnServersFor(c.userID),
		},
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", slog.Any("error", err))
			}
			return
		}
		resetIdle()

		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.RateLimited)
			_ = c.Send(protocol.Message{Type: protocol.TypeError, Error: "rate limit exceeded"})
			continue
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.RoutingErrors)
			_ = c.Send(protocol.Message{Type: protocol.TypeError, Error: "invalid message: " + err.Error()})
			continue
		}

		switch msg.Type {
		case protocol.TypeJoinRoom:
			s.handleJoin(c, msg)
		case protocol.TypeLeaveRoom:
			s.handleLeave(c)
		default:
			s.router.Route(c.userID, msg)
		}
	}
}

func (s *Server) handleJoin(c *client, msg protocol.Message) {
	users, prevRoomID := s.cfg.Registry.Join(c.userID, msg.RoomID, c)
	if prevRoomID != "" {
		s.notifyLeft(prevRoomID, c.userID)
	}

	_ = c.Send(protocol.Message{
		Type:   protocol.TypeRoomJoined,
		RoomID: msg.RoomID,
		UserID: c.userID,
		Users:  users,
	})

	joined := protocol.Message{
		Type:   protocol.TypeUserJoined,
		RoomID: msg.RoomID,
		UserID: c.userID,
	}
	for _, peer := range s.cfg.Registry.RoomSenders(msg.RoomID, c.userID) {
		_ = peer.Send(joined)
	}

	s.logger.Info("user joined room",
		slog.String("user_id", c.userID),
		slog.String("room_id", msg.RoomID),
		slog.Int("peers", len(users)))
}

func (s *Server) handleLeave(c *client) {
	roomID, _, ok := s.cfg.Registry.Leave(c.userID)
	if !ok {
		return
	}
	s.notifyLeft(roomID, c.userID)
	s.logger.Info("user left room",
		slog.String("user_id", c.userID),
		slog.String("room_id", roomID))
}

func (s *Server) notifyLeft(roomID, userID string) {
	left := protocol.Message{
		Type:   protocol.TypeUserLeft,
		RoomID: roomID,
		UserID: userID,
	}
	for _, peer := range s.cfg.Registry.RoomSenders(roomID, userID) {
		_ = peer.Send(left)
	}
}

// teardown runs when a connection's read loop ends for any reason. The user
// is removed from its room and remaining members are told it left.
func (s *Server) teardown(c *client) {
	s.untrack(c)
	roomID, _, ok := s.cfg.Registry.Disconnect(c.userID)
	if ok {
		s.notifyLeft(roomID, c.userID)
	}
	c.close()
	_ = c.conn.Close()
	s.logger.Info("connection closed", slog.String("user_id", c.userID))
}

// Close stops accepting connections, flushes pending candidate batches, and
// closes every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.router.Close()
	for _, c := range clients {
		c.close()
	}
}

func (s *Server) turnServersFor(userID string) []protocol.TURNServer {
	out := make([]protocol.TURNServer, 0, len(s.cfg.TURNServers))
	for _, t := range s.cfg.TURNServers {
		wire := protocol.TURNServer{
			URLs:       t.URLs,
			Username:   t.Username,
			Credential: t.Credential,
		}
		if s.cfg.TURNCredentials != nil {
			creds := s.cfg.TURNCredentials.CredentialsFor(userID)
			wire.Username = creds.Username
			wire.Credential = creds.Credential
		}
		out = append(out, wire)
	}
	return out
}
