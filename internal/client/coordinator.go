// Package client implements the signaling client coordinator: it owns the
// WebSocket connection to the signaling server, the peer connection pool,
// the topology controller, the SFU bridge, and the quality adapter, and
// exposes them behind one event-driven API.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshvoice/meshvoice/internal/peerpool"
	"github.com/meshvoice/meshvoice/internal/protocol"
	"github.com/meshvoice/meshvoice/internal/quality"
	"github.com/meshvoice/meshvoice/internal/sfu"
	"github.com/meshvoice/meshvoice/internal/topology"
	"github.com/meshvoice/meshvoice/internal/webrtcpeer"
)

type State string

const (
	StateNew        State = "new"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

var (
	ErrNotConnected = errors.New("not connected to signaling server")
	ErrNotInRoom    = errors.New("not in a room")
	ErrClosed       = errors.New("coordinator is closed")
)

// Coordinator drives one client's signaling session.
type Coordinator struct {
	cfg    Config
	events Events
	logger *slog.Logger

	pool    *peerpool.Pool
	bridge  *sfu.Bridge
	topo    *topology.Controller
	adapter *quality.Adapter

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	roomID    string
	userID    string
	members   map[string]struct{}
	peers     map[string]peerpool.Conn
	iceConfig webrtc.Configuration
	haveICE   bool

	writeMu sync.Mutex

	errorCount atomic.Uint64
	closed     atomic.Bool
}

func New(cfg Config, events Events) (*Coordinator, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:     cfg,
		events:  events,
		logger:  cfg.Logger.With(slog.String("component", "client")),
		state:   StateNew,
		members: make(map[string]struct{}),
		peers:   make(map[string]peerpool.Conn),
	}

	api := webrtcpeer.NewAPI(cfg.Logger)
	c.pool = peerpool.New(webrtcpeer.Factory(api), cfg.Logger, peerpool.Options{
		ConfigCacheSize: cfg.PoolSize,
	})
	c.bridge = sfu.New(cfg.Logger, signalerFunc(c.send), cfg.SFUURL, 0, sfu.Events{})
	c.topo = topology.NewController(topology.Config{
		Mode:          cfg.ArchitectureMode,
		Threshold:     cfg.MeshToSFUThreshold,
		SFUConfigured: cfg.SFUURL != "",
		Logger:        cfg.Logger,
		Actions:       (*topologyActions)(c),
		OnEvent:       c.onTopologyEvent,
	})
	c.adapter = quality.NewAdapter(cfg.Logger, nil, cfg.QualitySamplePeriod, func(tier quality.Tier, s quality.Sample) {
		if events.OnQuality != nil {
			events.OnQuality(tier, s)
		}
	})
	return c, nil
}

type signalerFunc func(msg protocol.Message) error

func (f signalerFunc) Send(msg protocol.Message) error { return f(msg) }

// Connect dials the signaling server, retrying per the reconnect policy.
// When every attempt fails the coordinator enters a terminal failed state.
func (c *Coordinator) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.setState(StateConnecting)

	attempts := 0
	for {
		err := c.dial(ctx)
		if err == nil {
			break
		}
		attempts++
		c.logger.Warn("signaling dial failed",
			slog.Int("attempt", attempts),
			slog.Any("error", err))

		if !c.cfg.Reconnect.Enabled ||
			(c.cfg.Reconnect.MaxAttempts > 0 && attempts >= c.cfg.Reconnect.MaxAttempts) {
			c.setState(StateFailed)
			return fmt.Errorf("connect to signaling server: %w", err)
		}
		select {
		case <-ctx.Done():
			c.setState(StateFailed)
			return ctx.Err()
		case <-time.After(c.cfg.Reconnect.Interval):
		}
	}

	c.setState(StateConnected)
	if !c.cfg.DisableQualityAdaptation {
		c.adapter.Start()
	}
	if c.events.OnConnected != nil {
		c.events.OnConnected()
	}
	if c.cfg.AutoConnect && c.cfg.RoomID != "" {
		if err := c.JoinRoom(c.cfg.RoomID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) dial(ctx context.Context) error {
	u, err := url.Parse(c.cfg.SignalingURL)
	if err != nil {
		return fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	if c.cfg.UserID != "" {
		q.Set("userId", c.cfg.UserID)
	}
	if c.cfg.APIKey != "" {
		q.Set("apiKey", c.cfg.APIKey)
	}
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.userID = c.cfg.UserID
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Coordinator) readLoop(conn *websocket.Conn) {
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.recordError(fmt.Errorf("malformed server message: %w", err))
			continue
		}
		c.handleMessage(msg)
	}

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if !current || c.closed.Load() {
		return
	}

	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected(readErr)
	}
	if c.cfg.Reconnect.Enabled {
		go c.reconnect()
		return
	}
	c.setState(StateFailed)
}

// reconnect redials in the background and rejoins the previous room.
func (c *Coordinator) reconnect() {
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.members = make(map[string]struct{})
	c.mu.Unlock()

	if err := c.Connect(context.Background()); err != nil {
		c.recordError(err)
		return
	}
	if roomID != "" {
		if err := c.JoinRoom(roomID); err != nil {
			c.recordError(err)
		}
	}
}

func (c *Coordinator) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeICEServers:
		c.mu.Lock()
		c.iceConfig = webrtcpeer.ConfigurationFrom(*msg.ICEServers)
		c.haveICE = true
		c.mu.Unlock()

	case protocol.TypeRoomJoined:
		c.mu.Lock()
		c.roomID = msg.RoomID
		c.userID = msg.UserID
		c.members = make(map[string]struct{}, len(msg.Users))
		for _, u := range msg.Users {
			c.members[u] = struct{}{}
		}
		count := len(c.members) + 1
		c.mu.Unlock()

		c.topo.SetMemberCount(count)
		if c.events.OnRoomJoined != nil {
			c.events.OnRoomJoined(msg.RoomID, msg.Users)
		}

	case protocol.TypeUserJoined:
		c.mu.Lock()
		c.members[msg.UserID] = struct{}{}
		count := len(c.members) + 1
		c.mu.Unlock()

		c.topo.SetMemberCount(count)
		if c.events.OnUserJoined != nil {
			c.events.OnUserJoined(msg.UserID)
		}

	case protocol.TypeUserLeft:
		c.mu.Lock()
		delete(c.members, msg.UserID)
		count := len(c.members) + 1
		c.mu.Unlock()

		c.releasePeer(msg.UserID)
		c.topo.SetMemberCount(count)
		if c.events.OnUserLeft != nil {
			c.events.OnUserLeft(msg.UserID)
		}

	case protocol.TypeArchitectureMode:
		c.topo.HandleRemoteMode(msg.ArchitectureMode)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		if c.events.OnSignal != nil {
			c.events.OnSignal(msg)
		}

	case protocol.TypeError:
		c.recordError(fmt.Errorf("server error: %s", msg.Error))

	default:
		if msg.Type.IsSFU() {
			c.bridge.HandleMessage(msg)
		}
	}
}

// JoinRoom asks the server to add this client to roomID. The resulting
// membership arrives via OnRoomJoined.
func (c *Coordinator) JoinRoom(roomID string) error {
	return c.send(protocol.Message{Type: protocol.TypeJoinRoom, RoomID: roomID})
}

func (c *Coordinator) LeaveRoom() error {
	c.mu.Lock()
	if c.roomID == "" {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	c.roomID = ""
	c.members = make(map[string]struct{})
	c.mu.Unlock()

	c.teardownMesh()
	return c.send(protocol.Message{Type: protocol.TypeLeaveRoom})
}

func (c *Coordinator) SendOffer(to string, sdp protocol.SessionDescription) error {
	return c.send(protocol.Message{Type: protocol.TypeOffer, To: to, SDP: &sdp})
}

func (c *Coordinator) SendAnswer(to string, sdp protocol.SessionDescription) error {
	return c.send(protocol.Message{Type: protocol.TypeAnswer, To: to, SDP: &sdp})
}

func (c *Coordinator) SendCandidate(to string, candidate protocol.Candidate) error {
	return c.send(protocol.Message{Type: protocol.TypeICECandidate, To: to, Candidate: &candidate})
}

func (c *Coordinator) send(msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

// EnsurePeer acquires a peer connection for peerID using the server-provided
// ICE configuration, registering it with the quality adapter.
func (c *Coordinator) EnsurePeer(peerID string) (peerpool.Conn, error) {
	c.mu.Lock()
	if conn, ok := c.peers[peerID]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	cfg := c.iceConfig
	c.mu.Unlock()

	conn, err := c.pool.Acquire(cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.peers[peerID] = conn
	c.mu.Unlock()

	if src, ok := conn.(quality.StatsSource); ok {
		c.adapter.AddSource(peerID, src)
	}
	return conn, nil
}

func (c *Coordinator) releasePeer(peerID string) {
	c.mu.Lock()
	conn, ok := c.peers[peerID]
	delete(c.peers, peerID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.adapter.RemoveSource(peerID)
	c.pool.Release(conn)
}

func (c *Coordinator) teardownMesh() {
	c.mu.Lock()
	peers := c.peers
	c.peers = make(map[string]peerpool.Conn)
	c.mu.Unlock()
	for id, conn := range peers {
		c.adapter.RemoveSource(id)
		c.pool.Release(conn)
	}
}

// Bridge exposes the SFU bridge for publish/subscribe control.
func (c *Coordinator) Bridge() *sfu.Bridge { return c.bridge }

// Topology returns the currently active topology mode.
func (c *Coordinator) Topology() protocol.ArchitectureMode { return c.topo.Mode() }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Coordinator) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// ErrorCount returns the number of errors surfaced so far.
func (c *Coordinator) ErrorCount() uint64 { return c.errorCount.Load() }

// PoolStats exposes connection pool counters for leak detection.
func (c *Coordinator) PoolStats() peerpool.Stats { return c.pool.Stats() }

// Close tears everything down: the signaling connection, all peer
// connections, the SFU session, and the quality adapter.
func (c *Coordinator) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.bridge.Disconnect()
	c.adapter.Stop()
	c.pool.Close()
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Coordinator) recordError(err error) {
	c.errorCount.Add(1)
	c.logger.Warn("client error", slog.Any("error", err))
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}

func (c *Coordinator) onTopologyEvent(ev topology.Event) {
	if c.events.OnTopology != nil {
		c.events.OnTopology(ev)
	}
}

// topologyActions adapts the coordinator to the topology controller's side
// effect interface.
type topologyActions Coordinator

func (a *topologyActions) TeardownMesh() {
	(*Coordinator)(a).teardownMesh()
}

func (a *topologyActions) EstablishMesh() error {
	c := (*Coordinator)(a)
	c.mu.Lock()
	members := make([]string, 0, len(c.members))
	for id := range c.members {
		members = append(members, id)
	}
	c.mu.Unlock()

	for _, id := range members {
		if c.events.OnNegotiationNeeded != nil {
			c.events.OnNegotiationNeeded(id)
		}
	}
	return nil
}

func (a *topologyActions) ConnectSFU() error {
	c := (*Coordinator)(a)
	if err := c.bridge.Connect(); err != nil {
		return err
	}
	if c.cfg.LocalStreamID != "" {
		return c.bridge.Publish(c.cfg.LocalStreamID)
	}
	return nil
}

func (a *topologyActions) DisconnectSFU() {
	(*Coordinator)(a).bridge.Disconnect()
}

func (a *topologyActions) AnnounceMode(mode protocol.ArchitectureMode) error {
	return (*Coordinator)(a).send(protocol.Message{
		Type:             protocol.TypeArchitectureMode,
		ArchitectureMode: mode,
	})
}
