package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/meshvoice/meshvoice/internal/protocol"
	"github.com/meshvoice/meshvoice/internal/quality"
	"github.com/meshvoice/meshvoice/internal/topology"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultPoolSize          = 5
	DefaultReconnectInterval = 2 * time.Second
)

// ReconnectPolicy governs redialing after a failed or dropped signaling
// connection. MaxAttempts == 0 means unlimited.
type ReconnectPolicy struct {
	Enabled     bool
	Interval    time.Duration
	MaxAttempts int
}

// Config is the client coordinator configuration.
type Config struct {
	// SignalingURL is the ws:// or wss:// endpoint. Required.
	SignalingURL string

	// RoomID and UserID optionally pre-fill identity; with AutoConnect the
	// room is joined as soon as the connection is up.
	RoomID      string
	UserID      string
	AutoConnect bool

	// APIKey or Token authenticate the handshake, depending on the server's
	// auth mode.
	APIKey string
	Token  string

	// ArchitectureMode defaults to auto; MeshToSFUThreshold to 10.
	ArchitectureMode   protocol.ArchitectureMode
	MeshToSFUThreshold int
	SFUURL             string

	// LocalStreamID, when set, is published on SFU connect.
	LocalStreamID string

	// PoolSize bounds the peer connection configuration cache.
	PoolSize int

	// DisableQualityAdaptation turns the quality adapter off; it is on by
	// default.
	DisableQualityAdaptation bool
	QualitySamplePeriod      time.Duration

	ConnectTimeout time.Duration
	Reconnect      ReconnectPolicy

	Logger *slog.Logger
}

func (c *Config) applyDefaults() error {
	if c.SignalingURL == "" {
		return errors.New("signaling url is required")
	}
	if c.ArchitectureMode == "" {
		c.ArchitectureMode = protocol.ModeAuto
	}
	if _, err := protocol.ParseArchitectureMode(string(c.ArchitectureMode)); err != nil {
		return err
	}
	if c.MeshToSFUThreshold <= 0 {
		c.MeshToSFUThreshold = topology.DefaultThreshold
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QualitySamplePeriod <= 0 {
		c.QualitySamplePeriod = quality.DefaultSamplePeriod
	}
	if c.Reconnect.Enabled && c.Reconnect.Interval <= 0 {
		c.Reconnect.Interval = DefaultReconnectInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Events are the coordinator's notifications. All callbacks are optional and
// must not block; they run on the coordinator's read goroutine.
type Events struct {
	OnConnected    func()
	OnDisconnected func(err error)

	OnRoomJoined func(roomID string, peers []string)
	OnUserJoined func(userID string)
	OnUserLeft   func(userID string)

	// OnSignal delivers offer/answer/ice-candidate messages for the media
	// layer to apply.
	OnSignal func(msg protocol.Message)

	// OnNegotiationNeeded asks the media layer to (re)negotiate with a peer,
	// fired when mesh connections are established or re-established.
	OnNegotiationNeeded func(peerID string)

	OnTopology func(ev topology.Event)
	OnQuality  func(tier quality.Tier, sample quality.Sample)
	OnError    func(err error)
}
