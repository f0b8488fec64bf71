// Package topology implements the mesh/SFU state machine: fixed modes stay
// put, auto mode switches on a membership threshold, and remote mode
// announcements keep peers in one room agreeing on the topology.
package topology

import (
	"log/slog"
	"sync"

	"github.com/meshvoice/meshvoice/internal/protocol"
	"github.com/meshvoice/meshvoice/internal/sfu"
)

// DefaultThreshold is the room size at which auto mode promotes to SFU.
const DefaultThreshold = 10

// Actions are the side effects of a topology transition, implemented by the
// client coordinator. Ordering per transition is fixed: mesh teardown,
// announcement, SFU connect on the way up; SFU disconnect, announcement,
// mesh establishment on the way down.
type Actions interface {
	TeardownMesh()
	EstablishMesh() error
	ConnectSFU() error
	DisconnectSFU()
	AnnounceMode(mode protocol.ArchitectureMode) error
}

type EventType string

const (
	EventModeChanged EventType = "mode-changed"
	EventConfigError EventType = "config-error"
	EventError       EventType = "error"
)

type Event struct {
	Type EventType
	Mode protocol.ArchitectureMode
	Err  error
}

type Config struct {
	// Mode is the configured policy: mesh, sfu, or auto.
	Mode protocol.ArchitectureMode
	// Threshold is the member count at which auto promotes; default 10.
	Threshold int
	// SFUConfigured reports whether an SFU endpoint exists. Without one the
	// controller never promotes past mesh.
	SFUConfigured bool

	Logger  *slog.Logger
	Actions Actions
	OnEvent func(Event)
}

// Controller tracks the active topology for one room.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	active        protocol.ArchitectureMode
	memberCount   int
	warnedMissing bool
}

func NewController(cfg Config) *Controller {
	if cfg.Mode == "" {
		cfg.Mode = protocol.ModeAuto
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	active := protocol.ModeMesh
	if cfg.Mode == protocol.ModeSFU {
		active = protocol.ModeSFU
	}
	return &Controller{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "topology")),
		active: active,
	}
}

// Mode returns the currently active topology (mesh or sfu, never auto).
func (c *Controller) Mode() protocol.ArchitectureMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetMemberCount re-evaluates the threshold test. Only auto mode ever
// transitions from here; the evaluation is idempotent.
func (c *Controller) SetMemberCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memberCount = n
	if c.cfg.Mode != protocol.ModeAuto {
		return
	}

	target := protocol.ModeMesh
	if n >= c.cfg.Threshold {
		target = protocol.ModeSFU
	}
	if target == c.active {
		return
	}

	if target == protocol.ModeSFU && !c.cfg.SFUConfigured {
		// Promotion is impossible without an endpoint; the room behaves as
		// if it never crosses the threshold.
		if !c.warnedMissing {
			c.warnedMissing = true
			c.logger.Warn("room crossed sfu threshold but no sfu endpoint is configured; staying on mesh",
				slog.Int("members", n),
				slog.Int("threshold", c.cfg.Threshold))
			c.emit(Event{Type: EventConfigError, Mode: protocol.ModeMesh, Err: sfu.ErrNoEndpoint})
		}
		return
	}

	c.transitionLocked(target)
}

// HandleRemoteMode applies a mode announced by another peer in the room.
// Peers must agree on topology, so this is honored even under a fixed
// configured mode. Auto announcements are ignored.
func (c *Controller) HandleRemoteMode(mode protocol.ArchitectureMode) {
	if mode != protocol.ModeMesh && mode != protocol.ModeSFU {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == c.active {
		return
	}
	if mode == protocol.ModeSFU && !c.cfg.SFUConfigured {
		c.logger.Warn("room announced sfu mode but no sfu endpoint is configured; staying on mesh")
		c.emit(Event{Type: EventConfigError, Mode: protocol.ModeMesh, Err: sfu.ErrNoEndpoint})
		return
	}
	c.transitionLocked(mode)
}

func (c *Controller) transitionLocked(target protocol.ArchitectureMode) {
	from := c.active

	switch target {
	case protocol.ModeSFU:
		c.cfg.Actions.TeardownMesh()
		c.announceLocked(target)
		if err := c.cfg.Actions.ConnectSFU(); err != nil {
			c.logger.Error("sfu connect failed; reverting to mesh", slog.Any("error", err))
			c.announceLocked(protocol.ModeMesh)
			if meshErr := c.cfg.Actions.EstablishMesh(); meshErr != nil {
				c.logger.Error("mesh re-establishment failed", slog.Any("error", meshErr))
			}
			c.emit(Event{Type: EventError, Mode: protocol.ModeMesh, Err: err})
			return
		}
	case protocol.ModeMesh:
		c.cfg.Actions.DisconnectSFU()
		c.announceLocked(target)
		if err := c.cfg.Actions.EstablishMesh(); err != nil {
			c.logger.Error("mesh establishment failed", slog.Any("error", err))
			c.emit(Event{Type: EventError, Mode: target, Err: err})
		}
	}

	c.active = target
	c.logger.Info("topology changed",
		slog.String("from", string(from)),
		slog.String("to", string(target)),
		slog.Int("members", c.memberCount))
	c.emit(Event{Type: EventModeChanged, Mode: target})
}

func (c *Controller) announceLocked(mode protocol.ArchitectureMode) {
	if err := c.cfg.Actions.AnnounceMode(mode); err != nil {
		c.logger.Debug("mode announcement failed", slog.Any("error", err))
	}
}

func (c *Controller) emit(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}
