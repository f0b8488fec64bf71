// Package sfu translates the coordinator's publish/subscribe intents into
// the sfu-* signaling vocabulary and tracks remote stream state from relayed
// events.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshvoice/meshvoice/internal/protocol"
)

// DefaultSubscribeTimeout bounds how long Subscribe waits for the target
// user's stream announcement.
const DefaultSubscribeTimeout = 10 * time.Second

var (
	// ErrNoEndpoint is returned when SFU behavior is requested without a
	// configured endpoint. Callers must treat this as "stay on mesh".
	ErrNoEndpoint = errors.New("no sfu endpoint configured")

	ErrNotConnected      = errors.New("not connected to sfu")
	ErrSubscribeTimeout  = errors.New("timed out waiting for stream")
	ErrAlreadySubscribed = errors.New("already subscribed to user")
)

// Signaler sends one message through the signaling connection.
type Signaler interface {
	Send(msg protocol.Message) error
}

// Events are the bridge's notifications to the coordinator. All callbacks
// are optional and invoked without bridge locks held.
type Events struct {
	OnStreamAdded   func(userID, streamID string)
	OnStreamRemoved func(userID, streamID string)
}

// Bridge maintains the client's SFU session state: the connection intent,
// the set of remote streams announced in the room, and the local
// subscriptions. It owns no media transport itself; media negotiation rides
// the regular offer/answer path.
type Bridge struct {
	logger   *slog.Logger
	signaler Signaler
	url      string
	timeout  time.Duration
	events   Events

	mu        sync.Mutex
	connected bool
	streams   map[string]string   // userID -> streamID announced in the room
	subs      map[string]struct{} // userIDs we are subscribed to
	waiters   map[string][]chan string
	published string // local streamID, "" when not publishing
}

func New(logger *slog.Logger, signaler Signaler, url string, timeout time.Duration, events Events) *Bridge {
	if timeout <= 0 {
		timeout = DefaultSubscribeTimeout
	}
	return &Bridge{
		logger:   logger.With(slog.String("component", "sfu")),
		signaler: signaler,
		url:      url,
		timeout:  timeout,
		events:   events,
		streams:  make(map[string]string),
		subs:     make(map[string]struct{}),
		waiters:  make(map[string][]chan string),
	}
}

// Connect announces the SFU session to the room. It fails fast when no
// endpoint is configured so the topology layer can degrade to mesh.
func (b *Bridge) Connect() error {
	if b.url == "" {
		return ErrNoEndpoint
	}

	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = true
	b.mu.Unlock()

	return b.signaler.Send(protocol.Message{
		Type:   protocol.TypeSFUConnect,
		SFUURL: b.url,
	})
}

// Disconnect tears down the SFU session state and announces the departure.
// Safe to call when not connected.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.published = ""
	b.subs = make(map[string]struct{})
	for _, chans := range b.waiters {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.waiters = make(map[string][]chan string)
	b.mu.Unlock()

	if err := b.signaler.Send(protocol.Message{Type: protocol.TypeSFUDisconnect}); err != nil {
		b.logger.Debug("sfu-disconnect send failed", slog.Any("error", err))
	}
}

func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Publish announces the local stream to the room.
func (b *Bridge) Publish(streamID string) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.published = streamID
	b.mu.Unlock()

	return b.signaler.Send(protocol.Message{
		Type:     protocol.TypeSFUPublish,
		StreamID: streamID,
	})
}

// Subscribe requests userID's stream and waits until it is announced, the
// context ends, or the subscribe timeout fires. When the stream is already
// known the subscription resolves immediately.
func (b *Bridge) Subscribe(ctx context.Context, userID string) (streamID string, err error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return "", ErrNotConnected
	}
	if _, ok := b.subs[userID]; ok {
		b.mu.Unlock()
		return "", ErrAlreadySubscribed
	}
	b.subs[userID] = struct{}{}

	if id, ok := b.streams[userID]; ok {
		b.mu.Unlock()
		if err := b.sendSubscribe(userID); err != nil {
			b.dropSubscription(userID)
			return "", err
		}
		return id, nil
	}

	ch := make(chan string, 1)
	b.waiters[userID] = append(b.waiters[userID], ch)
	b.mu.Unlock()

	if err := b.sendSubscribe(userID); err != nil {
		b.dropSubscription(userID)
		return "", err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case id, ok := <-ch:
		if !ok {
			return "", ErrNotConnected
		}
		return id, nil
	case <-timer.C:
		b.dropSubscription(userID)
		return "", fmt.Errorf("%w: user %s", ErrSubscribeTimeout, userID)
	case <-ctx.Done():
		b.dropSubscription(userID)
		return "", ctx.Err()
	}
}

// Unsubscribe drops the subscription to userID and announces it.
func (b *Bridge) Unsubscribe(userID string) error {
	b.mu.Lock()
	_, ok := b.subs[userID]
	delete(b.subs, userID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.signaler.Send(protocol.Message{
		Type:   protocol.TypeSFUUnsubscribe,
		UserID: userID,
	})
}

// HandleMessage consumes one relayed sfu-* message. Irrelevant types are
// ignored so the caller can feed it the whole signaling stream.
func (b *Bridge) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSFUStreamPublished:
		b.onStreamPublished(msg.From, msg.StreamID)
	case protocol.TypeSFUStreamUnpublished:
		b.onStreamUnpublished(msg.From, msg.StreamID)
	}
}

func (b *Bridge) onStreamPublished(userID, streamID string) {
	b.mu.Lock()
	b.streams[userID] = streamID
	waiters := b.waiters[userID]
	delete(b.waiters, userID)
	b.mu.Unlock()

	for _, ch := range waiters {
		ch <- streamID
	}
	if b.events.OnStreamAdded != nil {
		b.events.OnStreamAdded(userID, streamID)
	}
}

// onStreamUnpublished removes the stream and, when subscribed, performs the
// automatic unsubscribe.
func (b *Bridge) onStreamUnpublished(userID, streamID string) {
	b.mu.Lock()
	delete(b.streams, userID)
	_, wasSubscribed := b.subs[userID]
	delete(b.subs, userID)
	b.mu.Unlock()

	if wasSubscribed {
		b.logger.Info("auto-unsubscribed from unpublished stream",
			slog.String("user_id", userID),
			slog.String("stream_id", streamID))
	}
	if b.events.OnStreamRemoved != nil {
		b.events.OnStreamRemoved(userID, streamID)
	}
}

func (b *Bridge) sendSubscribe(userID string) error {
	return b.signaler.Send(protocol.Message{
		Type:   protocol.TypeSFUSubscribe,
		UserID: userID,
	})
}

func (b *Bridge) dropSubscription(userID string) {
	b.mu.Lock()
	delete(b.subs, userID)
	delete(b.waiters, userID)
	b.mu.Unlock()
}

// Streams returns the currently announced remote streams.
func (b *Bridge) Streams() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.streams))
	for u, s := range b.streams {
		out[u] = s
	}
	return out
}
