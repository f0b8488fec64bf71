package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meshvoice/meshvoice/internal/metrics"
	"github.com/meshvoice/meshvoice/internal/monitor"
	"github.com/meshvoice/meshvoice/internal/protocol"
	"github.com/meshvoice/meshvoice/internal/ratelimit"
	"github.com/meshvoice/meshvoice/internal/registry"
)

// candidateKeyPrefixLen bounds the dedup key size. The head of a candidate
// line (foundation, component, transport, priority, address) identifies it;
// the tail varies with extensions and is not needed to tell duplicates apart.
const candidateKeyPrefixLen = 64

// Router dispatches parsed signaling messages between members of a room.
//
// Routing rules, in order:
//   - senders not in a room get an error message back and nothing is routed
//   - architecture-mode changes and sfu-* messages fan out to the whole room
//   - ice-candidate messages are deduplicated, then batched per room and
//     flushed together after a short delay, preserving arrival order
//   - anything else goes to the addressed peer when To is set, otherwise to
//     every other member of the room
type Router struct {
	logger  *slog.Logger
	reg     *registry.Registry
	metrics *metrics.Metrics
	mon     *monitor.Monitor
	clock   ratelimit.Clock

	batchDelay time.Duration
	dedupTTL   time.Duration

	mu      sync.Mutex
	batches map[string]*candidateBatch
	seen    map[string]time.Time
	closed  bool
}

type candidateBatch struct {
	pending []protocol.Message
	timer   *time.Timer
}

func NewRouter(logger *slog.Logger, reg *registry.Registry, m *metrics.Metrics, mon *monitor.Monitor, clock ratelimit.Clock, batchDelay, dedupTTL time.Duration) *Router {
	return &Router{
		logger:     logger,
		reg:        reg,
		metrics:    m,
		mon:        mon,
		clock:      clock,
		batchDelay: batchDelay,
		dedupTTL:   dedupTTL,
		batches:    make(map[string]*candidateBatch),
		seen:       make(map[string]time.Time),
	}
}

// Route handles one inbound message from senderID. Delivery problems are
// reported to the sender or counted; they never tear down the connection.
func (r *Router) Route(senderID string, msg protocol.Message) {
	start := r.clock.Now()
	r.metrics.Inc(metrics.MessagesReceived)

	roomID, ok := r.reg.UserRoom(senderID)
	if !ok {
		r.metrics.Inc(metrics.RoutingErrors)
		r.sendError(senderID, "user not in a room")
		return
	}

	msg.From = senderID
	msg.RoomID = roomID

	switch {
	case msg.Type == protocol.TypeArchitectureMode:
		r.broadcast(roomID, senderID, msg)
	case msg.Type.IsSFU():
		r.broadcast(roomID, senderID, msg)
	case msg.Type == protocol.TypeICECandidate:
		r.enqueueCandidate(roomID, msg)
	default:
		r.dispatch(roomID, msg)
	}

	r.mon.Record(roomID, r.clock.Now().Sub(start))
}

// dispatch applies the unicast-or-broadcast rule for an already stamped
// message. Unknown unicast targets are dropped silently.
func (r *Router) dispatch(roomID string, msg protocol.Message) {
	if msg.To != "" {
		s, ok := r.reg.Sender(msg.To)
		if !ok {
			r.metrics.Inc(metrics.MessagesDropped)
			r.logger.Debug("dropping message for unknown target",
				slog.String("type", string(msg.Type)),
				slog.String("to", msg.To))
			return
		}
		_ = s.Send(msg)
		return
	}
	r.broadcast(roomID, msg.From, msg)
}

func (r *Router) broadcast(roomID, excludeUserID string, msg protocol.Message) {
	for _, s := range r.reg.RoomSenders(roomID, excludeUserID) {
		_ = s.Send(msg)
	}
}

func (r *Router) sendError(userID, text string) {
	s, ok := r.reg.Sender(userID)
	if !ok {
		return
	}
	_ = s.Send(protocol.Message{Type: protocol.TypeError, Error: text})
}

// enqueueCandidate adds one ice-candidate message to the room's batch,
// arming the flush timer on the first entry. Repeats of a recently seen
// candidate from the same sender are discarded before they reach the batch.
func (r *Router) enqueueCandidate(roomID string, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.isDuplicateLocked(msg) {
		r.metrics.Inc(metrics.CandidatesDeduped)
		return
	}

	b, ok := r.batches[roomID]
	if !ok {
		b = &candidateBatch{}
		b.timer = time.AfterFunc(r.batchDelay, func() { r.flush(roomID) })
		r.batches[roomID] = b
	}
	b.pending = append(b.pending, msg)
	r.metrics.Inc(metrics.MessagesDelayed)
}

// flush delivers the room's batched candidates in arrival order.
func (r *Router) flush(roomID string) {
	r.mu.Lock()
	b, ok := r.batches[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.batches, roomID)
	pending := b.pending
	r.mu.Unlock()

	for _, msg := range pending {
		r.dispatch(roomID, msg)
	}
}

func (r *Router) isDuplicateLocked(msg protocol.Message) bool {
	key := dedupKey(msg)
	now := r.clock.Now()

	if at, ok := r.seen[key]; ok && now.Sub(at) < r.dedupTTL {
		return true
	}
	// Prune opportunistically so the map tracks only live entries.
	for k, at := range r.seen {
		if now.Sub(at) >= r.dedupTTL {
			delete(r.seen, k)
		}
	}
	r.seen[key] = now
	return false
}

func dedupKey(msg protocol.Message) string {
	candidate := ""
	if msg.Candidate != nil {
		candidate = msg.Candidate.Candidate
	}
	if len(candidate) > candidateKeyPrefixLen {
		candidate = candidate[:candidateKeyPrefixLen]
	}
	return string(msg.Type) + "|" + msg.From + "|" + candidate
}

// Close stops pending flush timers and delivers whatever was still queued.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	batches := r.batches
	r.batches = make(map[string]*candidateBatch)
	r.mu.Unlock()

	for roomID, b := range batches {
		b.timer.Stop()
		for _, msg := range b.pending {
			r.dispatch(roomID, msg)
		}
	}
}
