package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshvoice/meshvoice/internal/metrics"
	"github.com/meshvoice/meshvoice/internal/protocol"
)

// sendBufferSize bounds per-connection outbound queueing. A client that
// cannot drain this many messages is too far behind to keep.
const sendBufferSize = 256

var errSendBufferFull = errors.New("send buffer full")

// client is one WebSocket connection. Send enqueues onto a buffered channel
// drained by writePump, so routing goroutines never block on a slow socket.
type client struct {
	userID string
	conn   *websocket.Conn
	logger *slog.Logger

	send      chan protocol.Message
	closeOnce sync.Once
	done      chan struct{}

	pingInterval time.Duration
	writeTimeout time.Duration

	metrics *metrics.Metrics
}

func newClient(userID string, conn *websocket.Conn, logger *slog.Logger, pingInterval time.Duration, m *metrics.Metrics) *client {
	return &client{
		userID:       userID,
		conn:         conn,
		logger:       logger.With(slog.String("user_id", userID)),
		send:         make(chan protocol.Message, sendBufferSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: 10 * time.Second,
		metrics:      m,
	}
}

// Send implements registry.Sender. It never blocks; a full buffer drops the
// message and counts it.
func (c *client) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.metrics.Inc(metrics.MessagesDropped)
		c.logger.Warn("dropping outbound message, send buffer full", slog.String("type", string(msg.Type)))
		return errSendBufferFull
	}
}

// close makes Send fail fast and unblocks writePump. Safe to call repeatedly.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump owns all writes on the connection: queued messages, keepalive
// pings, and the final close frame. gorilla/websocket allows one writer only.
func (c *client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", slog.Any("error", err))
				c.close()
				return
			}
			c.metrics.Inc(metrics.MessagesSent)
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
