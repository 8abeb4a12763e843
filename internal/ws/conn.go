package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by sends after Close. Sending on a closed
// transport is a caller bug: closing a conversation is terminal and
// re-entering it opens a fresh connection.
var ErrClosed = errors.New("ws: connection closed")

// Handler receives inbound events strictly in arrival order.
type Handler func(Event)

// Conn is one live channel scoped to a single conversation. It never
// reconnects: a read error or Close ends this instance for good.
type Conn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// Open dials the chat channel for peer, authenticating with the access
// token as a query credential, and starts delivering inbound events to
// onEvent from a single reader goroutine.
func Open(ctx context.Context, wsBaseURL, peer, token string, onEvent Handler, logger *slog.Logger) (*Conn, error) {
	u := fmt.Sprintf("%s/ws/chat/%s/?token=%s",
		wsBaseURL, url.PathEscape(peer), url.QueryEscape(token))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing chat channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing chat channel: %w", err)
	}

	c := &Conn{
		conn:   conn,
		logger: logger.With(slog.String("conn", uuid.NewString()[:8]), slog.String("peer", peer)),
		closed: make(chan struct{}),
	}
	go c.readLoop(onEvent)

	c.logger.Debug("chat channel open")
	return c, nil
}

// readLoop delivers frames to the handler one at a time. Malformed
// frames are dropped and logged; they must never reach the
// reconciliation pipeline.
func (c *Conn) readLoop(onEvent Handler) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("chat channel read ended", slog.String("error", err.Error()))
			}
			return
		}

		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Warn("dropping malformed frame",
				slog.Int("bytes", len(data)),
				slog.String("error", err.Error()),
			)
			continue
		}
		onEvent(e)
	}
}

// SendMessage transmits a chat message body with its correlation id.
func (c *Conn) SendMessage(body string, tempID int64) error {
	return c.send(outboundMessage{Message: body, TempID: tempID})
}

// SendTyping signals that the local user started typing.
func (c *Conn) SendTyping() error {
	return c.send(outboundTyping{Type: EventTyping})
}

// SendStopTyping signals that the local user went idle.
func (c *Conn) SendStopTyping() error {
	return c.send(outboundTyping{Type: EventStopTyping})
}

// SendReadReceipts acknowledges a batch of read message ids.
func (c *Conn) SendReadReceipts(ids []int64) error {
	return c.send(outboundReceipts{Type: EventReadMessages, IDs: ids})
}

func (c *Conn) send(v any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close releases the channel. Terminal for this conversation instance.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.logger.Debug("chat channel closed")
	})
	return err
}
