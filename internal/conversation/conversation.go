package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/securetalk/securetalk-go/internal/models"
	"github.com/securetalk/securetalk-go/internal/presence"
	"github.com/securetalk/securetalk-go/internal/receipts"
	"github.com/securetalk/securetalk-go/internal/rest"
	"github.com/securetalk/securetalk-go/internal/session"
	"github.com/securetalk/securetalk-go/internal/ws"
)

// Opener builds conversations from the shared session, REST client and
// websocket base URL.
type Opener struct {
	REST    *rest.Client
	Session *session.Store
	WSBase  string

	// Zero values fall back to the package defaults.
	ReceiptWindow time.Duration
	TypingIdle    time.Duration

	Logger *slog.Logger
}

// Conversation is one open chat view: the ordered message sequence,
// the peer's presence flags, and the live channel they ride on.
// Closing it tears everything down; late events and late REST
// responses are discarded, never applied.
type Conversation struct {
	peer   string
	logger *slog.Logger

	rec     *Reconciler
	batcher *receipts.Batcher
	tracker *presence.Tracker
	conn    *ws.Conn

	cancel context.CancelFunc
	closed atomic.Bool

	subMu sync.Mutex
	subs  []func()
}

// Open loads the history snapshot, dials the live channel and wires
// the event pipeline. ctx bounds the snapshot fetch and the dial; the
// conversation itself lives until Close.
func (o *Opener) Open(ctx context.Context, peer string) (*Conversation, error) {
	ctx, cancel := context.WithCancel(ctx)

	history, err := o.REST.Messages(ctx, peer)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("loading history for %s: %w", peer, err)
	}

	token, err := o.Session.Token(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	c := &Conversation{
		peer:   peer,
		logger: o.Logger.With(slog.String("peer", peer)),
		rec:    NewReconciler(o.Session.Identity(), peer),
		cancel: cancel,
	}
	c.rec.LoadSnapshot(history)

	c.batcher = receipts.New(o.ReceiptWindow, c.sendReceipts)
	c.tracker = presence.New(peer, o.TypingIdle, c.sendTyping, c.sendStopTyping)
	c.tracker.OnChange(c.notify)

	conn, err := ws.Open(ctx, o.WSBase, peer, token, c.handleEvent, o.Logger)
	if err != nil {
		cancel()
		c.batcher.Close()
		c.tracker.Close()
		return nil, err
	}
	c.conn = conn

	c.logger.Info("conversation open", slog.Int("history", len(history)))
	return c, nil
}

// handleEvent discriminates one inbound frame and routes it. Runs on
// the transport's reader goroutine, so events for this conversation
// are processed strictly in arrival order.
func (c *Conversation) handleEvent(e ws.Event) {
	if c.closed.Load() {
		return
	}

	switch e.Type {
	case "":
		msg := eventMessage(e)
		c.rec.Apply(msg)
		if msg.Sender == c.peer && msg.ID != 0 {
			c.batcher.Observe(msg.ID)
		}
		c.notify()

	case ws.EventTyping:
		c.tracker.HandleRemoteTyping(e.Username, boolValue(e.Typing, true))

	case ws.EventStopTyping:
		c.tracker.HandleRemoteTyping(e.Username, boolValue(e.Typing, false))

	case ws.EventUserActive:
		c.tracker.HandleRemoteActive(e.Username, e.Active)

	case ws.EventReadReceipt:
		if len(e.IDs) > 0 {
			c.rec.ApplyReceiptIDs(e.IDs)
		} else if e.Reader != "" {
			c.rec.ApplyReceiptReader(e.Reader)
		}
		c.notify()

	default:
		c.logger.Debug("ignoring unknown frame type", slog.String("type", e.Type))
	}
}

// Send appends the optimistic echo and transmits the message. A failed
// transmit leaves the entry marked failed for a manual Retry.
func (c *Conversation) Send(body string) error {
	if c.closed.Load() {
		return ws.ErrClosed
	}

	msg := c.rec.Send(body)
	c.notify()
	c.tracker.MessageSent()

	if err := c.conn.SendMessage(msg.Body, msg.TempID); err != nil {
		c.rec.MarkFailed(msg.TempID)
		c.notify()
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Retry retransmits a failed message, identified by its tempId.
func (c *Conversation) Retry(tempID int64) error {
	if c.closed.Load() {
		return ws.ErrClosed
	}

	msg, ok := c.rec.Retry(tempID)
	if !ok {
		return fmt.Errorf("no failed message with tempId %d", tempID)
	}
	c.notify()

	if err := c.conn.SendMessage(msg.Body, msg.TempID); err != nil {
		c.rec.MarkFailed(msg.TempID)
		c.notify()
		return fmt.Errorf("resending message: %w", err)
	}
	return nil
}

// InputObserved records a local keystroke for the typing debounce.
func (c *Conversation) InputObserved() {
	if !c.closed.Load() {
		c.tracker.InputObserved()
	}
}

// Messages returns the current ordered sequence for rendering.
func (c *Conversation) Messages() []models.Message {
	return c.rec.Messages()
}

// PeerTyping reports whether the peer is typing.
func (c *Conversation) PeerTyping() bool { return c.tracker.PeerTyping() }

// PeerOnline reports whether the peer is online.
func (c *Conversation) PeerOnline() bool { return c.tracker.PeerOnline() }

// Subscribe registers a callback invoked after every observable state
// change. The UI shell is just one subscriber.
func (c *Conversation) Subscribe(fn func()) {
	c.subMu.Lock()
	c.subs = append(c.subs, fn)
	c.subMu.Unlock()
}

func (c *Conversation) notify() {
	c.subMu.Lock()
	subs := make([]func(), len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// Close tears the conversation down: pending receipts are flushed
// while the channel is still up, timers are cleared, the transport is
// closed and any in-flight fetch is abandoned. Late events arriving
// during teardown are discarded by the closed flag.
func (c *Conversation) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.batcher.Close()
	c.tracker.Close()
	c.conn.Close()
	c.cancel()
	c.logger.Info("conversation closed")
}

func (c *Conversation) sendReceipts(ids []int64) {
	if err := c.conn.SendReadReceipts(ids); err != nil {
		// Receipts are a liveness signal, not correctness; dropping
		// them on a dying channel is acceptable.
		c.logger.Debug("dropping read receipts", slog.Int("count", len(ids)))
	}
}

func (c *Conversation) sendTyping() {
	if c.closed.Load() {
		return
	}
	if err := c.conn.SendTyping(); err != nil {
		c.logger.Debug("typing signal dropped", slog.String("error", err.Error()))
	}
}

func (c *Conversation) sendStopTyping() {
	if c.closed.Load() {
		return
	}
	if err := c.conn.SendStopTyping(); err != nil {
		c.logger.Debug("stop_typing signal dropped", slog.String("error", err.Error()))
	}
}

// eventMessage converts a chat-message frame to the model type.
func eventMessage(e ws.Event) models.Message {
	var ts time.Time
	if e.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			ts = parsed
		}
	}
	return models.Message{
		ID:        e.ID,
		TempID:    e.TempID,
		Sender:    e.Sender,
		Receiver:  e.Receiver,
		Body:      e.Message,
		Timestamp: ts,
		Status:    models.MessageStatus(e.Status),
	}
}

func boolValue(b *bool, absent bool) bool {
	if b == nil {
		return absent
	}
	return *b
}
