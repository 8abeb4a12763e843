package presence

import (
	"sync"
	"time"
)

// DefaultIdle is how long after the last keystroke the stop_typing
// signal fires.
const DefaultIdle = 1500 * time.Millisecond

// Tracker debounces the local typing signal and folds remote typing
// and activity events into two flags for one peer. The flags are
// re-derived from the latest event only; there is no history.
type Tracker struct {
	peer      string
	idle      time.Duration
	emitStart func()
	emitStop  func()

	mu         sync.Mutex
	typingSent bool
	timer      *time.Timer
	peerTyping bool
	peerOnline bool
	onChange   func()
	closed     bool
}

// New creates a Tracker for peer. emitStart and emitStop transmit the
// typing and stop_typing signals. A zero idle uses DefaultIdle.
func New(peer string, idle time.Duration, emitStart, emitStop func()) *Tracker {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Tracker{
		peer:      peer,
		idle:      idle,
		emitStart: emitStart,
		emitStop:  emitStop,
	}
}

// OnChange registers a callback invoked whenever a peer flag flips.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// InputObserved records one local keystroke. The first keystroke of a
// burst emits typing; every keystroke re-arms the inactivity timer
// that emits stop_typing (debounce, not throttle).
func (t *Tracker) InputObserved() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	emit := !t.typingSent
	t.typingSent = true

	if t.timer == nil {
		t.timer = time.AfterFunc(t.idle, t.idleFired)
	} else {
		t.timer.Reset(t.idle)
	}
	t.mu.Unlock()

	if emit {
		t.emitStart()
	}
}

func (t *Tracker) idleFired() {
	t.mu.Lock()
	if t.closed || !t.typingSent {
		t.mu.Unlock()
		return
	}
	t.typingSent = false
	t.timer = nil
	t.mu.Unlock()

	t.emitStop()
}

// MessageSent stops the burst immediately: sending a message clears
// the typing indicator without waiting for the idle timer.
func (t *Tracker) MessageSent() {
	t.mu.Lock()
	if t.closed || !t.typingSent {
		t.mu.Unlock()
		return
	}
	t.typingSent = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.emitStop()
}

// HandleRemoteTyping updates the peer-typing flag from a typing or
// stop_typing event. Events for other users are ignored.
func (t *Tracker) HandleRemoteTyping(username string, typing bool) {
	if username != t.peer {
		return
	}
	t.setFlags(typing, t.PeerOnline())
}

// HandleRemoteActive updates the peer-online flag from a user_active
// event. Events for other users are ignored.
func (t *Tracker) HandleRemoteActive(username string, active bool) {
	if username != t.peer {
		return
	}
	t.setFlags(t.PeerTyping(), active)
}

func (t *Tracker) setFlags(typing, online bool) {
	t.mu.Lock()
	changed := typing != t.peerTyping || online != t.peerOnline
	t.peerTyping = typing
	t.peerOnline = online
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn()
	}
}

// PeerTyping reports whether the peer is currently typing.
func (t *Tracker) PeerTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerTyping
}

// PeerOnline reports whether the peer is currently online.
func (t *Tracker) PeerOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerOnline
}

// Close clears the inactivity timer. No signals are emitted after it
// returns.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
