package conversation

import (
	"sync"
	"time"

	"github.com/securetalk/securetalk-go/internal/models"
)

// Reconciler merges the REST history snapshot, optimistic local sends
// and inbound stream events into one ordered, deduplicated message
// sequence. Order reflects first arrival, not timestamp: the snapshot
// is loaded once in full and the live stream only appends or mutates
// after that, so merging stays a linear scan with no sort.
type Reconciler struct {
	self string
	peer string

	mu         sync.Mutex
	msgs       []*models.Message
	lastTempID int64
}

func NewReconciler(self, peer string) *Reconciler {
	return &Reconciler{self: self, peer: peer}
}

// LoadSnapshot replaces the sequence with the REST history, in the
// order the snapshot delivered it. Called once per conversation open.
func (r *Reconciler) LoadSnapshot(history []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = make([]*models.Message, 0, len(history))
	for i := range history {
		m := history[i]
		r.msgs = append(r.msgs, &m)
	}
}

// Apply merges one inbound chat-message event:
//
//  1. A tempId match is the canonical local echo: its mutable fields
//     are overwritten in place, position preserved (promotion path).
//  2. Otherwise an id match is a duplicate delivery or late status
//     update, also overwritten in place.
//  3. Otherwise the event is appended at the tail.
//
// The tempId check runs first: a self-originated echo carries both ids
// and tempId identifies the pending entry unambiguously, while an id
// alone could collide with id-space reuse.
func (r *Reconciler) Apply(e models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.TempID != 0 {
		if m := r.findByTempID(e.TempID); m != nil {
			overwrite(m, e)
			return
		}
	}
	if e.ID != 0 {
		if m := r.findByID(e.ID); m != nil {
			overwrite(m, e)
			return
		}
	}

	m := e
	r.msgs = append(r.msgs, &m)
}

// overwrite copies the event's populated fields onto an existing entry
// without moving it.
func overwrite(m *models.Message, e models.Message) {
	if e.ID != 0 {
		m.ID = e.ID
	}
	if e.TempID != 0 {
		m.TempID = e.TempID
	}
	if e.Status != "" {
		m.Status = e.Status
	}
	if !e.Timestamp.IsZero() {
		m.Timestamp = e.Timestamp
	}
	if e.Body != "" {
		m.Body = e.Body
	}
	if e.Sender != "" {
		m.Sender = e.Sender
	}
	if e.Receiver != "" {
		m.Receiver = e.Receiver
	}
}

// Send appends an optimistic echo for an outbound message and returns
// it. The entry is in the sequence before any network call happens;
// the caller transmits {body, tempId} and reports a failed transmit
// via MarkFailed.
func (r *Reconciler) Send(body string) models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &models.Message{
		TempID:    r.nextTempIDLocked(),
		Sender:    r.self,
		Receiver:  r.peer,
		Body:      body,
		Timestamp: time.Now(),
		Status:    models.StatusSent,
	}
	r.msgs = append(r.msgs, m)
	return *m
}

// nextTempIDLocked generates a monotonic correlation id. Millisecond
// timestamps collide under a fast test loop, hence the bump.
func (r *Reconciler) nextTempIDLocked() int64 {
	id := time.Now().UnixMilli()
	if id <= r.lastTempID {
		id = r.lastTempID + 1
	}
	r.lastTempID = id
	return id
}

// MarkFailed flags an optimistic entry whose transmit failed so the UI
// can offer a manual retry. The entry stays in place.
func (r *Reconciler) MarkFailed(tempID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m := r.findByTempID(tempID); m != nil && m.ID == 0 {
		m.Status = models.StatusFailed
	}
}

// Retry resets a failed entry to sent and returns it for
// retransmission. The second return is false when no failed entry with
// that tempId exists.
func (r *Reconciler) Retry(tempID int64) (models.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.findByTempID(tempID)
	if m == nil || m.Status != models.StatusFailed {
		return models.Message{}, false
	}
	m.Status = models.StatusSent
	return *m, true
}

// ApplyReceiptIDs flips the matching self-authored entries to seen, in
// place, without reordering.
func (r *Reconciler) ApplyReceiptIDs(ids []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for _, m := range r.msgs {
		if m.Sender != r.self || m.ID == 0 {
			continue
		}
		if _, ok := set[m.ID]; ok {
			m.Status = models.StatusSeen
		}
	}
}

// ApplyReceiptReader handles the reader-identity receipt form: every
// self-authored message to that reader becomes seen.
func (r *Reconciler) ApplyReceiptReader(reader string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.msgs {
		if m.Sender == r.self && m.Receiver == reader {
			m.Status = models.StatusSeen
		}
	}
}

// Messages returns a copy of the current sequence for rendering.
func (r *Reconciler) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Message, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = *m
	}
	return out
}

func (r *Reconciler) findByTempID(tempID int64) *models.Message {
	for _, m := range r.msgs {
		if m.TempID == tempID {
			return m
		}
	}
	return nil
}

func (r *Reconciler) findByID(id int64) *models.Message {
	for _, m := range r.msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}
