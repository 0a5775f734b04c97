package server

import (
	"sync"

	"github.com/openroom/openroom/pkg/protocol"
)

// Hub fans events out to live sessions. It holds no state of its own,
// only a reference into the session registry.
//
// Events are encoded once and enqueued to every recipient under a single
// mutex, so all sessions observe broadcasts in the same submission
// order. The actual socket writes happen in each session's write pump,
// which keeps one peer's slow I/O from delaying delivery to the rest.
type Hub struct {
	sessions *SessionManager
	metrics  *Metrics
	evict    func(*Session)

	mu sync.Mutex // Serializes fan-out for total broadcast order
}

// NewHub creates a hub over the given session registry
func NewHub(sessions *SessionManager, metrics *Metrics) *Hub {
	return &Hub{
		sessions: sessions,
		metrics:  metrics,
	}
}

// SetEvictFunc installs the callback used to remove sessions whose
// delivery failed. The lifecycle controller uses it to emit the leave
// notice for authenticated sessions; without it dead sessions are
// removed directly.
func (h *Hub) SetEvictFunc(fn func(*Session)) {
	h.evict = fn
}

func (h *Hub) evictSession(sess *Session) {
	if h.evict != nil {
		h.evict(sess)
		return
	}
	h.sessions.Remove(sess.ID)
}

// SendToAll delivers an event to every live session
func (h *Hub) SendToAll(event string, payload interface{}) {
	h.broadcast(event, payload, nil)
}

// SendToAllExcept delivers an event to every live session except one.
// Used for join notices: the joining session learns of success via
// SendToOne, not via the broadcast.
func (h *Hub) SendToAllExcept(exclude *Session, event string, payload interface{}) {
	h.broadcast(event, payload, exclude)
}

// SendToOne delivers an event to a single session. Used for history
// replay and login outcomes.
func (h *Hub) SendToOne(sess *Session, event string, payload interface{}) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		errorLog.Printf("Session %d: failed to encode %q: %v", sess.ID, event, err)
		return
	}

	if err := sess.enqueue(frame); err != nil {
		debugLog.Printf("Session %d: targeted delivery of %q failed: %v", sess.ID, event, err)
		h.evictSession(sess)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordEventSent(event)
	}
}

// broadcast encodes once and enqueues to every session, isolating
// per-recipient failures. Sessions whose queue is full or closed are
// reaped; delivery to the remaining sessions is never aborted.
func (h *Hub) broadcast(event string, payload interface{}, exclude *Session) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		errorLog.Printf("Broadcast: failed to encode %q: %v", event, err)
		return
	}

	var dead []*Session

	h.mu.Lock()
	for _, sess := range h.sessions.All() {
		if exclude != nil && sess.ID == exclude.ID {
			continue
		}
		if err := sess.enqueue(frame); err != nil {
			debugLog.Printf("Session %d: broadcast of %q failed: %v", sess.ID, event, err)
			dead = append(dead, sess)
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordEventSent(event)
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordBroadcast(event)
	}

	// Reaping happens outside the fan-out lock: the evict callback
	// broadcasts a leave notice, which re-enters the hub.
	for _, sess := range dead {
		h.evictSession(sess)
	}
}
