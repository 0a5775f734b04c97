package server

import (
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/openroom/openroom/pkg/protocol"
)

// sendQueueSize is the per-session outbound buffer. A session that falls
// this far behind a broadcast stream is considered dead and removed.
const sendQueueSize = 256

var (
	// ErrInvalidAdminCredentials is returned when the reserved admin
	// username is presented with a wrong secret.
	ErrInvalidAdminCredentials = errors.New(protocol.ReasonInvalidAdminCredentials)
	// ErrEmptyUsername is returned when the username is empty after trimming.
	ErrEmptyUsername = errors.New("username cannot be empty")

	errSessionClosed = errors.New("session closed")
	errSendQueueFull = errors.New("session send queue full")
)

// Session represents one live connection, authenticated or not
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.RWMutex // Protects authenticated, displayName, isAdmin
	authenticated bool
	displayName   string
	isAdmin       bool
}

// Identity returns the session's display name and admin flag along with
// whether the session has authenticated.
func (s *Session) Identity() (name string, isAdmin bool, authenticated bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName, s.isAdmin, s.authenticated
}

// Authenticated reports whether the session has completed a join
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// IsAdmin reports whether the session authenticated as the admin identity
func (s *Session) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated && s.isAdmin
}

// enqueue queues a frame for delivery by the session's write pump.
// It never blocks: a full queue means the peer has stopped draining.
func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errSendQueueFull
	}
}

// close signals the write pump to drain and tear down the connection.
// Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// writePump delivers queued frames to the connection. One pump runs per
// session, so a slow peer only ever stalls its own delivery. onDead is
// invoked when a write fails.
func (s *Session) writePump(onDead func()) {
	for {
		select {
		case frame := <-s.send:
			if err := s.Conn.WriteFrame(frame); err != nil {
				debugLog.Printf("Session %d: write failed: %v", s.ID, err)
				onDead()
				s.drainAndClose(false)
				return
			}
		case <-s.done:
			s.drainAndClose(true)
			return
		}
	}
}

// drainAndClose flushes frames already queued at close time (login
// failures must reach the peer before the connection drops), then closes
// the connection.
func (s *Session) drainAndClose(flush bool) {
	if flush {
		for {
			select {
			case frame := <-s.send:
				if err := s.Conn.WriteFrame(frame); err != nil {
					s.Conn.Close()
					return
				}
			default:
				s.Conn.Close()
				return
			}
		}
	}
	s.Conn.Close()
}

// SessionManager tracks all live sessions and owns authentication
// against the single reserved admin identity.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64

	adminName   string
	adminSecret string
	metrics     *Metrics
}

// NewSessionManager creates a session manager with the reserved admin
// credential pair.
func NewSessionManager(adminName, adminSecret string) *SessionManager {
	return &SessionManager{
		sessions:    make(map[uint64]*Session),
		nextID:      1,
		adminName:   adminName,
		adminSecret: adminSecret,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// Register creates a new unauthenticated session. Always succeeds.
func (sm *SessionManager) Register(conn *SafeConn) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr().String(),
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}

	return sess
}

// Get returns a session by ID
func (sm *SessionManager) Get(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// All returns a snapshot of the live sessions
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// Remove unregisters a session and closes its connection. Idempotent:
// only the first call for a given ID reports true.
func (sm *SessionManager) Remove(sessionID uint64) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionClosed()
	}

	sess.close()
	return true
}

// CloseAll closes every session
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.close()
	}
	sm.sessions = make(map[uint64]*Session)

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(0)
	}
}

// AuthResult reports the outcome of a successful authentication
type AuthResult struct {
	IsAdmin bool
	// Already is true when the session had authenticated before this
	// call; the existing identity is kept (first-wins).
	Already bool
}

// Authenticate binds an identity to the session. The reserved admin
// username is matched case-insensitively and requires an exact secret;
// any other non-empty username always succeeds as a regular user. A
// second call on an already-authenticated session is a no-op returning
// the existing result, whatever credentials it carries.
func (sm *SessionManager) Authenticate(sess *Session, username, secret string) (AuthResult, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// First-wins: the bound identity sticks, so the new credentials
	// are never evaluated.
	if sess.authenticated {
		return AuthResult{IsAdmin: sess.isAdmin, Already: true}, nil
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return AuthResult{}, ErrEmptyUsername
	}

	isAdmin := false
	if strings.EqualFold(username, sm.adminName) {
		// An unset secret disables admin login entirely
		if sm.adminSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(sm.adminSecret)) != 1 {
			return AuthResult{}, ErrInvalidAdminCredentials
		}
		isAdmin = true
	}

	sess.authenticated = true
	sess.displayName = username
	sess.isAdmin = isAdmin

	return AuthResult{IsAdmin: isAdmin}, nil
}
