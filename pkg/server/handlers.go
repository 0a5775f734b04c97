package server

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/openroom/openroom/pkg/database"
	"github.com/openroom/openroom/pkg/protocol"
	"github.com/samber/lo"
)

// handleConnection runs the lifecycle of one connection: register,
// history replay, then the inbound event loop until the peer goes away.
func (s *Server) handleConnection(conn *websocket.Conn) {
	sc := NewSafeConn(conn)
	sess := s.sessions.Register(sc)

	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d)", sess.RemoteAddr, sess.ID)

	go sess.writePump(func() { s.removeSession(sess) })

	// History carries no per-user content, so it is replayed before the
	// identity is known.
	s.replayHistory(sess)

	s.readLoop(sess)
}

// readLoop consumes inbound events until the connection drops
func (s *Server) readLoop(sess *Session) {
	defer s.removeSession(sess)

	for {
		raw, err := sess.Conn.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			} else {
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			debugLog.Printf("Session %d: dropping malformed frame: %v", sess.ID, err)
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordEventReceived(env.Event)
		}

		switch env.Event {
		case protocol.EventUserJoined:
			if closed := s.handleUserJoined(sess, env); closed {
				return
			}
		case protocol.EventChatMessage:
			s.handleChatMessage(sess, env)
		case protocol.EventFileUploaded:
			s.handleFileUploaded(sess, env)
		case protocol.EventAdminClearAll:
			s.handleAdminClearAll(sess)
		default:
			debugLog.Printf("Session %d: dropping unknown event %q", sess.ID, env.Event)
		}
	}
}

// removeSession unregisters the session and, if it had authenticated,
// broadcasts the departure notice. Safe to call from the read loop, the
// write pump, and the hub's evict path; only the first caller wins.
func (s *Server) removeSession(sess *Session) {
	if !s.sessions.Remove(sess.ID) {
		return
	}

	// Identity is read after winning the removal race: a join that
	// completes concurrently must still get its leave notice.
	name, isAdmin, authenticated := sess.Identity()

	s.disconnectionsSinceReport.Add(1)
	debugLog.Printf("Session %d removed", sess.ID)

	if authenticated {
		s.hub.SendToAll(protocol.EventChatMessage, systemNotice(leaveNotice(name, isAdmin)))
	}
}

// replayHistory pushes the recent message window to a new connection.
// A store failure logs and skips the batch; connection setup proceeds.
func (s *Server) replayHistory(sess *Session) {
	messages, err := s.db.RecentMessages(s.config.HistoryLimit)
	if err != nil {
		errorLog.Printf("Session %d: failed to load history: %v", sess.ID, err)
		if s.metrics != nil {
			s.metrics.RecordStorageError()
		}
		return
	}

	batch := protocol.LoadHistory{
		Messages: lo.Map(messages, func(msg *database.Message, _ int) protocol.ChatMessage {
			return protocol.ChatMessage{
				Username: msg.Author,
				Message:  msg.Body,
				IsAdmin:  msg.IsAdmin,
			}
		}),
	}

	s.hub.SendToOne(sess, protocol.EventLoadHistory, &batch)
}

// handleUserJoined authenticates the session. Returns true when the
// connection must be closed (failed admin login gets one attempt per
// connection).
func (s *Server) handleUserJoined(sess *Session, env *protocol.Envelope) bool {
	var join protocol.JoinRequest
	if err := env.Bind(&join); err != nil {
		debugLog.Printf("Session %d: dropping malformed join: %v", sess.ID, err)
		return false
	}

	result, err := s.sessions.Authenticate(sess, join.Username, join.Password)
	if err != nil {
		if errors.Is(err, ErrEmptyUsername) {
			// The client rejects empty names locally; seeing one here is
			// protocol misuse, dropped without feedback.
			debugLog.Printf("Session %d: dropping join with empty username", sess.ID)
			return false
		}

		s.hub.SendToOne(sess, protocol.EventLoginFailed, &protocol.LoginFailed{Reason: err.Error()})
		debugLog.Printf("Session %d: login failed: %v", sess.ID, err)
		s.removeSession(sess)
		return true
	}

	s.hub.SendToOne(sess, protocol.EventLoginSuccessful, &protocol.LoginSuccessful{IsAdmin: result.IsAdmin})

	// Re-auth keeps the first identity and does not repeat the notice
	if result.Already {
		return false
	}

	name, isAdmin, _ := sess.Identity()
	s.hub.SendToAllExcept(sess, protocol.EventChatMessage, systemNotice(joinNotice(name, isAdmin)))
	return false
}

// handleChatMessage persists and broadcasts a chat message. Events from
// unauthenticated sessions are dropped silently.
func (s *Server) handleChatMessage(sess *Session, env *protocol.Envelope) {
	name, isAdmin, authenticated := sess.Identity()
	if !authenticated {
		debugLog.Printf("Session %d: dropping chat from unauthenticated session", sess.ID)
		return
	}

	var chat protocol.ChatRequest
	if err := env.Bind(&chat); err != nil {
		debugLog.Printf("Session %d: dropping malformed chat: %v", sess.ID, err)
		return
	}
	if chat.Text == "" || len(chat.Text) > s.config.MaxMessageLength {
		debugLog.Printf("Session %d: dropping chat with invalid length %d", sess.ID, len(chat.Text))
		return
	}

	s.persistAndBroadcast(sess, name, chat.Text, isAdmin)
}

// handleFileUploaded synthesizes the message body for a completed upload
// and runs it through the same persist+broadcast path as a chat message.
func (s *Server) handleFileUploaded(sess *Session, env *protocol.Envelope) {
	name, isAdmin, authenticated := sess.Identity()
	if !authenticated {
		debugLog.Printf("Session %d: dropping file notice from unauthenticated session", sess.ID)
		return
	}

	var file protocol.FileUploadedRequest
	if err := env.Bind(&file); err != nil {
		debugLog.Printf("Session %d: dropping malformed file notice: %v", sess.ID, err)
		return
	}
	if file.FilePath == "" {
		debugLog.Printf("Session %d: dropping file notice without path", sess.ID)
		return
	}

	s.persistAndBroadcast(sess, name, renderFileMessage(file), isAdmin)
}

// persistAndBroadcast stores a message and fans it out to every session,
// sender included. Durability comes before visibility: a store failure
// is logged and nothing is broadcast.
func (s *Server) persistAndBroadcast(sess *Session, author, body string, isAdmin bool) {
	msg, err := s.db.Append(author, body, isAdmin)
	if err != nil {
		errorLog.Printf("Session %d: failed to persist message: %v", sess.ID, err)
		if s.metrics != nil {
			s.metrics.RecordStorageError()
		}
		return
	}

	s.hub.SendToAll(protocol.EventChatMessage, &protocol.ChatMessage{
		Username: msg.Author,
		Message:  msg.Body,
		IsAdmin:  msg.IsAdmin,
	})
}

// handleAdminClearAll wipes the message store. Requests from unknown or
// non-admin sessions are silently ignored: only the admin UI exposes the
// action, so there is no feedback channel to serve.
func (s *Server) handleAdminClearAll(sess *Session) {
	current, ok := s.sessions.Get(sess.ID)
	if !ok || !current.IsAdmin() {
		debugLog.Printf("Session %d: ignoring clear-all without admin privilege", sess.ID)
		return
	}

	if err := s.db.ClearAll(); err != nil {
		errorLog.Printf("Session %d: failed to clear messages: %v", sess.ID, err)
		if s.metrics != nil {
			s.metrics.RecordStorageError()
		}
		return
	}

	s.hub.SendToAll(protocol.EventChatCleared, nil)
}

func systemNotice(text string) *protocol.ChatMessage {
	return &protocol.ChatMessage{
		Username: protocol.SystemUsername,
		Message:  text,
	}
}

func joinNotice(name string, isAdmin bool) string {
	if isAdmin {
		return fmt.Sprintf("%s (Admin) has entered the network.", name)
	}
	return fmt.Sprintf("%s has joined the chat.", name)
}

func leaveNotice(name string, isAdmin bool) string {
	if isAdmin {
		return fmt.Sprintf("%s (Admin) has left the chat.", name)
	}
	return fmt.Sprintf("%s has left the chat.", name)
}

// renderFileMessage builds the pre-rendered markup body for a file
// notice. Images are embedded inline; everything else becomes a link.
// The store treats the body opaquely.
func renderFileMessage(file protocol.FileUploadedRequest) string {
	fileName := html.EscapeString(strings.TrimSpace(file.FileName))
	if fileName == "" {
		fileName = "file"
	}

	if file.IsImage {
		return fmt.Sprintf(`shared an image: <img src=%q alt=%q class="chat-image">`, file.FilePath, fileName)
	}
	return fmt.Sprintf(`uploaded a file: <a href=%q target="_blank">%s</a>`, file.FilePath, fileName)
}
