package server

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openroom/openroom/pkg/protocol"
	"github.com/stretchr/testify/require"
)

const testAdminSecret = "sup3r-secret"

// startTestServer boots a full server on an ephemeral port with a
// throwaway database.
func startTestServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	config := DefaultConfig()
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.DatabasePath = filepath.Join(dir, "openroom.db")
	config.UploadDir = filepath.Join(dir, "uploads")
	config.StaticDir = dir
	config.AdminSecret = testAdminSecret

	srv, err := NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv
}

// ---------------------------------------------------------------------------
// WebSocket test client
// ---------------------------------------------------------------------------

type wsClient struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSClient(t *testing.T, srv *Server) *wsClient {
	t.Helper()

	url := fmt.Sprintf("ws://%s/ws", srv.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "WebSocket connect to %s failed", url)

	c := &wsClient{conn: conn}
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) send(t *testing.T, event string, payload interface{}) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

// expect reads the next frame and asserts its event name
func (c *wsClient) expect(t *testing.T, event string, timeout time.Duration) *protocol.Envelope {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.conn.ReadMessage()
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		t.Fatalf("expect %q: read error: %v", event, err)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("expect %q: decode error: %v", event, err)
	}
	if env.Event != event {
		t.Fatalf("expected %q, got %q", event, env.Event)
	}
	return env
}

// tryRead attempts to read one frame within timeout. Returns nil if
// nothing arrived.
func (c *wsClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Envelope {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.conn.ReadMessage()
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return nil
	}
	return env
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// expectHistory reads the initial history batch sent on connect
func (c *wsClient) expectHistory(t *testing.T) []protocol.ChatMessage {
	t.Helper()
	env := c.expect(t, protocol.EventLoadHistory, 5*time.Second)
	var batch protocol.LoadHistory
	require.NoError(t, env.Bind(&batch))
	return batch.Messages
}

// join connects the client under a display name and consumes the login
// confirmation.
func (c *wsClient) join(t *testing.T, username, password string) protocol.LoginSuccessful {
	t.Helper()
	c.send(t, protocol.EventUserJoined, &protocol.JoinRequest{Username: username, Password: password})
	env := c.expect(t, protocol.EventLoginSuccessful, 5*time.Second)
	var login protocol.LoginSuccessful
	require.NoError(t, env.Bind(&login))
	return login
}

func (c *wsClient) expectChat(t *testing.T) protocol.ChatMessage {
	t.Helper()
	env := c.expect(t, protocol.EventChatMessage, 5*time.Second)
	var msg protocol.ChatMessage
	require.NoError(t, env.Bind(&msg))
	return msg
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestHistoryReplayOnConnect(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	require.Empty(t, c1.expectHistory(t))

	c1.join(t, "alice", "")
	c1.send(t, protocol.EventChatMessage, &protocol.ChatRequest{Text: "first"})
	c1.expectChat(t)
	c1.send(t, protocol.EventChatMessage, &protocol.ChatRequest{Text: "second"})
	c1.expectChat(t)

	// A fresh connection replays the persisted window, oldest first,
	// before any authentication happens.
	c2 := newWSClient(t, srv)
	history := c2.expectHistory(t)
	require.Len(t, history, 2)
	require.Equal(t, "first", history[0].Message)
	require.Equal(t, "second", history[1].Message)
	require.Equal(t, "alice", history[0].Username)
	require.False(t, history[0].IsAdmin)
}

func TestJoinNoticeExcludesJoiner(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	login := c1.join(t, "alice", "")
	require.False(t, login.IsAdmin)

	c2 := newWSClient(t, srv)
	c2.expectHistory(t)
	c2.join(t, "bob", "")

	// alice sees bob's join notice; bob saw only his own login event
	notice := c1.expectChat(t)
	require.Equal(t, protocol.SystemUsername, notice.Username)
	require.Equal(t, "bob has joined the chat.", notice.Message)

	require.Nil(t, c2.tryRead(t, 200*time.Millisecond), "joiner must not receive its own join notice")
}

func TestChatBroadcastIncludesSender(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.join(t, "alice", "")

	c2 := newWSClient(t, srv)
	c2.expectHistory(t)
	c2.join(t, "bob", "")
	c1.expectChat(t) // bob's join notice

	c2.send(t, protocol.EventChatMessage, &protocol.ChatRequest{Text: "hello room"})

	for _, c := range []*wsClient{c1, c2} {
		msg := c.expectChat(t)
		require.Equal(t, "bob", msg.Username)
		require.Equal(t, "hello room", msg.Message)
		require.False(t, msg.IsAdmin)
	}
}

func TestChatBeforeAuthenticationIsDropped(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.send(t, protocol.EventChatMessage, &protocol.ChatRequest{Text: "sneaky"})

	require.Nil(t, c1.tryRead(t, 200*time.Millisecond))

	// Nothing persisted, nothing replayed
	c2 := newWSClient(t, srv)
	require.Empty(t, c2.expectHistory(t))

	count, err := srv.db.MessageCount()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAdminLogin(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.join(t, "alice", "")

	// The reserved name matches case-insensitively
	c2 := newWSClient(t, srv)
	c2.expectHistory(t)
	login := c2.join(t, "Shresth", testAdminSecret)
	require.True(t, login.IsAdmin)

	notice := c1.expectChat(t)
	require.Equal(t, "Shresth (Admin) has entered the network.", notice.Message)

	c2.send(t, protocol.EventChatMessage, &protocol.ChatRequest{Text: "behave"})
	msg := c1.expectChat(t)
	require.True(t, msg.IsAdmin)
	require.Equal(t, "Shresth", msg.Username)
}

func TestAdminLoginWrongSecret(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.send(t, protocol.EventUserJoined, &protocol.JoinRequest{Username: "shresth", Password: "wrong"})

	env := c1.expect(t, protocol.EventLoginFailed, 5*time.Second)
	var failed protocol.LoginFailed
	require.NoError(t, env.Bind(&failed))
	require.Equal(t, protocol.ReasonInvalidAdminCredentials, failed.Reason)

	// One attempt per connection: the server drops the link
	c1.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c1.conn.ReadMessage()
	require.Error(t, err)

	count, err := srv.db.MessageCount()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestReauthKeepsConnectionAlive(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.join(t, "alice", "")

	// A second join with bad admin credentials is an idempotent no-op:
	// the bound identity wins and the connection survives
	login := c1.join(t, "shresth", "wrong")
	require.False(t, login.IsAdmin)

	c1.send(t, protocol.EventChatMessage, &protocol.ChatRequest{Text: "still here"})
	msg := c1.expectChat(t)
	require.Equal(t, "alice", msg.Username)
	require.Equal(t, "still here", msg.Message)
}

func TestAdminClearAll(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.join(t, "alice", "")
	c1.send(t, protocol.EventChatMessage, &protocol.ChatRequest{Text: "doomed"})
	c1.expectChat(t)

	admin := newWSClient(t, srv)
	admin.expectHistory(t)
	admin.join(t, "shresth", testAdminSecret)
	c1.expectChat(t) // admin join notice

	admin.send(t, protocol.EventAdminClearAll, nil)

	c1.expect(t, protocol.EventChatCleared, 5*time.Second)
	admin.expect(t, protocol.EventChatCleared, 5*time.Second)

	// A new connection replays nothing
	c3 := newWSClient(t, srv)
	require.Empty(t, c3.expectHistory(t))
}

func TestNonAdminClearAllIgnored(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.join(t, "bob", "")
	c1.send(t, protocol.EventChatMessage, &protocol.ChatRequest{Text: "keep me"})
	c1.expectChat(t)

	c1.send(t, protocol.EventAdminClearAll, nil)

	// No feedback, no broadcast, history intact
	require.Nil(t, c1.tryRead(t, 200*time.Millisecond))

	c2 := newWSClient(t, srv)
	history := c2.expectHistory(t)
	require.Len(t, history, 1)
	require.Equal(t, "keep me", history[0].Message)
}

func TestLeaveNotice(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.join(t, "alice", "")

	c2 := newWSClient(t, srv)
	c2.expectHistory(t)
	c2.join(t, "bob", "")
	c1.expectChat(t) // bob's join notice

	c2.close()

	notice := c1.expectChat(t)
	require.Equal(t, protocol.SystemUsername, notice.Username)
	require.Equal(t, "bob has left the chat.", notice.Message)
}

// TestJoinLeaveNoticesPairUnderChurn drives rapid connect/join/close
// cycles and checks that a session whose join was announced always gets
// a leave notice, even when the join and the removal race.
func TestJoinLeaveNoticesPairUnderChurn(t *testing.T) {
	srv := startTestServer(t)

	observer := newWSClient(t, srv)
	observer.expectHistory(t)
	observer.join(t, "observer", "")

	const churns = 20
	for i := 0; i < churns; i++ {
		c := newWSClient(t, srv)
		c.expectHistory(t)
		c.send(t, protocol.EventUserJoined, &protocol.JoinRequest{Username: fmt.Sprintf("guest-%d", i)})
		c.close()
	}

	joins := make(map[string]int)
	leaves := make(map[string]int)
	for {
		env := observer.tryRead(t, 500*time.Millisecond)
		if env == nil {
			break
		}
		var msg protocol.ChatMessage
		require.NoError(t, env.Bind(&msg))
		require.Equal(t, protocol.SystemUsername, msg.Username)
		if name, ok := strings.CutSuffix(msg.Message, " has joined the chat."); ok {
			joins[name]++
		} else if name, ok := strings.CutSuffix(msg.Message, " has left the chat."); ok {
			leaves[name]++
		} else {
			t.Fatalf("unexpected system notice %q", msg.Message)
		}
	}

	require.Equal(t, joins, leaves, "every announced join must be matched by a leave notice")
}

func TestUnauthenticatedDisconnectIsSilent(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.join(t, "alice", "")

	lurker := newWSClient(t, srv)
	lurker.expectHistory(t)
	lurker.close()

	require.Nil(t, c1.tryRead(t, 200*time.Millisecond))
}

func TestFileUploadedBroadcast(t *testing.T) {
	srv := startTestServer(t)

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.join(t, "alice", "")

	c1.send(t, protocol.EventFileUploaded, &protocol.FileUploadedRequest{
		FileName: "notes.txt",
		FilePath: "/uploads/abc.txt",
		IsImage:  false,
	})
	msg := c1.expectChat(t)
	require.Equal(t, "alice", msg.Username)
	require.Contains(t, msg.Message, `<a href="/uploads/abc.txt"`)
	require.Contains(t, msg.Message, "notes.txt")

	c1.send(t, protocol.EventFileUploaded, &protocol.FileUploadedRequest{
		FileName: "cat.png",
		FilePath: "/uploads/cat.png",
		IsImage:  true,
	})
	msg = c1.expectChat(t)
	require.Contains(t, msg.Message, `<img src="/uploads/cat.png"`)

	// Both notices are persisted like regular chat messages
	c2 := newWSClient(t, srv)
	require.Len(t, c2.expectHistory(t), 2)
}

// TestBroadcastOrderIsTotal checks that concurrent senders produce the
// same delivery order on every connection.
func TestBroadcastOrderIsTotal(t *testing.T) {
	srv := startTestServer(t)

	const perSender = 25

	c1 := newWSClient(t, srv)
	c1.expectHistory(t)
	c1.join(t, "alice", "")

	c2 := newWSClient(t, srv)
	c2.expectHistory(t)
	c2.join(t, "bob", "")
	c1.expectChat(t) // bob's join notice

	var wg sync.WaitGroup
	for _, c := range []*wsClient{c1, c2} {
		wg.Add(1)
		go func(c *wsClient) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				frame, _ := protocol.Encode(protocol.EventChatMessage, &protocol.ChatRequest{Text: fmt.Sprintf("msg-%d", i)})
				if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}(c)
	}
	wg.Wait()

	read := func(c *wsClient) []string {
		seen := make([]string, 0, perSender*2)
		for i := 0; i < perSender*2; i++ {
			msg := c.expectChat(t)
			seen = append(seen, msg.Username+"/"+msg.Message)
		}
		return seen
	}

	require.Equal(t, read(c1), read(c2))
}
