package server

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// SafeConn wraps a websocket connection with automatic write
// synchronization to prevent concurrent writes from interleaving frames.
//
// Multiple goroutines (the session's write pump and handlers that reply
// inline) may try to write to the same connection. gorilla/websocket
// does not allow concurrent writers, so SafeConn encapsulates both the
// connection and its write mutex - the raw conn is private.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket connection with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteFrame sends a single text frame with write synchronization.
// This is the ONLY way to write to the connection.
func (sc *SafeConn) WriteFrame(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads the next text frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
