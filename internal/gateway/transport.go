package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for a single transport write.
	writeWait = 10 * time.Second

	// pongWait is how long the connection may sit idle before a missing
	// pong is treated as connection loss.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pings keep the
	// connection alive.
	pingPeriod = (pongWait * 9) / 10
)

// Transport is the message-oriented connection underneath a dispatcher.
// It exists as an interface so dispatcher tests can run against an
// in-memory fake; the production implementation wraps a WebSocket.
type Transport interface {
	// ReadMessage blocks for the next inbound message.
	ReadMessage() (messageType int, data []byte, err error)
	// WriteMessage transmits one message. Safe for concurrent use.
	WriteMessage(messageType int, data []byte) error
	// Ping sends a transport keepalive probe.
	Ping() error
	// Close tears down the connection.
	Close() error
}

// wsTransport adapts a gorilla WebSocket connection to Transport.
// The write mutex serializes the write pump and keepalive pings.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{conn: conn}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return t
}

func (t *wsTransport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *wsTransport) WriteMessage(messageType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(messageType, data)
}

func (t *wsTransport) Ping() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
