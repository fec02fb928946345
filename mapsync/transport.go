package mapsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is one duplex connection carrying envelope frames. Implementations
// must allow concurrent WriteMessage calls; ReadMessage is driven by a
// single read loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a duplex connection to the given URL. It exists so tests can
// substitute an in-memory transport for the websocket one.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// websocketConn adapts a gorilla websocket connection to Conn. gorilla
// permits at most one concurrent writer, so writes are serialized here.
type websocketConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WrapWebsocket adapts an established websocket connection to Conn.
func WrapWebsocket(conn *websocket.Conn) Conn {
	return &websocketConn{conn: conn}
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *websocketConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}

// WebsocketDialer dials websocket URLs with the default gorilla dialer.
type WebsocketDialer struct{}

// Dial opens a websocket connection, honoring the context's deadline for
// connection establishment.
func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return WrapWebsocket(conn), nil
}
