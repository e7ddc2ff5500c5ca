package tipi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	path      = "/tipi"
	scheme    = "tipi"
)

// Conn is a message oriented connection. Send is safe for concurrent use,
// Receive must be called from one goroutine only.
type Conn struct {
	ws        *websocket.Conn
	wmx       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes a message of type t with payload, which may be nil
func (c *Conn) Send(ctx context.Context, t MessageType, payload any) error {
	m, err := NewMessage(t, payload)
	if err != nil {
		return err
	}
	return c.SendMessage(ctx, m)
}

func (c *Conn) SendMessage(ctx context.Context, m Message) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(m); err != nil {
		return fmt.Errorf("sending %s: %w", m.Type, err)
	}
	return nil
}

// Receive blocks until the next message arrives. Closed connections return ErrClosed.
func (c *Conn) Receive() (Message, error) {
	var m Message
	if err := c.ws.ReadJSON(&m); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, net.ErrClosed) {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}
	return m, nil
}

// ReceiveTimeout is Receive with a read deadline
func (c *Conn) ReceiveTimeout(d time.Duration) (Message, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(d)); err != nil {
		return Message{}, err
	}
	defer func() {
		_ = c.ws.SetReadDeadline(time.Time{})
	}()
	return c.Receive()
}

// Close sends a close frame and closes the underlying connection. It can be called many times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmx.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.wmx.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
