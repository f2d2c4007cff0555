package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jiteshy/collabx/pkg/types"
)

const (
	// DefaultSendBuffer is the number of frames queued per connection before
	// the connection is treated as a slow consumer.
	DefaultSendBuffer = 100

	writeWait = 5 * time.Second
)

// outbound is one queued write: a data frame, or the close marker.
type outbound struct {
	data  []byte
	close bool
}

// Connection implements the interfaces.Connection interface. All writes go
// through a single writer goroutine; Send never blocks.
type Connection struct {
	conn       *websocket.Conn
	id         string
	sessionID  string
	remoteAddr string
	writeCh    chan outbound
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once // graceful close requested
	termOnce   sync.Once // socket torn down
	onOverflow func(*Connection)
}

// NewConnection wraps conn and starts its writer. bufferSize <= 0 selects
// DefaultSendBuffer.
func NewConnection(conn *websocket.Conn, id, sessionID string, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:      conn,
		id:        id,
		sessionID: sessionID,
		writeCh:   make(chan outbound, bufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	if conn != nil {
		c.remoteAddr = conn.RemoteAddr().String()
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	defer c.terminate()

	for {
		select {
		case item := <-c.writeCh:
			if item.close {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}

			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ID() string         { return c.id }
func (c *Connection) SessionID() string  { return c.sessionID }
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Send queues env for delivery. A full buffer tears the connection down and
// returns ErrSendBufferFull.
func (c *Connection) Send(env *types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.enqueue(outbound{data: data})
}

func (c *Connection) enqueue(item outbound) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- item:
		return nil
	default:
		if c.onOverflow != nil {
			c.onOverflow(c)
		}
		c.terminate()
		return ErrSendBufferFull
	}
}

// Close flushes frames already queued, sends a close frame and then closes
// the socket. It returns immediately.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.enqueue(outbound{close: true})
		if err == ErrConnectionClosed {
			err = nil
		}
	})
	return err
}

// terminate closes the socket without flushing.
func (c *Connection) terminate() {
	c.termOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
