package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jiteshy/collabx/pkg/types"
)

const writeWait = 10 * time.Second

// Listener receives the events of exactly one transport. OnOpen is followed
// by any number of OnMessage calls and a final OnClose. A transport that
// never opens reports a single OnError instead.
type Listener interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(err error)
	OnError(err *types.ProtocolError)
}

// Transport is an open or opening connection to the gateway.
type Transport interface {
	Send(data []byte) error
	// Close tears the transport down without notifying its listener.
	Close() error
}

// Dialer opens transports. Dial must return without invoking the listener;
// events are reported from other goroutines.
type Dialer interface {
	Dial(url string, l Listener) Transport
}

// WebSocketDialer opens gorilla/websocket transports. A positive
// ReadTimeout closes a transport that receives no frame, ping or pong for
// that long.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	Logger           *zap.Logger
}

// NewWebSocketDialer returns a dialer with the given handshake and read timeouts.
func NewWebSocketDialer(handshakeTimeout, readTimeout time.Duration, logger *zap.Logger) *WebSocketDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketDialer{HandshakeTimeout: handshakeTimeout, ReadTimeout: readTimeout, Logger: logger}
}

func (d *WebSocketDialer) Dial(url string, l Listener) Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		url:         url,
		listener:    l,
		logger:      d.Logger,
		cancel:      cancel,
		readTimeout: d.ReadTimeout,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: d.HandshakeTimeout,
		},
	}
	go t.run(ctx)
	return t
}

type wsTransport struct {
	url         string
	dialer      *websocket.Dialer
	listener    Listener
	logger      *zap.Logger
	cancel      context.CancelFunc
	readTimeout time.Duration

	mu     sync.Mutex // serializes writes and guards conn/closed
	conn   *websocket.Conn
	closed bool
}

func (t *wsTransport) run(ctx context.Context) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.mu.Unlock()
		t.logger.Debug("Dial failed", zap.String("url", t.url), zap.Error(err))
		t.listener.OnError(dialError(err))
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.watchDeadline(conn)
	t.listener.OnOpen()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.closed = true
			t.mu.Unlock()
			_ = conn.Close()
			if !closed {
				t.listener.OnClose(err)
			}
			return
		}
		t.extendDeadline(conn)
		t.listener.OnMessage(data)
	}
}

// watchDeadline arms the read deadline and refreshes it on every ping and
// pong. Pings are still answered.
func (t *wsTransport) watchDeadline(conn *websocket.Conn) {
	if t.readTimeout <= 0 {
		return
	}
	t.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		t.extendDeadline(conn)
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		t.extendDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
}

func (t *wsTransport) extendDeadline(conn *websocket.Conn) {
	if t.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.conn == nil {
		return ErrTransportNotOpen
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	if t.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return t.conn.Close()
}

// dialError classifies a failed handshake. Timeouts become TIMEOUT_ERROR so
// callers can tell an unreachable gateway from a refused one.
func dialError(err error) *types.ProtocolError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return types.NewProtocolError(types.ErrorTimeout, "connection timed out: %v", err)
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return types.NewProtocolError(types.ErrorConnection, "server rejected the connection")
	}
	return types.NewProtocolError(types.ErrorConnection, "failed to connect: %v", err)
}
