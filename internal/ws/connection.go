package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/types"
)

const maxInboundMessage = 64 << 10

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// Connection represents an upgraded WebSocket session subscribed to one twin.
type Connection struct {
	conn      *websocket.Conn
	identity  Identity
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts    connectionOptions
	onClose func()
}

func newConnection(conn *websocket.Conn, id Identity, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		identity: id,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// Twin returns the subscribed twin.
func (c *Connection) Twin() types.TwinID { return c.identity.Twin }

// Session returns the client session bound to the connection.
func (c *Connection) Session() types.SessionID { return c.identity.Session }

// Holder returns the user behind the session.
func (c *Connection) Holder() types.HolderID { return c.identity.Holder }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Send enqueues a text frame for the writer goroutine. A slow consumer whose
// buffer is full is disconnected rather than allowed to stall broadcasts.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	select {
	case c.send <- payload:
		gatewaySendQueueDepth.WithLabelValues(string(c.identity.Twin)).Set(float64(len(c.send)))
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithCode(websocket.CloseTryAgainLater, "backpressure")
		c.Close()
		return errSendBufferFull
	}
}

// Run starts the read/write pumps until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Warn().Err(err).Msg("connect hook failed")
			c.closeWithCode(websocket.CloseInternalServerErr, "connect failed")
			c.Close()
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears the connection down once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// ClientMessage is the only frame clients send: a presence update naming
// the component path the session is focused on.
type ClientMessage struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

func (c *Connection) readLoop(hooks Hooks) error {
	c.conn.SetReadLimit(maxInboundMessage)
	deadline := c.pongDeadline()
	if deadline > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage {
			c.closeWithCode(websocket.CloseUnsupportedData, "text frames only")
			return fmt.Errorf("unsupported message type %d", kind)
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.closeWithCode(websocket.ClosePolicyViolation, "malformed message")
			return fmt.Errorf("decode client message: %w", err)
		}
		switch msg.Type {
		case "presence":
			if hooks.OnPresence == nil {
				continue
			}
			if err := hooks.OnPresence(c.ctx, c, msg.Path); err != nil {
				c.logger.Debug().Err(err).Str("path", msg.Path).Msg("presence update refused")
			}
		default:
			c.closeWithCode(websocket.ClosePolicyViolation, "unknown message type")
			return fmt.Errorf("unknown client message type %q", msg.Type)
		}
	}
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) pongDeadline() time.Duration {
	if c.opts.heartbeatInterval <= 0 || c.opts.heartbeatTolerance <= 0 {
		return 0
	}
	return c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
}

func (c *Connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeTimeout))
}

// Hooks lets other packages react to connection lifecycle and presence.
type Hooks struct {
	OnPresence   PresenceHook
	OnConnect    ConnectHook
	OnDisconnect DisconnectHook
}

type PresenceHook func(ctx context.Context, conn *Connection, path string) error
type ConnectHook func(ctx context.Context, conn *Connection) error
type DisconnectHook func(conn *Connection)

// Identity names the twin, session and holder a connection speaks for.
type Identity struct {
	Twin    types.TwinID
	Session types.SessionID
	Holder  types.HolderID
}
