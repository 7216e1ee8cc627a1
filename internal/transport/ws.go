package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/courier/internal/bus"
	"go.uber.org/zap"
)

// Channel is the realtime websocket connection to the chat server. It
// sends outbound messages and publishes pushed events on the bus.
type Channel struct {
	url    string
	token  string
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	waiters map[string]chan sendResult

	connected atomic.Bool
}

type sendResult struct {
	msg *ServerMessage
	err error
}

type sendFrame struct {
	Type string `json:"type"`
	*Outbound
}

// NewChannel creates a channel client for the given websocket URL.
func NewChannel(url, token string, b *bus.Bus, logger *zap.Logger) *Channel {
	return &Channel{
		url:     url,
		token:   token,
		bus:     b,
		logger:  logger,
		waiters: make(map[string]chan sendResult),
	}
}

// Connect dials the server and starts the read pump.
func (c *Channel) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return &TransientError{Op: "dial channel", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.logger.Info("channel connected", zap.String("url", c.url))
	c.bus.Publish(bus.Event{Kind: bus.KindTransportConnected, Timestamp: time.Now()})

	go c.readPump(conn)
	return nil
}

// Disconnect closes the connection. Pending sends fail with a
// transient error.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	// readPump observes the closed connection and finishes teardown.
}

// Connected reports whether the realtime channel is up. The scheduler
// skips its cycle entirely while this is false.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Send writes a message frame and waits for the server's ack,
// correlated by the client message id, within the ctx deadline. A
// timeout is reported as failed; if the server's ack arrives later the
// read pump re-publishes it so the reconciler still confirms the
// message (never treated as a duplicate error).
func (c *Channel) Send(ctx context.Context, out *Outbound) (*ServerMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := make(chan sendResult, 1)
	c.waiters[out.ClientMsgID] = ch
	err := conn.WriteJSON(sendFrame{Type: "send", Outbound: out})
	c.mu.Unlock()

	if err != nil {
		c.dropWaiter(out.ClientMsgID)
		return nil, &TransientError{Op: "write send frame", Err: err}
	}

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		c.dropWaiter(out.ClientMsgID)
		return nil, &TransientError{Op: "await ack", Err: ctx.Err()}
	}
}

func (c *Channel) readPump(conn *websocket.Conn) {
	defer c.teardown(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("bad envelope", zap.Error(err))
			continue
		}

		switch env.Type {
		case TypeAck:
			if !c.resolveWaiter(env.ClientMsgID, sendResult{msg: env.Message}) && env.Message != nil {
				// The sender timed out before the ack arrived. The message
				// was accepted server-side; route it through the reconciler.
				c.bus.Publish(bus.Event{Kind: bus.KindChannelMessage, Timestamp: time.Now(), Payload: env.Message})
			}
		case TypeError:
			var resErr error
			if env.Error != nil {
				resErr = env.Error.Reject()
			} else {
				resErr = &TransientError{Op: "send", Err: ErrNotConnected}
			}
			if !c.resolveWaiter(env.ClientMsgID, sendResult{err: resErr}) {
				c.logger.Warn("uncorrelated error frame",
					zap.String("client_msg_id", env.ClientMsgID))
			}
		default:
			if evt, ok := ToEvent(env); ok {
				c.bus.Publish(evt)
			}
		}
	}
}

func (c *Channel) teardown(conn *websocket.Conn) {
	wasConnected := c.connected.Swap(false)
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	waiters := c.waiters
	c.waiters = make(map[string]chan sendResult)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- sendResult{err: &TransientError{Op: "send", Err: ErrNotConnected}}
	}

	if wasConnected {
		c.logger.Warn("channel disconnected")
		c.bus.Publish(bus.Event{Kind: bus.KindTransportDisconnected, Timestamp: time.Now()})
	}
}

// resolveWaiter delivers a result to the send waiting on clientMsgID.
// Returns false if no sender is waiting (e.g. it already timed out).
func (c *Channel) resolveWaiter(clientMsgID string, res sendResult) bool {
	c.mu.Lock()
	ch, ok := c.waiters[clientMsgID]
	if ok {
		delete(c.waiters, clientMsgID)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

func (c *Channel) dropWaiter(clientMsgID string) {
	c.mu.Lock()
	delete(c.waiters, clientMsgID)
	c.mu.Unlock()
}
