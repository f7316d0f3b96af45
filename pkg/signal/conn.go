package signal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/atriumrtc/atrium-server/pkg/logger"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	defaultPingInterval   = 10 * time.Second
	pingWriteTimeout      = 2 * time.Second
)

// RequestHandler handles one inbound request. Calling accept sends the
// success response immediately, so work done after accept is guaranteed to
// reach the remote side after the response. Returning an error without having
// accepted sends an error response; use *Error to control the code seen by
// the client. Returning nil without accepting responds with an empty success.
type RequestHandler func(method Method, data json.RawMessage, accept func(data interface{})) error

type ConnParams struct {
	RequestTimeout time.Duration
	PingInterval   time.Duration
}

// Conn is a duplex signaling channel over a websocket: inbound requests are
// dispatched to the current RequestHandler in arrival order, outbound
// requests block until the remote responds or the timeout fires.
type Conn struct {
	conn   *websocket.Conn
	params ConnParams

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onRequest RequestHandler

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message
	nextID    atomic.Uint32

	closed  core.Fuse
	onClose func()
}

func NewConn(ws *websocket.Conn, params ConnParams) *Conn {
	if params.RequestTimeout == 0 {
		params.RequestTimeout = DefaultRequestTimeout
	}
	if params.PingInterval == 0 {
		params.PingInterval = defaultPingInterval
	}
	c := &Conn{
		conn:    ws,
		params:  params,
		pending: make(map[uint32]chan *Message),
	}
	go c.pingWorker()
	return c
}

// SetRequestHandler swaps the inbound request handler. The Lobby installs a
// narrowed handler here and the Room replaces it on promotion.
func (c *Conn) SetRequestHandler(h RequestHandler) {
	c.handlerMu.Lock()
	c.onRequest = h
	c.handlerMu.Unlock()
}

func (c *Conn) OnClose(f func()) {
	c.handlerMu.Lock()
	c.onClose = f
	c.handlerMu.Unlock()
}

func (c *Conn) IsClosed() bool {
	return c.closed.IsBroken()
}

// Close is idempotent. The close callback runs outside the fuse so a
// callback that closes the connection again cannot deadlock on it.
func (c *Conn) Close() {
	fired := false
	c.closed.Once(func() {
		fired = true
		_ = c.conn.Close()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
	if !fired {
		return
	}

	c.handlerMu.RLock()
	onClose := c.onClose
	c.handlerMu.RUnlock()
	if onClose != nil {
		onClose()
	}
}

// ReadPump reads until the connection drops. It is expected to run on the
// goroutine that accepted the connection; per-connection request ordering
// follows from dispatching inline.
func (c *Conn) ReadPump() error {
	defer c.Close()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if IsCloseError(err) {
				return nil
			}
			return err
		}

		msg := &Message{}
		if err := json.Unmarshal(payload, msg); err != nil {
			logger.Warnw("could not parse signal message", "err", err)
			continue
		}

		switch {
		case msg.Request:
			c.handleRequest(msg)
		case msg.Response:
			c.handleResponse(msg)
		case msg.Notification:
			logger.Debugw("ignoring client notification", "method", msg.Method)
		default:
			logger.Warnw("unclassified signal message", "method", msg.Method)
		}
	}
}

func (c *Conn) handleRequest(req *Message) {
	c.handlerMu.RLock()
	handler := c.onRequest
	c.handlerMu.RUnlock()

	if handler == nil {
		_ = c.writeMessage(NewErrorResponse(req, NewError(CodeInternal, "connection not ready")))
		return
	}

	accepted := false
	accept := func(data interface{}) {
		if accepted {
			return
		}
		accepted = true

		res, err := NewResponse(req, data)
		if err != nil {
			_ = c.writeMessage(NewErrorResponse(req, err))
			return
		}
		if err := c.writeMessage(res); err != nil {
			logger.Warnw("could not write response", "err", err, "method", req.Method)
		}
	}

	err := handler(req.Method, req.Data, accept)
	if err != nil {
		if accepted {
			logger.Warnw("request failed after accept", "err", err, "method", req.Method)
			return
		}
		_ = c.writeMessage(NewErrorResponse(req, err))
		return
	}
	if !accepted {
		accept(nil)
	}
}

func (c *Conn) handleResponse(res *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		logger.Debugw("response for unknown request", "id", res.ID)
		return
	}
	ch <- res
}

// Request sends a server-initiated request and waits for the response.
func (c *Conn) Request(ctx context.Context, method Method, data interface{}) (json.RawMessage, error) {
	if c.closed.IsBroken() {
		return nil, ErrConnClosed
	}

	id := c.nextID.Inc()
	req, err := NewRequest(id, method, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeMessage(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(c.params.RequestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if !res.OK {
			return nil, NewError(res.ErrorCode, res.ErrorReason)
		}
		return res.Data, nil
	case <-timer.C:
		c.abandonRequest(id)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.abandonRequest(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method Method, data interface{}) error {
	if c.closed.IsBroken() {
		return ErrConnClosed
	}
	msg, err := NewNotification(method, data)
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

func (c *Conn) abandonRequest(id uint32) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) writeMessage(msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) pingWorker() {
	ticker := time.NewTicker(c.params.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingWriteTimeout))
			if err != nil {
				return
			}
		case <-c.closed.Watch():
			return
		}
	}
}

// IsCloseError checks that error is a normal/expected closure
func IsCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
