package rtc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/atriumrtc/atrium-server/pkg/media"
	"github.com/atriumrtc/atrium-server/pkg/signal"
	"github.com/atriumrtc/atrium-server/pkg/utils"
)

// fakeConn records the server-to-client traffic of one peer and lets tests
// drive inbound requests through the installed handler.
type fakeConn struct {
	mu            sync.Mutex
	handler       signal.RequestHandler
	onClose       func()
	closed        bool
	notifications []sentMessage
	requests      []sentMessage
	// per-method responses for server-initiated requests
	requestErr error
}

type sentMessage struct {
	Method signal.Method
	Data   interface{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{}
}

func (c *fakeConn) SetRequestHandler(h signal.RequestHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeConn) Request(ctx context.Context, method signal.Method, data interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.requests = append(c.requests, sentMessage{Method: method, Data: data})
	err := c.requestErr
	c.mu.Unlock()
	return nil, err
}

func (c *fakeConn) Notify(method signal.Method, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return signal.ErrConnClosed
	}
	c.notifications = append(c.notifications, sentMessage{Method: method, Data: data})
	return nil
}

func (c *fakeConn) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver simulates an inbound request and returns the accepted response
// data, if any, plus the handler error.
func (c *fakeConn) deliver(method signal.Method, data interface{}) (interface{}, error) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return nil, signal.ErrConnClosed
	}

	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	} else {
		raw = json.RawMessage(`{}`)
	}

	var accepted interface{}
	err := handler(method, raw, func(d interface{}) {
		accepted = d
	})
	return accepted, err
}

func (c *fakeConn) notified(method signal.Method) []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMessage
	for _, n := range c.notifications {
		if n.Method == method {
			out = append(out, n)
		}
	}
	return out
}

func (c *fakeConn) requested(method signal.Method) []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMessage
	for _, r := range c.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func newTestPeer(id string) (*Peer, *fakeConn) {
	conn := newFakeConn()
	peer := NewPeer(PeerID(id), "R-test", conn)
	return peer, conn
}

// fakeRouter wraps the null engine router and adds call inspection where
// tests need it.
type fakeRouter struct {
	media.Router
	mu         sync.Mutex
	observer   *fakeAudioLevelObserver
	canConsume func(producerID string, caps json.RawMessage) bool
}

func newFakeRouter() *fakeRouter {
	inner, _ := media.NewNullEngine().CreateRouter(context.Background(), nil)
	return &fakeRouter{Router: inner}
}

func (r *fakeRouter) CreateWebRtcTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	inner, err := r.Router.CreateWebRtcTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &fakeTransport{Transport: inner}, nil
}

func (r *fakeRouter) CreateAudioLevelObserver(media.AudioLevelObserverOptions) (media.AudioLevelObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observer == nil {
		r.observer = &fakeAudioLevelObserver{}
	}
	return r.observer, nil
}

func (r *fakeRouter) CanConsume(producerID string, caps json.RawMessage) bool {
	r.mu.Lock()
	fn := r.canConsume
	r.mu.Unlock()
	if fn != nil {
		return fn(producerID, caps)
	}
	return caps != nil
}

// fakeTransport records the options of every Consume call.
type fakeTransport struct {
	media.Transport
	mu          sync.Mutex
	consumeOpts []media.ConsumerOptions
}

func (t *fakeTransport) Consume(ctx context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	t.mu.Lock()
	t.consumeOpts = append(t.consumeOpts, opts)
	t.mu.Unlock()
	return t.Transport.Consume(ctx, opts)
}

func (t *fakeTransport) consumed() []media.ConsumerOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]media.ConsumerOptions(nil), t.consumeOpts...)
}

type fakeAudioLevelObserver struct {
	mu        sync.Mutex
	producers []string
	onVolumes func([]media.VolumeSample)
	onSilence func()
}

func (o *fakeAudioLevelObserver) AddProducer(id string) error {
	o.mu.Lock()
	o.producers = append(o.producers, id)
	o.mu.Unlock()
	return nil
}

func (o *fakeAudioLevelObserver) RemoveProducer(id string) error { return nil }

func (o *fakeAudioLevelObserver) OnVolumes(f func([]media.VolumeSample)) {
	o.mu.Lock()
	o.onVolumes = f
	o.mu.Unlock()
}

func (o *fakeAudioLevelObserver) OnSilence(f func()) {
	o.mu.Lock()
	o.onSilence = f
	o.mu.Unlock()
}

func (o *fakeAudioLevelObserver) Close() {}

func (o *fakeAudioLevelObserver) emitVolumes(samples []media.VolumeSample) {
	o.mu.Lock()
	f := o.onVolumes
	o.mu.Unlock()
	if f != nil {
		f(samples)
	}
}

func (o *fakeAudioLevelObserver) emitSilence() {
	o.mu.Lock()
	f := o.onSilence
	o.mu.Unlock()
	if f != nil {
		f()
	}
}

func newPeerID() PeerID {
	return PeerID(utils.NewGuid(utils.PeerPrefix))
}
