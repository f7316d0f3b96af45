package media

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lithammer/shortuuid/v3"
)

// NullEngine is an in-process engine that accepts every operation and routes
// nothing. It stands in when no real SFU is configured and backs the signal
// paths in tests.
type NullEngine struct {
	mu     sync.Mutex
	onDied func()
}

func NewNullEngine() *NullEngine {
	return &NullEngine{}
}

func (e *NullEngine) CreateRouter(ctx context.Context, codecConfig json.RawMessage) (Router, error) {
	return &nullRouter{id: shortuuid.New()}, nil
}

func (e *NullEngine) OnDied(f func()) {
	e.mu.Lock()
	e.onDied = f
	e.mu.Unlock()
}

type nullRouter struct {
	id string
}

func (r *nullRouter) ID() string { return r.id }

func (r *nullRouter) RtpCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[],"headerExtensions":[]}`)
}

func (r *nullRouter) CreateAudioLevelObserver(AudioLevelObserverOptions) (AudioLevelObserver, error) {
	return &nullAudioLevelObserver{}, nil
}

func (r *nullRouter) CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error) {
	appData := opts.AppData
	if appData == nil {
		appData = make(map[string]interface{})
	}
	return &nullTransport{id: shortuuid.New(), appData: appData}, nil
}

func (r *nullRouter) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	return rtpCapabilities != nil
}

func (r *nullRouter) Close() {}

type nullAudioLevelObserver struct{}

func (o *nullAudioLevelObserver) AddProducer(string) error    { return nil }
func (o *nullAudioLevelObserver) RemoveProducer(string) error { return nil }
func (o *nullAudioLevelObserver) OnVolumes(func([]VolumeSample)) {
}
func (o *nullAudioLevelObserver) OnSilence(func()) {}
func (o *nullAudioLevelObserver) Close()           {}

type nullTransport struct {
	mu      sync.Mutex
	id      string
	appData map[string]interface{}
	onClose func()
	closed  bool
}

func (t *nullTransport) ID() string                                     { return t.id }
func (t *nullTransport) AppData() map[string]interface{}                { return t.appData }
func (t *nullTransport) Info() TransportInfo                            { return TransportInfo{ID: t.id} }
func (t *nullTransport) Connect(context.Context, json.RawMessage) error { return nil }

func (t *nullTransport) RestartIce(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (t *nullTransport) Produce(ctx context.Context, opts ProducerOptions) (Producer, error) {
	return &nullProducer{id: shortuuid.New(), kind: opts.Kind, appData: opts.AppData}, nil
}

func (t *nullTransport) Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error) {
	return &nullConsumer{
		id:         shortuuid.New(),
		producerID: opts.ProducerID,
		paused:     opts.Paused,
	}, nil
}

func (t *nullTransport) GetStats(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (t *nullTransport) Close() {
	t.mu.Lock()
	onClose := t.onClose
	already := t.closed
	t.closed = true
	t.mu.Unlock()
	if !already && onClose != nil {
		onClose()
	}
}

func (t *nullTransport) OnDTLSStateChange(func(string)) {}

func (t *nullTransport) OnClose(f func()) {
	t.mu.Lock()
	t.onClose = f
	t.mu.Unlock()
}

type nullProducer struct {
	id      string
	kind    Kind
	appData map[string]interface{}
}

func (p *nullProducer) ID() string                      { return p.id }
func (p *nullProducer) Kind() Kind                      { return p.kind }
func (p *nullProducer) AppData() map[string]interface{} { return p.appData }
func (p *nullProducer) Pause(context.Context) error     { return nil }
func (p *nullProducer) Resume(context.Context) error    { return nil }
func (p *nullProducer) Close()                          {}

func (p *nullProducer) GetStats(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (p *nullProducer) OnScore(func(json.RawMessage))                  {}
func (p *nullProducer) OnVideoOrientationChange(func(json.RawMessage)) {}
func (p *nullProducer) OnTransportClose(func())                        {}

type nullConsumer struct {
	id         string
	producerID string
	paused     bool
}

func (c *nullConsumer) ID() string                     { return c.id }
func (c *nullConsumer) ProducerID() string             { return c.producerID }
func (c *nullConsumer) Kind() Kind                     { return KindAudio }
func (c *nullConsumer) Type() string                   { return "simple" }
func (c *nullConsumer) RtpParameters() json.RawMessage { return json.RawMessage(`{}`) }
func (c *nullConsumer) ProducerPaused() bool           { return false }
func (c *nullConsumer) Pause(context.Context) error    { return nil }
func (c *nullConsumer) Resume(context.Context) error   { return nil }
func (c *nullConsumer) Close()                         {}

func (c *nullConsumer) GetStats(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (c *nullConsumer) SetPreferredLayers(context.Context, ConsumerLayers) error { return nil }
func (c *nullConsumer) SetPriority(context.Context, uint8) error                 { return nil }
func (c *nullConsumer) RequestKeyFrame(context.Context) error                    { return nil }
func (c *nullConsumer) OnClose(func())                                           {}
func (c *nullConsumer) OnProducerClose(func())                                   {}
func (c *nullConsumer) OnProducerPause(func())                                   {}
func (c *nullConsumer) OnProducerResume(func())                                  {}
func (c *nullConsumer) OnScore(func(json.RawMessage))                            {}
func (c *nullConsumer) OnLayersChange(func(*ConsumerLayers))                     {}
func (c *nullConsumer) OnTransportClose(func())                                  {}
