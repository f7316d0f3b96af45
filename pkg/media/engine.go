package media

import (
	"context"
	"encoding/json"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Engine is the external media-routing engine (SFU). The signaling layer
// consumes it as an opaque capability set; all parameter and capability blobs
// stay raw JSON.
type Engine interface {
	CreateRouter(ctx context.Context, codecConfig json.RawMessage) (Router, error)
	// OnDied fires when the engine's worker process dies. There is no
	// in-process recovery; the service exits after a short grace period.
	OnDied(func())
}

type Router interface {
	ID() string
	RtpCapabilities() json.RawMessage
	CreateAudioLevelObserver(AudioLevelObserverOptions) (AudioLevelObserver, error)
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	Close()
}

type AudioLevelObserverOptions struct {
	MaxEntries int
	Threshold  int
	Interval   int
}

// VolumeSample is one (producer, volume) entry of a volumes event, ordered
// loudest first.
type VolumeSample struct {
	Producer Producer
	Volume   int
}

type AudioLevelObserver interface {
	AddProducer(producerID string) error
	RemoveProducer(producerID string) error
	OnVolumes(func(volumes []VolumeSample))
	OnSilence(func())
	Close()
}

type TransportOptions struct {
	ForceTCP bool
	AppData  map[string]interface{}
}

type TransportInfo struct {
	ID             string
	IceParameters  json.RawMessage
	IceCandidates  json.RawMessage
	DtlsParameters json.RawMessage
}

type Transport interface {
	ID() string
	AppData() map[string]interface{}
	Info() TransportInfo
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	RestartIce(ctx context.Context) (json.RawMessage, error)
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	GetStats(ctx context.Context) (json.RawMessage, error)
	Close()
	OnDTLSStateChange(func(state string))
	OnClose(func())
}

type ProducerOptions struct {
	Kind          Kind
	RtpParameters json.RawMessage
	AppData       map[string]interface{}
}

type Producer interface {
	ID() string
	Kind() Kind
	AppData() map[string]interface{}
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close()
	GetStats(ctx context.Context) (json.RawMessage, error)
	OnScore(func(score json.RawMessage))
	OnVideoOrientationChange(func(orientation json.RawMessage))
	OnTransportClose(func())
}

type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities json.RawMessage
	// video consumers start paused, audio consumers start active
	Paused  bool
	AppData map[string]interface{}
}

type ConsumerLayers struct {
	SpatialLayer  uint8
	TemporalLayer uint8
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	Type() string
	RtpParameters() json.RawMessage
	ProducerPaused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close()
	GetStats(ctx context.Context) (json.RawMessage, error)
	SetPreferredLayers(ctx context.Context, layers ConsumerLayers) error
	SetPriority(ctx context.Context, priority uint8) error
	RequestKeyFrame(ctx context.Context) error
	OnClose(func())
	OnProducerClose(func())
	OnProducerPause(func())
	OnProducerResume(func())
	OnScore(func(score json.RawMessage))
	OnLayersChange(func(layers *ConsumerLayers))
	OnTransportClose(func())
}
