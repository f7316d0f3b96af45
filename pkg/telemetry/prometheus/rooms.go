package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const atriumNamespace = "atrium"

var (
	roomCurrent      atomic.Int32
	peerCurrent      atomic.Int32
	lobbyPeerCurrent atomic.Int32

	promRoomCurrent      prometheus.Gauge
	promPeerCurrent      prometheus.Gauge
	promLobbyPeerCurrent prometheus.Gauge
	promRPCCounter       *prometheus.CounterVec
	promRPCErrorCounter  *prometheus.CounterVec
	promConsumerCounter  *prometheus.CounterVec
)

func Init(nodeID string) {
	constLabels := prometheus.Labels{"node_id": nodeID}

	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   atriumNamespace,
		Subsystem:   "room",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promPeerCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   atriumNamespace,
		Subsystem:   "peer",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promLobbyPeerCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   atriumNamespace,
		Subsystem:   "lobby",
		Name:        "peers",
		ConstLabels: constLabels,
	})
	promRPCCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   atriumNamespace,
		Subsystem:   "rpc",
		Name:        "requests_total",
		ConstLabels: constLabels,
	}, []string{"method"})
	promRPCErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   atriumNamespace,
		Subsystem:   "rpc",
		Name:        "errors_total",
		ConstLabels: constLabels,
	}, []string{"code"})
	promConsumerCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   atriumNamespace,
		Subsystem:   "consumer",
		Name:        "created_total",
		ConstLabels: constLabels,
	}, []string{"kind"})

	prometheus.MustRegister(promRoomCurrent)
	prometheus.MustRegister(promPeerCurrent)
	prometheus.MustRegister(promLobbyPeerCurrent)
	prometheus.MustRegister(promRPCCounter)
	prometheus.MustRegister(promRPCErrorCounter)
	prometheus.MustRegister(promConsumerCounter)
}

func RoomStarted() {
	roomCurrent.Inc()
	if promRoomCurrent != nil {
		promRoomCurrent.Inc()
	}
}

func RoomEnded() {
	roomCurrent.Dec()
	if promRoomCurrent != nil {
		promRoomCurrent.Dec()
	}
}

func AddPeer() {
	peerCurrent.Inc()
	if promPeerCurrent != nil {
		promPeerCurrent.Inc()
	}
}

func SubPeer() {
	peerCurrent.Dec()
	if promPeerCurrent != nil {
		promPeerCurrent.Dec()
	}
}

func AddLobbyPeer() {
	lobbyPeerCurrent.Inc()
	if promLobbyPeerCurrent != nil {
		promLobbyPeerCurrent.Inc()
	}
}

func SubLobbyPeer() {
	lobbyPeerCurrent.Dec()
	if promLobbyPeerCurrent != nil {
		promLobbyPeerCurrent.Dec()
	}
}

func RPCRequest(method string) {
	if promRPCCounter != nil {
		promRPCCounter.WithLabelValues(method).Inc()
	}
}

func RPCError(code int) {
	if promRPCErrorCounter != nil {
		promRPCErrorCounter.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func ConsumerCreated(kind string) {
	if promConsumerCounter != nil {
		promConsumerCounter.WithLabelValues(kind).Inc()
	}
}

func RoomsCurrent() int32 {
	return roomCurrent.Load()
}

func PeersCurrent() int32 {
	return peerCurrent.Load()
}
