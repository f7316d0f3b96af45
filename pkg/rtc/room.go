package rtc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"

	"github.com/atriumrtc/atrium-server/pkg/config"
	"github.com/atriumrtc/atrium-server/pkg/logger"
	"github.com/atriumrtc/atrium-server/pkg/media"
	"github.com/atriumrtc/atrium-server/pkg/signal"
	"github.com/atriumrtc/atrium-server/pkg/telemetry/prometheus"
)

const (
	audioObserverMaxEntries = 1
	audioObserverThreshold  = -80
	audioObserverInterval   = 800
)

// Room is the central state machine: it owns the set of admitted peers, the
// lobby, and the media-engine router, and implements the RPC method table.
type Room struct {
	id   RoomID
	conf config.RoomConfig

	router             media.Router
	audioLevelObserver media.AudioLevelObserver

	lock             sync.RWMutex
	peers            map[PeerID]*Peer
	locked           bool
	joinByAccessCode bool
	accessCode       string
	// join order bookkeeping for "who was recently active"
	lastN       *orderedmap.OrderedMap[PeerID, time.Time]
	chatHistory []json.RawMessage
	fileHistory []json.RawMessage

	lobby *Lobby
	roles map[string]Role

	// consumer fan-out legs run here, off the request path
	fanout *workerpool.WorkerPool
	// a join and a concurrent produce can both schedule the same leg; the
	// first one to reach the pool wins
	fannedOut map[fanoutLeg]bool

	closed  core.Fuse
	onClose func()
}

func NewRoom(id RoomID, conf config.RoomConfig, router media.Router) (*Room, error) {
	observer, err := router.CreateAudioLevelObserver(media.AudioLevelObserverOptions{
		MaxEntries: audioObserverMaxEntries,
		Threshold:  audioObserverThreshold,
		Interval:   audioObserverInterval,
	})
	if err != nil {
		return nil, err
	}

	r := &Room{
		id:                 id,
		conf:               conf,
		router:             router,
		audioLevelObserver: observer,
		peers:              make(map[PeerID]*Peer),
		accessCode:         conf.DefaultAccessCode,
		lastN:              orderedmap.NewOrderedMap[PeerID, time.Time](),
		lobby:              NewLobby(id),
		roles:              DefaultRoles(),
		fanout:             workerpool.New(1),
		fannedOut:          make(map[fanoutLeg]bool),
	}

	r.lobby.OnPromotePeer(r.handlePromotedPeer)
	r.lobby.OnPeerDisplayNameChanged(func(p *Peer) {
		r.notifyModerators(signal.NotifyLobbyChangeDisplay, signal.DisplayNameNotification{
			PeerID:      string(p.ID()),
			DisplayName: p.DisplayName(),
		})
	})
	r.lobby.OnPeerPictureChanged(func(p *Peer) {
		r.notifyModerators(signal.NotifyLobbyChangePicture, signal.PictureNotification{
			PeerID:  string(p.ID()),
			Picture: p.Picture(),
		})
	})
	r.lobby.OnPeerClosed(func(p *Peer) {
		prometheus.SubLobbyPeer()
		r.notifyModerators(signal.NotifyLobbyPeerClosed, signal.PeerNotification{PeerID: string(p.ID())})
		if r.bothEmpty() {
			r.scheduleSelfDestruct()
		}
	})

	r.handleAudioLevelObserver()

	prometheus.RoomStarted()
	logger.Infow("room created", "room", id)

	return r, nil
}

func (r *Room) ID() RoomID { return r.id }

func (r *Room) IsClosed() bool { return r.closed.IsBroken() }

func (r *Room) OnClose(f func()) { r.onClose = f }

func (r *Room) Locked() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.locked
}

func (r *Room) AccessCode() string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.accessCode
}

func (r *Room) JoinByAccessCode() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.joinByAccessCode
}

func (r *Room) Lobby() *Lobby { return r.lobby }

func (r *Room) GetPeer(id PeerID) (*Peer, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	peer, ok := r.peers[id]
	return peer, ok
}

func (r *Room) Peers() []*Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (r *Room) joinedPeers(exclude ...PeerID) []*Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	peers := make([]*Peer, 0, len(r.peers))
	for id, peer := range r.peers {
		if !peer.Joined() {
			continue
		}
		skip := false
		for _, e := range exclude {
			if id == e {
				skip = true
				break
			}
		}
		if !skip {
			peers = append(peers, peer)
		}
	}
	return peers
}

// LastNIDs returns recently joined peer ids in join order, capped to the
// configured window when one is set.
func (r *Room) LastNIDs() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	ids := make([]string, 0, r.lastN.Len())
	for el := r.lastN.Front(); el != nil; el = el.Next() {
		ids = append(ids, string(el.Key))
	}
	if r.conf.LastN > 0 && len(ids) > r.conf.LastN {
		ids = ids[len(ids)-r.conf.LastN:]
	}
	return ids
}

// HandlePeer decides admission for a new connection: reject duplicates, park
// when locked, admit authenticated peers, otherwise apply the guest policy.
func (r *Room) HandlePeer(peer *Peer) error {
	if r.closed.IsBroken() {
		peer.Close()
		return ErrRoomClosed
	}

	id := peer.ID()
	if _, ok := r.GetPeer(id); ok {
		peer.Close()
		return ErrDuplicatePeer
	}
	if _, ok := r.lobby.GetPeer(id); ok {
		peer.Close()
		return ErrDuplicatePeer
	}

	if r.conf.MaxPeers > 0 {
		r.lock.RLock()
		full := len(r.peers) >= int(r.conf.MaxPeers)
		r.lock.RUnlock()
		if full {
			peer.Close()
			return ErrMaxPeersExceeded
		}
	}

	if r.Locked() {
		r.parkPeer(peer)
		return nil
	}

	if peer.Authenticated() {
		r.admitPeer(peer)
		return nil
	}

	if r.conf.RequireSignIn && (!r.conf.ActivateOnHostJoin || !r.empty()) {
		peer.Notify(signal.NotifySignInRequired, nil)
		r.parkPeer(peer)
		return nil
	}

	r.admitPeer(peer)
	return nil
}

func (r *Room) empty() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.peers) == 0
}

func (r *Room) bothEmpty() bool {
	r.lock.RLock()
	roomEmpty := len(r.peers) == 0
	r.lock.RUnlock()
	return roomEmpty && r.lobby.CheckEmpty()
}

func (r *Room) parkPeer(peer *Peer) {
	prometheus.AddLobbyPeer()
	r.lobby.ParkPeer(peer)
	r.notifyModerators(signal.NotifyParkedPeer, signal.PeerNotification{PeerID: string(peer.ID())})
}

func (r *Room) handlePromotedPeer(peer *Peer) {
	prometheus.SubLobbyPeer()
	if r.closed.IsBroken() {
		peer.Close()
		return
	}
	r.notifyModerators(signal.NotifyLobbyPromotedPeer, signal.PeerNotification{PeerID: string(peer.ID())})
	r.admitPeer(peer)
}

func (r *Room) admitPeer(peer *Peer) {
	r.lock.Lock()
	r.peers[peer.ID()] = peer
	r.lock.Unlock()

	prometheus.AddPeer()

	peer.OnClose(r.handlePeerClose)

	// the connection can drop in the promotion window, before the close
	// handler above is attached; evict instead of pinning the room open
	if peer.IsClosed() {
		r.handlePeerClose(peer)
		return
	}

	peer.SetRequestHandler(r.makeRequestHandler(peer))
	peer.Notify(signal.NotifyRoomReady, nil)

	logger.Debugw("peer admitted", "peer", peer.ID(), "room", r.id)
}

// handlePeerClose is a no-op for peers already removed, so the eviction
// re-check in admitPeer and the peer's own close callback cannot double-fire.
func (r *Room) handlePeerClose(peer *Peer) {
	r.lock.Lock()
	if _, ok := r.peers[peer.ID()]; !ok {
		r.lock.Unlock()
		return
	}
	delete(r.peers, peer.ID())
	r.lastN.Delete(peer.ID())
	for leg := range r.fannedOut {
		if leg.peer == peer.ID() {
			delete(r.fannedOut, leg)
		}
	}
	r.lock.Unlock()

	prometheus.SubPeer()

	if r.closed.IsBroken() {
		return
	}

	if peer.Joined() {
		r.broadcast(signal.NotifyPeerClosed, signal.PeerClosedNotification{PeerID: string(peer.ID())}, peer.ID())
	}

	if r.bothEmpty() {
		r.scheduleSelfDestruct()
	}
}

// scheduleSelfDestruct arms an empty-room countdown. Scheduling does not
// cancel previously armed timers; every timer re-checks emptiness when it
// fires, so overlapping timers are harmless.
func (r *Room) scheduleSelfDestruct() {
	logger.Debugw("room empty, starting self-destruct countdown", "room", r.id, "timeout", r.conf.EmptyTimeout)
	time.AfterFunc(r.conf.EmptyTimeout, func() {
		if r.closed.IsBroken() {
			return
		}
		if !r.bothEmpty() {
			return
		}
		logger.Infow("room still empty, closing", "room", r.id)
		r.Close()
	})
}

// Close shuts the room down: every admitted peer, the lobby, the audio
// observer and the router. Idempotent.
func (r *Room) Close() {
	r.closed.Once(func() {
		logger.Infow("closing room", "room", r.id)

		r.lock.Lock()
		peers := make([]*Peer, 0, len(r.peers))
		for _, peer := range r.peers {
			peers = append(peers, peer)
		}
		r.peers = make(map[PeerID]*Peer)
		r.lock.Unlock()

		for _, peer := range peers {
			peer.OnClose(nil)
			peer.Close()
			prometheus.SubPeer()
		}

		r.lobby.Close()
		r.audioLevelObserver.Close()
		r.router.Close()
		r.fanout.Stop()

		prometheus.RoomEnded()

		if r.onClose != nil {
			r.onClose()
		}
	})
}

// broadcast sends a notification to every joined peer except the excluded
// ones.
func (r *Room) broadcast(method signal.Method, data interface{}, exclude ...PeerID) {
	for _, peer := range r.joinedPeers(exclude...) {
		peer.Notify(method, data)
	}
}

// notifyModerators sends a notification to joined peers allowed to see lobby
// and admission activity.
func (r *Room) notifyModerators(method signal.Method, data interface{}) {
	for _, peer := range r.joinedPeers() {
		if peer.HighestRoleLevel() >= RoleModerator.Level {
			peer.Notify(method, data)
		}
	}
}

func (r *Room) handleAudioLevelObserver() {
	r.audioLevelObserver.OnVolumes(func(volumes []media.VolumeSample) {
		if len(volumes) == 0 {
			return
		}
		// only the loudest entry is broadcast
		producer := volumes[0].Producer
		volume := volumes[0].Volume
		peerID, _ := producer.AppData()["peerId"].(string)

		r.broadcast(signal.NotifyActiveSpeaker, signal.ActiveSpeakerNotification{
			PeerID: &peerID,
			Volume: volume,
		})
	})

	r.audioLevelObserver.OnSilence(func() {
		r.broadcast(signal.NotifyActiveSpeaker, signal.ActiveSpeakerNotification{PeerID: nil})
	})
}

// fanoutLeg identifies one (consuming peer, producer) pair. Producer ids are
// never reused, so entries only need pruning when the consuming peer leaves.
type fanoutLeg struct {
	peer     PeerID
	producer string
}

// createConsumer creates one fan-out leg: a Consumer on consumerPeer for
// producerPeer's producer. Runs on the fan-out pool; failures are logged and
// never fail the operation that triggered them. At most one leg is created
// per pair even when a join and a produce schedule it concurrently.
func (r *Room) createConsumer(consumerPeer *Peer, producerPeer *Peer, producer media.Producer) {
	caps := consumerPeer.RtpCapabilities()
	if caps == nil || !r.router.CanConsume(producer.ID(), caps) {
		return
	}

	transport, ok := consumerPeer.GetConsumerTransport()
	if !ok {
		logger.Warnw("no consuming transport for peer", "peer", consumerPeer.ID(), "room", r.id)
		return
	}

	leg := fanoutLeg{peer: consumerPeer.ID(), producer: producer.ID()}
	r.lock.Lock()
	if r.fannedOut[leg] {
		r.lock.Unlock()
		return
	}
	r.fannedOut[leg] = true
	r.lock.Unlock()

	ctx := context.Background()

	// Video consumers start paused: the resume after the remote ack triggers
	// a single key frame request instead of wasting one at creation time.
	paused := producer.Kind() == media.KindVideo

	consumer, err := transport.Consume(ctx, media.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: caps,
		Paused:          paused,
		AppData:         producer.AppData(),
	})
	if err != nil {
		logger.Warnw("could not create consumer", "err", err, "peer", consumerPeer.ID(), "producer", producer.ID())
		return
	}

	consumerPeer.AddConsumer(consumer)

	consumerID := consumer.ID()
	consumer.OnClose(func() {
		consumerPeer.RemoveConsumer(consumerID)
	})
	consumer.OnTransportClose(func() {
		consumerPeer.RemoveConsumer(consumerID)
	})
	consumer.OnProducerClose(func() {
		consumerPeer.RemoveConsumer(consumerID)
		consumerPeer.Notify(signal.NotifyConsumerClosed, signal.ConsumerNotification{ConsumerID: consumerID})
	})
	consumer.OnProducerPause(func() {
		consumerPeer.Notify(signal.NotifyConsumerPaused, signal.ConsumerNotification{ConsumerID: consumerID})
	})
	consumer.OnProducerResume(func() {
		consumerPeer.Notify(signal.NotifyConsumerResumed, signal.ConsumerNotification{ConsumerID: consumerID})
	})
	consumer.OnScore(func(score json.RawMessage) {
		consumerPeer.Notify(signal.NotifyConsumerScore, signal.ConsumerNotification{
			ConsumerID: consumerID,
			Score:      score,
		})
	})
	consumer.OnLayersChange(func(layers *media.ConsumerLayers) {
		n := signal.ConsumerLayersNotification{ConsumerID: consumerID}
		if layers != nil {
			n.SpatialLayer = &layers.SpatialLayer
			n.TemporalLayer = &layers.TemporalLayer
		}
		consumerPeer.Notify(signal.NotifyConsumerLayersChanged, n)
	})

	prometheus.ConsumerCreated(string(consumer.Kind()))

	// Delivered as a request, not a notification: the remote side must have
	// prepared to receive media before the engine starts forwarding RTP.
	_, err = consumerPeer.Request(ctx, signal.MethodNewConsumer, signal.NewConsumerRequest{
		PeerID:         string(producerPeer.ID()),
		ProducerID:     producer.ID(),
		ID:             consumerID,
		Kind:           string(consumer.Kind()),
		RtpParameters:  consumer.RtpParameters(),
		Type:           consumer.Type(),
		AppData:        producer.AppData(),
		ProducerPaused: consumer.ProducerPaused(),
	})
	if err != nil {
		logger.Warnw("newConsumer delivery failed", "err", err, "peer", consumerPeer.ID(), "consumer", consumerID)
		return
	}

	if paused {
		if err := consumer.Resume(ctx); err != nil {
			logger.Warnw("could not resume consumer", "err", err, "consumer", consumerID)
		}
	}
}
