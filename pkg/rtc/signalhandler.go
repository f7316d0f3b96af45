package rtc

import (
	"context"
	"encoding/json"

	"github.com/atriumrtc/atrium-server/pkg/logger"
	"github.com/atriumrtc/atrium-server/pkg/media"
	"github.com/atriumrtc/atrium-server/pkg/signal"
	"github.com/atriumrtc/atrium-server/pkg/telemetry/prometheus"
)

// makeRequestHandler binds the room's method table to one admitted peer.
// Handlers run on the peer's read loop, so per-peer requests are serialized;
// cross-peer state is still guarded by the room lock.
func (r *Room) makeRequestHandler(peer *Peer) signal.RequestHandler {
	return func(method signal.Method, data json.RawMessage, accept func(data interface{})) error {
		prometheus.RPCRequest(string(method))

		err := r.handleRequest(peer, method, data, accept)
		if err != nil {
			prometheus.RPCError(signal.AsError(err).Code)
		}
		return err
	}
}

func (r *Room) handleRequest(peer *Peer, method signal.Method, data json.RawMessage, accept func(data interface{})) error {
	switch method {
	case signal.MethodGetRouterRtpCapabilities:
		accept(r.router.RtpCapabilities())
		return nil

	case signal.MethodJoin:
		return r.handleJoin(peer, data, accept)

	case signal.MethodCreateWebRtcTransport:
		return r.handleCreateWebRtcTransport(peer, data, accept)

	case signal.MethodConnectWebRtcTransport:
		return r.handleConnectWebRtcTransport(peer, data)

	case signal.MethodRestartIce:
		return r.handleRestartIce(peer, data, accept)

	case signal.MethodProduce:
		return r.handleProduce(peer, data, accept)

	case signal.MethodCloseProducer:
		return r.handleProducerOp(peer, data, func(producer media.Producer) error {
			if producer.Kind() == media.KindAudio {
				_ = r.audioLevelObserver.RemoveProducer(producer.ID())
			}
			producer.Close()
			peer.RemoveProducer(producer.ID())
			return nil
		})

	case signal.MethodPauseProducer:
		return r.handleProducerOp(peer, data, func(producer media.Producer) error {
			return producer.Pause(context.Background())
		})

	case signal.MethodResumeProducer:
		return r.handleProducerOp(peer, data, func(producer media.Producer) error {
			return producer.Resume(context.Background())
		})

	case signal.MethodPauseConsumer:
		return r.handleConsumerOp(peer, data, func(consumer media.Consumer) error {
			return consumer.Pause(context.Background())
		})

	case signal.MethodResumeConsumer:
		return r.handleConsumerOp(peer, data, func(consumer media.Consumer) error {
			return consumer.Resume(context.Background())
		})

	case signal.MethodSetConsumerPreferedLayers:
		return r.handleSetConsumerPreferedLayers(peer, data)

	case signal.MethodSetConsumerPriority:
		return r.handleSetConsumerPriority(peer, data)

	case signal.MethodRequestConsumerKeyFrame:
		return r.handleConsumerOp(peer, data, func(consumer media.Consumer) error {
			return consumer.RequestKeyFrame(context.Background())
		})

	case signal.MethodGetTransportStats:
		return r.handleGetTransportStats(peer, data, accept)

	case signal.MethodGetProducerStats:
		return r.handleProducerOp(peer, data, func(producer media.Producer) error {
			stats, err := producer.GetStats(context.Background())
			if err != nil {
				return err
			}
			accept(stats)
			return nil
		})

	case signal.MethodGetConsumerStats:
		return r.handleConsumerOp(peer, data, func(consumer media.Consumer) error {
			stats, err := consumer.GetStats(context.Background())
			if err != nil {
				return err
			}
			accept(stats)
			return nil
		})

	case signal.MethodChangeDisplayName:
		return r.handleChangeDisplayName(peer, data)

	case signal.MethodChangePicture:
		return r.handleChangePicture(peer, data)

	case signal.MethodChatMessage:
		return r.handleChatMessage(peer, data)

	case signal.MethodSendFile:
		return r.handleSendFile(peer, data)

	case signal.MethodServerHistory:
		return r.handleServerHistory(peer, accept)

	case signal.MethodLockRoom:
		return r.handleLockRoom(peer)

	case signal.MethodUnlockRoom:
		return r.handleUnlockRoom(peer)

	case signal.MethodSetAccessCode:
		return r.handleSetAccessCode(peer, data)

	case signal.MethodSetJoinByAccessCode:
		return r.handleSetJoinByAccessCode(peer, data)

	case signal.MethodPromotePeer:
		return r.handlePromotePeer(peer, data)

	case signal.MethodPromoteAllPeers:
		return r.handlePromoteAllPeers(peer)

	case signal.MethodRaiseHand:
		return r.handleRaiseHand(peer, data)

	case signal.MethodKickPeer:
		return r.handleKickPeer(peer, data)

	case signal.MethodGiveRole:
		return r.handleGiveRole(peer, data)

	case signal.MethodRemoveRole:
		return r.handleRemoveRole(peer, data)

	case signal.MethodCloseMeeting:
		return r.handleCloseMeeting(peer, accept)

	default:
		return signal.NewErrorf(signal.CodeMethodNotAllowed, "unknown method %q", method)
	}
}

func requireJoined(peer *Peer) error {
	if !peer.Joined() {
		return signal.NewError(signal.CodeForbidden, ErrNotJoined.Error())
	}
	return nil
}

func requireModerator(peer *Peer) error {
	if peer.HighestRoleLevel() < RoleModerator.Level {
		return signal.NewError(signal.CodeForbidden, ErrPermissionDenied.Error())
	}
	return nil
}

func parseRequest(data json.RawMessage, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return signal.NewErrorf(signal.CodeBadRequest, "malformed request: %v", err)
	}
	return nil
}

// handleJoin transitions the peer to joined, replies with the roster and
// fans out consumers for every existing producer. The fan-out runs after the
// response: the accept callback has already written the reply when the pool
// jobs are submitted.
func (r *Room) handleJoin(peer *Peer, data json.RawMessage, accept func(data interface{})) error {
	if peer.Joined() {
		return signal.NewError(signal.CodeForbidden, ErrAlreadyJoined.Error())
	}

	var req signal.JoinRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	peer.SetDisplayName(req.DisplayName)
	peer.SetPicture(req.Picture)
	peer.SetRtpCapabilities(req.RtpCapabilities)

	others := r.joinedPeers(peer.ID())
	roster := make([]signal.PeerInfo, 0, len(others))
	for _, other := range others {
		roster = append(roster, other.Info())
	}

	accept(signal.JoinResponse{
		Peers:         roster,
		Authenticated: peer.Authenticated(),
		Locked:        r.Locked(),
		LastN:         r.LastNIDs(),
	})

	peer.SetJoined()
	r.lock.Lock()
	r.lastN.Set(peer.ID(), peer.JoinedAt())
	r.lock.Unlock()

	for _, other := range others {
		producerPeer := other
		for _, producer := range other.Producers() {
			p := producer
			r.fanout.Submit(func() {
				r.createConsumer(peer, producerPeer, p)
			})
		}
	}

	r.broadcast(signal.NotifyNewPeer, peer.Info(), peer.ID())
	return nil
}

func (r *Room) handleCreateWebRtcTransport(peer *Peer, data json.RawMessage, accept func(data interface{})) error {
	var req signal.CreateWebRtcTransportRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	transport, err := r.router.CreateWebRtcTransport(context.Background(), media.TransportOptions{
		ForceTCP: req.ForceTCP,
		AppData: map[string]interface{}{
			"producing": req.Producing,
			"consuming": req.Consuming,
		},
	})
	if err != nil {
		return err
	}

	peer.AddTransport(transport)

	transportID := transport.ID()
	transport.OnClose(func() {
		peer.RemoveTransport(transportID)
	})
	transport.OnDTLSStateChange(func(state string) {
		if state == "failed" || state == "closed" {
			logger.Warnw("transport DTLS state degraded",
				"peer", peer.ID(), "transport", transportID, "state", state)
		}
	})

	info := transport.Info()
	accept(signal.WebRtcTransportInfo{
		ID:             info.ID,
		IceParameters:  info.IceParameters,
		IceCandidates:  info.IceCandidates,
		DtlsParameters: info.DtlsParameters,
	})
	return nil
}

func (r *Room) handleConnectWebRtcTransport(peer *Peer, data json.RawMessage) error {
	var req signal.ConnectWebRtcTransportRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	transport, ok := peer.GetTransport(req.TransportID)
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "transport %q not found", req.TransportID)
	}
	return transport.Connect(context.Background(), req.DtlsParameters)
}

func (r *Room) handleRestartIce(peer *Peer, data json.RawMessage, accept func(data interface{})) error {
	var req signal.RestartIceRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	transport, ok := peer.GetTransport(req.TransportID)
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "transport %q not found", req.TransportID)
	}

	iceParameters, err := transport.RestartIce(context.Background())
	if err != nil {
		return err
	}
	accept(iceParameters)
	return nil
}

func (r *Room) handleProduce(peer *Peer, data json.RawMessage, accept func(data interface{})) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.ProduceRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	transport, ok := peer.GetTransport(req.TransportID)
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "transport %q not found", req.TransportID)
	}

	appData := req.AppData
	if appData == nil {
		appData = make(map[string]interface{})
	}
	appData["peerId"] = string(peer.ID())

	producer, err := transport.Produce(context.Background(), media.ProducerOptions{
		Kind:          media.Kind(req.Kind),
		RtpParameters: req.RtpParameters,
		AppData:       appData,
	})
	if err != nil {
		return err
	}

	peer.AddProducer(producer)

	producerID := producer.ID()
	producer.OnTransportClose(func() {
		peer.RemoveProducer(producerID)
	})
	producer.OnScore(func(score json.RawMessage) {
		peer.Notify(signal.NotifyProducerScore, signal.ProducerScoreNotification{
			ProducerID: producerID,
			Score:      score,
		})
	})
	producer.OnVideoOrientationChange(func(orientation json.RawMessage) {
		logger.Debugw("video orientation changed",
			"peer", peer.ID(), "producer", producerID, "orientation", orientation)
	})

	accept(signal.ProduceResponse{ID: producerID})

	for _, other := range r.joinedPeers(peer.ID()) {
		consumerPeer := other
		r.fanout.Submit(func() {
			r.createConsumer(consumerPeer, peer, producer)
		})
	}

	if producer.Kind() == media.KindAudio {
		if err := r.audioLevelObserver.AddProducer(producerID); err != nil {
			logger.Warnw("could not observe audio producer", "err", err, "producer", producerID)
		}
	}
	return nil
}

func (r *Room) handleProducerOp(peer *Peer, data json.RawMessage, op func(media.Producer) error) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.ProducerRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	producer, ok := peer.GetProducer(req.ProducerID)
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "producer %q not found", req.ProducerID)
	}
	return op(producer)
}

func (r *Room) handleConsumerOp(peer *Peer, data json.RawMessage, op func(media.Consumer) error) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.ConsumerRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	consumer, ok := peer.GetConsumer(req.ConsumerID)
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "consumer %q not found", req.ConsumerID)
	}
	return op(consumer)
}

func (r *Room) handleSetConsumerPreferedLayers(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.SetConsumerPreferedLayersRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	consumer, ok := peer.GetConsumer(req.ConsumerID)
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "consumer %q not found", req.ConsumerID)
	}
	return consumer.SetPreferredLayers(context.Background(), media.ConsumerLayers{
		SpatialLayer:  req.SpatialLayer,
		TemporalLayer: req.TemporalLayer,
	})
}

func (r *Room) handleSetConsumerPriority(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.SetConsumerPriorityRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	consumer, ok := peer.GetConsumer(req.ConsumerID)
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "consumer %q not found", req.ConsumerID)
	}
	return consumer.SetPriority(context.Background(), req.Priority)
}

func (r *Room) handleGetTransportStats(peer *Peer, data json.RawMessage, accept func(data interface{})) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.TransportRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	transport, ok := peer.GetTransport(req.TransportID)
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "transport %q not found", req.TransportID)
	}

	stats, err := transport.GetStats(context.Background())
	if err != nil {
		return err
	}
	accept(stats)
	return nil
}

func (r *Room) handleChangeDisplayName(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.ChangeDisplayNameRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	old := peer.DisplayName()
	if old == req.DisplayName {
		return nil
	}
	peer.SetDisplayName(req.DisplayName)

	r.broadcast(signal.NotifyChangeDisplayName, signal.DisplayNameNotification{
		PeerID:         string(peer.ID()),
		DisplayName:    req.DisplayName,
		OldDisplayName: old,
	}, peer.ID())
	return nil
}

func (r *Room) handleChangePicture(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.ChangePictureRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	if peer.Picture() == req.Picture {
		return nil
	}
	peer.SetPicture(req.Picture)

	r.broadcast(signal.NotifyChangePicture, signal.PictureNotification{
		PeerID:  string(peer.ID()),
		Picture: req.Picture,
	}, peer.ID())
	return nil
}

func (r *Room) handleChatMessage(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.ChatMessageRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	r.lock.Lock()
	r.chatHistory = append(r.chatHistory, req.Chat)
	r.lock.Unlock()

	r.broadcast(signal.NotifyChatMessage, signal.ChatNotification{
		PeerID: string(peer.ID()),
		Chat:   req.Chat,
	}, peer.ID())
	return nil
}

func (r *Room) handleSendFile(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.SendFileRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	r.lock.Lock()
	r.fileHistory = append(r.fileHistory, req.File)
	r.lock.Unlock()

	r.broadcast(signal.NotifySendFile, signal.FileNotification{
		PeerID: string(peer.ID()),
		File:   req.File,
	}, peer.ID())
	return nil
}

func (r *Room) handleServerHistory(peer *Peer, accept func(data interface{})) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	r.lock.RLock()
	chat := make([]json.RawMessage, len(r.chatHistory))
	copy(chat, r.chatHistory)
	files := make([]json.RawMessage, len(r.fileHistory))
	copy(files, r.fileHistory)
	r.lock.RUnlock()

	accept(signal.ServerHistoryResponse{
		ChatHistory: chat,
		FileHistory: files,
	})
	return nil
}

func (r *Room) handleLockRoom(peer *Peer) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	r.lock.Lock()
	already := r.locked
	r.locked = true
	r.lock.Unlock()
	if already {
		return nil
	}

	r.broadcast(signal.NotifyLockRoom, signal.LockRoomNotification{PeerID: string(peer.ID())}, peer.ID())
	return nil
}

func (r *Room) handleUnlockRoom(peer *Peer) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	r.lock.Lock()
	already := !r.locked
	r.locked = false
	r.lock.Unlock()
	if already {
		return nil
	}

	r.broadcast(signal.NotifyUnlockRoom, signal.LockRoomNotification{PeerID: string(peer.ID())}, peer.ID())
	r.lobby.PromoteAllPeers()
	return nil
}

func (r *Room) handleSetAccessCode(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	var req signal.SetAccessCodeRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	r.lock.Lock()
	r.accessCode = req.AccessCode
	r.lock.Unlock()

	r.broadcast(signal.NotifySetAccessCode, signal.AccessCodeNotification{
		PeerID:     string(peer.ID()),
		AccessCode: req.AccessCode,
	}, peer.ID())
	return nil
}

func (r *Room) handleSetJoinByAccessCode(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	var req signal.SetJoinByAccessCodeRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	r.lock.Lock()
	r.joinByAccessCode = req.JoinByAccessCode
	r.lock.Unlock()

	r.broadcast(signal.NotifySetJoinByAccessCode, signal.JoinByAccessCodeNotification{
		PeerID:           string(peer.ID()),
		JoinByAccessCode: req.JoinByAccessCode,
	}, peer.ID())
	return nil
}

func (r *Room) handlePromotePeer(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	var req signal.PromotePeerRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	if _, ok := r.lobby.GetPeer(PeerID(req.PeerID)); !ok {
		return signal.NewErrorf(signal.CodeNotFound, "peer %q not in lobby", req.PeerID)
	}
	r.lobby.PromotePeer(PeerID(req.PeerID))
	return nil
}

func (r *Room) handlePromoteAllPeers(peer *Peer) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	r.lobby.PromoteAllPeers()
	return nil
}

func (r *Room) handleRaiseHand(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}

	var req signal.RaiseHandRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	peer.SetRaisedHand(req.RaisedHand)

	r.broadcast(signal.NotifyRaiseHand, signal.RaiseHandNotification{
		PeerID:     string(peer.ID()),
		RaisedHand: req.RaisedHand,
	}, peer.ID())
	return nil
}

func (r *Room) handleKickPeer(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	var req signal.KickPeerRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	target, ok := r.GetPeer(PeerID(req.PeerID))
	if !ok {
		target, ok = r.lobby.GetPeer(PeerID(req.PeerID))
	}
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "peer %q not found", req.PeerID)
	}

	target.Close()
	return nil
}

func (r *Room) handleGiveRole(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	var req signal.RoleRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	role, ok := r.roles[req.RoleID]
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "role %q not found", req.RoleID)
	}
	if !CanGrant(peer.HighestRoleLevel(), role) {
		return signal.NewError(signal.CodeForbidden, ErrPermissionDenied.Error())
	}

	target, ok := r.GetPeer(PeerID(req.PeerID))
	if !ok {
		// granting a role to a parked peer can trigger its promotion
		target, ok = r.lobby.GetPeer(PeerID(req.PeerID))
	}
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "peer %q not found", req.PeerID)
	}

	target.AddRole(role)

	r.broadcast(signal.NotifyGotRole, signal.RoleNotification{
		PeerID: req.PeerID,
		RoleID: role.ID,
	})
	return nil
}

func (r *Room) handleRemoveRole(peer *Peer, data json.RawMessage) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	var req signal.RoleRequest
	if err := parseRequest(data, &req); err != nil {
		return err
	}

	role, ok := r.roles[req.RoleID]
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "role %q not found", req.RoleID)
	}
	if !CanGrant(peer.HighestRoleLevel(), role) {
		return signal.NewError(signal.CodeForbidden, ErrPermissionDenied.Error())
	}

	target, ok := r.GetPeer(PeerID(req.PeerID))
	if !ok {
		return signal.NewErrorf(signal.CodeNotFound, "peer %q not found", req.PeerID)
	}

	if err := target.RemoveRole(role.ID); err != nil {
		return signal.NewError(signal.CodeBadRequest, err.Error())
	}

	r.broadcast(signal.NotifyLostRole, signal.RoleNotification{
		PeerID: req.PeerID,
		RoleID: role.ID,
	})
	return nil
}

func (r *Room) handleCloseMeeting(peer *Peer, accept func(data interface{})) error {
	if err := requireJoined(peer); err != nil {
		return err
	}
	if err := requireModerator(peer); err != nil {
		return err
	}

	accept(nil)
	r.broadcast(signal.NotifyMeetingClosed, signal.PeerNotification{PeerID: string(peer.ID())}, peer.ID())
	r.Close()
	return nil
}
