package signal

import (
	"encoding/json"
)

type Method string

// client -> server requests
const (
	MethodGetRouterRtpCapabilities Method = "getRouterRtpCapabilities"
	MethodJoin                     Method = "join"
	MethodCreateWebRtcTransport    Method = "createWebRtcTransport"
	MethodConnectWebRtcTransport   Method = "connectWebRtcTransport"
	MethodRestartIce               Method = "restartIce"
	MethodProduce                  Method = "produce"
	MethodCloseProducer            Method = "closeProducer"
	MethodPauseProducer            Method = "pauseProducer"
	MethodResumeProducer           Method = "resumeProducer"
	MethodPauseConsumer            Method = "pauseConsumer"
	MethodResumeConsumer           Method = "resumeConsumer"
	// spelling is part of the wire protocol
	MethodSetConsumerPreferedLayers Method = "setConsumerPreferedLayers"
	MethodSetConsumerPriority       Method = "setConsumerPriority"
	MethodRequestConsumerKeyFrame   Method = "requestConsumerKeyFrame"
	MethodGetTransportStats         Method = "getTransportStats"
	MethodGetProducerStats          Method = "getProducerStats"
	MethodGetConsumerStats          Method = "getConsumerStats"
	MethodChangeDisplayName         Method = "changeDisplayName"
	MethodChangePicture             Method = "changePicture"
	MethodChatMessage               Method = "chatMessage"
	MethodServerHistory             Method = "serverHistory"
	MethodLockRoom                  Method = "lockRoom"
	MethodUnlockRoom                Method = "unlockRoom"
	MethodSetAccessCode             Method = "setAccessCode"
	MethodSetJoinByAccessCode       Method = "setJoinByAccessCode"
	MethodPromotePeer               Method = "promotePeer"
	MethodPromoteAllPeers           Method = "promoteAllPeers"
	MethodSendFile                  Method = "sendFile"
	MethodRaiseHand                 Method = "raiseHand"
	MethodKickPeer                  Method = "kickPeer"
	MethodGiveRole                  Method = "giveRole"
	MethodRemoveRole                Method = "removeRole"
	MethodCloseMeeting              Method = "closeMeeting"
)

// server -> client request; the one server-initiated call that blocks on a
// client response
const MethodNewConsumer Method = "newConsumer"

// notifications
const (
	NotifyRoomReady             Method = "roomReady"
	NotifyEnteredLobby          Method = "enteredLobby"
	NotifySignInRequired        Method = "signInRequired"
	NotifyParkedPeer            Method = "parkedPeer"
	NotifyNewPeer               Method = "newPeer"
	NotifyPeerClosed            Method = "peerClosed"
	NotifyChangeDisplayName     Method = "changeDisplayName"
	NotifyChangePicture         Method = "changePicture"
	NotifyChatMessage           Method = "chatMessage"
	NotifySendFile              Method = "sendFile"
	NotifyRaiseHand             Method = "raiseHand"
	NotifyLockRoom              Method = "lockRoom"
	NotifyUnlockRoom            Method = "unlockRoom"
	NotifySetAccessCode         Method = "setAccessCode"
	NotifySetJoinByAccessCode   Method = "setJoinByAccessCode"
	NotifyActiveSpeaker         Method = "activeSpeaker"
	NotifyProducerScore         Method = "producerScore"
	NotifyConsumerClosed        Method = "consumerClosed"
	NotifyConsumerPaused        Method = "consumerPaused"
	NotifyConsumerResumed       Method = "consumerResumed"
	NotifyConsumerScore         Method = "consumerScore"
	NotifyConsumerLayersChanged Method = "consumerLayersChanged"
	NotifyGotRole               Method = "gotRole"
	NotifyLostRole              Method = "lostRole"
	NotifyMeetingClosed         Method = "meetingClosed"
	NotifyLobbyPromotedPeer     Method = "lobby:promotedPeer"
	NotifyLobbyChangeDisplay    Method = "lobby:changeDisplayName"
	NotifyLobbyChangePicture    Method = "lobby:changePicture"
	NotifyLobbyPeerClosed       Method = "lobby:peerClosed"
)

// PeerInfo is the public view of a peer shared with other peers.
type PeerInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	Picture     string   `json:"picture,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	RaisedHand  bool     `json:"raisedHand,omitempty"`
}

type JoinRequest struct {
	DisplayName     string          `json:"displayName,omitempty"`
	Picture         string          `json:"picture,omitempty"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
}

type JoinResponse struct {
	Peers         []PeerInfo `json:"peers"`
	Authenticated bool       `json:"authenticated"`
	Locked        bool       `json:"locked"`
	LastN         []string   `json:"lastN,omitempty"`
}

type CreateWebRtcTransportRequest struct {
	ForceTCP  bool `json:"forceTcp,omitempty"`
	Producing bool `json:"producing,omitempty"`
	Consuming bool `json:"consuming,omitempty"`
}

type WebRtcTransportInfo struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters,omitempty"`
	IceCandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

type ConnectWebRtcTransportRequest struct {
	TransportID    string          `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

type RestartIceRequest struct {
	TransportID string `json:"transportId"`
}

type ProduceRequest struct {
	TransportID   string                 `json:"transportId"`
	Kind          string                 `json:"kind"`
	RtpParameters json.RawMessage        `json:"rtpParameters,omitempty"`
	AppData       map[string]interface{} `json:"appData,omitempty"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type ProducerRequest struct {
	ProducerID string `json:"producerId"`
}

type ConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type TransportRequest struct {
	TransportID string `json:"transportId"`
}

type SetConsumerPreferedLayersRequest struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  uint8  `json:"spatialLayer"`
	TemporalLayer uint8  `json:"temporalLayer"`
}

type SetConsumerPriorityRequest struct {
	ConsumerID string `json:"consumerId"`
	Priority   uint8  `json:"priority"`
}

type ChangeDisplayNameRequest struct {
	DisplayName string `json:"displayName"`
}

type ChangePictureRequest struct {
	Picture string `json:"picture"`
}

// ChatMessage records are opaque to the server, stored and relayed as-is.
type ChatMessageRequest struct {
	Chat json.RawMessage `json:"chatMessage"`
}

type SendFileRequest struct {
	File json.RawMessage `json:"file"`
}

type ServerHistoryResponse struct {
	ChatHistory []json.RawMessage `json:"chatHistory"`
	FileHistory []json.RawMessage `json:"fileHistory"`
}

type SetAccessCodeRequest struct {
	AccessCode string `json:"accessCode"`
}

type SetJoinByAccessCodeRequest struct {
	JoinByAccessCode bool `json:"joinByAccessCode"`
}

type PromotePeerRequest struct {
	PeerID string `json:"peerId"`
}

type RaiseHandRequest struct {
	RaisedHand bool `json:"raisedHand"`
}

type KickPeerRequest struct {
	PeerID string `json:"peerId"`
}

type RoleRequest struct {
	PeerID string `json:"peerId"`
	RoleID string `json:"roleId"`
}

type NewConsumerRequest struct {
	PeerID         string                 `json:"peerId"`
	ProducerID     string                 `json:"producerId"`
	ID             string                 `json:"id"`
	Kind           string                 `json:"kind"`
	RtpParameters  json.RawMessage        `json:"rtpParameters,omitempty"`
	Type           string                 `json:"type,omitempty"`
	AppData        map[string]interface{} `json:"appData,omitempty"`
	ProducerPaused bool                   `json:"producerPaused"`
}

// ActiveSpeakerNotification carries a nil PeerID on silence.
type ActiveSpeakerNotification struct {
	PeerID *string `json:"peerId"`
	Volume int     `json:"volume,omitempty"`
}

type PeerClosedNotification struct {
	PeerID string `json:"peerId"`
}

// PeerNotification identifies a peer in lobby/admission notifications.
type PeerNotification struct {
	PeerID string `json:"peerId"`
}

type ChatNotification struct {
	PeerID string          `json:"peerId"`
	Chat   json.RawMessage `json:"chatMessage"`
}

type FileNotification struct {
	PeerID string          `json:"peerId"`
	File   json.RawMessage `json:"file"`
}

type ProducerScoreNotification struct {
	ProducerID string          `json:"producerId"`
	Score      json.RawMessage `json:"score,omitempty"`
}

type ConsumerNotification struct {
	ConsumerID string          `json:"consumerId"`
	Score      json.RawMessage `json:"score,omitempty"`
}

type ConsumerLayersNotification struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  *uint8 `json:"spatialLayer"`
	TemporalLayer *uint8 `json:"temporalLayer"`
}

type RoleNotification struct {
	PeerID string `json:"peerId"`
	RoleID string `json:"roleId"`
}

type LockRoomNotification struct {
	PeerID string `json:"peerId"`
}

type AccessCodeNotification struct {
	PeerID     string `json:"peerId"`
	AccessCode string `json:"accessCode"`
}

type JoinByAccessCodeNotification struct {
	PeerID           string `json:"peerId"`
	JoinByAccessCode bool   `json:"joinByAccessCode"`
}

type RaiseHandNotification struct {
	PeerID     string `json:"peerId"`
	RaisedHand bool   `json:"raisedHand"`
}

type DisplayNameNotification struct {
	PeerID         string `json:"peerId"`
	DisplayName    string `json:"displayName"`
	OldDisplayName string `json:"oldDisplayName,omitempty"`
}

type PictureNotification struct {
	PeerID  string `json:"peerId"`
	Picture string `json:"picture"`
}
