package service

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/atriumrtc/atrium-server/pkg/config"
	"github.com/atriumrtc/atrium-server/pkg/logger"
	"github.com/atriumrtc/atrium-server/pkg/rtc"
	"github.com/atriumrtc/atrium-server/pkg/signal"
	"github.com/atriumrtc/atrium-server/pkg/utils"
)

// RTCService is the websocket entry point: it authenticates the request,
// resolves the room and hands the connection to it as a Peer.
type RTCService struct {
	roomManager *RoomManager
	auth        *Authenticator
	upgrader    websocket.Upgrader
	connParams  signal.ConnParams
}

func NewRTCService(conf *config.Config, roomManager *RoomManager) *RTCService {
	s := &RTCService{
		roomManager: roomManager,
		auth:        NewAuthenticator(conf.Keys),
		connParams: signal.ConnParams{
			RequestTimeout: conf.Signal.RequestTimeout,
			PingInterval:   conf.Signal.PingInterval,
		},
	}

	// allow connections from any origin, since the client may be hosted
	// anywhere. security is enforced by room admission
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	return s
}

func (s *RTCService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := rtc.RoomID(r.FormValue("roomId"))
	if roomID == "" {
		handleError(w, http.StatusBadRequest, "roomId is required")
		return
	}

	peerID := rtc.PeerID(r.FormValue("peerId"))
	if peerID == "" {
		peerID = rtc.PeerID(utils.NewGuid(utils.PeerPrefix))
	}

	grant, authenticated, err := s.auth.Authenticate(r)
	if err != nil {
		handleError(w, http.StatusUnauthorized, err.Error())
		return
	}

	room, err := s.roomManager.GetOrCreateRoom(r.Context(), roomID)
	if err != nil {
		handleError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// upgrade only once the basics are good to go
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("could not upgrade to WS", "err", err)
		return
	}

	conn := signal.NewConn(ws, s.connParams)
	peer := rtc.NewPeer(peerID, roomID, conn)

	if authenticated {
		if grant.Identity != "" {
			peer.SetDisplayName(grant.Identity)
		}
		for _, roleID := range grant.Roles {
			if role, ok := rtc.DefaultRoles()[roleID]; ok {
				peer.AddRole(role)
			}
		}
		peer.SetAuthenticated(true)
	}

	logger.Infow("new client WS connected", "room", roomID, "peer", peerID, "authenticated", authenticated)

	if err := room.HandlePeer(peer); err != nil {
		logger.Warnw("peer rejected", "err", err, "room", roomID, "peer", peerID)
		return
	}

	// block on the read loop; returning tears the connection down
	if err := conn.ReadPump(); err != nil && !signal.IsCloseError(err) {
		logger.Errorw("error reading from websocket", "err", err, "peer", peerID)
	}

	logger.Infow("WS connection closed", "room", roomID, "peer", peerID)
}

func handleError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
