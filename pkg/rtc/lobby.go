package rtc

import (
	"encoding/json"
	"sync"

	"github.com/frostbyte73/core"

	"github.com/atriumrtc/atrium-server/pkg/logger"
	"github.com/atriumrtc/atrium-server/pkg/signal"
)

// Lobby is the waiting-room holding area for peers that are not yet admitted.
// Parked peers see a narrowed RPC surface: display name and picture changes
// only. Promotion hands the peer back to the Room.
type Lobby struct {
	roomID RoomID

	lock  sync.RWMutex
	peers map[PeerID]*Peer

	closed core.Fuse

	onPromotePeer            func(*Peer)
	onPeerDisplayNameChanged func(*Peer)
	onPeerPictureChanged     func(*Peer)
	onPeerClosed             func(*Peer)
}

func NewLobby(roomID RoomID) *Lobby {
	return &Lobby{
		roomID: roomID,
		peers:  make(map[PeerID]*Peer),
	}
}

// OnPromotePeer is invoked with a fully detached peer; the Room completes
// admission from there.
func (l *Lobby) OnPromotePeer(f func(*Peer)) { l.onPromotePeer = f }

func (l *Lobby) OnPeerDisplayNameChanged(f func(*Peer)) { l.onPeerDisplayNameChanged = f }

func (l *Lobby) OnPeerPictureChanged(f func(*Peer)) { l.onPeerPictureChanged = f }

func (l *Lobby) OnPeerClosed(f func(*Peer)) { l.onPeerClosed = f }

// ParkPeer installs the narrowed request handler and the lobby listeners on
// the peer, and tells the peer it entered the lobby. No-op if the lobby is
// closed.
func (l *Lobby) ParkPeer(peer *Peer) {
	if l.closed.IsBroken() {
		return
	}

	logger.Debugw("parking peer", "peer", peer.ID(), "room", l.roomID)

	l.lock.Lock()
	l.peers[peer.ID()] = peer
	l.lock.Unlock()

	peer.SetRequestHandler(l.makeRequestHandler(peer))
	peer.OnDisplayNameChanged(func(p *Peer, _ string) {
		if l.onPeerDisplayNameChanged != nil {
			l.onPeerDisplayNameChanged(p)
		}
	})
	peer.OnPictureChanged(func(p *Peer) {
		if l.onPeerPictureChanged != nil {
			l.onPeerPictureChanged(p)
		}
	})
	// a role grant or successful sign-in while parked signals an external
	// promotion decision
	peer.OnRoleAdded(func(p *Peer, _ Role) { l.PromotePeer(p.ID()) })
	peer.OnAuthenticationChanged(func(p *Peer) {
		if p.Authenticated() {
			l.PromotePeer(p.ID())
		}
	})
	peer.OnClose(l.handlePeerClose)

	// a disconnect racing the park would otherwise leave the peer in the map
	// with no close handler to remove it
	if peer.IsClosed() {
		l.handlePeerClose(peer)
		return
	}

	peer.Notify(signal.NotifyEnteredLobby, nil)
}

// PromotePeer detaches every handler ParkPeer attached, removes the peer and
// emits the promotion for the Room to complete. No-op if the peer is not
// parked.
func (l *Lobby) PromotePeer(id PeerID) {
	l.lock.Lock()
	peer, ok := l.peers[id]
	if ok {
		delete(l.peers, id)
	}
	l.lock.Unlock()

	if !ok {
		return
	}

	// symmetric with ParkPeer: every attached handler is removed so none
	// fires twice after promotion
	peer.SetRequestHandler(nil)
	peer.OnDisplayNameChanged(nil)
	peer.OnPictureChanged(nil)
	peer.OnRoleAdded(nil)
	peer.OnAuthenticationChanged(nil)
	peer.OnClose(nil)

	logger.Debugw("promoting peer out of lobby", "peer", id, "room", l.roomID)

	if l.onPromotePeer != nil {
		l.onPromotePeer(peer)
	}
}

// PromoteAllPeers promotes every currently parked peer. The peer set is
// snapshotted first so peers removed mid-iteration are not double-processed.
func (l *Lobby) PromoteAllPeers() {
	l.lock.RLock()
	ids := make([]PeerID, 0, len(l.peers))
	for id := range l.peers {
		ids = append(ids, id)
	}
	l.lock.RUnlock()

	for _, id := range ids {
		l.PromotePeer(id)
	}
}

func (l *Lobby) GetPeer(id PeerID) (*Peer, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	peer, ok := l.peers[id]
	return peer, ok
}

func (l *Lobby) Peers() []*Peer {
	l.lock.RLock()
	defer l.lock.RUnlock()
	peers := make([]*Peer, 0, len(l.peers))
	for _, peer := range l.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (l *Lobby) CheckEmpty() bool {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return len(l.peers) == 0
}

// Close closes every parked peer and clears the map; idempotent.
func (l *Lobby) Close() {
	l.closed.Once(func() {
		l.lock.Lock()
		peers := make([]*Peer, 0, len(l.peers))
		for _, peer := range l.peers {
			peers = append(peers, peer)
		}
		l.peers = make(map[PeerID]*Peer)
		l.lock.Unlock()

		for _, peer := range peers {
			if !peer.IsClosed() {
				peer.OnClose(nil)
				peer.Close()
			}
		}
	})
}

// handlePeerClose only fires the closed event for peers still parked, so the
// eviction re-check in ParkPeer and the close callback cannot double-fire.
func (l *Lobby) handlePeerClose(peer *Peer) {
	l.lock.Lock()
	if _, ok := l.peers[peer.ID()]; !ok {
		l.lock.Unlock()
		return
	}
	delete(l.peers, peer.ID())
	l.lock.Unlock()

	if l.onPeerClosed != nil {
		l.onPeerClosed(peer)
	}
}

// makeRequestHandler narrows the RPC surface to profile changes. Anything
// else is an explicit "method not allowed in lobby" error rather than a
// silent no-op.
func (l *Lobby) makeRequestHandler(peer *Peer) signal.RequestHandler {
	return func(method signal.Method, data json.RawMessage, accept func(data interface{})) error {
		switch method {
		case signal.MethodChangeDisplayName:
			req := signal.ChangeDisplayNameRequest{}
			if err := json.Unmarshal(data, &req); err != nil {
				return signal.NewError(signal.CodeBadRequest, err.Error())
			}
			peer.SetDisplayName(req.DisplayName)
			return nil

		case signal.MethodChangePicture:
			req := signal.ChangePictureRequest{}
			if err := json.Unmarshal(data, &req); err != nil {
				return signal.NewError(signal.CodeBadRequest, err.Error())
			}
			peer.SetPicture(req.Picture)
			return nil

		default:
			return signal.NewErrorf(signal.CodeMethodNotAllowed, "method %q not allowed in lobby", method)
		}
	}
}
