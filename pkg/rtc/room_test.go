package rtc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atriumrtc/atrium-server/pkg/config"
	"github.com/atriumrtc/atrium-server/pkg/media"
	"github.com/atriumrtc/atrium-server/pkg/signal"
)

var testCaps = json.RawMessage(`{"codecs":[{"kind":"audio"}]}`)

func newTestRoom(t *testing.T, conf config.RoomConfig) (*Room, *fakeRouter) {
	if conf.EmptyTimeout == 0 {
		conf.EmptyTimeout = time.Minute
	}
	router := newFakeRouter()
	room, err := NewRoom("R-test", conf, router)
	require.NoError(t, err)
	t.Cleanup(room.Close)
	return room, router
}

// admitAndJoin runs a peer through admission and the join handshake with a
// consuming transport in place.
func admitAndJoin(t *testing.T, room *Room, id string) (*Peer, *fakeConn) {
	peer, conn := newTestPeer(id)
	require.NoError(t, room.HandlePeer(peer))
	require.Len(t, conn.notified(signal.NotifyRoomReady), 1)

	res, err := conn.deliver(signal.MethodCreateWebRtcTransport, signal.CreateWebRtcTransportRequest{Consuming: true})
	require.NoError(t, err)
	require.NotNil(t, res)

	_, err = conn.deliver(signal.MethodJoin, signal.JoinRequest{
		DisplayName:     id,
		RtpCapabilities: testCaps,
	})
	require.NoError(t, err)
	require.True(t, peer.Joined())
	return peer, conn
}

func produceAudio(t *testing.T, peer *Peer, conn *fakeConn) media.Producer {
	return produce(t, peer, conn, "audio")
}

func produce(t *testing.T, peer *Peer, conn *fakeConn, kind string) media.Producer {
	res, err := conn.deliver(signal.MethodCreateWebRtcTransport, signal.CreateWebRtcTransportRequest{Producing: true})
	require.NoError(t, err)
	info := res.(signal.WebRtcTransportInfo)

	res, err = conn.deliver(signal.MethodProduce, signal.ProduceRequest{
		TransportID:   info.ID,
		Kind:          kind,
		RtpParameters: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	id := res.(signal.ProduceResponse).ID

	producer, ok := peer.GetProducer(id)
	require.True(t, ok)
	return producer
}

func TestRoomAdmission(t *testing.T) {
	t.Run("guest is admitted when sign-in is not required", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		peer, conn := newTestPeer("P-a")

		require.NoError(t, room.HandlePeer(peer))
		require.Len(t, conn.notified(signal.NotifyRoomReady), 1)
	})

	t.Run("peer that disconnected mid-admission is evicted", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{EmptyTimeout: 50 * time.Millisecond})
		peer, conn := newTestPeer("P-a")
		conn.Close()

		require.NoError(t, room.HandlePeer(peer))

		_, ok := room.GetPeer(peer.ID())
		require.False(t, ok)

		// the ghost must not pin the room open
		require.Eventually(t, room.IsClosed, time.Second, 10*time.Millisecond)
	})

	t.Run("duplicate id is rejected and closed", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		first, _ := newTestPeer("P-a")
		require.NoError(t, room.HandlePeer(first))

		dup, _ := newTestPeer("P-a")
		require.ErrorIs(t, room.HandlePeer(dup), ErrDuplicatePeer)
		require.True(t, dup.IsClosed())
		require.False(t, first.IsClosed())
	})

	t.Run("locked room parks new peers", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		mod, modConn := admitAndJoin(t, room, "P-mod")
		mod.AddRole(RoleModerator)

		_, err := modConn.deliver(signal.MethodLockRoom, nil)
		require.NoError(t, err)
		require.True(t, room.Locked())

		late, lateConn := newTestPeer("P-late")
		require.NoError(t, room.HandlePeer(late))
		require.Empty(t, lateConn.notified(signal.NotifyRoomReady))
		require.Len(t, lateConn.notified(signal.NotifyEnteredLobby), 1)

		_, ok := room.Lobby().GetPeer(late.ID())
		require.True(t, ok)
	})

	t.Run("authenticated peer bypasses sign-in requirement", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{RequireSignIn: true})
		peer, conn := newTestPeer("P-a")
		peer.SetAuthenticated(true)

		require.NoError(t, room.HandlePeer(peer))
		require.Len(t, conn.notified(signal.NotifyRoomReady), 1)
	})

	t.Run("guest is parked when sign-in is required", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{RequireSignIn: true})
		peer, conn := newTestPeer("P-a")

		require.NoError(t, room.HandlePeer(peer))
		require.Len(t, conn.notified(signal.NotifySignInRequired), 1)
		require.Len(t, conn.notified(signal.NotifyEnteredLobby), 1)
	})

	t.Run("first guest of an empty room is admitted with activate on host join", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{RequireSignIn: true, ActivateOnHostJoin: true})

		host, hostConn := newTestPeer("P-host")
		require.NoError(t, room.HandlePeer(host))
		require.Len(t, hostConn.notified(signal.NotifyRoomReady), 1)

		second, secondConn := newTestPeer("P-second")
		require.NoError(t, room.HandlePeer(second))
		require.Empty(t, secondConn.notified(signal.NotifyRoomReady))
		require.Len(t, secondConn.notified(signal.NotifySignInRequired), 1)
	})

	t.Run("max peers is enforced", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{MaxPeers: 1})
		first, _ := newTestPeer("P-a")
		require.NoError(t, room.HandlePeer(first))

		second, _ := newTestPeer("P-b")
		require.ErrorIs(t, room.HandlePeer(second), ErrMaxPeersExceeded)
		require.True(t, second.IsClosed())
	})
}

func TestRoomJoin(t *testing.T) {
	t.Run("join returns roster of joined peers only", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})

		admitAndJoin(t, room, "P-a")

		// admitted but not joined
		pending, _ := newTestPeer("P-pending")
		require.NoError(t, room.HandlePeer(pending))

		peer, conn := newTestPeer("P-b")
		require.NoError(t, room.HandlePeer(peer))
		res, err := conn.deliver(signal.MethodJoin, signal.JoinRequest{RtpCapabilities: testCaps})
		require.NoError(t, err)

		join := res.(signal.JoinResponse)
		require.Len(t, join.Peers, 1)
		require.Equal(t, "P-a", join.Peers[0].ID)
	})

	t.Run("joining twice is rejected", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		_, conn := admitAndJoin(t, room, "P-a")

		_, err := conn.deliver(signal.MethodJoin, signal.JoinRequest{})
		require.Error(t, err)
		require.Equal(t, signal.CodeForbidden, signal.AsError(err).Code)
	})

	t.Run("existing peers are notified of the new peer", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		_, aConn := admitAndJoin(t, room, "P-a")
		admitAndJoin(t, room, "P-b")

		notes := aConn.notified(signal.NotifyNewPeer)
		require.Len(t, notes, 1)
		require.Equal(t, "P-b", notes[0].Data.(signal.PeerInfo).ID)
	})

	t.Run("operations before join are rejected", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		peer, conn := newTestPeer("P-a")
		require.NoError(t, room.HandlePeer(peer))

		_, err := conn.deliver(signal.MethodChatMessage, signal.ChatMessageRequest{Chat: json.RawMessage(`{}`)})
		require.Error(t, err)
		require.Equal(t, signal.CodeForbidden, signal.AsError(err).Code)
	})

	t.Run("unknown method is rejected", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		_, conn := admitAndJoin(t, room, "P-a")

		_, err := conn.deliver("bogusMethod", nil)
		require.Error(t, err)
		require.Equal(t, signal.CodeMethodNotAllowed, signal.AsError(err).Code)
	})
}

func TestRoomFanOut(t *testing.T) {
	t.Run("produce creates a consumer on every other joined peer", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		a, aConn := admitAndJoin(t, room, "P-a")
		_, bConn := admitAndJoin(t, room, "P-b")
		_, cConn := admitAndJoin(t, room, "P-c")

		produceAudio(t, a, aConn)

		require.Eventually(t, func() bool {
			return len(bConn.requested(signal.MethodNewConsumer)) == 1 &&
				len(cConn.requested(signal.MethodNewConsumer)) == 1
		}, time.Second, 10*time.Millisecond)

		// producer never consumes its own stream
		require.Empty(t, aConn.requested(signal.MethodNewConsumer))
	})

	t.Run("same producer and peer pair gets at most one consumer", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		a, aConn := admitAndJoin(t, room, "P-a")
		b, bConn := admitAndJoin(t, room, "P-b")

		producer := produceAudio(t, a, aConn)

		require.Eventually(t, func() bool {
			return len(bConn.requested(signal.MethodNewConsumer)) == 1
		}, time.Second, 10*time.Millisecond)

		// a join and a produce racing can schedule the same leg twice
		room.createConsumer(b, a, producer)

		transport, ok := b.GetConsumerTransport()
		require.True(t, ok)
		require.Len(t, transport.(*fakeTransport).consumed(), 1)
		require.Len(t, bConn.requested(signal.MethodNewConsumer), 1)
	})

	t.Run("legs are released when the consuming peer leaves", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		a, aConn := admitAndJoin(t, room, "P-a")
		produceAudio(t, a, aConn)

		b, bConn := admitAndJoin(t, room, "P-b")
		require.Eventually(t, func() bool {
			return len(bConn.requested(signal.MethodNewConsumer)) == 1
		}, time.Second, 10*time.Millisecond)

		b.Close()

		// a returning peer with the same id consumes again
		_, b2Conn := admitAndJoin(t, room, "P-b")
		require.Eventually(t, func() bool {
			return len(b2Conn.requested(signal.MethodNewConsumer)) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("joining peer consumes existing producers", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		a, aConn := admitAndJoin(t, room, "P-a")
		produceAudio(t, a, aConn)

		_, bConn := admitAndJoin(t, room, "P-b")

		require.Eventually(t, func() bool {
			return len(bConn.requested(signal.MethodNewConsumer)) == 1
		}, time.Second, 10*time.Millisecond)

		req := bConn.requested(signal.MethodNewConsumer)[0].Data.(signal.NewConsumerRequest)
		require.Equal(t, "P-a", req.PeerID)
	})

	t.Run("no consumer without rtp capabilities", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		a, aConn := admitAndJoin(t, room, "P-a")

		b, bConn := newTestPeer("P-b")
		require.NoError(t, room.HandlePeer(b))
		_, err := bConn.deliver(signal.MethodCreateWebRtcTransport, signal.CreateWebRtcTransportRequest{Consuming: true})
		require.NoError(t, err)
		_, err = bConn.deliver(signal.MethodJoin, signal.JoinRequest{})
		require.NoError(t, err)

		produceAudio(t, a, aConn)

		time.Sleep(50 * time.Millisecond)
		require.Empty(t, bConn.requested(signal.MethodNewConsumer))
	})

	t.Run("no consumer without a consuming transport", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		a, aConn := admitAndJoin(t, room, "P-a")

		b, bConn := newTestPeer("P-b")
		require.NoError(t, room.HandlePeer(b))
		_, err := bConn.deliver(signal.MethodJoin, signal.JoinRequest{RtpCapabilities: testCaps})
		require.NoError(t, err)
		require.True(t, b.Joined())

		produceAudio(t, a, aConn)

		time.Sleep(50 * time.Millisecond)
		require.Empty(t, bConn.requested(signal.MethodNewConsumer))
	})

	t.Run("video consumers start paused, audio consumers do not", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		a, aConn := admitAndJoin(t, room, "P-a")
		b, bConn := admitAndJoin(t, room, "P-b")

		produce(t, a, aConn, "video")
		produceAudio(t, a, aConn)

		require.Eventually(t, func() bool {
			return len(bConn.requested(signal.MethodNewConsumer)) == 2
		}, time.Second, 10*time.Millisecond)

		transport, ok := b.GetConsumerTransport()
		require.True(t, ok)
		opts := transport.(*fakeTransport).consumed()
		require.Len(t, opts, 2)
		require.True(t, opts[0].Paused)
		require.False(t, opts[1].Paused)
	})

	t.Run("audio producers feed the level observer", func(t *testing.T) {
		room, router := newTestRoom(t, config.RoomConfig{})
		a, aConn := admitAndJoin(t, room, "P-a")

		produceAudio(t, a, aConn)
		produce(t, a, aConn, "video")

		producer := produceAudio(t, a, aConn)
		require.Contains(t, router.observer.producers, producer.ID())
		require.Len(t, router.observer.producers, 2)
	})
}

func TestRoomActiveSpeaker(t *testing.T) {
	room, router := newTestRoom(t, config.RoomConfig{})
	a, aConn := admitAndJoin(t, room, "P-a")
	_, bConn := admitAndJoin(t, room, "P-b")

	producer := produceAudio(t, a, aConn)

	t.Run("loudest entry is broadcast to everyone", func(t *testing.T) {
		router.observer.emitVolumes([]media.VolumeSample{{Producer: producer, Volume: -42}})

		for _, conn := range []*fakeConn{aConn, bConn} {
			notes := conn.notified(signal.NotifyActiveSpeaker)
			require.Len(t, notes, 1)
			n := notes[0].Data.(signal.ActiveSpeakerNotification)
			require.NotNil(t, n.PeerID)
			require.Equal(t, "P-a", *n.PeerID)
			require.Equal(t, -42, n.Volume)
		}
	})

	t.Run("silence is broadcast with a null peer", func(t *testing.T) {
		router.observer.emitSilence()

		notes := bConn.notified(signal.NotifyActiveSpeaker)
		require.Len(t, notes, 2)
		require.Nil(t, notes[1].Data.(signal.ActiveSpeakerNotification).PeerID)
	})
}

func TestRoomLocking(t *testing.T) {
	t.Run("non-moderator cannot lock", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		_, conn := admitAndJoin(t, room, "P-a")

		_, err := conn.deliver(signal.MethodLockRoom, nil)
		require.Error(t, err)
		require.Equal(t, signal.CodeForbidden, signal.AsError(err).Code)
		require.False(t, room.Locked())
	})

	t.Run("unlock drains the lobby into the room", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		mod, modConn := admitAndJoin(t, room, "P-mod")
		mod.AddRole(RoleModerator)

		_, err := modConn.deliver(signal.MethodLockRoom, nil)
		require.NoError(t, err)

		parked, parkedConn := newTestPeer("P-parked")
		require.NoError(t, room.HandlePeer(parked))
		require.False(t, room.Lobby().CheckEmpty())

		_, err = modConn.deliver(signal.MethodUnlockRoom, nil)
		require.NoError(t, err)
		require.False(t, room.Locked())
		require.True(t, room.Lobby().CheckEmpty())

		require.Len(t, parkedConn.notified(signal.NotifyRoomReady), 1)
		_, ok := room.GetPeer(parked.ID())
		require.True(t, ok)
	})

	t.Run("lock notifies other joined peers once", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		mod, modConn := admitAndJoin(t, room, "P-mod")
		mod.AddRole(RoleModerator)
		_, otherConn := admitAndJoin(t, room, "P-other")

		_, err := modConn.deliver(signal.MethodLockRoom, nil)
		require.NoError(t, err)
		_, err = modConn.deliver(signal.MethodLockRoom, nil)
		require.NoError(t, err)

		require.Len(t, otherConn.notified(signal.NotifyLockRoom), 1)
		require.Empty(t, modConn.notified(signal.NotifyLockRoom))
	})

	t.Run("moderator can promote an individual parked peer", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		mod, modConn := admitAndJoin(t, room, "P-mod")
		mod.AddRole(RoleModerator)

		_, err := modConn.deliver(signal.MethodLockRoom, nil)
		require.NoError(t, err)

		parked, parkedConn := newTestPeer("P-parked")
		require.NoError(t, room.HandlePeer(parked))

		_, err = modConn.deliver(signal.MethodPromotePeer, signal.PromotePeerRequest{PeerID: "P-parked"})
		require.NoError(t, err)
		require.Len(t, parkedConn.notified(signal.NotifyRoomReady), 1)

		_, err = modConn.deliver(signal.MethodPromotePeer, signal.PromotePeerRequest{PeerID: "P-ghost"})
		require.Error(t, err)
		require.Equal(t, signal.CodeNotFound, signal.AsError(err).Code)
	})
}

func TestRoomAccessCode(t *testing.T) {
	room, _ := newTestRoom(t, config.RoomConfig{DefaultAccessCode: "1234"})
	require.Equal(t, "1234", room.AccessCode())

	mod, modConn := admitAndJoin(t, room, "P-mod")
	mod.AddRole(RoleModerator)
	_, otherConn := admitAndJoin(t, room, "P-other")

	_, err := modConn.deliver(signal.MethodSetAccessCode, signal.SetAccessCodeRequest{AccessCode: "9999"})
	require.NoError(t, err)
	require.Equal(t, "9999", room.AccessCode())

	_, err = modConn.deliver(signal.MethodSetJoinByAccessCode, signal.SetJoinByAccessCodeRequest{JoinByAccessCode: true})
	require.NoError(t, err)
	require.True(t, room.JoinByAccessCode())

	require.Len(t, otherConn.notified(signal.NotifySetAccessCode), 1)
	require.Len(t, otherConn.notified(signal.NotifySetJoinByAccessCode), 1)
}

func TestRoomChatAndFiles(t *testing.T) {
	room, _ := newTestRoom(t, config.RoomConfig{})
	_, aConn := admitAndJoin(t, room, "P-a")
	_, bConn := admitAndJoin(t, room, "P-b")

	chat := json.RawMessage(`{"text":"hello"}`)
	_, err := aConn.deliver(signal.MethodChatMessage, signal.ChatMessageRequest{Chat: chat})
	require.NoError(t, err)

	file := json.RawMessage(`{"magnet":"xt"}`)
	_, err = aConn.deliver(signal.MethodSendFile, signal.SendFileRequest{File: file})
	require.NoError(t, err)

	// sender does not receive its own messages
	require.Empty(t, aConn.notified(signal.NotifyChatMessage))
	require.Len(t, bConn.notified(signal.NotifyChatMessage), 1)
	require.Len(t, bConn.notified(signal.NotifySendFile), 1)

	res, err := bConn.deliver(signal.MethodServerHistory, nil)
	require.NoError(t, err)
	history := res.(signal.ServerHistoryResponse)
	require.Len(t, history.ChatHistory, 1)
	require.JSONEq(t, string(chat), string(history.ChatHistory[0]))
	require.Len(t, history.FileHistory, 1)
}

func TestRoomRoles(t *testing.T) {
	t.Run("moderator grants and revokes roles", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		mod, modConn := admitAndJoin(t, room, "P-mod")
		mod.AddRole(RoleModerator)
		target, _ := admitAndJoin(t, room, "P-target")

		_, err := modConn.deliver(signal.MethodGiveRole, signal.RoleRequest{PeerID: "P-target", RoleID: RoleModerator.ID})
		require.NoError(t, err)
		require.True(t, target.HasRole(RoleModerator.ID))
		require.Len(t, modConn.notified(signal.NotifyGotRole), 1)

		_, err = modConn.deliver(signal.MethodRemoveRole, signal.RoleRequest{PeerID: "P-target", RoleID: RoleModerator.ID})
		require.NoError(t, err)
		require.False(t, target.HasRole(RoleModerator.ID))
	})

	t.Run("moderator cannot grant above own level", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		mod, modConn := admitAndJoin(t, room, "P-mod")
		mod.AddRole(RoleModerator)
		admitAndJoin(t, room, "P-target")

		_, err := modConn.deliver(signal.MethodGiveRole, signal.RoleRequest{PeerID: "P-target", RoleID: RoleAdmin.ID})
		require.Error(t, err)
		require.Equal(t, signal.CodeForbidden, signal.AsError(err).Code)
	})

	t.Run("baseline role cannot be revoked", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		mod, modConn := admitAndJoin(t, room, "P-mod")
		mod.AddRole(RoleAdmin)
		admitAndJoin(t, room, "P-target")

		_, err := modConn.deliver(signal.MethodRemoveRole, signal.RoleRequest{PeerID: "P-target", RoleID: RoleNormal.ID})
		require.Error(t, err)
	})

	t.Run("granting a role to a parked peer promotes it", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{RequireSignIn: true})
		mod, modConn := newTestPeer("P-mod")
		mod.SetAuthenticated(true)
		mod.AddRole(RoleAdmin)
		require.NoError(t, room.HandlePeer(mod))
		_, err := modConn.deliver(signal.MethodJoin, signal.JoinRequest{RtpCapabilities: testCaps})
		require.NoError(t, err)

		parked, parkedConn := newTestPeer("P-parked")
		require.NoError(t, room.HandlePeer(parked))
		require.Len(t, parkedConn.notified(signal.NotifyEnteredLobby), 1)

		_, err = modConn.deliver(signal.MethodGiveRole, signal.RoleRequest{PeerID: "P-parked", RoleID: RoleModerator.ID})
		require.NoError(t, err)
		require.Len(t, parkedConn.notified(signal.NotifyRoomReady), 1)
		_, ok := room.GetPeer(parked.ID())
		require.True(t, ok)
	})
}

func TestRoomModeration(t *testing.T) {
	t.Run("kick closes the target", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		mod, modConn := admitAndJoin(t, room, "P-mod")
		mod.AddRole(RoleModerator)
		target, _ := admitAndJoin(t, room, "P-target")

		_, err := modConn.deliver(signal.MethodKickPeer, signal.KickPeerRequest{PeerID: "P-target"})
		require.NoError(t, err)
		require.True(t, target.IsClosed())

		_, ok := room.GetPeer(target.ID())
		require.False(t, ok)
	})

	t.Run("close meeting closes the room and notifies", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{})
		mod, modConn := admitAndJoin(t, room, "P-mod")
		mod.AddRole(RoleModerator)
		_, otherConn := admitAndJoin(t, room, "P-other")

		_, err := modConn.deliver(signal.MethodCloseMeeting, nil)
		require.NoError(t, err)
		require.True(t, room.IsClosed())
		require.Len(t, otherConn.notified(signal.NotifyMeetingClosed), 1)
	})
}

func TestRoomRaiseHand(t *testing.T) {
	room, _ := newTestRoom(t, config.RoomConfig{})
	a, aConn := admitAndJoin(t, room, "P-a")
	_, bConn := admitAndJoin(t, room, "P-b")

	_, err := aConn.deliver(signal.MethodRaiseHand, signal.RaiseHandRequest{RaisedHand: true})
	require.NoError(t, err)
	require.True(t, a.RaisedHand())

	notes := bConn.notified(signal.NotifyRaiseHand)
	require.Len(t, notes, 1)
	require.True(t, notes[0].Data.(signal.RaiseHandNotification).RaisedHand)
}

func TestRoomSelfDestruct(t *testing.T) {
	t.Run("empty room closes after the timeout", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{EmptyTimeout: 50 * time.Millisecond})
		peer, _ := admitAndJoin(t, room, "P-a")

		peer.Close()
		require.Eventually(t, room.IsClosed, time.Second, 10*time.Millisecond)
	})

	t.Run("a returning peer cancels the countdown", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{EmptyTimeout: 100 * time.Millisecond})
		peer, _ := admitAndJoin(t, room, "P-a")
		peer.Close()

		admitAndJoin(t, room, "P-b")

		time.Sleep(250 * time.Millisecond)
		require.False(t, room.IsClosed())
	})

	t.Run("a parked peer keeps the room alive", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{
			EmptyTimeout:  50 * time.Millisecond,
			RequireSignIn: true,
		})
		parked, _ := newTestPeer("P-parked")
		require.NoError(t, room.HandlePeer(parked))

		time.Sleep(150 * time.Millisecond)
		require.False(t, room.IsClosed())
	})

	t.Run("closing the last lobby peer arms the countdown", func(t *testing.T) {
		room, _ := newTestRoom(t, config.RoomConfig{
			EmptyTimeout:  50 * time.Millisecond,
			RequireSignIn: true,
		})
		parked, _ := newTestPeer("P-parked")
		require.NoError(t, room.HandlePeer(parked))

		parked.Close()
		require.Eventually(t, room.IsClosed, time.Second, 10*time.Millisecond)
	})
}

func TestRoomPeerDisconnect(t *testing.T) {
	room, _ := newTestRoom(t, config.RoomConfig{})
	a, _ := admitAndJoin(t, room, "P-a")
	_, bConn := admitAndJoin(t, room, "P-b")

	a.Close()

	notes := bConn.notified(signal.NotifyPeerClosed)
	require.Len(t, notes, 1)
	require.Equal(t, "P-a", notes[0].Data.(signal.PeerClosedNotification).PeerID)

	_, ok := room.GetPeer(a.ID())
	require.False(t, ok)

	// a second close event for a removed peer is ignored
	room.handlePeerClose(a)
	require.Len(t, bConn.notified(signal.NotifyPeerClosed), 1)
}

func TestRoomDisplayName(t *testing.T) {
	room, _ := newTestRoom(t, config.RoomConfig{})
	_, aConn := admitAndJoin(t, room, "P-a")
	_, bConn := admitAndJoin(t, room, "P-b")

	_, err := aConn.deliver(signal.MethodChangeDisplayName, signal.ChangeDisplayNameRequest{DisplayName: "alice"})
	require.NoError(t, err)

	// unchanged name is not rebroadcast
	_, err = aConn.deliver(signal.MethodChangeDisplayName, signal.ChangeDisplayNameRequest{DisplayName: "alice"})
	require.NoError(t, err)

	notes := bConn.notified(signal.NotifyChangeDisplayName)
	require.Len(t, notes, 1)
	n := notes[0].Data.(signal.DisplayNameNotification)
	require.Equal(t, "alice", n.DisplayName)
	require.Equal(t, "P-a", n.OldDisplayName)
}

func TestRoomClose(t *testing.T) {
	room, _ := newTestRoom(t, config.RoomConfig{})
	a, _ := admitAndJoin(t, room, "P-a")
	b, _ := admitAndJoin(t, room, "P-b")

	var closed bool
	room.OnClose(func() { closed = true })

	room.Close()
	room.Close()

	require.True(t, closed)
	require.True(t, a.IsClosed())
	require.True(t, b.IsClosed())
	require.ErrorIs(t, room.HandlePeer(mustPeer("P-late")), ErrRoomClosed)
}

func mustPeer(id string) *Peer {
	peer, _ := newTestPeer(id)
	return peer
}
