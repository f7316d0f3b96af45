package rtc

import "errors"

var (
	ErrRoomClosed       = errors.New("room has already closed")
	ErrLobbyClosed      = errors.New("lobby has already closed")
	ErrDuplicatePeer    = errors.New("a peer with the same id is already in the room")
	ErrAlreadyJoined    = errors.New("peer already joined")
	ErrNotJoined        = errors.New("peer not yet joined")
	ErrPeerNotFound     = errors.New("peer not found")
	ErrMaxPeersExceeded = errors.New("room has exceeded its max peers")
	ErrPermissionDenied = errors.New("peer role does not permit this operation")
	ErrBaselineRole     = errors.New("the baseline role cannot be removed")
	ErrRoleNotFound     = errors.New("role not found")
)
