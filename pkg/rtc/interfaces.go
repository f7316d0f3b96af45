package rtc

import (
	"context"
	"encoding/json"

	"github.com/atriumrtc/atrium-server/pkg/signal"
)

type (
	RoomID string
	PeerID string
)

// SignalConn is the per-connection duplex RPC channel a Peer owns.
// *signal.Conn implements it; tests substitute a fake.
type SignalConn interface {
	SetRequestHandler(h signal.RequestHandler)
	Request(ctx context.Context, method signal.Method, data interface{}) (json.RawMessage, error)
	Notify(method signal.Method, data interface{}) error
	OnClose(f func())
	Close()
	IsClosed() bool
}
