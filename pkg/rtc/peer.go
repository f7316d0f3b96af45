package rtc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"github.com/atriumrtc/atrium-server/pkg/logger"
	"github.com/atriumrtc/atrium-server/pkg/media"
	"github.com/atriumrtc/atrium-server/pkg/signal"
)

// timedFlag pairs a boolean with the time it was last set. The pair always
// changes together.
type timedFlag struct {
	on bool
	at time.Time
}

func (f *timedFlag) set(on bool) {
	f.on = on
	f.at = time.Now()
}

// Peer is the per-connection session object: identity, auth/role state, and
// the registries of media-engine handles it owns.
type Peer struct {
	id     PeerID
	roomID RoomID
	conn   SignalConn

	lock            sync.RWMutex
	displayName     string
	picture         string
	rtpCapabilities json.RawMessage
	roles           map[string]Role
	joined          timedFlag
	authenticated   timedFlag
	raisedHand      timedFlag

	transports map[string]media.Transport
	producers  map[string]media.Producer
	consumers  map[string]media.Consumer

	closed core.Fuse

	onClose                 func(*Peer)
	onDisplayNameChanged    func(p *Peer, oldDisplayName string)
	onPictureChanged        func(*Peer)
	onAuthenticationChanged func(*Peer)
	onRoleAdded             func(*Peer, Role)
	onRoleRemoved           func(*Peer, Role)
}

func NewPeer(id PeerID, roomID RoomID, conn SignalConn) *Peer {
	p := &Peer{
		id:         id,
		roomID:     roomID,
		conn:       conn,
		roles:      map[string]Role{RoleNormal.ID: RoleNormal},
		transports: make(map[string]media.Transport),
		producers:  make(map[string]media.Producer),
		consumers:  make(map[string]media.Consumer),
	}
	conn.OnClose(p.Close)
	return p
}

func (p *Peer) ID() PeerID     { return p.id }
func (p *Peer) RoomID() RoomID { return p.roomID }

func (p *Peer) IsClosed() bool { return p.closed.IsBroken() }

// Close is idempotent: it closes every owned transport (which cascades to
// producers and consumers inside the media engine), disconnects the
// connection and emits the close event exactly once.
func (p *Peer) Close() {
	p.closed.Once(func() {
		logger.Debugw("closing peer", "peer", p.id, "room", p.roomID)

		p.lock.Lock()
		transports := make([]media.Transport, 0, len(p.transports))
		for _, t := range p.transports {
			transports = append(transports, t)
		}
		p.transports = make(map[string]media.Transport)
		p.producers = make(map[string]media.Producer)
		p.consumers = make(map[string]media.Consumer)
		onClose := p.onClose
		p.lock.Unlock()

		for _, t := range transports {
			t.Close()
		}

		// the connection holds p.Close as its close callback; detaching it
		// first keeps conn.Close from re-entering this fuse
		p.conn.OnClose(nil)
		p.conn.Close()

		if onClose != nil {
			onClose(p)
		}
	})
}

// callbacks

func (p *Peer) OnClose(f func(*Peer)) {
	p.lock.Lock()
	p.onClose = f
	p.lock.Unlock()
}

func (p *Peer) OnDisplayNameChanged(f func(p *Peer, oldDisplayName string)) {
	p.lock.Lock()
	p.onDisplayNameChanged = f
	p.lock.Unlock()
}

func (p *Peer) OnPictureChanged(f func(*Peer)) {
	p.lock.Lock()
	p.onPictureChanged = f
	p.lock.Unlock()
}

func (p *Peer) OnAuthenticationChanged(f func(*Peer)) {
	p.lock.Lock()
	p.onAuthenticationChanged = f
	p.lock.Unlock()
}

func (p *Peer) OnRoleAdded(f func(*Peer, Role)) {
	p.lock.Lock()
	p.onRoleAdded = f
	p.lock.Unlock()
}

func (p *Peer) OnRoleRemoved(f func(*Peer, Role)) {
	p.lock.Lock()
	p.onRoleRemoved = f
	p.lock.Unlock()
}

// profile

func (p *Peer) DisplayName() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.displayName
}

// SetDisplayName is a no-op when the value is unchanged.
func (p *Peer) SetDisplayName(displayName string) {
	p.lock.Lock()
	if p.displayName == displayName {
		p.lock.Unlock()
		return
	}
	old := p.displayName
	p.displayName = displayName
	onChanged := p.onDisplayNameChanged
	p.lock.Unlock()

	if onChanged != nil {
		onChanged(p, old)
	}
}

func (p *Peer) Picture() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.picture
}

func (p *Peer) SetPicture(picture string) {
	p.lock.Lock()
	if p.picture == picture {
		p.lock.Unlock()
		return
	}
	p.picture = picture
	onChanged := p.onPictureChanged
	p.lock.Unlock()

	if onChanged != nil {
		onChanged(p)
	}
}

// state flags

func (p *Peer) Joined() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.joined.on
}

func (p *Peer) JoinedAt() time.Time {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.joined.at
}

func (p *Peer) SetJoined() {
	p.lock.Lock()
	p.joined.set(true)
	p.lock.Unlock()
}

func (p *Peer) Authenticated() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.authenticated.on
}

func (p *Peer) SetAuthenticated(authenticated bool) {
	p.lock.Lock()
	if p.authenticated.on == authenticated {
		p.lock.Unlock()
		return
	}
	p.authenticated.set(authenticated)
	onChanged := p.onAuthenticationChanged
	p.lock.Unlock()

	if onChanged != nil {
		onChanged(p)
	}
}

func (p *Peer) RaisedHand() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.raisedHand.on
}

func (p *Peer) SetRaisedHand(raised bool) {
	p.lock.Lock()
	p.raisedHand.set(raised)
	p.lock.Unlock()
}

// roles

func (p *Peer) HasRole(roleID string) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	_, ok := p.roles[roleID]
	return ok
}

// AddRole emits the role-added event only on actual change.
func (p *Peer) AddRole(role Role) {
	p.lock.Lock()
	if _, ok := p.roles[role.ID]; ok {
		p.lock.Unlock()
		return
	}
	p.roles[role.ID] = role
	onAdded := p.onRoleAdded
	p.lock.Unlock()

	if onAdded != nil {
		onAdded(p, role)
	}
}

// RemoveRole is a no-op when the peer lacks the role; the baseline role can
// never be removed.
func (p *Peer) RemoveRole(roleID string) error {
	if roleID == RoleNormal.ID {
		return ErrBaselineRole
	}

	p.lock.Lock()
	role, ok := p.roles[roleID]
	if !ok {
		p.lock.Unlock()
		return nil
	}
	delete(p.roles, roleID)
	onRemoved := p.onRoleRemoved
	p.lock.Unlock()

	if onRemoved != nil {
		onRemoved(p, role)
	}
	return nil
}

func (p *Peer) Roles() []Role {
	p.lock.RLock()
	roles := make([]Role, 0, len(p.roles))
	for _, r := range p.roles {
		roles = append(roles, r)
	}
	p.lock.RUnlock()

	sort.Slice(roles, func(i, j int) bool { return roles[i].Level < roles[j].Level })
	return roles
}

func (p *Peer) HighestRoleLevel() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	level := 0
	for _, r := range p.roles {
		if r.Level > level {
			level = r.Level
		}
	}
	return level
}

// capabilities

func (p *Peer) RtpCapabilities() json.RawMessage {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.rtpCapabilities
}

func (p *Peer) SetRtpCapabilities(caps json.RawMessage) {
	p.lock.Lock()
	p.rtpCapabilities = caps
	p.lock.Unlock()
}

// media handle registries. Accessors tolerate "not found": a closed handle's
// id may linger briefly until its close callback fires.

func (p *Peer) AddTransport(t media.Transport) {
	p.lock.Lock()
	p.transports[t.ID()] = t
	p.lock.Unlock()
}

func (p *Peer) GetTransport(id string) (media.Transport, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	t, ok := p.transports[id]
	return t, ok
}

func (p *Peer) RemoveTransport(id string) {
	p.lock.Lock()
	delete(p.transports, id)
	p.lock.Unlock()
}

// GetConsumerTransport returns the transport flagged for receiving, if any.
func (p *Peer) GetConsumerTransport() (media.Transport, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for _, t := range p.transports {
		if consuming, ok := t.AppData()["consuming"].(bool); ok && consuming {
			return t, true
		}
	}
	return nil, false
}

func (p *Peer) AddProducer(producer media.Producer) {
	p.lock.Lock()
	p.producers[producer.ID()] = producer
	p.lock.Unlock()
}

func (p *Peer) GetProducer(id string) (media.Producer, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	producer, ok := p.producers[id]
	return producer, ok
}

func (p *Peer) RemoveProducer(id string) {
	p.lock.Lock()
	delete(p.producers, id)
	p.lock.Unlock()
}

func (p *Peer) Producers() []media.Producer {
	p.lock.RLock()
	defer p.lock.RUnlock()
	producers := make([]media.Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		producers = append(producers, producer)
	}
	return producers
}

func (p *Peer) AddConsumer(consumer media.Consumer) {
	p.lock.Lock()
	p.consumers[consumer.ID()] = consumer
	p.lock.Unlock()
}

func (p *Peer) GetConsumer(id string) (media.Consumer, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	consumer, ok := p.consumers[id]
	return consumer, ok
}

func (p *Peer) RemoveConsumer(id string) {
	p.lock.Lock()
	delete(p.consumers, id)
	p.lock.Unlock()
}

// signaling

func (p *Peer) SetRequestHandler(h signal.RequestHandler) {
	p.conn.SetRequestHandler(h)
}

func (p *Peer) Notify(method signal.Method, data interface{}) {
	if err := p.conn.Notify(method, data); err != nil && err != signal.ErrConnClosed {
		logger.Warnw("could not notify peer", "err", err, "peer", p.id, "method", method)
	}
}

func (p *Peer) Request(ctx context.Context, method signal.Method, data interface{}) (json.RawMessage, error) {
	return p.conn.Request(ctx, method, data)
}

// Info is the public view shared with other peers. Roles are listed lowest
// level first.
func (p *Peer) Info() signal.PeerInfo {
	roles := p.Roles()
	ids := make([]string, 0, len(roles))
	for _, r := range roles {
		ids = append(ids, r.ID)
	}

	p.lock.RLock()
	defer p.lock.RUnlock()

	return signal.PeerInfo{
		ID:          string(p.id),
		DisplayName: p.displayName,
		Picture:     p.picture,
		Roles:       ids,
		RaisedHand:  p.raisedHand.on,
	}
}
