package service

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/atriumrtc/atrium-server/pkg/config"
	"github.com/atriumrtc/atrium-server/pkg/logger"
	"github.com/atriumrtc/atrium-server/pkg/media"
	"github.com/atriumrtc/atrium-server/pkg/rtc"
)

// RoomManager owns the live room set. Rooms are created on first use and
// remove themselves when they close.
type RoomManager struct {
	conf   config.RoomConfig
	engine media.Engine

	lock  sync.RWMutex
	rooms map[rtc.RoomID]*rtc.Room

	// collapses concurrent creates of the same room into one router
	creates singleflight.Group
}

func NewRoomManager(conf config.RoomConfig, engine media.Engine) *RoomManager {
	return &RoomManager{
		conf:   conf,
		engine: engine,
		rooms:  make(map[rtc.RoomID]*rtc.Room),
	}
}

func (m *RoomManager) GetRoom(id rtc.RoomID) (*rtc.Room, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

// GetOrCreateRoom returns the live room for id, creating it when absent. Two
// peers racing into a new room share a single create.
func (m *RoomManager) GetOrCreateRoom(ctx context.Context, id rtc.RoomID) (*rtc.Room, error) {
	if room, ok := m.GetRoom(id); ok {
		return room, nil
	}

	v, err, _ := m.creates.Do(string(id), func() (interface{}, error) {
		if room, ok := m.GetRoom(id); ok {
			return room, nil
		}

		router, err := m.engine.CreateRouter(ctx, nil)
		if err != nil {
			return nil, err
		}

		room, err := rtc.NewRoom(id, m.conf, router)
		if err != nil {
			router.Close()
			return nil, err
		}

		room.OnClose(func() {
			m.lock.Lock()
			if m.rooms[id] == room {
				delete(m.rooms, id)
			}
			m.lock.Unlock()
			logger.Infow("room removed", "room", id)
		})

		m.lock.Lock()
		m.rooms[id] = room
		m.lock.Unlock()

		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rtc.Room), nil
}

func (m *RoomManager) Rooms() []*rtc.Room {
	m.lock.RLock()
	defer m.lock.RUnlock()
	rooms := make([]*rtc.Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Stop closes every live room.
func (m *RoomManager) Stop() {
	for _, room := range m.Rooms() {
		room.Close()
	}
}
