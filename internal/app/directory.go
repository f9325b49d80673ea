package app

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

// Directory maps room keys to member connection sets. Rooms appear on first
// Add and vanish when their last member leaves (lazy deletion); there is no
// member cap, which makes a full mesh O(n²) links per room. That ceiling is
// inherited from the design, not an oversight.
type Directory struct {
	mu    sync.RWMutex
	rooms map[domain.RoomKey]map[core.ConnID]struct{}
}

func NewDirectory() *Directory {
	return &Directory{rooms: make(map[domain.RoomKey]map[core.ConnID]struct{})}
}

// Add inserts id into the room, creating it if needed. Returns false if the
// connection was already a member (duplicate join).
func (d *Directory) Add(key domain.RoomKey, id core.ConnID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.rooms[key]
	if !ok {
		members = make(map[core.ConnID]struct{})
		d.rooms[key] = members
		log.Debug().Str("module", "app.directory").Str("room", key.String()).Msg("room created")
	}
	if _, dup := members[id]; dup {
		return false
	}
	members[id] = struct{}{}
	return true
}

// Remove is idempotent; returns whether the connection was a member.
func (d *Directory) Remove(key domain.RoomKey, id core.ConnID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.rooms[key]
	if !ok {
		return false
	}
	if _, was := members[id]; !was {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(d.rooms, key)
		log.Debug().Str("module", "app.directory").Str("room", key.String()).Msg("room discarded")
	}
	return true
}

func (d *Directory) Members(key domain.RoomKey) []core.ConnID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Keys(d.rooms[key])
}

func (d *Directory) Contains(key domain.RoomKey, id core.ConnID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[key][id]
	return ok
}

func (d *Directory) Count(key domain.RoomKey) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms[key])
}

func (d *Directory) List() []core.RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.MapToSlice(d.rooms, func(key domain.RoomKey, members map[core.ConnID]struct{}) core.RoomInfo {
		return core.RoomInfo{Key: key, MemberCount: len(members)}
	})
}
