package app

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/protocol"
)

// Synchronizer keeps the room directory and every member's view of it
// consistent: join/leave/state-update fan-out, roster snapshots, disconnect
// cleanup. One mutex serializes all mutating room operations, and broadcast
// frames are enqueued to each recipient's ordered send buffer while that
// mutex is held, so a recipient can never observe a user-left before the
// matching user-joined. Nothing here blocks: TrySend is buffered and every
// lookup is in-memory.
type Synchronizer struct {
	mu  sync.Mutex
	reg *Registry
	dir *Directory

	// onSlow is invoked (outside the lock) for members whose send buffer
	// was full during a broadcast. The transport adapter closes them,
	// which funnels into the usual disconnect cleanup.
	onSlow func(core.ConnID)
}

func NewSynchronizer(reg *Registry, dir *Directory) *Synchronizer {
	return &Synchronizer{reg: reg, dir: dir}
}

// SetSlowHandler wires the backpressure reaction. Must be called before the
// first connection is served.
func (s *Synchronizer) SetSlowHandler(fn func(core.ConnID)) { s.onSlow = fn }

// Join adds the connection to the room and replies to the joiner with the
// pre-join roster. The user-joined notification goes to the other members
// only when the member set actually grew: a duplicate join (reconnect burst
// without explicit leave) re-sends the roster but never re-broadcasts.
func (s *Synchronizer) Join(key domain.RoomKey, id core.ConnID, user protocol.User) {
	var slow []core.ConnID
	defer func() { s.notifySlow(slow) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reg.SetPresence(id, user.Presence()) {
		log.Warn().Str("module", "app.presence").Str("conn", string(id)).Msg("join for unknown session")
		return
	}
	slow = append(slow, s.switchRoomLocked(key, id, user.ID)...)
	s.reg.SetRoom(id, key)
	roster := s.roster(key, id)
	added := s.dir.Add(key, id)

	if frame, err := protocol.EncodeRoster(key, roster); err == nil {
		s.sendTo(id, frame, &slow)
	} else {
		log.Error().Err(err).Str("module", "app.presence").Msg("encode roster")
	}

	if !added {
		log.Debug().Str("module", "app.presence").Str("conn", string(id)).Str("room", key.String()).Msg("duplicate join")
		return
	}
	log.Info().Str("module", "app.presence").Str("conn", string(id)).Str("user", string(user.ID)).Str("room", key.String()).Msg("joined")

	if frame, err := protocol.EncodeUserJoined(key, user); err == nil {
		slow = append(slow, s.broadcast(key, id, frame)...)
	} else {
		log.Error().Err(err).Str("module", "app.presence").Msg("encode user-joined")
	}
}

// JoinMesh is the webrtc-path join: membership plus a user-joined carrying
// only {userId, hasVideo}. No roster reply; the mesh coordinator learns the
// pre-existing members through their offers (tie-break rule).
func (s *Synchronizer) JoinMesh(key domain.RoomKey, id core.ConnID, uid domain.UserID, hasVideo bool) {
	var slow []core.ConnID
	defer func() { s.notifySlow(slow) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reg.SetUserID(id, uid) {
		log.Warn().Str("module", "app.presence").Str("conn", string(id)).Msg("mesh join for unknown session")
		return
	}
	slow = append(slow, s.switchRoomLocked(key, id, uid)...)
	s.reg.SetRoom(id, key)
	if !s.dir.Add(key, id) {
		return
	}
	log.Info().Str("module", "app.presence").Str("conn", string(id)).Str("user", string(uid)).Str("room", key.String()).Msg("mesh joined")

	user := protocol.User{ID: uid, HasVideo: hasVideo}
	if frame, err := protocol.EncodeUserJoined(key, user); err == nil {
		slow = append(slow, s.broadcast(key, id, frame)...)
	} else {
		log.Error().Err(err).Str("module", "app.presence").Msg("encode user-joined")
	}
}

// Leave removes the connection from the room and tells the remaining members.
// Idempotent: leaving a room you are not in is a no-op.
func (s *Synchronizer) Leave(key domain.RoomKey, id core.ConnID, uid domain.UserID) {
	var slow []core.ConnID
	defer func() { s.notifySlow(slow) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	slow = s.leaveLocked(key, id, uid)
}

// switchRoomLocked enforces the one-room-per-kind rule: joining a different
// room of the same kind implies leaving the old one first, so the old
// directory entry never outlives the session's room slot.
func (s *Synchronizer) switchRoomLocked(key domain.RoomKey, id core.ConnID, uid domain.UserID) []core.ConnID {
	old, ok := s.reg.Room(id, key.Kind)
	if !ok || old == key {
		return nil
	}
	log.Info().Str("module", "app.presence").Str("conn", string(id)).Str("from", old.String()).Str("to", key.String()).Msg("switching room")
	return s.leaveLocked(old, id, uid)
}

func (s *Synchronizer) leaveLocked(key domain.RoomKey, id core.ConnID, uid domain.UserID) []core.ConnID {
	was := s.dir.Remove(key, id)
	s.reg.ClearRoom(id, key.Kind)
	if !was {
		return nil
	}
	if uid == "" {
		uid, _ = s.reg.UserID(id)
	}
	log.Info().Str("module", "app.presence").Str("conn", string(id)).Str("user", string(uid)).Str("room", key.String()).Msg("left")
	frame, err := protocol.EncodeUserLeft(key, uid)
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("encode user-left")
		return nil
	}
	return s.broadcast(key, id, frame)
}

// UpdateState folds flipped presence flags into the session and fans the
// change out to every other member. The sender never receives its own update.
func (s *Synchronizer) UpdateState(key domain.RoomKey, id core.ConnID, upd core.StateUpdate) {
	var slow []core.ConnID
	defer func() { s.notifySlow(slow) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	pres, ok := s.reg.UpdateState(id, upd)
	if !ok || !s.dir.Contains(key, id) {
		return
	}
	frame, err := protocol.EncodeStateUpdate(key, pres.UserID, upd)
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("encode state-update")
		return
	}
	slow = s.broadcast(key, id, frame)
}

// Disconnect runs the full cleanup for a lost connection: one user-left per
// room the session was in, then the session itself is destroyed. Rooms are
// cleaned independently so one of them can never shadow the other. The
// transport adapter guarantees this runs exactly once per connection; an
// explicit leave racing the transport loss is safe because leaveLocked is
// idempotent.
func (s *Synchronizer) Disconnect(id core.ConnID) {
	var slow []core.ConnID
	defer func() { s.notifySlow(slow) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	pres, rooms, ok := s.reg.Destroy(id)
	if !ok {
		return
	}
	for _, key := range rooms {
		if !s.dir.Remove(key, id) {
			continue
		}
		frame, err := protocol.EncodeUserLeft(key, pres.UserID)
		if err != nil {
			log.Error().Err(err).Str("module", "app.presence").Msg("encode user-left")
			continue
		}
		slow = append(slow, s.broadcast(key, id, frame)...)
	}
	log.Info().Str("module", "app.presence").Str("conn", string(id)).Int("rooms", len(rooms)).Msg("disconnected")
}

// JoinText / LeaveText track plain message-channel subscriptions. No session
// slot, no notifications; the outer application publishes into these rooms.
func (s *Synchronizer) JoinText(ch domain.ChannelID, id core.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir.Add(domain.TextRoom(ch), id)
}

func (s *Synchronizer) LeaveText(ch domain.ChannelID, id core.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir.Remove(domain.TextRoom(ch), id)
}

// Publish fans an already-encoded frame out to every member of a room. This
// is the explicit handle the outer application uses instead of a hidden
// process-wide emitter.
func (s *Synchronizer) Publish(key domain.RoomKey, frame core.Frame) {
	var slow []core.ConnID
	defer func() { s.notifySlow(slow) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	slow = s.broadcast(key, "", frame)
}

// roster returns the presence of every member except the joiner.
func (s *Synchronizer) roster(key domain.RoomKey, except core.ConnID) []protocol.User {
	return lo.FilterMap(s.dir.Members(key), func(id core.ConnID, _ int) (protocol.User, bool) {
		if id == except {
			return protocol.User{}, false
		}
		pres, ok := s.reg.Presence(id)
		if !ok {
			return protocol.User{}, false
		}
		return protocol.WireUser(pres), true
	})
}

// broadcast enqueues frame to every member but except and reports the
// connections that could not take it.
func (s *Synchronizer) broadcast(key domain.RoomKey, except core.ConnID, frame core.Frame) []core.ConnID {
	var slow []core.ConnID
	for _, id := range s.dir.Members(key) {
		if id == except {
			continue
		}
		s.sendTo(id, frame, &slow)
	}
	return slow
}

func (s *Synchronizer) sendTo(id core.ConnID, frame core.Frame, slow *[]core.ConnID) {
	conn, ok := s.reg.Conn(id)
	if !ok {
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Str("conn", string(id)).Msg("send failed, scheduling disconnect")
		*slow = append(*slow, id)
	}
}

func (s *Synchronizer) notifySlow(ids []core.ConnID) {
	if s.onSlow == nil {
		return
	}
	for _, id := range ids {
		s.onSlow(id)
	}
}
