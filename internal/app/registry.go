// Package app holds the in-memory presence state: the connection session
// registry, the room directory, the presence synchronizer and the signaling
// relay. Everything here is transport-free and non-blocking; lock hold times
// are pure map work.
package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

// session is the per-connection ephemeral record. It lives exactly as long
// as the transport connection and is never persisted.
type session struct {
	conn      core.SignalConnection
	presence  core.Presence
	voiceRoom domain.RoomKey
	videoRoom domain.RoomKey
}

// Registry owns every live session, keyed by connection id. It knows nothing
// about rooms beyond the two keys it stores back for cleanup.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.ConnID]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.ConnID]*session)}
}

// Create registers a fresh session with default presence. Re-creating an
// existing id keeps the old presence and swaps the transport (reconnect
// before the old pump noticed).
func (r *Registry) Create(id core.ConnID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.conn = conn
		log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("session transport replaced")
		return
	}
	r.sessions[id] = &session{conn: conn}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("session created")
}

func (r *Registry) Conn(id core.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

func (r *Registry) Presence(id core.ConnID) (core.Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return core.Presence{}, false
	}
	return s.presence, true
}

func (r *Registry) UserID(id core.ConnID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.presence.UserID == "" {
		return "", false
	}
	return s.presence.UserID, true
}

// SetPresence overwrites identity and presence flags wholesale (join path).
func (r *Registry) SetPresence(id core.ConnID, p core.Presence) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.presence = p
	return true
}

// SetUserID records identity without touching flags (mesh join path, where
// the wire carries only the user id).
func (r *Registry) SetUserID(id core.ConnID, uid domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.presence.UserID = uid
	return true
}

// UpdateState folds a partial update into the session's presence and returns
// the result.
func (r *Registry) UpdateState(id core.ConnID, upd core.StateUpdate) (core.Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return core.Presence{}, false
	}
	upd.Apply(&s.presence)
	return s.presence, true
}

// SetRoom records the session's membership slot for key.Kind. Text rooms
// have no slot; the directory alone tracks them.
func (r *Registry) SetRoom(id core.ConnID, key domain.RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	switch key.Kind {
	case domain.KindVoice:
		s.voiceRoom = key
	case domain.KindVideo:
		s.videoRoom = key
	}
	return true
}

func (r *Registry) ClearRoom(id core.ConnID, kind domain.RoomKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	switch kind {
	case domain.KindVoice:
		s.voiceRoom = domain.RoomKey{}
	case domain.KindVideo:
		s.videoRoom = domain.RoomKey{}
	}
}

// Room returns the session's current room of the given kind, if any.
func (r *Registry) Room(id core.ConnID, kind domain.RoomKind) (domain.RoomKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.RoomKey{}, false
	}
	key := s.voiceRoom
	if kind == domain.KindVideo {
		key = s.videoRoom
	}
	return key, !key.IsZero()
}

// Destroy removes the session and hands back its last-known identity and
// room memberships so the presence synchronizer can clean up. The registry
// itself performs no room cleanup.
func (r *Registry) Destroy(id core.ConnID) (core.Presence, []domain.RoomKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return core.Presence{}, nil, false
	}
	delete(r.sessions, id)
	var rooms []domain.RoomKey
	if !s.voiceRoom.IsZero() {
		rooms = append(rooms, s.voiceRoom)
	}
	if !s.videoRoom.IsZero() {
		rooms = append(rooms, s.videoRoom)
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Int("rooms", len(rooms)).Msg("session destroyed")
	return s.presence, rooms, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
