package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/protocol"
)

// Relay forwards negotiation payloads (offer/answer/ICE) to one target
// participant inside a room. The payload is opaque; the relay only annotates
// it with the sender's user id.
//
// Mesh initiation tie-break: when B joins a room already containing A, A
// initiates the negotiation toward B and B only answers. Applied uniformly
// this yields exactly one negotiation direction per unordered pair; the
// relay never has to arbitrate glare.
type Relay struct {
	reg *Registry
	dir *Directory
}

func NewRelay(reg *Registry, dir *Directory) *Relay {
	return &Relay{reg: reg, dir: dir}
}

// Forward resolves every connection in the room whose session user id equals
// target — normally one, transiently zero or several if a user holds two
// connections — and delivers the annotated payload to each. No match is a
// silent no-op: these events have no acknowledgment channel and the sender
// is never told about delivery failure.
func (r *Relay) Forward(key domain.RoomKey, target domain.UserID, sender core.ConnID, stage protocol.Stage, signal json.RawMessage) {
	from, ok := r.reg.UserID(sender)
	if !ok {
		log.Warn().Str("module", "app.relay").Str("conn", string(sender)).Msg("relay from unknown session")
		return
	}

	matches := lo.Filter(r.dir.Members(key), func(id core.ConnID, _ int) bool {
		uid, ok := r.reg.UserID(id)
		return ok && uid == target && id != sender
	})
	if len(matches) == 0 {
		log.Debug().Str("module", "app.relay").Str("room", key.String()).Str("target", string(target)).Msg("relay target not in room")
		return
	}

	frame, err := protocol.EncodeForward(key, stage, from, signal)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("encode forward")
		return
	}
	for _, id := range matches {
		conn, ok := r.reg.Conn(id)
		if !ok {
			continue
		}
		if err := conn.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(id)).Msg("relay send failed")
		}
	}
}
