package mesh

import (
	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/protocol"
)

// Local media controls flip the sender's own outgoing enable flags and
// broadcast the change. They never renegotiate and never remove a track:
// remote-side suppression of a muted participant is a UI trust convention,
// not a media-layer guarantee. The device layer feeding the local stream
// consults these flags.

func (m *Coordinator) SetMuted(muted bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.muted = muted
	m.mu.Unlock()
	return m.sig.Send(protocol.StateUpdate{
		Key:    m.cfg.Room,
		UserID: m.cfg.Self,
		Update: core.StateUpdate{IsMuted: &muted},
	})
}

func (m *Coordinator) SetDeafened(deafened bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.deaf = deafened
	m.mu.Unlock()
	return m.sig.Send(protocol.StateUpdate{
		Key:    m.cfg.Room,
		UserID: m.cfg.Self,
		Update: core.StateUpdate{IsDeafened: &deafened},
	})
}

// SetVideo toggles the camera. Video rooms only; it additionally flips
// hasVideo so remote layouts can swap between stream and placeholder.
func (m *Coordinator) SetVideo(enabled bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.cfg.Room.Kind != domain.KindVideo {
		m.mu.Unlock()
		return ErrNotVideo
	}
	m.video = enabled
	m.mu.Unlock()
	return m.sig.Send(protocol.StateUpdate{
		Key:    m.cfg.Room,
		UserID: m.cfg.Self,
		Update: core.StateUpdate{HasVideo: &enabled},
	})
}

// Muted / Deafened / VideoEnabled expose the local flags for the device and
// playback layers.
func (m *Coordinator) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *Coordinator) Deafened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deaf
}

func (m *Coordinator) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}
