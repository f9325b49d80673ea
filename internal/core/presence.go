package core

import "github.com/dkeye/Presence/internal/domain"

// Presence is the read-only view of one participant as broadcast to a room
// (no transport fields).
type Presence struct {
	UserID     domain.UserID `json:"userId"`
	Username   string        `json:"username,omitempty"`
	AvatarURL  string        `json:"avatarUrl,omitempty"`
	IsMuted    bool          `json:"isMuted"`
	IsDeafened bool          `json:"isDeafened"`
	HasVideo   bool          `json:"hasVideo,omitempty"`
}

// StateUpdate is a partial mutation of presence fields. Nil means
// "leave unchanged"; the wire carries only the fields the sender flipped.
type StateUpdate struct {
	IsMuted    *bool `json:"isMuted,omitempty"`
	IsDeafened *bool `json:"isDeafened,omitempty"`
	HasVideo   *bool `json:"hasVideo,omitempty"`
}

// Apply folds the update into p.
func (u StateUpdate) Apply(p *Presence) {
	if u.IsMuted != nil {
		p.IsMuted = *u.IsMuted
	}
	if u.IsDeafened != nil {
		p.IsDeafened = *u.IsDeafened
	}
	if u.HasVideo != nil {
		p.HasVideo = *u.HasVideo
	}
}

type RoomInfo struct {
	Key         domain.RoomKey `json:"room"`
	MemberCount int            `json:"member_count"`
}
