// Package protocol defines the wire event catalogue as a closed union of
// typed payloads. Frames are decoded exactly once at the transport boundary;
// the core packages only ever see validated structs.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

type EventType string

const (
	// Text channel presence (message fan-out only, no media).
	EventJoinChannel  EventType = "join-channel"
	EventLeaveChannel EventType = "leave-channel"

	// Presence path.
	EventJoinVoice  EventType = "join-voice-channel"
	EventLeaveVoice EventType = "leave-voice-channel"
	EventVoiceState EventType = "voice-state-update"
	EventJoinVideo  EventType = "join-video-channel"
	EventLeaveVideo EventType = "leave-video-channel"
	EventVideoState EventType = "video-state-update"

	// Mesh membership.
	EventJoinVoiceMesh  EventType = "join-voice-channel-webrtc"
	EventLeaveVoiceMesh EventType = "leave-voice-channel-webrtc"
	EventJoinVideoMesh  EventType = "join-video-channel-webrtc"
	EventLeaveVideoMesh EventType = "leave-video-channel-webrtc"

	// Negotiation relay.
	EventVoiceOffer     EventType = "voice-offer"
	EventVoiceAnswer    EventType = "voice-answer"
	EventVoiceCandidate EventType = "voice-ice-candidate"
	EventVideoOffer     EventType = "video-offer"
	EventVideoAnswer    EventType = "video-answer"
	EventVideoCandidate EventType = "video-ice-candidate"

	// Server → client only.
	EventVoiceUserJoined EventType = "voice-user-joined"
	EventVoiceUserLeft   EventType = "voice-user-left"
	EventVoiceRoster     EventType = "voice-channel-users"
	EventVideoUserJoined EventType = "video-user-joined"
	EventVideoUserLeft   EventType = "video-user-left"
	EventVideoRoster     EventType = "video-channel-users"
)

// Stage distinguishes the three relayed negotiation payloads. The relay
// itself treats the signal blob as opaque.
type Stage string

const (
	StageOffer     Stage = "offer"
	StageAnswer    Stage = "answer"
	StageCandidate Stage = "ice-candidate"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMissingField = errors.New("missing payload field")
)

// Envelope is the single frame shape on the wire.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// User is the wire shape of a participant inside join payloads, roster
// replies and user-joined broadcasts.
type User struct {
	ID         domain.UserID `json:"id"`
	Username   string        `json:"username,omitempty"`
	AvatarURL  string        `json:"avatarUrl,omitempty"`
	IsMuted    bool          `json:"isMuted"`
	IsDeafened bool          `json:"isDeafened"`
	HasVideo   bool          `json:"hasVideo,omitempty"`
}

func (u User) Presence() core.Presence {
	return core.Presence{
		UserID:     u.ID,
		Username:   u.Username,
		AvatarURL:  u.AvatarURL,
		IsMuted:    u.IsMuted,
		IsDeafened: u.IsDeafened,
		HasVideo:   u.HasVideo,
	}
}

func WireUser(p core.Presence) User {
	return User{
		ID:         p.UserID,
		Username:   p.Username,
		AvatarURL:  p.AvatarURL,
		IsMuted:    p.IsMuted,
		IsDeafened: p.IsDeafened,
		HasVideo:   p.HasVideo,
	}
}

// ClientEvent is the closed union of events a client may send.
type ClientEvent interface{ clientEvent() }

// TextSubscribe is join-channel / leave-channel: plain message fan-out
// membership, out of mesh scope.
type TextSubscribe struct {
	Channel domain.ChannelID
	Leave   bool
}

// JoinRoom is the presence-path join carrying the full user object.
type JoinRoom struct {
	Key      domain.RoomKey
	ServerID string
	User     User
}

type LeaveRoom struct {
	Key    domain.RoomKey
	UserID domain.UserID
}

// StateUpdate carries flipped presence flags (mute/deafen/camera).
type StateUpdate struct {
	Key    domain.RoomKey
	UserID domain.UserID
	Update core.StateUpdate
}

// JoinMesh / LeaveMesh are the webrtc-path membership events.
type JoinMesh struct {
	Key      domain.RoomKey
	UserID   domain.UserID
	HasVideo bool
}

type LeaveMesh struct {
	Key    domain.RoomKey
	UserID domain.UserID
}

// SignalMessage asks the relay to forward a negotiation blob to one target.
type SignalMessage struct {
	Key    domain.RoomKey
	Stage  Stage
	Target domain.UserID
	Signal json.RawMessage
}

func (TextSubscribe) clientEvent() {}
func (JoinRoom) clientEvent()      {}
func (LeaveRoom) clientEvent()     {}
func (StateUpdate) clientEvent()   {}
func (JoinMesh) clientEvent()      {}
func (LeaveMesh) clientEvent()     {}
func (SignalMessage) clientEvent() {}

type channelPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

type joinPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	ServerID  string           `json:"serverId,omitempty"`
	User      User             `json:"user"`
}

type leavePayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
}

type statePayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
	core.StateUpdate
}

type meshJoinPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
	HasVideo  bool             `json:"hasVideo,omitempty"`
}

type signalPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Target    domain.UserID    `json:"targetUserId"`
	Signal    json.RawMessage  `json:"signal"`
}

// DecodeClient parses one inbound frame into the client event union.
// Malformed frames and unknown event names return an error; callers drop
// them silently since these events have no response channel.
func DecodeClient(frame core.Frame) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Event {
	case EventJoinChannel, EventLeaveChannel:
		var p channelPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		if p.ChannelID == "" {
			return nil, fmt.Errorf("%s: channelId: %w", env.Event, ErrMissingField)
		}
		return TextSubscribe{Channel: p.ChannelID, Leave: env.Event == EventLeaveChannel}, nil

	case EventJoinVoice, EventJoinVideo:
		var p joinPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		if p.ChannelID == "" || p.User.ID == "" {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingField)
		}
		return JoinRoom{Key: roomKey(env.Event, p.ChannelID), ServerID: p.ServerID, User: p.User}, nil

	case EventLeaveVoice, EventLeaveVideo:
		var p leavePayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		if p.ChannelID == "" {
			return nil, fmt.Errorf("%s: channelId: %w", env.Event, ErrMissingField)
		}
		return LeaveRoom{Key: roomKey(env.Event, p.ChannelID), UserID: p.UserID}, nil

	case EventVoiceState, EventVideoState:
		var p statePayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		if p.ChannelID == "" {
			return nil, fmt.Errorf("%s: channelId: %w", env.Event, ErrMissingField)
		}
		return StateUpdate{Key: roomKey(env.Event, p.ChannelID), UserID: p.UserID, Update: p.StateUpdate}, nil

	case EventJoinVoiceMesh, EventJoinVideoMesh:
		var p meshJoinPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		if p.ChannelID == "" || p.UserID == "" {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingField)
		}
		return JoinMesh{Key: roomKey(env.Event, p.ChannelID), UserID: p.UserID, HasVideo: p.HasVideo}, nil

	case EventLeaveVoiceMesh, EventLeaveVideoMesh:
		var p leavePayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		if p.ChannelID == "" {
			return nil, fmt.Errorf("%s: channelId: %w", env.Event, ErrMissingField)
		}
		return LeaveMesh{Key: roomKey(env.Event, p.ChannelID), UserID: p.UserID}, nil

	case EventVoiceOffer, EventVoiceAnswer, EventVoiceCandidate,
		EventVideoOffer, EventVideoAnswer, EventVideoCandidate:
		var p signalPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		if p.ChannelID == "" || p.Target == "" {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingField)
		}
		return SignalMessage{
			Key:    roomKey(env.Event, p.ChannelID),
			Stage:  stageOf(env.Event),
			Target: p.Target,
			Signal: p.Signal,
		}, nil
	}
	return nil, fmt.Errorf("%q: %w", env.Event, ErrUnknownEvent)
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return ErrMissingField
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func roomKey(ev EventType, ch domain.ChannelID) domain.RoomKey {
	return domain.RoomKey{Kind: kindOf(ev), Channel: ch}
}

func kindOf(ev EventType) domain.RoomKind {
	switch ev {
	case EventJoinVideo, EventLeaveVideo, EventVideoState,
		EventJoinVideoMesh, EventLeaveVideoMesh,
		EventVideoOffer, EventVideoAnswer, EventVideoCandidate,
		EventVideoUserJoined, EventVideoUserLeft, EventVideoRoster:
		return domain.KindVideo
	}
	return domain.KindVoice
}

func stageOf(ev EventType) Stage {
	switch ev {
	case EventVoiceOffer, EventVideoOffer:
		return StageOffer
	case EventVoiceAnswer, EventVideoAnswer:
		return StageAnswer
	}
	return StageCandidate
}
