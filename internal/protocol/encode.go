package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

// Server → client payload shapes.

type rosterPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Users     []User           `json:"users"`
}

type userLeftPayload struct {
	UserID domain.UserID `json:"userId"`
}

type stateBroadcastPayload struct {
	UserID domain.UserID `json:"userId"`
	core.StateUpdate
}

type forwardPayload struct {
	UserID domain.UserID   `json:"userId"`
	Signal json.RawMessage `json:"signal"`
}

func encode(ev EventType, data any) (core.Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev, err)
	}
	frame, err := json.Marshal(Envelope{Event: ev, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev, err)
	}
	return frame, nil
}

// EncodeRoster is the snapshot reply delivered only to a joiner.
func EncodeRoster(key domain.RoomKey, users []User) (core.Frame, error) {
	return encode(byKind(key.Kind, EventVoiceRoster, EventVideoRoster),
		rosterPayload{ChannelID: key.Channel, Users: users})
}

// EncodeUserJoined notifies existing members about a joiner.
func EncodeUserJoined(key domain.RoomKey, user User) (core.Frame, error) {
	return encode(byKind(key.Kind, EventVoiceUserJoined, EventVideoUserJoined), user)
}

func EncodeUserLeft(key domain.RoomKey, userID domain.UserID) (core.Frame, error) {
	return encode(byKind(key.Kind, EventVoiceUserLeft, EventVideoUserLeft),
		userLeftPayload{UserID: userID})
}

// EncodeStateUpdate is the fan-out of flipped presence flags, sender excluded.
func EncodeStateUpdate(key domain.RoomKey, userID domain.UserID, upd core.StateUpdate) (core.Frame, error) {
	return encode(byKind(key.Kind, EventVoiceState, EventVideoState),
		stateBroadcastPayload{UserID: userID, StateUpdate: upd})
}

// EncodeForward annotates a relayed negotiation blob with the sender's user
// id and leaves the blob itself untouched.
func EncodeForward(key domain.RoomKey, stage Stage, from domain.UserID, signal json.RawMessage) (core.Frame, error) {
	return encode(signalEvent(key.Kind, stage), forwardPayload{UserID: from, Signal: signal})
}

// EncodeClient marshals a client → server event. Used by the mesh signaling
// client; the server never sends these.
func EncodeClient(ev ClientEvent) (core.Frame, error) {
	switch e := ev.(type) {
	case TextSubscribe:
		name := EventJoinChannel
		if e.Leave {
			name = EventLeaveChannel
		}
		return encode(name, channelPayload{ChannelID: e.Channel})
	case JoinRoom:
		return encode(byKind(e.Key.Kind, EventJoinVoice, EventJoinVideo),
			joinPayload{ChannelID: e.Key.Channel, ServerID: e.ServerID, User: e.User})
	case LeaveRoom:
		return encode(byKind(e.Key.Kind, EventLeaveVoice, EventLeaveVideo),
			leavePayload{ChannelID: e.Key.Channel, UserID: e.UserID})
	case StateUpdate:
		return encode(byKind(e.Key.Kind, EventVoiceState, EventVideoState),
			statePayload{ChannelID: e.Key.Channel, UserID: e.UserID, StateUpdate: e.Update})
	case JoinMesh:
		return encode(byKind(e.Key.Kind, EventJoinVoiceMesh, EventJoinVideoMesh),
			meshJoinPayload{ChannelID: e.Key.Channel, UserID: e.UserID, HasVideo: e.HasVideo})
	case LeaveMesh:
		return encode(byKind(e.Key.Kind, EventLeaveVoiceMesh, EventLeaveVideoMesh),
			leavePayload{ChannelID: e.Key.Channel, UserID: e.UserID})
	case SignalMessage:
		return encode(signalEvent(e.Key.Kind, e.Stage),
			signalPayload{ChannelID: e.Key.Channel, Target: e.Target, Signal: e.Signal})
	}
	return nil, fmt.Errorf("encode client event %T: %w", ev, ErrUnknownEvent)
}

// ServerEvent is the closed union of events a client may receive.
type ServerEvent interface{ serverEvent() }

// Roster is the pre-join snapshot, delivered only to the joiner.
type Roster struct {
	Key   domain.RoomKey
	Users []User
}

type PeerJoined struct {
	Key  domain.RoomKey
	User User
}

type PeerLeft struct {
	Key    domain.RoomKey
	UserID domain.UserID
}

type PeerState struct {
	Key    domain.RoomKey
	UserID domain.UserID
	Update core.StateUpdate
}

// Forward is a relayed negotiation blob annotated with the sender.
type Forward struct {
	Key    domain.RoomKey
	Stage  Stage
	From   domain.UserID
	Signal json.RawMessage
}

func (Roster) serverEvent()     {}
func (PeerJoined) serverEvent() {}
func (PeerLeft) serverEvent()   {}
func (PeerState) serverEvent()  {}
func (Forward) serverEvent()    {}

// DecodeServer parses one server → client frame into the server event union.
func DecodeServer(frame core.Frame) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Event {
	case EventVoiceRoster, EventVideoRoster:
		var p rosterPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		return Roster{Key: roomKey(env.Event, p.ChannelID), Users: p.Users}, nil

	case EventVoiceUserJoined, EventVideoUserJoined:
		var u User
		if err := unmarshalData(env.Data, &u); err != nil {
			return nil, err
		}
		if u.ID == "" {
			return nil, fmt.Errorf("%s: id: %w", env.Event, ErrMissingField)
		}
		return PeerJoined{Key: domain.RoomKey{Kind: kindOf(env.Event)}, User: u}, nil

	case EventVoiceUserLeft, EventVideoUserLeft:
		var p userLeftPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		return PeerLeft{Key: domain.RoomKey{Kind: kindOf(env.Event)}, UserID: p.UserID}, nil

	case EventVoiceState, EventVideoState:
		var p stateBroadcastPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		return PeerState{Key: domain.RoomKey{Kind: kindOf(env.Event)}, UserID: p.UserID, Update: p.StateUpdate}, nil

	case EventVoiceOffer, EventVoiceAnswer, EventVoiceCandidate,
		EventVideoOffer, EventVideoAnswer, EventVideoCandidate:
		var p forwardPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: userId: %w", env.Event, ErrMissingField)
		}
		return Forward{
			Key:    domain.RoomKey{Kind: kindOf(env.Event)},
			Stage:  stageOf(env.Event),
			From:   p.UserID,
			Signal: p.Signal,
		}, nil
	}
	return nil, fmt.Errorf("%q: %w", env.Event, ErrUnknownEvent)
}

func byKind(kind domain.RoomKind, voice, video EventType) EventType {
	if kind == domain.KindVideo {
		return video
	}
	return voice
}

func signalEvent(kind domain.RoomKind, stage Stage) EventType {
	switch stage {
	case StageOffer:
		return byKind(kind, EventVoiceOffer, EventVideoOffer)
	case StageAnswer:
		return byKind(kind, EventVoiceAnswer, EventVideoAnswer)
	}
	return byKind(kind, EventVoiceCandidate, EventVideoCandidate)
}
