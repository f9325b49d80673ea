package domain

// RoomKind selects which presence slot of a session a room occupies.
// A connection sits in at most one voice room and one video room at a time;
// text rooms only group subscribers for message fan-out.
type RoomKind string

const (
	KindVoice RoomKind = "voice"
	KindVideo RoomKind = "video"
	KindText  RoomKind = "text"
)

type ChannelID string

// RoomKey identifies a room. Rooms are created implicitly on first join and
// discarded when the member set empties; there is no persistent record.
type RoomKey struct {
	Kind    RoomKind  `json:"kind"`
	Channel ChannelID `json:"channelId"`
}

func VoiceRoom(ch ChannelID) RoomKey { return RoomKey{Kind: KindVoice, Channel: ch} }
func VideoRoom(ch ChannelID) RoomKey { return RoomKey{Kind: KindVideo, Channel: ch} }
func TextRoom(ch ChannelID) RoomKey  { return RoomKey{Kind: KindText, Channel: ch} }

func (k RoomKey) String() string { return string(k.Kind) + ":" + string(k.Channel) }

func (k RoomKey) IsZero() bool { return k.Channel == "" }
