package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/protocol"
)

func TestDecodeClientJoinVoice(t *testing.T) {
	frame := core.Frame(`{
		"event": "join-voice-channel",
		"data": {
			"channelId": "general",
			"serverId": "s1",
			"user": {"id": "u1", "username": "alice", "isMuted": true}
		}
	}`)

	ev, err := protocol.DecodeClient(frame)
	require.NoError(t, err)

	join, ok := ev.(protocol.JoinRoom)
	require.True(t, ok)
	assert.Equal(t, domain.VoiceRoom("general"), join.Key)
	assert.Equal(t, "s1", join.ServerID)
	assert.Equal(t, domain.UserID("u1"), join.User.ID)
	assert.True(t, join.User.IsMuted)
}

func TestDecodeClientSignal(t *testing.T) {
	frame := core.Frame(`{
		"event": "video-ice-candidate",
		"data": {
			"channelId": "general",
			"targetUserId": "u2",
			"signal": {"candidate": {"candidate": "candidate:1 1 udp 1 127.0.0.1 5000 typ host"}}
		}
	}`)

	ev, err := protocol.DecodeClient(frame)
	require.NoError(t, err)

	sig, ok := ev.(protocol.SignalMessage)
	require.True(t, ok)
	assert.Equal(t, domain.VideoRoom("general"), sig.Key)
	assert.Equal(t, protocol.StageCandidate, sig.Stage)
	assert.Equal(t, domain.UserID("u2"), sig.Target)
	assert.Contains(t, string(sig.Signal), "typ host")
}

func TestDecodeClientRejectsBadFrames(t *testing.T) {
	cases := map[string]core.Frame{
		"unknown event":     core.Frame(`{"event":"speak-friend","data":{}}`),
		"missing data":      core.Frame(`{"event":"join-voice-channel"}`),
		"missing channelId": core.Frame(`{"event":"voice-state-update","data":{"userId":"u1"}}`),
		"missing user id":   core.Frame(`{"event":"join-voice-channel","data":{"channelId":"c","user":{}}}`),
		"missing target":    core.Frame(`{"event":"voice-offer","data":{"channelId":"c","signal":{}}}`),
		"not json":          core.Frame(`hello`),
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := protocol.DecodeClient(frame)
			assert.Error(t, err)
		})
	}
}

func TestDecodeClientStateUpdateKeepsAbsentFlags(t *testing.T) {
	frame := core.Frame(`{
		"event": "voice-state-update",
		"data": {"channelId": "general", "userId": "u1", "isMuted": true}
	}`)

	ev, err := protocol.DecodeClient(frame)
	require.NoError(t, err)

	upd, ok := ev.(protocol.StateUpdate)
	require.True(t, ok)
	require.NotNil(t, upd.Update.IsMuted)
	assert.True(t, *upd.Update.IsMuted)
	assert.Nil(t, upd.Update.IsDeafened, "absent flag stays unset, not false")
	assert.Nil(t, upd.Update.HasVideo)
}

func TestClientEventRoundTrip(t *testing.T) {
	events := []protocol.ClientEvent{
		protocol.TextSubscribe{Channel: "general"},
		protocol.TextSubscribe{Channel: "general", Leave: true},
		protocol.JoinRoom{Key: domain.VideoRoom("v"), User: protocol.User{ID: "u1", HasVideo: true}},
		protocol.LeaveRoom{Key: domain.VoiceRoom("v"), UserID: "u1"},
		protocol.JoinMesh{Key: domain.VoiceRoom("v"), UserID: "u1", HasVideo: true},
		protocol.LeaveMesh{Key: domain.VideoRoom("v"), UserID: "u1"},
		protocol.SignalMessage{
			Key:    domain.VoiceRoom("v"),
			Stage:  protocol.StageAnswer,
			Target: "u2",
			Signal: json.RawMessage(`{"type":"answer","sdp":"x"}`),
		},
	}
	for _, ev := range events {
		frame, err := protocol.EncodeClient(ev)
		require.NoError(t, err)
		got, err := protocol.DecodeClient(frame)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestServerFrameDecoding(t *testing.T) {
	v := domain.VoiceRoom("general")

	frame, err := protocol.EncodeRoster(v, []protocol.User{{ID: "u1", IsMuted: true}})
	require.NoError(t, err)
	ev, err := protocol.DecodeServer(frame)
	require.NoError(t, err)
	roster, ok := ev.(protocol.Roster)
	require.True(t, ok)
	assert.Equal(t, v, roster.Key)
	require.Len(t, roster.Users, 1)
	assert.True(t, roster.Users[0].IsMuted)

	frame, err = protocol.EncodeUserJoined(domain.VideoRoom("general"), protocol.User{ID: "u2", HasVideo: true})
	require.NoError(t, err)
	ev, err = protocol.DecodeServer(frame)
	require.NoError(t, err)
	joined, ok := ev.(protocol.PeerJoined)
	require.True(t, ok)
	assert.Equal(t, domain.KindVideo, joined.Key.Kind)
	assert.True(t, joined.User.HasVideo)

	frame, err = protocol.EncodeUserLeft(v, "u2")
	require.NoError(t, err)
	ev, err = protocol.DecodeServer(frame)
	require.NoError(t, err)
	left, ok := ev.(protocol.PeerLeft)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u2"), left.UserID)

	on := true
	frame, err = protocol.EncodeStateUpdate(v, "u1", core.StateUpdate{IsMuted: &on})
	require.NoError(t, err)
	ev, err = protocol.DecodeServer(frame)
	require.NoError(t, err)
	state, ok := ev.(protocol.PeerState)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u1"), state.UserID)
	require.NotNil(t, state.Update.IsMuted)
	assert.True(t, *state.Update.IsMuted)
	assert.Nil(t, state.Update.HasVideo)

	signal := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	frame, err = protocol.EncodeForward(v, protocol.StageOffer, "u1", signal)
	require.NoError(t, err)
	ev, err = protocol.DecodeServer(frame)
	require.NoError(t, err)
	fw, ok := ev.(protocol.Forward)
	require.True(t, ok)
	assert.Equal(t, protocol.StageOffer, fw.Stage)
	assert.Equal(t, domain.UserID("u1"), fw.From)
	assert.JSONEq(t, string(signal), string(fw.Signal))
}

func TestServerFramesKeepVideoKind(t *testing.T) {
	video := domain.VideoRoom("general")

	frame, err := protocol.EncodeRoster(video, nil)
	require.NoError(t, err)
	ev, err := protocol.DecodeServer(frame)
	require.NoError(t, err)
	roster, ok := ev.(protocol.Roster)
	require.True(t, ok)
	assert.Equal(t, domain.KindVideo, roster.Key.Kind)

	frame, err = protocol.EncodeUserLeft(video, "u1")
	require.NoError(t, err)
	ev, err = protocol.DecodeServer(frame)
	require.NoError(t, err)
	left, ok := ev.(protocol.PeerLeft)
	require.True(t, ok)
	assert.Equal(t, domain.KindVideo, left.Key.Kind)

	frame, err = protocol.EncodeUserJoined(video, protocol.User{ID: "u1"})
	require.NoError(t, err)
	ev, err = protocol.DecodeServer(frame)
	require.NoError(t, err)
	joined, ok := ev.(protocol.PeerJoined)
	require.True(t, ok)
	assert.Equal(t, domain.KindVideo, joined.Key.Kind)
}

func TestDecodeServerRejectsUnknownEvent(t *testing.T) {
	_, err := protocol.DecodeServer(core.Frame(`{"event":"join-voice-channel","data":{}}`))
	assert.ErrorIs(t, err, protocol.ErrUnknownEvent, "client events are not server events")
}
