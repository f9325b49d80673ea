package app_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Presence/internal/app"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/protocol"
)

func forwardsOf(t *testing.T, conn *fakeConn) []protocol.Forward {
	t.Helper()
	var out []protocol.Forward
	for _, ev := range conn.events(t) {
		if fw, ok := ev.(protocol.Forward); ok {
			out = append(out, fw)
		}
	}
	return out
}

func TestForwardReachesTargetOnly(t *testing.T) {
	f := newFixture()
	relay := app.NewRelay(f.reg, f.dir)
	v1 := domain.VoiceRoom("v1")

	f.connect("ca")
	f.presence.JoinMesh(v1, "ca", "a", false)
	connB := f.connect("cb")
	f.presence.JoinMesh(v1, "cb", "b", false)
	connC := f.connect("cc")
	f.presence.JoinMesh(v1, "cc", "c", false)

	signal := json.RawMessage(`{"type":"offer","sdp":"v=0 fake"}`)
	relay.Forward(v1, "b", "ca", protocol.StageOffer, signal)

	fws := forwardsOf(t, connB)
	require.Len(t, fws, 1)
	assert.Equal(t, domain.UserID("a"), fws[0].From, "payload annotated with the sender")
	assert.Equal(t, protocol.StageOffer, fws[0].Stage)
	assert.JSONEq(t, string(signal), string(fws[0].Signal), "signal passes through unmodified")

	assert.Empty(t, forwardsOf(t, connC), "third member never sees the exchange")
}

func TestForwardMissingTargetIsSilent(t *testing.T) {
	f := newFixture()
	relay := app.NewRelay(f.reg, f.dir)
	v1 := domain.VoiceRoom("v1")

	connA := f.connect("ca")
	f.presence.JoinMesh(v1, "ca", "a", false)

	relay.Forward(v1, "ghost", "ca", protocol.StageCandidate, json.RawMessage(`{"candidate":{}}`))
	assert.Empty(t, forwardsOf(t, connA))
}

func TestForwardToEveryTargetConnection(t *testing.T) {
	f := newFixture()
	relay := app.NewRelay(f.reg, f.dir)
	v1 := domain.VoiceRoom("v1")

	f.connect("ca")
	f.presence.JoinMesh(v1, "ca", "a", false)
	// User b briefly holds two connections in the room.
	connB1 := f.connect("cb1")
	f.presence.JoinMesh(v1, "cb1", "b", false)
	connB2 := f.connect("cb2")
	f.presence.JoinMesh(v1, "cb2", "b", false)

	relay.Forward(v1, "b", "ca", protocol.StageAnswer, json.RawMessage(`{"type":"answer","sdp":"x"}`))
	assert.Len(t, forwardsOf(t, connB1), 1)
	assert.Len(t, forwardsOf(t, connB2), 1)
}

func TestForwardNeverEchoesToSenderConnection(t *testing.T) {
	f := newFixture()
	relay := app.NewRelay(f.reg, f.dir)
	v1 := domain.VoiceRoom("v1")

	// Self-targeted signal: the sender's own connection is excluded, so with
	// a single connection nothing is delivered anywhere.
	connA := f.connect("ca")
	f.presence.JoinMesh(v1, "ca", "a", false)

	relay.Forward(v1, "a", "ca", protocol.StageOffer, json.RawMessage(`{"type":"offer","sdp":"x"}`))
	assert.Empty(t, forwardsOf(t, connA))
}

func TestForwardScopedToRoom(t *testing.T) {
	f := newFixture()
	relay := app.NewRelay(f.reg, f.dir)
	voice := domain.VoiceRoom("v1")
	video := domain.VideoRoom("v1")

	f.connect("ca")
	f.presence.JoinMesh(voice, "ca", "a", false)
	connB := f.connect("cb")
	f.presence.JoinMesh(video, "cb", "b", true)

	// b is in the video room, not the voice room the sender names.
	relay.Forward(voice, "b", "ca", protocol.StageOffer, json.RawMessage(`{"type":"offer","sdp":"x"}`))
	assert.Empty(t, forwardsOf(t, connB))
}
