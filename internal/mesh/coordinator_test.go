package mesh_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/mesh"
	"github.com/dkeye/Presence/internal/protocol"
)

type fakeLink struct {
	mu        sync.Mutex
	started   bool
	closed    bool
	offers    int
	applied   []webrtc.SessionDescription
	answered  []webrtc.SessionDescription
	gathered  []webrtc.ICECandidateInit
	onICE     func(webrtc.ICECandidateInit)
	onTrack   func(mesh.RemoteTrack)
	onFailure func(error)
}

func (l *fakeLink) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	return nil
}

func (l *fakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local-offer"}, nil
}

func (l *fakeLink) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = append(l.applied, offer)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 local-answer"}, nil
}

func (l *fakeLink) ApplyAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answered = append(l.answered, answer)
	return nil
}

func (l *fakeLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gathered = append(l.gathered, ci)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }
func (l *fakeLink) OnTrack(fn func(mesh.RemoteTrack))              { l.onTrack = fn }
func (l *fakeLink) OnFailure(fn func(error))                       { l.onFailure = fn }

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []protocol.ClientEvent
}

func (s *fakeSignaler) Send(ev protocol.ClientEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSignaler) signals(stage protocol.Stage) []protocol.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.SignalMessage
	for _, ev := range s.sent {
		if sig, ok := ev.(protocol.SignalMessage); ok && sig.Stage == stage {
			out = append(out, sig)
		}
	}
	return out
}

type fakeTrack struct {
	id     string
	stream string
	kind   webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return t.stream }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type harness struct {
	coord *mesh.Coordinator
	sig   *fakeSignaler

	mu    sync.Mutex
	links map[domain.UserID]*fakeLink
}

func newHarness(t *testing.T, opts ...func(*mesh.Config)) *harness {
	t.Helper()
	h := &harness{sig: &fakeSignaler{}, links: make(map[domain.UserID]*fakeLink)}
	cfg := mesh.Config{
		Room: domain.VoiceRoom("general"),
		Self: "self",
		NewLink: func(remote domain.UserID) (mesh.MediaLink, error) {
			l := &fakeLink{}
			h.mu.Lock()
			h.links[remote] = l
			h.mu.Unlock()
			return l, nil
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.coord = mesh.NewCoordinator(cfg, h.sig)
	return h
}

func (h *harness) link(uid domain.UserID) *fakeLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[uid]
}

func offerEvent(from domain.UserID) protocol.Forward {
	return protocol.Forward{
		Key:    domain.VoiceRoom("general"),
		Stage:  protocol.StageOffer,
		From:   from,
		Signal: json.RawMessage(`{"type":"offer","sdp":"v=0 remote-offer"}`),
	}
}

func TestJoinAnnouncesMembership(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Join())

	require.Len(t, h.sig.sent, 1)
	join, ok := h.sig.sent[0].(protocol.JoinMesh)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("self"), join.UserID)
	assert.Equal(t, domain.VoiceRoom("general"), join.Key)
}

func TestExistingMemberInitiatesTowardJoiner(t *testing.T) {
	h := newHarness(t)

	h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "bob"}})

	role, state, ok := h.coord.Link("bob")
	require.True(t, ok)
	assert.Equal(t, mesh.RoleInitiator, role)
	assert.Equal(t, mesh.StateNegotiating, state)

	link := h.link("bob")
	require.NotNil(t, link)
	assert.True(t, link.started)
	assert.Equal(t, 1, link.offers)

	offers := h.sig.signals(protocol.StageOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.UserID("bob"), offers[0].Target)
	assert.Contains(t, string(offers[0].Signal), "local-offer")
}

func TestJoinerAnswersIncomingOffer(t *testing.T) {
	h := newHarness(t)

	h.coord.HandleEvent(offerEvent("alice"))

	role, state, ok := h.coord.Link("alice")
	require.True(t, ok)
	assert.Equal(t, mesh.RoleResponder, role)
	assert.Equal(t, mesh.StateNegotiating, state)

	link := h.link("alice")
	require.NotNil(t, link)
	require.Len(t, link.applied, 1)
	assert.Equal(t, "v=0 remote-offer", link.applied[0].SDP)

	answers := h.sig.signals(protocol.StageAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.UserID("alice"), answers[0].Target)
	assert.Empty(t, h.sig.signals(protocol.StageOffer), "a responder never dials back")
}

func TestSingleInitiatorPerPair(t *testing.T) {
	t.Run("offer then joined", func(t *testing.T) {
		h := newHarness(t)
		h.coord.HandleEvent(offerEvent("alice"))
		h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "alice"}})

		role, _, ok := h.coord.Link("alice")
		require.True(t, ok)
		assert.Equal(t, mesh.RoleResponder, role)
		assert.Empty(t, h.sig.signals(protocol.StageOffer))
		assert.Len(t, h.sig.signals(protocol.StageAnswer), 1)
	})

	t.Run("joined then offer", func(t *testing.T) {
		h := newHarness(t)
		h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "alice"}})
		h.coord.HandleEvent(offerEvent("alice"))

		role, _, ok := h.coord.Link("alice")
		require.True(t, ok)
		assert.Equal(t, mesh.RoleInitiator, role)
		assert.Len(t, h.sig.signals(protocol.StageOffer), 1)
		assert.Empty(t, h.sig.signals(protocol.StageAnswer), "glare offer is dropped")
		assert.Empty(t, h.link("alice").applied)
	})
}

func TestAnswerCompletesInitiatorNegotiation(t *testing.T) {
	h := newHarness(t)
	h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "bob"}})

	h.coord.HandleEvent(protocol.Forward{
		Stage:  protocol.StageAnswer,
		From:   "bob",
		Signal: json.RawMessage(`{"type":"answer","sdp":"v=0 remote-answer"}`),
	})

	link := h.link("bob")
	require.Len(t, link.answered, 1)
	assert.Equal(t, "v=0 remote-answer", link.answered[0].SDP)
}

func TestStrayAnswerIsDropped(t *testing.T) {
	h := newHarness(t)
	// Responder link: an answer targets initiators only.
	h.coord.HandleEvent(offerEvent("alice"))

	h.coord.HandleEvent(protocol.Forward{
		Stage:  protocol.StageAnswer,
		From:   "alice",
		Signal: json.RawMessage(`{"type":"answer","sdp":"x"}`),
	})
	assert.Empty(t, h.link("alice").answered)

	// No link at all: silently ignored.
	h.coord.HandleEvent(protocol.Forward{
		Stage:  protocol.StageAnswer,
		From:   "nobody",
		Signal: json.RawMessage(`{"type":"answer","sdp":"x"}`),
	})
}

func TestCandidatesFeedExistingLink(t *testing.T) {
	h := newHarness(t)
	h.coord.HandleEvent(offerEvent("alice"))

	h.coord.HandleEvent(protocol.Forward{
		Stage:  protocol.StageCandidate,
		From:   "alice",
		Signal: json.RawMessage(`{"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}`),
	})

	link := h.link("alice")
	require.Len(t, link.gathered, 1)
	assert.Contains(t, link.gathered[0].Candidate, "typ host")
}

func TestEarlyCandidatesWaitForAnswer(t *testing.T) {
	h := newHarness(t)
	h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "bob"}})

	// Bob's candidates outrun his answer.
	h.coord.HandleEvent(protocol.Forward{
		Stage:  protocol.StageCandidate,
		From:   "bob",
		Signal: json.RawMessage(`{"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}`),
	})
	h.coord.HandleEvent(protocol.Forward{
		Stage:  protocol.StageCandidate,
		From:   "bob",
		Signal: json.RawMessage(`{"candidate":{"candidate":"candidate:2 1 udp 1 10.0.0.1 5001 typ host"}}`),
	})

	link := h.link("bob")
	assert.Empty(t, link.gathered, "candidates held until the remote description lands")

	h.coord.HandleEvent(protocol.Forward{
		Stage:  protocol.StageAnswer,
		From:   "bob",
		Signal: json.RawMessage(`{"type":"answer","sdp":"v=0 remote-answer"}`),
	})

	require.Len(t, link.gathered, 2)
	assert.Contains(t, link.gathered[0].Candidate, "candidate:1")
	assert.Contains(t, link.gathered[1].Candidate, "candidate:2")

	// Later candidates apply directly.
	h.coord.HandleEvent(protocol.Forward{
		Stage:  protocol.StageCandidate,
		From:   "bob",
		Signal: json.RawMessage(`{"candidate":{"candidate":"candidate:3 1 udp 1 10.0.0.1 5002 typ host"}}`),
	})
	assert.Len(t, link.gathered, 3)
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	h := newHarness(t)
	h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "bob"}})

	link := h.link("bob")
	require.NotNil(t, link.onICE)
	link.onICE(webrtc.ICECandidateInit{Candidate: "candidate:9 1 udp 1 10.0.0.2 5001 typ host"})

	cands := h.sig.signals(protocol.StageCandidate)
	require.Len(t, cands, 1)
	assert.Equal(t, domain.UserID("bob"), cands[0].Target)
	assert.Contains(t, string(cands[0].Signal), "10.0.0.2")
}

func TestRemoteTrackConnectsLink(t *testing.T) {
	h := newHarness(t)
	var gotPeer domain.UserID
	var gotTrack mesh.RemoteTrack
	h.coord.OnRemoteTrack = func(uid domain.UserID, track mesh.RemoteTrack) {
		gotPeer = uid
		gotTrack = track
	}

	h.coord.HandleEvent(offerEvent("alice"))
	link := h.link("alice")
	require.NotNil(t, link.onTrack)
	link.onTrack(fakeTrack{id: "t1", stream: "s1", kind: webrtc.RTPCodecTypeAudio})

	_, state, ok := h.coord.Link("alice")
	require.True(t, ok)
	assert.Equal(t, mesh.StateConnected, state)
	assert.Equal(t, domain.UserID("alice"), gotPeer)
	require.NotNil(t, gotTrack)
	assert.Equal(t, "s1", gotTrack.StreamID())
}

func TestPeerLeftClosesLink(t *testing.T) {
	h := newHarness(t)
	var closed []domain.UserID
	h.coord.OnPeerClosed = func(uid domain.UserID) { closed = append(closed, uid) }

	h.coord.HandleEvent(offerEvent("alice"))
	h.coord.HandleEvent(protocol.PeerLeft{UserID: "alice"})

	assert.True(t, h.link("alice").isClosed())
	_, _, ok := h.coord.Link("alice")
	assert.False(t, ok)
	assert.Equal(t, []domain.UserID{"alice"}, closed)
	assert.NotContains(t, h.coord.Peers(), domain.UserID("alice"))

	// Closed is terminal: no reconnect without a fresh join event.
	h.coord.HandleEvent(protocol.PeerLeft{UserID: "alice"})
	assert.Len(t, closed, 1)
}

func TestLinkFailureDiscardsPair(t *testing.T) {
	h := newHarness(t)
	var closed []domain.UserID
	h.coord.OnPeerClosed = func(uid domain.UserID) { closed = append(closed, uid) }

	h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "bob"}})
	link := h.link("bob")
	require.NotNil(t, link.onFailure)
	link.onFailure(assert.AnError)

	assert.True(t, link.isClosed())
	_, _, ok := h.coord.Link("bob")
	assert.False(t, ok)
	assert.Equal(t, []domain.UserID{"bob"}, closed)
}

func TestLeaveClosesEverything(t *testing.T) {
	h := newHarness(t)
	h.coord.HandleEvent(offerEvent("alice"))
	h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "bob"}})

	require.NoError(t, h.coord.Leave())

	assert.True(t, h.link("alice").isClosed())
	assert.True(t, h.link("bob").isClosed())

	leaves := 0
	for _, ev := range h.sig.sent {
		if _, ok := ev.(protocol.LeaveMesh); ok {
			leaves++
		}
	}
	assert.Equal(t, 1, leaves)

	// A closed coordinator ignores everything and refuses to rejoin.
	h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "carol"}})
	_, _, ok := h.coord.Link("carol")
	assert.False(t, ok)
	assert.ErrorIs(t, h.coord.Join(), mesh.ErrClosed)
}

func TestNegotiationTimeoutClosesStalledLink(t *testing.T) {
	h := newHarness(t, func(cfg *mesh.Config) { cfg.NegotiationTimeout = 20 * time.Millisecond })
	h.coord.HandleEvent(protocol.PeerJoined{User: protocol.User{ID: "bob"}})

	require.Eventually(t, func() bool {
		_, _, ok := h.coord.Link("bob")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.link("bob").isClosed())
}

func TestNegotiationTimeoutSparesConnectedLink(t *testing.T) {
	h := newHarness(t, func(cfg *mesh.Config) { cfg.NegotiationTimeout = 20 * time.Millisecond })
	h.coord.HandleEvent(offerEvent("alice"))
	h.link("alice").onTrack(fakeTrack{id: "t1", stream: "s1", kind: webrtc.RTPCodecTypeAudio})

	time.Sleep(60 * time.Millisecond)
	_, state, ok := h.coord.Link("alice")
	require.True(t, ok)
	assert.Equal(t, mesh.StateConnected, state)
}

func TestRosterAndStateTrackPeers(t *testing.T) {
	h := newHarness(t)
	h.coord.HandleEvent(protocol.Roster{Users: []protocol.User{
		{ID: "alice", Username: "alice"},
		{ID: "bob", Username: "bob", IsMuted: true},
	}})

	peers := h.coord.Peers()
	require.Len(t, peers, 2)
	assert.True(t, peers["bob"].IsMuted)

	on, off := true, false
	h.coord.HandleEvent(protocol.PeerState{UserID: "alice", Update: core.StateUpdate{IsMuted: &on}})
	h.coord.HandleEvent(protocol.PeerState{UserID: "bob", Update: core.StateUpdate{IsMuted: &off}})

	peers = h.coord.Peers()
	assert.True(t, peers["alice"].IsMuted)
	assert.False(t, peers["bob"].IsMuted)
	assert.Equal(t, "bob", peers["bob"].Username, "updates fold into known presence")
}
