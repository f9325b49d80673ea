package mesh

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/protocol"
)

var (
	ErrClosed             = errors.New("coordinator closed")
	ErrNotVideo           = errors.New("camera toggle only valid in a video room")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
)

// Config describes one client session's mesh.
type Config struct {
	Room     domain.RoomKey
	Self     domain.UserID
	HasVideo bool

	// NegotiationTimeout closes a link still negotiating after the given
	// duration. Zero disables it, leaving a stalled negotiation to hang
	// until a transport failure fires — the historical behavior.
	NegotiationTimeout time.Duration

	// NewLink builds the media connection toward one remote participant.
	// The factory closes over the local media stream supplied by the
	// device layer.
	NewLink func(remote domain.UserID) (MediaLink, error)
}

// PeerLink is one negotiated media connection toward one remote participant.
type PeerLink struct {
	remote         domain.UserID
	role           Role
	state          LinkState
	link           MediaLink
	timer          *time.Timer
	remoteStreamID string

	// Trickled candidates can outrun the SDP they belong to; they are held
	// in pending until the remote description is installed.
	remoteReady bool
	pending     []webrtc.ICECandidateInit
}

// Coordinator maintains at most one PeerLink per remote participant and
// drives each through created → negotiating → connected → closed, reacting
// to presence notifications and relayed negotiation payloads.
type Coordinator struct {
	cfg Config
	sig Signaler

	mu     sync.Mutex
	links  map[domain.UserID]*PeerLink
	peers  map[domain.UserID]core.Presence
	muted  bool
	deaf   bool
	video  bool
	closed bool

	// OnRemoteTrack fires once per link when its first remote media
	// arrives. OnPeerClosed fires when a link is discarded so the UI can
	// release its attachment.
	OnRemoteTrack func(domain.UserID, RemoteTrack)
	OnPeerClosed  func(domain.UserID)
}

func NewCoordinator(cfg Config, sig Signaler) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		sig:   sig,
		links: make(map[domain.UserID]*PeerLink),
		peers: make(map[domain.UserID]core.Presence),
		video: cfg.HasVideo,
	}
}

// Join announces this session to the room's mesh. Members already present
// will initiate toward us; we only answer their offers.
func (m *Coordinator) Join() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()
	return m.sig.Send(protocol.JoinMesh{
		Key:      m.cfg.Room,
		UserID:   m.cfg.Self,
		HasVideo: m.cfg.HasVideo,
	})
}

// Leave closes every link deterministically and announces the departure.
// This is the session's one explicit cancellation point.
func (m *Coordinator) Leave() error {
	m.closeAll()
	return m.sig.Send(protocol.LeaveMesh{Key: m.cfg.Room, UserID: m.cfg.Self})
}

// Close tears the mesh down without signaling (transport already gone).
func (m *Coordinator) Close() { m.closeAll() }

func (m *Coordinator) closeAll() {
	m.mu.Lock()
	m.closed = true
	closed := make([]domain.UserID, 0, len(m.links))
	for uid, pl := range m.links {
		m.discardLocked(pl)
		closed = append(closed, uid)
	}
	m.mu.Unlock()
	m.notifyClosed(closed)
}

// HandleEvent feeds one server event into the mesh state machine.
func (m *Coordinator) HandleEvent(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.Roster:
		m.handleRoster(e)
	case protocol.PeerJoined:
		m.handlePeerJoined(e)
	case protocol.PeerLeft:
		m.handlePeerLeft(e.UserID)
	case protocol.PeerState:
		m.handlePeerState(e)
	case protocol.Forward:
		m.handleForward(e)
	}
}

func (m *Coordinator) handleRoster(e protocol.Roster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range e.Users {
		m.peers[u.ID] = u.Presence()
	}
}

// handlePeerJoined is the initiator path: we were here first, so we dial.
func (m *Coordinator) handlePeerJoined(e protocol.PeerJoined) {
	uid := e.User.ID
	if uid == m.cfg.Self {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[uid] = e.User.Presence()
	if m.closed {
		return
	}
	if _, exists := m.links[uid]; exists {
		// Reconnect burst without a user-left in between; the existing
		// link keeps flowing until a failure or leave says otherwise.
		log.Debug().Str("module", "mesh").Str("peer", string(uid)).Msg("join for already-linked peer")
		return
	}

	pl, err := m.openLinkLocked(uid, RoleInitiator)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(uid)).Msg("open link")
		return
	}
	offer, err := pl.link.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(uid)).Msg("create offer")
		m.discardLocked(pl)
		return
	}
	m.startNegotiationLocked(pl)
	m.sendSDP(uid, protocol.StageOffer, offer)
}

// handleForward routes a relayed blob: an offer opens the responder path,
// answers and candidates feed an existing link and are dropped otherwise.
func (m *Coordinator) handleForward(e protocol.Forward) {
	if e.From == m.cfg.Self {
		return
	}
	blob, err := parseBlob(e.Signal)
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(e.From)).Msg("dropping signal")
		return
	}

	switch e.Stage {
	case protocol.StageOffer:
		m.handleOffer(e.From, blob)
	case protocol.StageAnswer:
		m.handleAnswer(e.From, blob)
	case protocol.StageCandidate:
		m.handleCandidate(e.From, blob)
	}
}

func (m *Coordinator) handleOffer(from domain.UserID, blob signalBlob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, exists := m.links[from]; exists {
		// The join tie-break makes glare unreachable: whoever was here
		// first initiates, the other side never dials back.
		log.Warn().Str("module", "mesh").Str("peer", string(from)).Msg("offer for existing link ignored")
		return
	}
	offer, err := blob.description()
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("bad offer")
		return
	}

	pl, err := m.openLinkLocked(from, RoleResponder)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("open link")
		return
	}
	answer, err := pl.link.ApplyOffer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("apply offer")
		m.discardLocked(pl)
		return
	}
	pl.remoteReady = true
	m.startNegotiationLocked(pl)
	m.sendSDP(from, protocol.StageAnswer, answer)
}

func (m *Coordinator) handleAnswer(from domain.UserID, blob signalBlob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.links[from]
	if !ok || pl.role != RoleInitiator || pl.state != StateNegotiating {
		return
	}
	answer, err := blob.description()
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("bad answer")
		return
	}
	if err := pl.link.ApplyAnswer(answer); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("apply answer")
		m.discardLocked(pl)
		return
	}
	pl.remoteReady = true
	m.flushCandidatesLocked(pl)
}

func (m *Coordinator) handleCandidate(from domain.UserID, blob signalBlob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.links[from]
	if !ok || blob.Candidate == nil {
		return
	}
	if !pl.remoteReady {
		pl.pending = append(pl.pending, *blob.Candidate)
		return
	}
	if err := pl.link.AddICECandidate(*blob.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("add candidate")
	}
}

func (m *Coordinator) flushCandidatesLocked(pl *PeerLink) {
	for _, ci := range pl.pending {
		if err := pl.link.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(pl.remote)).Msg("add pending candidate")
		}
	}
	pl.pending = nil
}

func (m *Coordinator) handlePeerLeft(uid domain.UserID) {
	m.mu.Lock()
	delete(m.peers, uid)
	pl, ok := m.links[uid]
	if ok {
		m.discardLocked(pl)
	}
	m.mu.Unlock()
	if ok {
		m.notifyClosed([]domain.UserID{uid})
	}
}

func (m *Coordinator) handlePeerState(e protocol.PeerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.peers[e.UserID]
	p.UserID = e.UserID
	e.Update.Apply(&p)
	m.peers[e.UserID] = p
}

// openLinkLocked builds a link in StateCreated with callbacks wired.
func (m *Coordinator) openLinkLocked(uid domain.UserID, role Role) (*PeerLink, error) {
	link, err := m.cfg.NewLink(uid)
	if err != nil {
		return nil, fmt.Errorf("new link: %w", err)
	}
	pl := &PeerLink{remote: uid, role: role, state: StateCreated, link: link}

	link.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		m.sendCandidate(uid, ci)
	})
	link.OnTrack(func(track RemoteTrack) {
		m.onRemoteTrack(uid, track)
	})
	link.OnFailure(func(err error) {
		m.onLinkFailure(uid, err)
	})

	if err := link.Start(); err != nil {
		link.Close()
		return nil, fmt.Errorf("start link: %w", err)
	}
	m.links[uid] = pl
	log.Info().Str("module", "mesh").Str("peer", string(uid)).Str("role", string(role)).Msg("link opened")
	return pl, nil
}

func (m *Coordinator) startNegotiationLocked(pl *PeerLink) {
	pl.state = StateNegotiating
	if m.cfg.NegotiationTimeout <= 0 {
		return
	}
	uid := pl.remote
	pl.timer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.onNegotiationTimeout(uid)
	})
}

// onRemoteTrack is the negotiating → connected transition: first inbound
// media for that participant.
func (m *Coordinator) onRemoteTrack(uid domain.UserID, track RemoteTrack) {
	m.mu.Lock()
	pl, ok := m.links[uid]
	if !ok || pl.state == StateClosed {
		m.mu.Unlock()
		return
	}
	first := pl.state != StateConnected
	pl.state = StateConnected
	pl.remoteStreamID = track.StreamID()
	if pl.timer != nil {
		pl.timer.Stop()
	}
	m.mu.Unlock()

	if first {
		log.Info().Str("module", "mesh").Str("peer", string(uid)).Msg("link connected")
	}
	if m.OnRemoteTrack != nil {
		m.OnRemoteTrack(uid, track)
	}
}

func (m *Coordinator) onLinkFailure(uid domain.UserID, err error) {
	log.Warn().Err(err).Str("module", "mesh").Str("peer", string(uid)).Msg("link failed")
	m.mu.Lock()
	pl, ok := m.links[uid]
	if ok {
		m.discardLocked(pl)
	}
	m.mu.Unlock()
	if ok {
		m.notifyClosed([]domain.UserID{uid})
	}
}

func (m *Coordinator) onNegotiationTimeout(uid domain.UserID) {
	m.mu.Lock()
	pl, ok := m.links[uid]
	if !ok || pl.state != StateNegotiating {
		m.mu.Unlock()
		return
	}
	log.Warn().Err(ErrNegotiationTimeout).Str("module", "mesh").Str("peer", string(uid)).Dur("after", m.cfg.NegotiationTimeout).Msg("closing stalled link")
	m.discardLocked(pl)
	m.mu.Unlock()
	m.notifyClosed([]domain.UserID{uid})
}

// discardLocked releases the link's resources and removes it from the mesh
// map. No retry: a discarded pair only reconnects through a fresh join.
func (m *Coordinator) discardLocked(pl *PeerLink) {
	if pl.state == StateClosed {
		return
	}
	pl.state = StateClosed
	if pl.timer != nil {
		pl.timer.Stop()
	}
	pl.link.Close()
	pl.remoteStreamID = ""
	pl.pending = nil
	delete(m.links, pl.remote)
	log.Info().Str("module", "mesh").Str("peer", string(pl.remote)).Msg("link closed")
}

func (m *Coordinator) notifyClosed(uids []domain.UserID) {
	if m.OnPeerClosed == nil {
		return
	}
	for _, uid := range uids {
		m.OnPeerClosed(uid)
	}
}

func (m *Coordinator) sendSDP(target domain.UserID, stage protocol.Stage, desc webrtc.SessionDescription) {
	blob, err := sdpBlob(desc)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("encode sdp")
		return
	}
	if err := m.sig.Send(protocol.SignalMessage{Key: m.cfg.Room, Stage: stage, Target: target, Signal: blob}); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(target)).Msg("send sdp")
	}
}

func (m *Coordinator) sendCandidate(target domain.UserID, ci webrtc.ICECandidateInit) {
	blob, err := candidateBlob(ci)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("encode candidate")
		return
	}
	if err := m.sig.Send(protocol.SignalMessage{Key: m.cfg.Room, Stage: protocol.StageCandidate, Target: target, Signal: blob}); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(target)).Msg("send candidate")
	}
}

// Link reports the role and state of the link toward one peer.
func (m *Coordinator) Link(uid domain.UserID) (Role, LinkState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.links[uid]
	if !ok {
		return "", StateClosed, false
	}
	return pl.role, pl.state, true
}

// Peers returns the last-known presence of every known room participant,
// for layout decisions (placeholder avatar vs stream).
func (m *Coordinator) Peers() map[domain.UserID]core.Presence {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.UserID]core.Presence, len(m.peers))
	for uid, p := range m.peers {
		out[uid] = p
	}
	return out
}
