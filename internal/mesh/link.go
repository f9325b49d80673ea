// Package mesh is the client-side peer mesh coordinator: one negotiated
// media link per remote participant in the joined room. Every participant
// runs its own coordinator; there is no cross-session shared state.
package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Presence/internal/protocol"
)

// Role fixes who drives the negotiation for a pair. The pre-existing member
// initiates toward the joiner; the joiner only answers. Applied uniformly
// this gives exactly one negotiation direction per unordered pair.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// LinkState is the per-link lifecycle: created → negotiating → connected →
// closed. There is no retry; closed is terminal.
type LinkState int

const (
	StateCreated LinkState = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack is the slice of *webrtc.TrackRemote the mesh cares about.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// MediaLink abstracts one peer media connection. Implementations must
// deliver callbacks asynchronously (never during a method call on the link).
// Owned by the coordinator; the coordinator closes it.
type MediaLink interface {
	// Start wires internal callbacks; must be called before negotiation.
	Start() error
	// CreateOffer produces and installs the local offer (initiator path).
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer installs a remote offer and returns the local answer
	// (responder path).
	ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer installs the remote answer (initiator path).
	ApplyAnswer(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets the callback for locally gathered candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets the callback for the first remote media arriving.
	OnTrack(func(RemoteTrack))
	// OnFailure sets the callback for a terminal transport failure.
	OnFailure(func(error))
	Close()
}

// Signaler carries outbound events to the signaling server. The coordinator
// never talks to the transport directly.
type Signaler interface {
	Send(protocol.ClientEvent) error
}

// signalBlob is the opaque negotiation payload exchanged through the relay:
// either an SDP (type offer/answer) or a single ICE candidate.
type signalBlob struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func sdpBlob(desc webrtc.SessionDescription) (json.RawMessage, error) {
	return json.Marshal(signalBlob{Type: desc.Type.String(), SDP: desc.SDP})
}

func candidateBlob(ci webrtc.ICECandidateInit) (json.RawMessage, error) {
	return json.Marshal(signalBlob{Candidate: &ci})
}

func parseBlob(raw json.RawMessage) (signalBlob, error) {
	var b signalBlob
	if err := json.Unmarshal(raw, &b); err != nil {
		return signalBlob{}, fmt.Errorf("parse signal: %w", err)
	}
	return b, nil
}

func (b signalBlob) description() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch b.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unexpected sdp type %q", b.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: b.SDP}, nil
}
