package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaDevice hands out the local capture stream. Acquire may block on a
// permission prompt; it honours ctx.
type MediaDevice interface {
	Acquire(ctx context.Context) (LocalStream, error)
}

// LocalStream is shared read-only by every link of a session.
type LocalStream interface {
	Tracks() []LocalTrack
	// ActiveTracks counts tracks not yet stopped.
	ActiveTracks() int
	Stop()
}

type LocalTrack interface {
	ID() string
	// TrackLocal is nil for tracks that do not feed a pion connection.
	TrackLocal() webrtc.TrackLocal
}

// RemoteStream is an inbound audio track handed to the UI collaborator.
type RemoteStream interface {
	ID() string
	Track() *webrtc.TrackRemote
	// Discard drains the stream when nobody renders it.
	Discard()
	Close()
}

type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// LinkConnection is the connection handle owned by one peer link.
type LinkConnection interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer sets the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	ApplyAnswer(sdp string) error
	// AddICECandidate applies a remote candidate (JSON of an ICE candidate init).
	AddICECandidate(candidate string) error
	HasRemoteDescription() bool
	SetAudioEnabled(enabled bool) error
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(fn func(candidate string))
	OnTransportState(fn func(TransportState))
	OnRemoteStream(fn func(RemoteStream))
	Close() error
}

// Dialer builds a fresh connection handle toward remote, carrying local's tracks.
type Dialer interface {
	Dial(ctx context.Context, remote domain.ParticipantID, local LocalStream) (LinkConnection, error)
}
