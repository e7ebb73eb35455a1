package app

import (
	"errors"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

var (
	ErrIllegalTransition = errors.New("illegal link transition")
	ErrLinkExists        = errors.New("link already exists")
)

// Link is the negotiation state of this participant toward one remote.
// Fields are owned by the session event loop; state is also read under
// the registry lock.
type Link struct {
	remote      domain.ParticipantID
	remoteEpoch string
	// negotiation is the id minted by whichever side's offer is in force.
	negotiation string
	initiator   domain.ParticipantID
	state       domain.LinkState
	started     time.Time
	conn        core.LinkConnection
	stream      core.RemoteStream
	// pending holds remote candidates received before the remote description.
	pending  []string
	failure  error
	reported bool
}

// LinkSnapshot is a read-only copy of a link for callers outside the loop.
type LinkSnapshot struct {
	Remote      domain.ParticipantID
	State       domain.LinkState
	Negotiation string
	Initiator   domain.ParticipantID
	Since       time.Time
}

func (l *Link) snapshot() LinkSnapshot {
	return LinkSnapshot{
		Remote:      l.remote,
		State:       l.state,
		Negotiation: l.negotiation,
		Initiator:   l.initiator,
		Since:       l.started,
	}
}
