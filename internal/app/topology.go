package app

import (
	"slices"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Offerer resolves glare: of two participants that offered each other at
// once, the lexicographically smaller id keeps its offer.
func Offerer(a, b domain.ParticipantID) domain.ParticipantID {
	if a < b {
		return a
	}
	return b
}

// yields reports whether local must drop its own pending offer to remote.
func yields(local, remote domain.ParticipantID) bool {
	return Offerer(local, remote) != local
}

type member struct {
	id    domain.ParticipantID
	epoch string
}

// Topology tracks which remote participants (and which join of each) this
// participant already knows, and decides whom to offer to.
//
// A joiner offers to everyone already present; an established participant
// offers to everyone it sees join afterwards. Both may fire for the same
// pair; the Offerer tie-break makes that converge to one link.
type Topology struct {
	self  domain.ParticipantID
	known map[domain.ParticipantID]string
}

func NewTopology(self domain.ParticipantID) *Topology {
	return &Topology{self: self, known: make(map[domain.ParticipantID]string)}
}

// Diff folds a roster snapshot in and returns who joined (or rejoined under a
// new epoch) and who left (with the epoch that left), both sorted by id.
func (t *Topology) Diff(rec *domain.CallSession) (joined, left []member) {
	seen := make(map[domain.ParticipantID]struct{}, len(rec.Participants))
	for _, p := range rec.Participants {
		if p == t.self {
			continue
		}
		seen[p] = struct{}{}
		epoch := rec.EpochOf(p)
		old, ok := t.known[p]
		switch {
		case !ok:
			joined = append(joined, member{id: p, epoch: epoch})
		case old != epoch:
			left = append(left, member{id: p, epoch: old})
			joined = append(joined, member{id: p, epoch: epoch})
		default:
			continue
		}
		t.known[p] = epoch
	}
	for p, epoch := range t.known {
		if _, ok := seen[p]; !ok {
			left = append(left, member{id: p, epoch: epoch})
			delete(t.known, p)
		}
	}
	byID := func(a, b member) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	}
	slices.SortFunc(joined, byID)
	slices.SortFunc(left, byID)
	return joined, left
}

func (t *Topology) EpochOf(p domain.ParticipantID) (string, bool) {
	e, ok := t.known[p]
	return e, ok
}

func (t *Topology) Known() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(t.known))
	for p := range t.known {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
