package domain

import "time"

type EnvelopeKind string

const (
	KindOffer        EnvelopeKind = "offer"
	KindAnswer       EnvelopeKind = "answer"
	KindICECandidate EnvelopeKind = "ice-candidate"
)

func (k EnvelopeKind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

// Envelope is one append-only signaling message addressed to a single recipient.
// Negotiation carries the id of the offer the message belongs to; offers mint it.
// FromEpoch/ToEpoch pin the message to one join of each side.
type Envelope struct {
	ID          string        `json:"id"`
	SessionID   SessionID     `json:"session_id"`
	Kind        EnvelopeKind  `json:"kind"`
	From        ParticipantID `json:"from"`
	FromEpoch   string        `json:"from_epoch,omitempty"`
	To          ParticipantID `json:"to"`
	ToEpoch     string        `json:"to_epoch,omitempty"`
	Negotiation string        `json:"negotiation"`
	Payload     string        `json:"payload"`
	CreatedAt   time.Time     `json:"created_at"`
}

// AddressedTo is the standard subscription predicate: `to == self`, narrowed
// to one join when epoch is set.
func AddressedTo(self ParticipantID, epoch string) func(Envelope) bool {
	return func(e Envelope) bool {
		if e.To != self {
			return false
		}
		return epoch == "" || e.ToEpoch == "" || e.ToEpoch == epoch
	}
}
