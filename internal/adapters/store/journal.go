package store

import "github.com/dkeye/voicemesh/internal/domain"

// Journal persists what the Store holds so a restarted hub can replay it.
type Journal interface {
	SaveSession(s *domain.CallSession) error
	// DeleteSession removes the record and its envelopes.
	DeleteSession(id domain.SessionID) error
	AppendEnvelope(env domain.Envelope) error
	// Load returns every live record and every envelope in append order.
	Load() ([]*domain.CallSession, []domain.Envelope, error)
}
