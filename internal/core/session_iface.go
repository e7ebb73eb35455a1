package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

// SessionStore holds the per-session lifecycle record. It never touches media.
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.CallSession) error
	GetSession(ctx context.Context, id domain.SessionID) (*domain.CallSession, error)
	// AddParticipant joins p (under the given join epoch) to a live session
	// and returns the updated record. A ringing session becomes active.
	AddParticipant(ctx context.Context, id domain.SessionID, p domain.ParticipantID, epoch string) (*domain.CallSession, error)
	// RemoveParticipant returns the record as it is after removal.
	RemoveParticipant(ctx context.Context, id domain.SessionID, p domain.ParticipantID) (*domain.CallSession, error)
	SetStatus(ctx context.Context, id domain.SessionID, status domain.SessionStatus) error
	RejectSession(ctx context.Context, id domain.SessionID, p domain.ParticipantID) error
	// DeleteSession removes an empty record and every envelope published for
	// it. A record that still has participants is left alone with
	// ErrSessionStateConflict.
	DeleteSession(ctx context.Context, id domain.SessionID) error
	FindJoinable(ctx context.Context, room domain.RoomID) (*domain.CallSession, error)
	ListSessions(ctx context.Context, room domain.RoomID) ([]*domain.CallSession, error)
	// WatchSession calls fn with the current record and on every change; fn(nil) means deleted.
	WatchSession(ctx context.Context, id domain.SessionID, fn func(*domain.CallSession)) (Subscription, error)
	// WatchRoom calls fn with every record of room, then with each change;
	// fn(id, nil) means the session was deleted.
	WatchRoom(ctx context.Context, room domain.RoomID, fn func(domain.SessionID, *domain.CallSession)) (Subscription, error)
}

// Backend is what a participant needs from the signaling-storage collaborator.
type Backend interface {
	SessionStore
	SignalingChannel
}
