package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyInSession = fmt.Errorf("%w: already in a session", domain.ErrSessionStateConflict)

type Config struct {
	// NegotiationTimeout fails links that have not connected in time.
	NegotiationTimeout time.Duration
	HealthInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		NegotiationTimeout: 30 * time.Second,
		HealthInterval:     time.Second,
	}
}

type startOptions struct {
	ringing bool
}

type StartOption func(*startOptions)

// WithRinging starts the session as ringing; the first join makes it active.
func WithRinging() StartOption {
	return func(o *startOptions) { o.ringing = true }
}

// Manager is the call-session use case of one local participant. It holds at
// most one Session at a time.
type Manager struct {
	self    domain.Participant
	backend core.Backend
	device  core.MediaDevice
	dialer  core.Dialer
	cfg     Config
	events  *eventBus

	mu       sync.Mutex
	current  *Session
	onStream func(domain.ParticipantID, core.RemoteStream)
}

func NewManager(self domain.Participant, backend core.Backend, device core.MediaDevice, dialer core.Dialer, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = def.NegotiationTimeout
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	return &Manager{
		self:    self,
		backend: backend,
		device:  device,
		dialer:  dialer,
		cfg:     cfg,
		events:  newEventBus(),
	}
}

// Subscribe returns a channel of session events and a func that stops it.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

// OnRemoteStream sets who renders inbound audio. Without it streams are drained.
func (m *Manager) OnRemoteStream(fn func(domain.ParticipantID, core.RemoteStream)) {
	m.mu.Lock()
	m.onStream = fn
	m.mu.Unlock()
}

func (m *Manager) Self() domain.Participant { return m.self }

// StartSession creates a new call in room with self as its only participant.
func (m *Manager) StartSession(ctx context.Context, room domain.RoomID, opts ...StartOption) (*Session, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	if m.Current() != nil {
		return nil, ErrAlreadyInSession
	}

	local, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}

	epoch := uuid.NewString()
	rec := &domain.CallSession{
		ID:            domain.SessionID(uuid.NewString()),
		RoomID:        room,
		Initiator:     m.self.ID,
		InitiatorName: m.self.DisplayName,
		Status:        domain.StatusActive,
		CreatedAt:     time.Now(),
	}
	if o.ringing {
		rec.Status = domain.StatusRinging
	}
	rec.AddParticipant(m.self.ID, epoch)

	if err := m.backend.CreateSession(ctx, rec); err != nil {
		local.Stop()
		return nil, fmt.Errorf("%w: create session: %w", domain.ErrSignalingUnavailable, err)
	}
	log.Info().Str("module", "app.manager").Str("session", string(rec.ID)).Str("room", string(room)).
		Str("status", string(rec.Status)).Msg("session created")

	return m.open(ctx, rec.ID, epoch, local)
}

// JoinSession joins an existing live session.
func (m *Manager) JoinSession(ctx context.Context, id domain.SessionID) (*Session, error) {
	if m.Current() != nil {
		return nil, ErrAlreadyInSession
	}
	rec, err := m.backend.GetSession(ctx, id)
	if err != nil {
		return nil, joinError(id, err)
	}
	if !rec.Live() {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrSessionStateConflict, id, rec.Status)
	}

	local, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}

	epoch := uuid.NewString()
	if _, err := m.backend.AddParticipant(ctx, id, m.self.ID, epoch); err != nil {
		local.Stop()
		return nil, joinError(id, err)
	}
	log.Info().Str("module", "app.manager").Str("session", string(id)).Msg("joined session")

	return m.open(ctx, id, epoch, local)
}

// JoinOrStart joins the room's ringing or active session, or starts one.
func (m *Manager) JoinOrStart(ctx context.Context, room domain.RoomID) (*Session, error) {
	rec, err := m.backend.FindJoinable(ctx, room)
	switch {
	case err == nil:
		s, err := m.JoinSession(ctx, rec.ID)
		if errors.Is(err, domain.ErrSessionStateConflict) && !errors.Is(err, ErrAlreadyInSession) {
			// lost a race with the last leaver
			return m.StartSession(ctx, room)
		}
		return s, err
	case errors.Is(err, domain.ErrSessionNotFound):
		return m.StartSession(ctx, room)
	default:
		return nil, fmt.Errorf("%w: find session: %w", domain.ErrSignalingUnavailable, err)
	}
}

// RejectSession declines a ringing call without joining it.
func (m *Manager) RejectSession(ctx context.Context, id domain.SessionID) error {
	if err := m.backend.RejectSession(ctx, id, m.self.ID); err != nil {
		return joinError(id, err)
	}
	log.Info().Str("module", "app.manager").Str("session", string(id)).Msg("session rejected")
	return nil
}

// LeaveSession leaves the current session; it is a no-op when idle.
func (m *Manager) LeaveSession(ctx context.Context) error {
	s := m.Current()
	if s == nil {
		return nil
	}
	return s.leave(ctx, false)
}

// EndSession leaves the current session; from the initiator it also ends the
// call for everyone.
func (m *Manager) EndSession(ctx context.Context) error {
	s := m.Current()
	if s == nil {
		return nil
	}
	return s.leave(ctx, true)
}

// ToggleLocalAudioMute flips the local mute and returns the new state.
func (m *Manager) ToggleLocalAudioMute() (bool, error) {
	s := m.Current()
	if s == nil {
		return false, fmt.Errorf("%w: not in a session", domain.ErrSessionStateConflict)
	}
	muted := !s.Muted()
	if err := s.SetMuted(muted); err != nil {
		return !muted, err
	}
	return muted, nil
}

func (m *Manager) IsInSession() bool { return m.Current() != nil }

func (m *Manager) ActiveLinkCount() int {
	if s := m.Current(); s != nil {
		return s.ActiveLinkCount()
	}
	return 0
}

func (m *Manager) Roster() []domain.ParticipantID {
	if s := m.Current(); s != nil {
		return s.Roster()
	}
	return nil
}

func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) acquire(ctx context.Context) (core.LocalStream, error) {
	local, err := m.device.Acquire(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrMediaAcquisition) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaAcquisition, err)
	}
	return local, nil
}

// open binds a session handle to the record self is now part of. On failure
// the handle's own leave path removes self again.
func (m *Manager) open(ctx context.Context, id domain.SessionID, epoch string, local core.LocalStream) (*Session, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		local.Stop()
		if _, err := m.backend.RemoveParticipant(ctx, id, m.self.ID); err != nil {
			log.Warn().Str("module", "app.manager").Err(err).Msg("rollback participant")
		}
		return nil, ErrAlreadyInSession
	}
	s := newSession(sessionParams{
		id:       id,
		self:     m.self,
		epoch:    epoch,
		backend:  m.backend,
		dialer:   m.dialer,
		local:    local,
		cfg:      m.cfg,
		events:   m.events,
		onStream: m.onStream,
		onClosed: m.closed,
	})
	m.current = s
	m.mu.Unlock()

	if err := s.start(ctx); err != nil {
		if lerr := s.leave(context.WithoutCancel(ctx), false); lerr != nil {
			log.Warn().Str("module", "app.manager").Err(lerr).Msg("rollback session")
		}
		return nil, err
	}
	return s, nil
}

func (m *Manager) closed(s *Session) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

func joinError(id domain.SessionID, err error) error {
	switch {
	case errors.Is(err, domain.ErrSessionStateConflict):
		return err
	case errors.Is(err, domain.ErrSessionNotFound):
		return fmt.Errorf("%w: %w", domain.ErrSessionStateConflict, err)
	}
	return fmt.Errorf("%w: session %s: %w", domain.ErrSignalingUnavailable, id, err)
}
