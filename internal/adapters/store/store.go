// Package store keeps call-session records and their signaling envelopes in
// memory, optionally backed by a Journal.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type envelopeSub struct {
	match func(domain.Envelope) bool
	box   *mailbox[domain.Envelope]
}

type watcher struct {
	box *mailbox[*domain.CallSession]
}

type roomChange struct {
	id  domain.SessionID
	rec *domain.CallSession
}

type roomWatcher struct {
	box *mailbox[roomChange]
}

// Store implements core.Backend. Every mutation and its fan-out happen under
// one lock, so a subscriber sees replayed envelopes before live ones and
// watchers see record changes in commit order.
type Store struct {
	journal Journal
	now     func() time.Time

	mu        sync.Mutex
	sessions  map[domain.SessionID]*domain.CallSession
	envelopes map[domain.SessionID][]domain.Envelope
	subs      map[domain.SessionID]map[*envelopeSub]struct{}
	watchers  map[domain.SessionID]map[*watcher]struct{}
	rooms     map[domain.RoomID]map[*roomWatcher]struct{}
}

var _ core.Backend = (*Store)(nil)

type Option func(*Store)

func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) (*Store, error) {
	s := &Store{
		now:       time.Now,
		sessions:  make(map[domain.SessionID]*domain.CallSession),
		envelopes: make(map[domain.SessionID][]domain.Envelope),
		subs:      make(map[domain.SessionID]map[*envelopeSub]struct{}),
		watchers:  make(map[domain.SessionID]map[*watcher]struct{}),
		rooms:     make(map[domain.RoomID]map[*roomWatcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.journal == nil {
		return s, nil
	}
	recs, envs, err := s.journal.Load()
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	for _, r := range recs {
		s.sessions[r.ID] = r
	}
	for _, e := range envs {
		if _, ok := s.sessions[e.SessionID]; ok {
			s.envelopes[e.SessionID] = append(s.envelopes[e.SessionID], e)
		}
	}
	log.Info().Str("module", "store").Int("sessions", len(recs)).Int("envelopes", len(envs)).Msg("journal replayed")
	return s, nil
}

func (s *Store) CreateSession(_ context.Context, rec *domain.CallSession) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("create session: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; ok {
		return fmt.Errorf("%w: session %s exists", domain.ErrSessionStateConflict, rec.ID)
	}
	rec = rec.Clone()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if err := s.persist(rec); err != nil {
		return err
	}
	s.sessions[rec.ID] = rec
	s.notifyRoom(rec.RoomID, rec.ID, rec)
	log.Info().Str("module", "store").Str("session", string(rec.ID)).Str("room", string(rec.RoomID)).Msg("session created")
	return nil
}

func (s *Store) GetSession(_ context.Context, id domain.SessionID) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *Store) AddParticipant(_ context.Context, id domain.SessionID, p domain.ParticipantID, epoch string) (*domain.CallSession, error) {
	return s.update(id, func(rec *domain.CallSession) error {
		if !rec.Live() {
			return fmt.Errorf("%w: session %s is %s", domain.ErrSessionStateConflict, id, rec.Status)
		}
		rec.AddParticipant(p, epoch)
		if rec.Status == domain.StatusRinging {
			rec.Status = domain.StatusActive
		}
		return nil
	})
}

func (s *Store) RemoveParticipant(_ context.Context, id domain.SessionID, p domain.ParticipantID) (*domain.CallSession, error) {
	return s.update(id, func(rec *domain.CallSession) error {
		rec.RemoveParticipant(p)
		return nil
	})
}

func (s *Store) SetStatus(_ context.Context, id domain.SessionID, status domain.SessionStatus) error {
	_, err := s.update(id, func(rec *domain.CallSession) error {
		rec.Status = status
		if status == domain.StatusEnded && rec.EndedAt.IsZero() {
			rec.EndedAt = s.now()
		}
		return nil
	})
	return err
}

func (s *Store) RejectSession(_ context.Context, id domain.SessionID, p domain.ParticipantID) error {
	_, err := s.update(id, func(rec *domain.CallSession) error {
		if !slices.Contains(rec.RejectedBy, p) {
			rec.RejectedBy = append(rec.RejectedBy, p)
		}
		return nil
	})
	return err
}

// update applies fn to a copy of the record and commits it, then notifies watchers.
func (s *Store) update(id domain.SessionID, fn func(*domain.CallSession) error) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.sessions[id] = next
	s.notify(id, next)
	s.notifyRoom(next.RoomID, id, next)
	return next.Clone(), nil
}

// DeleteSession removes an empty session with its envelopes. The emptiness
// check and the removal happen under one lock, so a concurrent join either
// lands first and keeps the session alive or finds it gone.
func (s *Store) DeleteSession(_ context.Context, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if len(rec.Participants) > 0 {
		return fmt.Errorf("%w: session %s still has %d participants", domain.ErrSessionStateConflict, id, len(rec.Participants))
	}
	if s.journal != nil {
		if err := s.journal.DeleteSession(id); err != nil {
			return fmt.Errorf("journal delete: %w", err)
		}
	}
	n := len(s.envelopes[id])
	delete(s.sessions, id)
	delete(s.envelopes, id)
	s.notify(id, nil)
	s.notifyRoom(rec.RoomID, id, nil)
	delete(s.watchers, id)
	log.Info().Str("module", "store").Str("session", string(id)).Int("envelopes", n).Msg("session deleted")
	return nil
}

// FindJoinable returns the newest ringing session of room, else the newest active one.
func (s *Store) FindJoinable(_ context.Context, room domain.RoomID) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.CallSession
	rank := func(r *domain.CallSession) int {
		if r.Status == domain.StatusRinging {
			return 2
		}
		return 1
	}
	for _, rec := range s.sessions {
		if rec.RoomID != room || !rec.Live() {
			continue
		}
		if best == nil || rank(rec) > rank(best) ||
			(rank(rec) == rank(best) && rec.CreatedAt.After(best.CreatedAt)) {
			best = rec
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no joinable session in room %s", domain.ErrSessionNotFound, room)
	}
	return best.Clone(), nil
}

// ListSessions lists the sessions of room, or all sessions when room is empty.
func (s *Store) ListSessions(_ context.Context, room domain.RoomID) ([]*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.CallSession, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if room == "" || rec.RoomID == room {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.CallSession) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *Store) WatchSession(_ context.Context, id domain.SessionID, fn func(*domain.CallSession)) (core.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	w := &watcher{box: newMailbox(fn)}
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[*watcher]struct{})
	}
	s.watchers[id][w] = struct{}{}
	w.box.push(rec.Clone())

	return core.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.watchers[id], w)
		s.mu.Unlock()
		w.box.close()
	}), nil
}

func (s *Store) notify(id domain.SessionID, rec *domain.CallSession) {
	for w := range s.watchers[id] {
		w.box.push(rec.Clone())
	}
}

// WatchRoom replays the sessions of room oldest first, then reports every
// creation, change and deletion in it.
func (s *Store) WatchRoom(_ context.Context, room domain.RoomID, fn func(domain.SessionID, *domain.CallSession)) (core.Subscription, error) {
	if room == "" {
		return nil, fmt.Errorf("watch room: empty room")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &roomWatcher{box: newMailbox(func(c roomChange) { fn(c.id, c.rec) })}
	var current []*domain.CallSession
	for _, rec := range s.sessions {
		if rec.RoomID == room {
			current = append(current, rec)
		}
	}
	slices.SortFunc(current, func(a, b *domain.CallSession) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	for _, rec := range current {
		w.box.push(roomChange{id: rec.ID, rec: rec.Clone()})
	}
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[*roomWatcher]struct{})
	}
	s.rooms[room][w] = struct{}{}

	return core.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.rooms[room], w)
		if len(s.rooms[room]) == 0 {
			delete(s.rooms, room)
		}
		s.mu.Unlock()
		w.box.close()
	}), nil
}

func (s *Store) notifyRoom(room domain.RoomID, id domain.SessionID, rec *domain.CallSession) {
	for w := range s.rooms[room] {
		w.box.push(roomChange{id: id, rec: rec.Clone()})
	}
}

func (s *Store) Publish(_ context.Context, env domain.Envelope) error {
	if !env.Kind.Valid() {
		return fmt.Errorf("publish: unknown kind %q", env.Kind)
	}
	if env.From == "" || env.To == "" {
		return fmt.Errorf("publish: envelope needs from and to")
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[env.SessionID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, env.SessionID)
	}
	env.CreatedAt = s.now()
	if s.journal != nil {
		if err := s.journal.AppendEnvelope(env); err != nil {
			return fmt.Errorf("journal append: %w", err)
		}
	}
	s.envelopes[env.SessionID] = append(s.envelopes[env.SessionID], env)
	for sub := range s.subs[env.SessionID] {
		if sub.match(env) {
			sub.box.push(env)
		}
	}
	return nil
}

// Subscribe replays every stored envelope of sid that matches, then delivers
// new ones as they are published.
func (s *Store) Subscribe(_ context.Context, sid domain.SessionID, match func(domain.Envelope) bool, fn func(domain.Envelope)) (core.Subscription, error) {
	if match == nil {
		match = func(domain.Envelope) bool { return true }
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sid]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sid)
	}
	sub := &envelopeSub{match: match, box: newMailbox(fn)}
	var replay []domain.Envelope
	for _, env := range s.envelopes[sid] {
		if match(env) {
			replay = append(replay, env)
		}
	}
	sub.box.push(replay...)
	if s.subs[sid] == nil {
		s.subs[sid] = make(map[*envelopeSub]struct{})
	}
	s.subs[sid][sub] = struct{}{}

	return core.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.subs[sid], sub)
		if len(s.subs[sid]) == 0 {
			delete(s.subs, sid)
		}
		s.mu.Unlock()
		sub.box.close()
	}), nil
}

// EnvelopeCount reports how many envelopes are stored for sid.
func (s *Store) EnvelopeCount(sid domain.SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envelopes[sid])
}

func (s *Store) persist(rec *domain.CallSession) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.SaveSession(rec); err != nil {
		return fmt.Errorf("journal save: %w", err)
	}
	return nil
}
