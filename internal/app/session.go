package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrSessionClosed = errors.New("session closed")

// Session is the scoped handle of one joined call. Every signaling callback,
// roster change, transport event and health tick runs on its loop goroutine.
// Close releases everything the handle owns.
type Session struct {
	id       domain.SessionID
	self     domain.Participant
	epoch    string
	backend  core.Backend
	local    core.LocalStream
	cfg      Config
	events   *eventBus
	onStream func(domain.ParticipantID, core.RemoteStream)
	onClosed func(*Session)

	registry *Registry
	topology *Topology
	health   *HealthMonitor
	log      zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	queue    *taskQueue
	loopDone chan struct{}

	subsMu sync.Mutex
	subs   []core.Subscription

	// owned by the loop
	seen      map[string]map[string]struct{} // envelope ids by sender epoch
	dead      map[string]struct{}
	suspended bool
	held      []domain.Envelope // offers received while suspended
	deferred  map[domain.ParticipantID]member

	rosterMu  sync.RWMutex
	roster    []domain.ParticipantID
	initiator domain.ParticipantID

	closeOnce sync.Once
	closeErr  error
}

type sessionParams struct {
	id       domain.SessionID
	self     domain.Participant
	epoch    string
	backend  core.Backend
	dialer   core.Dialer
	local    core.LocalStream
	cfg      Config
	events   *eventBus
	onStream func(domain.ParticipantID, core.RemoteStream)
	onClosed func(*Session)
}

func newSession(p sessionParams) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       p.id,
		self:     p.self,
		epoch:    p.epoch,
		backend:  p.backend,
		local:    p.local,
		cfg:      p.cfg,
		events:   p.events,
		onStream: p.onStream,
		onClosed: p.onClosed,
		ctx:      ctx,
		cancel:   cancel,
		queue:    newTaskQueue(),
		loopDone: make(chan struct{}),
		seen:     make(map[string]map[string]struct{}),
		dead:     make(map[string]struct{}),
		deferred: make(map[domain.ParticipantID]member),
		log: log.With().
			Str("module", "app.session").
			Str("session", string(p.id)).
			Str("self", string(p.self.ID)).
			Logger(),
	}
	s.registry = newRegistry(registryConfig{
		ctx:      ctx,
		self:     p.self.ID,
		epoch:    p.epoch,
		session:  p.id,
		dialer:   p.dialer,
		local:    p.local,
		publish:  p.backend.Publish,
		post:     s.post,
		observer: s,
		log:      s.log,
	})
	s.topology = NewTopology(p.self.ID)
	s.health = newHealthMonitor(s.registry, p.cfg.NegotiationTimeout, s.emit, s.log)
	go s.run()
	return s
}

// start subscribes to the inbox before watching the roster so that no
// answer to our own offers can be missed. Backends reached over the network
// also report when their connection drops and comes back.
func (s *Session) start(ctx context.Context) error {
	if cw, ok := s.backend.(core.ConnectionWatcher); ok {
		s.addSub(cw.WatchConnection(func(err error) {
			s.post(func() { s.connectionChanged(err) })
		}))
	}
	inbox, err := s.backend.Subscribe(ctx, s.id, domain.AddressedTo(s.self.ID, s.epoch), func(env domain.Envelope) {
		s.post(func() { s.handleEnvelope(env) })
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe: %w", domain.ErrSignalingUnavailable, err)
	}
	s.addSub(inbox)

	watch, err := s.backend.WatchSession(ctx, s.id, func(rec *domain.CallSession) {
		s.post(func() { s.handleRecord(rec) })
	})
	if err != nil {
		return fmt.Errorf("%w: watch session: %w", domain.ErrSignalingUnavailable, err)
	}
	s.addSub(watch)
	s.log.Info().Msg("session started")
	return nil
}

func (s *Session) addSub(sub core.Subscription) {
	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()
}

func (s *Session) closeSubs() {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = nil
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (s *Session) run() {
	defer close(s.loopDone)
	interval := s.cfg.HealthInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.wake:
			for _, fn := range s.queue.drain() {
				if s.ctx.Err() != nil {
					return
				}
				fn()
			}
		case now := <-ticker.C:
			s.health.check(now)
		}
	}
}

func (s *Session) post(fn func()) bool {
	if s.ctx.Err() != nil {
		return false
	}
	return s.queue.push(fn)
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	done := make(chan struct{})
	if !s.post(func() { fn(); close(done) }) {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) emit(e Event) {
	e.Session = s.id
	s.events.publish(e)
}

func (s *Session) handleEnvelope(env domain.Envelope) {
	if env.SessionID != s.id {
		return
	}
	if _, gone := s.dead[env.FromEpoch]; gone && env.FromEpoch != "" {
		s.log.Debug().Str("from", string(env.From)).Msg("envelope from a departed join ignored")
		return
	}
	if env.ID != "" {
		ids := s.seen[env.FromEpoch]
		if ids == nil {
			ids = make(map[string]struct{})
			s.seen[env.FromEpoch] = ids
		}
		if _, dup := ids[env.ID]; dup {
			return
		}
		ids[env.ID] = struct{}{}
	}

	var err error
	switch env.Kind {
	case domain.KindOffer:
		if s.suspended {
			s.held = append(s.held, env)
			return
		}
		err = s.registry.receiveOffer(s.ctx, env)
	case domain.KindAnswer:
		err = s.registry.receiveAnswer(env)
	case domain.KindICECandidate:
		err = s.registry.receiveCandidate(env)
	default:
		s.log.Warn().Str("kind", string(env.Kind)).Msg("unknown envelope kind")
	}
	s.report(err)
}

func (s *Session) handleRecord(rec *domain.CallSession) {
	if rec == nil {
		s.log.Info().Msg("session record removed")
		s.endAsync()
		return
	}

	s.rosterMu.Lock()
	changed := !slices.Equal(s.roster, rec.Participants)
	s.roster = slices.Clone(rec.Participants)
	s.initiator = rec.Initiator
	s.rosterMu.Unlock()
	if changed {
		s.emit(Event{Type: EventRosterChanged, Roster: slices.Clone(rec.Participants)})
	}

	if rec.Status == domain.StatusEnded {
		s.log.Info().Str("initiator", string(rec.Initiator)).Msg("session ended by initiator")
		s.endAsync()
		return
	}

	joined, left := s.topology.Diff(rec)
	for _, m := range left {
		if m.epoch != "" {
			s.dead[m.epoch] = struct{}{}
			delete(s.seen, m.epoch)
		}
		if d, ok := s.deferred[m.id]; ok && d.epoch == m.epoch {
			delete(s.deferred, m.id)
		}
		s.registry.closeLink(m.id, m.epoch)
	}
	if s.suspended {
		for _, m := range joined {
			s.deferred[m.id] = m
		}
		return
	}
	s.offerTo(joined)
}

func (s *Session) offerTo(members []member) {
	for _, m := range members {
		if s.suspended {
			s.deferred[m.id] = m
			continue
		}
		err := s.registry.createOffer(s.ctx, m)
		if errors.Is(err, ErrLinkExists) {
			continue
		}
		s.report(err)
	}
}

// connectionChanged follows the backend connection: a drop suspends
// negotiation, a restore resumes it.
func (s *Session) connectionChanged(err error) {
	if err != nil {
		s.suspend(err)
		return
	}
	s.resume()
}

// report routes a loop error: signaling failures suspend the session, link
// failures were already reported by the health monitor.
func (s *Session) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSignalingUnavailable):
		s.suspend(err)
	case errors.Is(err, domain.ErrLinkNegotiation):
	default:
		s.log.Warn().Err(err).Msg("signaling step rejected")
	}
}

// suspend stops new negotiation until the backend reports its connection
// restored; connected links keep running.
func (s *Session) suspend(err error) {
	if s.suspended {
		return
	}
	s.suspended = true
	s.log.Error().Err(err).Msg("signaling unavailable, negotiation suspended")
	s.emit(Event{Type: EventError, Err: err})
}

// resume answers the offers held during the outage and offers to whoever
// joined meanwhile.
func (s *Session) resume() {
	if !s.suspended {
		return
	}
	s.suspended = false
	s.log.Info().Int("held", len(s.held)).Int("deferred", len(s.deferred)).Msg("signaling restored, negotiation resumed")
	s.emit(Event{Type: EventSignalingRestored})

	held := s.held
	s.held = nil
	for _, env := range held {
		if _, gone := s.dead[env.FromEpoch]; gone && env.FromEpoch != "" {
			continue
		}
		s.report(s.registry.receiveOffer(s.ctx, env))
	}

	pending := make([]member, 0, len(s.deferred))
	for _, m := range s.deferred {
		if epoch, ok := s.topology.EpochOf(m.id); ok && epoch == m.epoch {
			pending = append(pending, m)
		}
	}
	clear(s.deferred)
	slices.SortFunc(pending, func(a, b member) int { return strings.Compare(string(a.id), string(b.id)) })
	s.offerTo(pending)
}

func (s *Session) endAsync() {
	go func() {
		if err := s.Close(context.Background()); err != nil {
			s.log.Warn().Err(err).Msg("leave after remote end")
		}
	}()
}

func (s *Session) linkStateChanged(l *Link, from, to domain.LinkState) {
	s.emit(Event{Type: EventLinkState, Participant: l.remote, State: to})
	s.health.observe(l, from, to)
}

func (s *Session) remoteStream(remote domain.ParticipantID, rs core.RemoteStream) {
	s.log.Info().Str("remote", string(remote)).Str("stream", rs.ID()).Msg("remote audio attached")
	if s.onStream != nil {
		s.onStream(remote, rs)
		return
	}
	rs.Discard()
}

func (s *Session) signalingFailed(err error) {
	s.suspend(err)
}

// Close leaves the session.
func (s *Session) Close(ctx context.Context) error {
	return s.leave(ctx, false)
}

// leave stops the loop, closes every subscription and link, stops local
// media and removes self from the record. The participant that empties
// the record deletes it together with its envelopes. With end set, an
// initiator first marks the session ended so everyone else leaves too.
func (s *Session) leave(ctx context.Context, end bool) error {
	s.closeOnce.Do(func() {
		s.closeSubs()
		s.cancel()
		s.queue.close()
		<-s.loopDone

		if err := s.registry.closeAll(); err != nil {
			s.log.Debug().Err(err).Msg("close links")
		}
		s.local.Stop()
		s.closeErr = s.release(ctx, end)

		s.log.Info().Bool("end", end).Msg("session left")
		s.emit(Event{Type: EventSessionEnded})
		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
	return s.closeErr
}

func (s *Session) release(ctx context.Context, end bool) error {
	if end && s.Initiator() == s.self.ID {
		err := s.backend.SetStatus(ctx, s.id, domain.StatusEnded)
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			s.log.Warn().Err(err).Msg("mark session ended")
		}
	}
	rec, err := s.backend.RemoveParticipant(ctx, s.id, s.self.ID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: leave: %w", domain.ErrSignalingUnavailable, err)
	}
	if len(rec.Participants) > 0 {
		return nil
	}
	s.log.Info().Msg("last participant, deleting session")
	if err := s.backend.DeleteSession(ctx, s.id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return fmt.Errorf("%w: delete session: %w", domain.ErrSignalingUnavailable, err)
	}
	return nil
}

func (s *Session) ID() domain.SessionID { return s.id }

func (s *Session) Self() domain.Participant { return s.self }

func (s *Session) Initiator() domain.ParticipantID {
	s.rosterMu.RLock()
	defer s.rosterMu.RUnlock()
	return s.initiator
}

func (s *Session) Roster() []domain.ParticipantID {
	s.rosterMu.RLock()
	defer s.rosterMu.RUnlock()
	return slices.Clone(s.roster)
}

func (s *Session) Links() []LinkSnapshot { return s.registry.Links() }

func (s *Session) LinkState(remote domain.ParticipantID) (domain.LinkState, bool) {
	return s.registry.State(remote)
}

func (s *Session) ActiveLinkCount() int { return s.registry.ConnectedCount() }

// SetMuted enables or disables the local audio on every link, current and future.
func (s *Session) SetMuted(muted bool) error {
	var err error
	if cerr := s.call(func() { err = s.registry.setAudioEnabled(!muted) }); cerr != nil {
		return cerr
	}
	return err
}

func (s *Session) Muted() bool { return s.registry.isMuted() }

// Suspended reports whether negotiation stopped after a signaling failure.
func (s *Session) Suspended() bool {
	var out bool
	if err := s.call(func() { out = s.suspended }); err != nil {
		return false
	}
	return out
}
