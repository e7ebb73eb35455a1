package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxParked caps candidates held for a negotiation this side has not seen yet.
const maxParked = 64

type linkObserver interface {
	linkStateChanged(l *Link, from, to domain.LinkState)
	remoteStream(remote domain.ParticipantID, rs core.RemoteStream)
	signalingFailed(err error)
}

type parkKey struct {
	remote      domain.ParticipantID
	negotiation string
}

type registryConfig struct {
	// ctx bounds publishes that are not tied to a caller (trickled candidates).
	ctx      context.Context
	self     domain.ParticipantID
	epoch    string
	session  domain.SessionID
	dialer   core.Dialer
	local    core.LocalStream
	publish  func(ctx context.Context, env domain.Envelope) error
	post     func(fn func()) bool
	observer linkObserver
	log      zerolog.Logger
}

// Registry owns every peer link of one session. All mutating methods run on
// the session event loop; snapshots may be taken from any goroutine.
type Registry struct {
	registryConfig
	now func() time.Time

	mu     sync.RWMutex
	links  map[domain.ParticipantID]*Link
	parked map[parkKey][]string
	muted  bool
}

func newRegistry(cfg registryConfig) *Registry {
	return &Registry{
		registryConfig: cfg,
		now:            time.Now,
		links:          make(map[domain.ParticipantID]*Link),
		parked:         make(map[parkKey][]string),
	}
}

func (r *Registry) get(remote domain.ParticipantID) *Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[remote]
}

func (r *Registry) put(l *Link) {
	r.mu.Lock()
	r.links[l.remote] = l
	r.mu.Unlock()
}

// current reports whether conn is still the live handle of a registered link.
func (r *Registry) current(l *Link, conn core.LinkConnection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[l.remote] == l && l.conn == conn && !l.state.Terminal()
}

func (r *Registry) transition(l *Link, to domain.LinkState) error {
	r.mu.Lock()
	from := l.state
	if !domain.CanTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (remote %s)", ErrIllegalTransition, from, to, l.remote)
	}
	l.state = to
	r.mu.Unlock()

	r.log.Debug().Str("remote", string(l.remote)).Str("from", from.String()).Str("to", to.String()).Msg("link state")
	r.observer.linkStateChanged(l, from, to)
	return nil
}

func (r *Registry) dial(ctx context.Context, l *Link) error {
	conn, err := r.dialer.Dial(ctx, l.remote, r.local)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", domain.ErrLinkNegotiation, l.remote, err)
	}
	if r.isMuted() {
		if err := conn.SetAudioEnabled(false); err != nil {
			r.log.Warn().Err(err).Str("remote", string(l.remote)).Msg("mute new link")
		}
	}
	conn.OnICECandidate(func(c string) {
		r.post(func() { r.localCandidate(l, conn, c) })
	})
	conn.OnTransportState(func(s core.TransportState) {
		r.post(func() { r.transportState(l, conn, s) })
	})
	conn.OnRemoteStream(func(rs core.RemoteStream) {
		r.post(func() { r.attachStream(l, conn, rs) })
	})
	l.conn = conn
	return nil
}

// detach unhooks the connection callbacks of l and releases its handle.
func (r *Registry) detach(l *Link) error {
	if l.stream != nil {
		l.stream.Close()
		l.stream = nil
	}
	conn := l.conn
	if conn == nil {
		return nil
	}
	l.conn = nil
	l.pending = nil
	conn.OnICECandidate(nil)
	conn.OnTransportState(nil)
	conn.OnRemoteStream(nil)
	return conn.Close()
}

func (r *Registry) send(ctx context.Context, l *Link, kind domain.EnvelopeKind, payload string) error {
	env := domain.Envelope{
		ID:          uuid.NewString(),
		SessionID:   r.session,
		Kind:        kind,
		From:        r.self,
		FromEpoch:   r.epoch,
		To:          l.remote,
		ToEpoch:     l.remoteEpoch,
		Negotiation: l.negotiation,
		Payload:     payload,
		CreatedAt:   r.now(),
	}
	if err := r.publish(ctx, env); err != nil {
		if errors.Is(err, domain.ErrSignalingUnavailable) {
			return err
		}
		return fmt.Errorf("%w: publish %s: %w", domain.ErrSignalingUnavailable, kind, err)
	}
	return nil
}

// createOffer opens a link toward m and publishes an offer. It is a no-op
// (ErrLinkExists) when a link to m already exists.
func (r *Registry) createOffer(ctx context.Context, m member) error {
	if r.get(m.id) != nil {
		return fmt.Errorf("%w: %s", ErrLinkExists, m.id)
	}
	l := &Link{
		remote:      m.id,
		remoteEpoch: m.epoch,
		negotiation: uuid.NewString(),
		initiator:   r.self,
		state:       domain.LinkIdle,
		started:     r.now(),
	}
	r.put(l)

	if err := r.dial(ctx, l); err != nil {
		r.fail(l, err)
		return err
	}
	sdp, err := l.conn.CreateOffer(ctx)
	if err != nil {
		err = fmt.Errorf("%w: create offer: %w", domain.ErrLinkNegotiation, err)
		r.fail(l, err)
		return err
	}
	if err := r.transition(l, domain.LinkOffering); err != nil {
		return err
	}
	if err := r.send(ctx, l, domain.KindOffer, sdp); err != nil {
		r.teardown(l)
		return err
	}
	r.log.Info().Str("remote", string(l.remote)).Str("negotiation", l.negotiation).Msg("offer sent")
	return nil
}

func (r *Registry) receiveOffer(ctx context.Context, env domain.Envelope) error {
	l := r.get(env.From)
	if l != nil {
		switch {
		case l.negotiation == env.Negotiation:
			return nil
		case env.FromEpoch != "" && l.remoteEpoch != env.FromEpoch:
			r.log.Info().Str("remote", string(env.From)).Msg("remote rejoined, replacing link")
			r.teardown(l)
			l = nil
		case l.state == domain.LinkOffering:
			if !yields(r.self, env.From) {
				r.log.Info().Str("remote", string(env.From)).Msg("glare: keeping own offer")
				return nil
			}
			r.log.Info().Str("remote", string(env.From)).Msg("glare: yielding to remote offer")
		default:
			r.log.Debug().Str("remote", string(env.From)).Str("state", l.state.String()).Msg("stale offer ignored")
			return nil
		}
	}
	if l == nil {
		l = &Link{
			remote:      env.From,
			remoteEpoch: env.FromEpoch,
			state:       domain.LinkIdle,
		}
		r.put(l)
	}
	return r.answer(ctx, l, env)
}

// answer drops whatever offer l had in flight and answers env on a fresh handle.
func (r *Registry) answer(ctx context.Context, l *Link, env domain.Envelope) error {
	if err := r.detach(l); err != nil {
		r.log.Debug().Err(err).Str("remote", string(l.remote)).Msg("close discarded offer")
	}
	l.negotiation = env.Negotiation
	l.initiator = env.From
	l.started = r.now()

	if err := r.dial(ctx, l); err != nil {
		r.fail(l, err)
		return err
	}
	if err := r.transition(l, domain.LinkAnswering); err != nil {
		return err
	}
	sdp, err := l.conn.AcceptOffer(ctx, env.Payload)
	if err != nil {
		err = fmt.Errorf("%w: accept offer: %w", domain.ErrLinkNegotiation, err)
		r.fail(l, err)
		return err
	}
	r.flush(l)
	if err := r.send(ctx, l, domain.KindAnswer, sdp); err != nil {
		r.teardown(l)
		return err
	}
	r.log.Info().Str("remote", string(l.remote)).Str("negotiation", l.negotiation).Msg("answer sent")
	return r.transition(l, domain.LinkNegotiating)
}

func (r *Registry) receiveAnswer(env domain.Envelope) error {
	l := r.get(env.From)
	if l == nil || l.negotiation != env.Negotiation {
		r.log.Debug().Str("remote", string(env.From)).Msg("answer for unknown negotiation ignored")
		return nil
	}
	if l.state != domain.LinkOffering {
		if l.state == domain.LinkNegotiating || l.state == domain.LinkConnected {
			return nil
		}
		return fmt.Errorf("%w: answer in %s (remote %s)", ErrIllegalTransition, l.state, l.remote)
	}
	if err := l.conn.ApplyAnswer(env.Payload); err != nil {
		err = fmt.Errorf("%w: apply answer: %w", domain.ErrLinkNegotiation, err)
		r.fail(l, err)
		return err
	}
	if l.remoteEpoch == "" {
		l.remoteEpoch = env.FromEpoch
	}
	if err := r.transition(l, domain.LinkNegotiating); err != nil {
		return err
	}
	r.flush(l)
	return nil
}

// receiveCandidate parks candidates of a remote that has no link yet. A
// sender publishes its offer before its candidates, so a candidate for a
// negotiation other than the link's belongs to one that was discarded.
func (r *Registry) receiveCandidate(env domain.Envelope) error {
	l := r.get(env.From)
	switch {
	case l == nil || l.conn == nil:
		r.park(env)
	case l.negotiation != env.Negotiation:
		r.log.Debug().Str("remote", string(env.From)).Str("negotiation", env.Negotiation).Msg("candidate of another negotiation dropped")
	default:
		r.applyCandidate(l, env.Payload)
	}
	return nil
}

func (r *Registry) applyCandidate(l *Link, c string) {
	if !l.conn.HasRemoteDescription() {
		l.pending = append(l.pending, c)
		return
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		r.log.Warn().Err(err).Str("remote", string(l.remote)).Msg("add ice candidate")
	}
}

func (r *Registry) park(env domain.Envelope) {
	k := parkKey{remote: env.From, negotiation: env.Negotiation}
	if len(r.parked[k]) >= maxParked {
		return
	}
	r.parked[k] = append(r.parked[k], env.Payload)
}

// flush applies, in arrival order, the candidates parked for l's negotiation
// and those queued on l before its remote description was set.
func (r *Registry) flush(l *Link) {
	k := parkKey{remote: l.remote, negotiation: l.negotiation}
	queued := append(r.parked[k], l.pending...)
	delete(r.parked, k)
	r.unpark(l.remote)
	l.pending = nil
	for _, c := range queued {
		r.applyCandidate(l, c)
	}
}

// unpark drops whatever is still parked for remote.
func (r *Registry) unpark(remote domain.ParticipantID) {
	for k := range r.parked {
		if k.remote == remote {
			delete(r.parked, k)
		}
	}
}

// parkedCount reports how many candidates are parked for remote.
func (r *Registry) parkedCount(remote domain.ParticipantID) int {
	n := 0
	for k, cs := range r.parked {
		if k.remote == remote {
			n += len(cs)
		}
	}
	return n
}

func (r *Registry) localCandidate(l *Link, conn core.LinkConnection, c string) {
	if !r.current(l, conn) {
		return
	}
	if err := r.send(r.ctx, l, domain.KindICECandidate, c); err != nil {
		r.observer.signalingFailed(err)
	}
}

func (r *Registry) transportState(l *Link, conn core.LinkConnection, s core.TransportState) {
	if !r.current(l, conn) {
		return
	}
	switch s {
	case core.TransportConnected:
		if l.state == domain.LinkNegotiating {
			if err := r.transition(l, domain.LinkConnected); err != nil {
				r.log.Warn().Err(err).Msg("connect link")
			}
		}
	case core.TransportDisconnected:
		r.log.Warn().Str("remote", string(l.remote)).Msg("link disconnected, waiting for recovery")
	case core.TransportFailed:
		r.fail(l, fmt.Errorf("%w: transport failed", domain.ErrLinkNegotiation))
	case core.TransportClosed:
		r.log.Info().Str("remote", string(l.remote)).Msg("transport closed")
		r.teardown(l)
	}
}

func (r *Registry) attachStream(l *Link, conn core.LinkConnection, rs core.RemoteStream) {
	if !r.current(l, conn) {
		rs.Close()
		return
	}
	if l.stream != nil {
		l.stream.Close()
	}
	l.stream = rs
	r.observer.remoteStream(l.remote, rs)
}

// fail moves l to FAILED; the health monitor reacts to that transition.
func (r *Registry) fail(l *Link, cause error) {
	if l.state.Terminal() {
		return
	}
	l.failure = cause
	if err := r.transition(l, domain.LinkFailed); err != nil {
		r.log.Warn().Err(err).Msg("fail link")
	}
}

// teardown closes l and forgets it along with its parked candidates.
func (r *Registry) teardown(l *Link) {
	if err := r.detach(l); err != nil {
		r.log.Debug().Err(err).Str("remote", string(l.remote)).Msg("close link connection")
	}
	r.mu.Lock()
	owned := r.links[l.remote] == l
	if owned {
		delete(r.links, l.remote)
	}
	r.mu.Unlock()
	if owned {
		r.unpark(l.remote)
	}
	if l.state != domain.LinkClosed {
		_ = r.transition(l, domain.LinkClosed)
	}
}

// closeLink tears down the link to remote if it belongs to the given join.
func (r *Registry) closeLink(remote domain.ParticipantID, epoch string) {
	l := r.get(remote)
	if l == nil {
		r.unpark(remote)
		return
	}
	if epoch != "" && l.remoteEpoch != "" && l.remoteEpoch != epoch {
		return
	}
	r.log.Info().Str("remote", string(remote)).Msg("participant left, closing link")
	r.teardown(l)
}

// closeAll tears down every link; connection handles are released in parallel.
func (r *Registry) closeAll() error {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.links = make(map[domain.ParticipantID]*Link)
	clear(r.parked)
	r.mu.Unlock()

	var g errgroup.Group
	for _, l := range links {
		g.Go(func() error { return r.detach(l) })
	}
	err := g.Wait()
	for _, l := range links {
		if l.state != domain.LinkClosed {
			_ = r.transition(l, domain.LinkClosed)
		}
	}
	return err
}

// stuck lists links that have not connected within timeout.
func (r *Registry) stuck(now time.Time, timeout time.Duration) []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Link
	for _, l := range r.links {
		if l.state == domain.LinkConnected || l.state.Terminal() {
			continue
		}
		if now.Sub(l.started) > timeout {
			out = append(out, l)
		}
	}
	return out
}

func (r *Registry) isMuted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.muted
}

func (r *Registry) setAudioEnabled(enabled bool) error {
	r.mu.Lock()
	r.muted = !enabled
	conns := make([]core.LinkConnection, 0, len(r.links))
	for _, l := range r.links {
		if l.conn != nil {
			conns = append(conns, l.conn)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.SetAudioEnabled(enabled); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Links() []LinkSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LinkSnapshot, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l.snapshot())
	}
	slices.SortFunc(out, func(a, b LinkSnapshot) int {
		switch {
		case a.Remote < b.Remote:
			return -1
		case a.Remote > b.Remote:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) State(remote domain.ParticipantID) (domain.LinkState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[remote]
	if !ok {
		return domain.LinkClosed, false
	}
	return l.state, true
}

func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, l := range r.links {
		if l.state == domain.LinkConnected {
			n++
		}
	}
	return n
}
