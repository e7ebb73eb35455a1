package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/adapters/store"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// fakeNet simulates transports: a connection reports connected once it has
// both descriptions and has applied a candidate of the exact remote handle
// named in its remote description.
type fakeNet struct {
	mu        sync.Mutex
	seq       int
	conns     []*fakeConn
	blackhole map[domain.ParticipantID]bool
	offerGate *gate
}

func newFakeNet() *fakeNet {
	return &fakeNet{blackhole: make(map[domain.ParticipantID]bool)}
}

func (n *fakeNet) dialer(self domain.ParticipantID) *fakeDialer {
	return &fakeDialer{net: n, self: self}
}

// silence makes every connection of p gather no candidates and never connect.
func (n *fakeNet) silence(p domain.ParticipantID) {
	n.mu.Lock()
	n.blackhole[p] = true
	n.mu.Unlock()
}

func (n *fakeNet) connsOf(owner, remote domain.ParticipantID) []*fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakeConn
	for _, c := range n.conns {
		if c.owner == owner && c.remote == remote {
			out = append(out, c)
		}
	}
	return out
}

// live returns the newest open connection owner holds toward remote.
func (n *fakeNet) live(owner, remote domain.ParticipantID) *fakeConn {
	conns := n.connsOf(owner, remote)
	for i := len(conns) - 1; i >= 0; i-- {
		if !conns[i].isClosed() {
			return conns[i]
		}
	}
	return nil
}

func (n *fakeNet) openCount(owner domain.ParticipantID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.conns {
		if c.owner == owner && !c.isClosed() {
			count++
		}
	}
	return count
}

type gate struct {
	mu    sync.Mutex
	want  int
	count int
	open  chan struct{}
}

func newGate(n int) *gate { return &gate{want: n, open: make(chan struct{})} }

func (g *gate) arrive() {
	g.mu.Lock()
	g.count++
	switch {
	case g.count == g.want:
		close(g.open)
	case g.count > g.want:
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	select {
	case <-g.open:
	case <-time.After(2 * time.Second):
	}
}

type fakeDialer struct {
	net  *fakeNet
	self domain.ParticipantID
	fail error
}

func (d *fakeDialer) Dial(_ context.Context, remote domain.ParticipantID, _ core.LocalStream) (core.LinkConnection, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	d.net.seq++
	c := &fakeConn{
		id:     fmt.Sprintf("%s>%s#%d", d.self, remote, d.net.seq),
		owner:  d.self,
		remote: remote,
		net:    d.net,
		audio:  true,
	}
	d.net.conns = append(d.net.conns, c)
	return c, nil
}

type fakeConn struct {
	id            string
	owner, remote domain.ParticipantID
	net           *fakeNet

	mu        sync.Mutex
	localSet  bool
	remoteID  string
	applied   []string
	addErrs   int
	audio     bool
	connected bool
	closed    bool
	onICE     func(string)
	onState   func(core.TransportState)
	onStream  func(core.RemoteStream)
}

func (c *fakeConn) CreateOffer(context.Context) (string, error) {
	c.net.mu.Lock()
	g := c.net.offerGate
	c.net.mu.Unlock()
	if g != nil {
		g.arrive()
	}
	c.mu.Lock()
	c.localSet = true
	c.mu.Unlock()
	go c.gather()
	return "offer:" + c.id, nil
}

func (c *fakeConn) AcceptOffer(_ context.Context, sdp string) (string, error) {
	id, ok := strings.CutPrefix(sdp, "offer:")
	if !ok {
		return "", fmt.Errorf("not an offer: %q", sdp)
	}
	c.mu.Lock()
	c.remoteID = id
	c.localSet = true
	c.mu.Unlock()
	go c.gather()
	c.maybeConnect()
	return "answer:" + c.id, nil
}

func (c *fakeConn) ApplyAnswer(sdp string) error {
	id, ok := strings.CutPrefix(sdp, "answer:")
	if !ok {
		return fmt.Errorf("not an answer: %q", sdp)
	}
	c.mu.Lock()
	c.remoteID = id
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *fakeConn) AddICECandidate(cand string) error {
	c.mu.Lock()
	if c.remoteID == "" {
		c.addErrs++
		c.mu.Unlock()
		return errors.New("remote description not set")
	}
	c.applied = append(c.applied, cand)
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID != ""
}

func (c *fakeConn) SetAudioEnabled(enabled bool) error {
	c.mu.Lock()
	c.audio = enabled
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(string)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTransportState(fn func(core.TransportState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnRemoteStream(fn func(core.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) gather() {
	c.net.mu.Lock()
	silent := c.net.blackhole[c.owner]
	c.net.mu.Unlock()
	if silent {
		return
	}
	c.mu.Lock()
	fn, closed := c.onICE, c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn("cand:" + c.id)
	}
}

func (c *fakeConn) maybeConnect() {
	c.net.mu.Lock()
	silent := c.net.blackhole[c.owner]
	c.net.mu.Unlock()
	if silent {
		return
	}
	c.mu.Lock()
	ready := !c.connected && !c.closed && c.localSet && c.remoteID != "" &&
		slices.Contains(c.applied, "cand:"+c.remoteID)
	if ready {
		c.connected = true
	}
	onState, onStream := c.onState, c.onStream
	c.mu.Unlock()
	if !ready {
		return
	}
	go func() {
		if onState != nil {
			onState(core.TransportConnected)
		}
		if onStream != nil {
			onStream(&fakeRemote{id: "audio-" + c.id})
		}
	}()
}

// stateCallback returns the transport callback as currently registered.
func (c *fakeConn) stateCallback() func(core.TransportState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onState
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) appliedCandidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.applied)
}

func (c *fakeConn) addErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addErrs
}

func (c *fakeConn) audioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

type fakeRemote struct {
	id        string
	discarded atomic.Bool
	closed    atomic.Bool
}

func (r *fakeRemote) ID() string                 { return r.id }
func (r *fakeRemote) Track() *webrtc.TrackRemote { return nil }
func (r *fakeRemote) Discard()                   { r.discarded.Store(true) }
func (r *fakeRemote) Close()                     { r.closed.Store(true) }

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string                    { return t.id }
func (t fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }

type fakeStream struct {
	tracks  []core.LocalTrack
	stopped atomic.Bool
}

func (s *fakeStream) Tracks() []core.LocalTrack { return s.tracks }

func (s *fakeStream) ActiveTracks() int {
	if s.stopped.Load() {
		return 0
	}
	return len(s.tracks)
}

func (s *fakeStream) Stop() { s.stopped.Store(true) }

// fakeDevice hands out one-track streams. With block set, Acquire waits for
// a verdict on it, like a pending permission prompt.
type fakeDevice struct {
	err   error
	block chan error

	mu      sync.Mutex
	streams []*fakeStream
}

func (d *fakeDevice) Acquire(ctx context.Context) (core.LocalStream, error) {
	if d.block != nil {
		select {
		case err := <-d.block:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeStream{tracks: []core.LocalTrack{fakeTrack{id: "mic"}}}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDevice) activeTracks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.streams {
		n += s.ActiveTracks()
	}
	return n
}

func (d *fakeDevice) acquired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// flakyBackend wraps a backend: it can deliver every envelope twice and
// refuse publishes on demand.
type flakyBackend struct {
	core.Backend
	duplicate   bool
	failPublish atomic.Bool

	mu        sync.Mutex
	published []domain.Envelope
}

func (b *flakyBackend) Publish(ctx context.Context, env domain.Envelope) error {
	if b.failPublish.Load() {
		return errors.New("offline")
	}
	if err := b.Backend.Publish(ctx, env); err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, env)
	b.mu.Unlock()
	return nil
}

func (b *flakyBackend) Subscribe(ctx context.Context, sid domain.SessionID, match func(domain.Envelope) bool, fn func(domain.Envelope)) (core.Subscription, error) {
	if !b.duplicate {
		return b.Backend.Subscribe(ctx, sid, match, fn)
	}
	return b.Backend.Subscribe(ctx, sid, match, func(env domain.Envelope) {
		fn(env)
		fn(env)
	})
}

func (b *flakyBackend) count(kind domain.EnvelopeKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.published {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(typ EventType, who domain.ParticipantID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ && (who == "" || e.Participant == who) {
			n++
		}
	}
	return n
}

func (l *eventLog) last(typ EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == typ {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func (l *eventLog) states(remote domain.ParticipantID) []domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.LinkState
	for _, e := range l.events {
		if e.Type == EventLinkState && e.Participant == remote {
			out = append(out, e.State)
		}
	}
	return out
}

// outageBackend lets a test cut and restore the connection a session sees.
type outageBackend struct {
	core.Backend

	mu  sync.Mutex
	fns map[int]func(error)
	n   int
}

func (b *outageBackend) WatchConnection(fn func(error)) core.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fns == nil {
		b.fns = make(map[int]func(error))
	}
	b.n++
	id := b.n
	b.fns[id] = fn
	return core.SubscriptionFunc(func() {
		b.mu.Lock()
		delete(b.fns, id)
		b.mu.Unlock()
	})
}

func (b *outageBackend) set(err error) {
	b.mu.Lock()
	fns := make([]func(error), 0, len(b.fns))
	for _, fn := range b.fns {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (l *eventLog) errs(typ EventType) []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []error
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e.Err)
		}
	}
	return out
}

type testPeer struct {
	id      domain.ParticipantID
	m       *Manager
	device  *fakeDevice
	dialer  *fakeDialer
	backend *flakyBackend
	events  *eventLog
}

var testConfig = Config{
	NegotiationTimeout: 5 * time.Second,
	HealthInterval:     20 * time.Millisecond,
}

func newTestPeer(t *testing.T, net *fakeNet, backend core.Backend, id domain.ParticipantID, cfg Config) *testPeer {
	t.Helper()
	flaky := &flakyBackend{Backend: backend}
	p := newPeerOn(t, net, flaky, id, cfg)
	p.backend = flaky
	return p
}

// newPeerOn builds a peer that talks to backend as is.
func newPeerOn(t *testing.T, net *fakeNet, backend core.Backend, id domain.ParticipantID, cfg Config) *testPeer {
	t.Helper()
	p := &testPeer{
		id:     id,
		device: &fakeDevice{},
		dialer: net.dialer(id),
		events: &eventLog{},
	}
	p.m = NewManager(domain.Participant{ID: id, DisplayName: string(id)}, backend, p.device, p.dialer, cfg)

	ch, cancel := p.m.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			p.events.add(e)
		}
	}()
	t.Cleanup(func() {
		_ = p.m.LeaveSession(context.Background())
		cancel()
		<-done
	})
	return p
}

func (p *testPeer) linkState(remote domain.ParticipantID) domain.LinkState {
	s := p.m.Current()
	if s == nil {
		return domain.LinkClosed
	}
	st, ok := s.LinkState(remote)
	if !ok {
		return domain.LinkClosed
	}
	return st
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New()
	require.NoError(t, err)
	return s
}

// requireMesh waits until every pair of peers holds one CONNECTED link each way.
func requireMesh(t *testing.T, peers ...*testPeer) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, a := range peers {
			for _, b := range peers {
				if a != b && a.linkState(b.id) != domain.LinkConnected {
					return false
				}
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "mesh did not converge")
}
