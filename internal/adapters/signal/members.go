package signal

import (
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
)

// membership remembers which sessions each participant joined through the
// hub. A participant left without any connection for longer than grace is
// handed to evict together with those sessions.
type membership struct {
	grace time.Duration
	evict func(p domain.ParticipantID, sessions []domain.SessionID)

	mu       sync.Mutex
	sessions map[domain.ParticipantID]map[domain.SessionID]struct{}
	conns    map[domain.ParticipantID]int
	timers   map[domain.ParticipantID]*time.Timer
	stopped  bool
}

func newMembership(grace time.Duration, evict func(domain.ParticipantID, []domain.SessionID)) *membership {
	return &membership{
		grace:    grace,
		evict:    evict,
		sessions: make(map[domain.ParticipantID]map[domain.SessionID]struct{}),
		conns:    make(map[domain.ParticipantID]int),
		timers:   make(map[domain.ParticipantID]*time.Timer),
	}
}

func (m *membership) joined(p domain.ParticipantID, sid domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[p] == nil {
		m.sessions[p] = make(map[domain.SessionID]struct{})
	}
	m.sessions[p][sid] = struct{}{}
	if m.conns[p] == 0 {
		m.schedule(p)
	}
}

func (m *membership) left(p domain.ParticipantID, sid domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions[p], sid)
	if len(m.sessions[p]) == 0 {
		delete(m.sessions, p)
		m.cancel(p)
	}
}

func (m *membership) connected(p domain.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[p]++
	m.cancel(p)
}

func (m *membership) disconnected(p domain.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[p] > 1 {
		m.conns[p]--
		return
	}
	delete(m.conns, p)
	m.schedule(p)
}

// schedule arms the eviction timer of p; callers hold mu.
func (m *membership) schedule(p domain.ParticipantID) {
	if m.stopped || m.grace < 0 || len(m.sessions[p]) == 0 || m.timers[p] != nil {
		return
	}
	m.timers[p] = time.AfterFunc(m.grace, func() { m.expire(p) })
}

func (m *membership) cancel(p domain.ParticipantID) {
	if t := m.timers[p]; t != nil {
		t.Stop()
		delete(m.timers, p)
	}
}

func (m *membership) expire(p domain.ParticipantID) {
	m.mu.Lock()
	delete(m.timers, p)
	if m.stopped || m.conns[p] > 0 {
		m.mu.Unlock()
		return
	}
	sids := make([]domain.SessionID, 0, len(m.sessions[p]))
	for sid := range m.sessions[p] {
		sids = append(sids, sid)
	}
	delete(m.sessions, p)
	m.mu.Unlock()

	if len(sids) > 0 {
		m.evict(p, sids)
	}
}

// stop disarms every timer; members stay recorded.
func (m *membership) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for p, t := range m.timers {
		t.Stop()
		delete(m.timers, p)
	}
}
