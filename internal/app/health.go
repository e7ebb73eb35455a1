package app

import (
	"fmt"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog"
)

// HealthMonitor reacts to failed links: it tears down that link alone and
// reports it exactly once. It also fails links that never reach CONNECTED.
// There is no automatic retry.
type HealthMonitor struct {
	registry *Registry
	timeout  time.Duration
	emit     func(Event)
	log      zerolog.Logger
}

func newHealthMonitor(r *Registry, timeout time.Duration, emit func(Event), logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{registry: r, timeout: timeout, emit: emit, log: logger}
}

func (h *HealthMonitor) observe(l *Link, _, to domain.LinkState) {
	if to != domain.LinkFailed || l.reported {
		return
	}
	l.reported = true
	h.log.Warn().Err(l.failure).Str("remote", string(l.remote)).Msg("link failed")
	h.emit(Event{
		Type:        EventLinkFailed,
		Participant: l.remote,
		State:       domain.LinkFailed,
		Err:         l.failure,
	})
	h.registry.teardown(l)
}

// check fails links stuck in negotiation for longer than the timeout.
func (h *HealthMonitor) check(now time.Time) {
	if h.timeout <= 0 {
		return
	}
	for _, l := range h.registry.stuck(now, h.timeout) {
		h.registry.fail(l, fmt.Errorf("%w: not connected after %s", domain.ErrLinkNegotiation, h.timeout))
	}
}
