package app

import (
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventRosterChanged EventType = "roster-changed"
	EventLinkState     EventType = "link-state-changed"
	// EventLinkFailed is emitted once per failed link ("connection to participant lost").
	EventLinkFailed   EventType = "link-failed"
	EventError        EventType = "error"
	EventSessionEnded EventType = "session-ended"
	// EventSignalingRestored follows an error event once the backend is reachable again.
	EventSignalingRestored EventType = "signaling-restored"
	// EventIncomingCall announces a ringing call of a watched room.
	EventIncomingCall EventType = "incoming-call"
	// EventIncomingCallCleared withdraws it: answered, rejected, stopped ringing or gone.
	EventIncomingCallCleared EventType = "incoming-call-cleared"
)

// Event is what the UI collaborator observes.
type Event struct {
	Type        EventType
	Session     domain.SessionID
	Participant domain.ParticipantID
	State       domain.LinkState
	Roster      []domain.ParticipantID
	// Room and Caller are set on incoming-call events.
	Room   domain.RoomID
	Caller string
	Err    error
	At     time.Time
}

const eventBuffer = 256

type eventBus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]struct{})}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *eventBus) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Warn().Str("module", "app.events").Str("type", string(e.Type)).Msg("subscriber slow, event dropped")
		}
	}
}
