package app

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// incomingWatcher turns the changes of one room into incoming-call events.
type incomingWatcher struct {
	self domain.ParticipantID
	room domain.RoomID
	emit func(Event)

	mu    sync.Mutex
	shown map[domain.SessionID]struct{}
}

// answerable reports whether rec is a call ringing for self: somebody else
// started it and self has neither joined nor rejected it.
func (w *incomingWatcher) answerable(rec *domain.CallSession) bool {
	return rec != nil &&
		rec.Status == domain.StatusRinging &&
		rec.Initiator != w.self &&
		!rec.Has(w.self) &&
		!slices.Contains(rec.RejectedBy, w.self)
}

func (w *incomingWatcher) observe(id domain.SessionID, rec *domain.CallSession) {
	ringing := w.answerable(rec)

	w.mu.Lock()
	_, shown := w.shown[id]
	switch {
	case ringing && !shown:
		w.shown[id] = struct{}{}
	case !ringing && shown:
		delete(w.shown, id)
	default:
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if !ringing {
		w.emit(Event{Type: EventIncomingCallCleared, Session: id, Room: w.room})
		return
	}
	caller := rec.InitiatorName
	if caller == "" {
		caller = string(rec.Initiator)
	}
	log.Info().Str("module", "app.incoming").Str("session", string(id)).Str("caller", caller).Msg("incoming call")
	w.emit(Event{
		Type:        EventIncomingCall,
		Session:     id,
		Room:        w.room,
		Participant: rec.Initiator,
		Caller:      caller,
	})
}

// WatchIncoming announces the calls ringing in room that self could answer,
// each once with EventIncomingCall. EventIncomingCallCleared withdraws one
// once it is answered, rejected by self, stops ringing or is gone.
func (m *Manager) WatchIncoming(ctx context.Context, room domain.RoomID) (core.Subscription, error) {
	w := &incomingWatcher{
		self:  m.self.ID,
		room:  room,
		emit:  m.events.publish,
		shown: make(map[domain.SessionID]struct{}),
	}
	sub, err := m.backend.WatchRoom(ctx, room, w.observe)
	if err != nil {
		return nil, fmt.Errorf("%w: watch room %s: %w", domain.ErrSignalingUnavailable, room, err)
	}
	return sub, nil
}
