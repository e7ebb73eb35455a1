package domain

import (
	"maps"
	"slices"
	"time"
)

type (
	SessionID string
	RoomID    string
)

type SessionStatus string

const (
	StatusRinging SessionStatus = "ringing"
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
)

// CallSession is the lifecycle record shared by every participant of a call.
type CallSession struct {
	ID            SessionID       `json:"id"`
	RoomID        RoomID          `json:"room_id"`
	Initiator     ParticipantID   `json:"initiator"`
	InitiatorName string          `json:"initiator_name,omitempty"`
	Participants  []ParticipantID `json:"participants"`
	// Epochs maps each participant to the id of its current join, so a
	// leave-and-rejoin is distinguishable from a stale message.
	Epochs     map[ParticipantID]string `json:"epochs,omitempty"`
	RejectedBy []ParticipantID          `json:"rejected_by,omitempty"`
	Status     SessionStatus            `json:"status"`
	CreatedAt  time.Time                `json:"created_at"`
	EndedAt    time.Time                `json:"ended_at,omitzero"`
}

func (s *CallSession) Has(p ParticipantID) bool {
	return slices.Contains(s.Participants, p)
}

// Live reports whether the session can still be joined.
func (s *CallSession) Live() bool {
	return s.Status == StatusActive || s.Status == StatusRinging
}

// AddParticipant is a set insert recording the join epoch; it reports whether p was new.
func (s *CallSession) AddParticipant(p ParticipantID, epoch string) bool {
	if s.Epochs == nil {
		s.Epochs = make(map[ParticipantID]string)
	}
	s.Epochs[p] = epoch
	if s.Has(p) {
		return false
	}
	s.Participants = append(s.Participants, p)
	return true
}

func (s *CallSession) RemoveParticipant(p ParticipantID) bool {
	delete(s.Epochs, p)
	i := slices.Index(s.Participants, p)
	if i < 0 {
		return false
	}
	s.Participants = slices.Delete(s.Participants, i, i+1)
	return true
}

func (s *CallSession) EpochOf(p ParticipantID) string {
	return s.Epochs[p]
}

func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Participants = slices.Clone(s.Participants)
	out.RejectedBy = slices.Clone(s.RejectedBy)
	out.Epochs = maps.Clone(s.Epochs)
	return &out
}
