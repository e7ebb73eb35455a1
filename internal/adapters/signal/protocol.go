package signal

import (
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Request types sent by a client. Every request carrying a non-zero Req gets
// exactly one reply with the same Req.
const (
	TypeCreateSession = "create_session"
	TypeGetSession    = "get_session"
	TypeJoin          = "join"
	TypeLeave         = "leave"
	TypeSetStatus     = "set_status"
	TypeReject        = "reject"
	TypeDeleteSession = "delete_session"
	TypeFindJoinable  = "find_joinable"
	TypeListSessions  = "list_sessions"
	TypeWatch         = "watch"
	TypeWatchRoom     = "watch_room"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypePublish       = "publish"
	TypePing          = "ping"
)

// Messages sent by the hub.
const (
	TypeResult   = "result"
	TypePong     = "pong"
	TypeError    = "error"
	TypeEnvelope = "envelope"
	TypeSession  = "session"
)

// Error codes carried by TypeError replies.
const (
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeForbidden   = "forbidden"
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
	CodeInternal    = "internal"
)

// Message is the single frame shape of the signaling protocol. Sub names the
// watch or subscribe request a pushed frame belongs to.
type Message struct {
	Type      string                `json:"type"`
	Req       uint64                `json:"req,omitempty"`
	Sub       uint64                `json:"sub,omitempty"`
	SessionID domain.SessionID      `json:"session_id,omitempty"`
	RoomID    domain.RoomID         `json:"room_id,omitempty"`
	Epoch     string                `json:"epoch,omitempty"`
	Status    domain.SessionStatus  `json:"status,omitempty"`
	Session   *domain.CallSession   `json:"session,omitempty"`
	Sessions  []*domain.CallSession `json:"sessions,omitempty"`
	Envelope  *domain.Envelope      `json:"envelope,omitempty"`
	Deleted   bool                  `json:"deleted,omitempty"`
	Code      string                `json:"code,omitempty"`
	Error     string                `json:"error,omitempty"`
}

var (
	errForbidden   = errors.New("forbidden")
	errRateLimited = errors.New("rate limited")
	errBadRequest  = errors.New("bad request")
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrSessionStateConflict):
		return CodeConflict
	case errors.Is(err, errForbidden):
		return CodeForbidden
	case errors.Is(err, errRateLimited):
		return CodeRateLimited
	case errors.Is(err, errBadRequest):
		return CodeBadRequest
	}
	return CodeInternal
}

// codeError turns an error reply back into the domain error it stands for.
// Anything the caller cannot act on is reported as the channel being unavailable.
func codeError(m Message) error {
	switch m.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, m.Error)
	case CodeConflict:
		return fmt.Errorf("%w: %s", domain.ErrSessionStateConflict, m.Error)
	}
	return fmt.Errorf("%w: %s: %s", domain.ErrSignalingUnavailable, m.Code, m.Error)
}
