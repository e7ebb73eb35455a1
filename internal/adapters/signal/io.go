package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (h *Hub) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if h.pingPeriod > 0 {
		t := time.NewTicker(h.pingPeriod)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, c *WsSignalConn) {
	pid := string(c.participant)
	defer func() {
		log.Info().Str("module", "signal").Str("participant", pid).Msg("readPump closing")
		c.Close()
		h.forget(c)
	}()

	if h.pingPeriod > 0 {
		pongWait := h.pingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("participant", pid).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("participant", pid).Msg("readPump read error")
				}
				return
			}
			h.handleSignal(ctx, c, data)
		}
	}
}

func (h *Hub) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		h.sendJSON(c, Message{Type: TypeError, Code: CodeBadRequest, Error: "bad json"})
		return
	}

	var (
		out Message
		err error
	)
	switch m.Type {
	case TypePing:
		out = Message{Type: TypePong}
	case TypeCreateSession:
		out, err = h.handleCreate(ctx, c, m)
	case TypeGetSession:
		out, err = h.handleGet(ctx, m)
	case TypeJoin:
		out, err = h.handleJoin(ctx, c, m)
	case TypeLeave:
		out, err = h.handleLeave(ctx, c, m)
	case TypeSetStatus:
		out, err = h.handleSetStatus(ctx, c, m)
	case TypeReject:
		err = h.backend.RejectSession(ctx, m.SessionID, c.participant)
	case TypeDeleteSession:
		err = h.backend.DeleteSession(ctx, m.SessionID)
	case TypeFindJoinable:
		var rec *domain.CallSession
		rec, err = h.backend.FindJoinable(ctx, m.RoomID)
		out.Session = rec
	case TypeListSessions:
		out.Sessions, err = h.backend.ListSessions(ctx, m.RoomID)
	case TypeWatch:
		err = h.handleWatch(ctx, c, m)
	case TypeWatchRoom:
		err = h.handleWatchRoom(ctx, c, m)
	case TypeSubscribe:
		err = h.handleSubscribe(ctx, c, m)
	case TypeUnsubscribe:
		c.dropSub(m.Sub)
	case TypePublish:
		err = h.handlePublish(ctx, c, m)
	default:
		log.Warn().Str("module", "signal").Str("type", m.Type).Msg("unknown signal")
		err = fmt.Errorf("%w: unknown type %q", errBadRequest, m.Type)
	}
	h.reply(c, m, out, err)
}

// reply answers a request. Requests without a Req id get no reply, except
// for ping.
func (h *Hub) reply(c *WsSignalConn, req, out Message, err error) {
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("type", req.Type).Str("participant", string(c.participant)).Msg("request failed")
		out = Message{Type: TypeError, Code: errorCode(err), Error: err.Error()}
	} else if out.Type == "" {
		out.Type = TypeResult
	}
	if req.Req == 0 && out.Type != TypePong {
		return
	}
	out.Req = req.Req
	h.sendJSON(c, out)
}

func (h *Hub) handleCreate(ctx context.Context, c *WsSignalConn, m Message) (Message, error) {
	if m.Session == nil {
		return Message{}, fmt.Errorf("%w: missing session", errBadRequest)
	}
	if m.Session.Initiator != c.participant {
		return Message{}, fmt.Errorf("%w: initiator must be the caller", errForbidden)
	}
	if err := h.backend.CreateSession(ctx, m.Session); err != nil {
		return Message{}, err
	}
	if m.Session.Has(c.participant) {
		h.members.joined(c.participant, m.Session.ID)
	}
	return Message{}, nil
}

func (h *Hub) handleGet(ctx context.Context, m Message) (Message, error) {
	rec, err := h.backend.GetSession(ctx, m.SessionID)
	return Message{Session: rec}, err
}

func (h *Hub) handleJoin(ctx context.Context, c *WsSignalConn, m Message) (Message, error) {
	rec, err := h.backend.AddParticipant(ctx, m.SessionID, c.participant, m.Epoch)
	if err == nil {
		h.members.joined(c.participant, m.SessionID)
	}
	return Message{Session: rec}, err
}

func (h *Hub) handleLeave(ctx context.Context, c *WsSignalConn, m Message) (Message, error) {
	rec, err := h.backend.RemoveParticipant(ctx, m.SessionID, c.participant)
	if err == nil || errors.Is(err, domain.ErrSessionNotFound) {
		h.members.left(c.participant, m.SessionID)
	}
	return Message{Session: rec}, err
}

// handleSetStatus lets only the initiator change the status of a session.
func (h *Hub) handleSetStatus(ctx context.Context, c *WsSignalConn, m Message) (Message, error) {
	switch m.Status {
	case domain.StatusRinging, domain.StatusActive, domain.StatusEnded:
	default:
		return Message{}, fmt.Errorf("%w: status %q", errBadRequest, m.Status)
	}
	rec, err := h.backend.GetSession(ctx, m.SessionID)
	if err != nil {
		return Message{}, err
	}
	if rec.Initiator != c.participant {
		return Message{}, fmt.Errorf("%w: only the initiator sets the status", errForbidden)
	}
	return Message{}, h.backend.SetStatus(ctx, m.SessionID, m.Status)
}

func (h *Hub) handleWatch(ctx context.Context, c *WsSignalConn, m Message) error {
	if m.Req == 0 {
		return fmt.Errorf("%w: watch needs a request id", errBadRequest)
	}
	sid, id := m.SessionID, m.Req
	sub, err := h.backend.WatchSession(ctx, sid, func(rec *domain.CallSession) {
		h.sendJSON(c, Message{Type: TypeSession, Sub: id, SessionID: sid, Session: rec, Deleted: rec == nil})
	})
	if err != nil {
		return err
	}
	if !c.addSub(id, sub) {
		sub.Close()
		return ErrConnClosed
	}
	return nil
}

func (h *Hub) handleWatchRoom(ctx context.Context, c *WsSignalConn, m Message) error {
	if m.Req == 0 {
		return fmt.Errorf("%w: watch_room needs a request id", errBadRequest)
	}
	if m.RoomID == "" {
		return fmt.Errorf("%w: missing room", errBadRequest)
	}
	id := m.Req
	sub, err := h.backend.WatchRoom(ctx, m.RoomID, func(sid domain.SessionID, rec *domain.CallSession) {
		h.sendJSON(c, Message{Type: TypeSession, Sub: id, SessionID: sid, RoomID: m.RoomID, Session: rec, Deleted: rec == nil})
	})
	if err != nil {
		return err
	}
	if !c.addSub(id, sub) {
		sub.Close()
		return ErrConnClosed
	}
	return nil
}

// handleSubscribe delivers only envelopes addressed to the connection's
// participant; clients narrow further on their side.
func (h *Hub) handleSubscribe(ctx context.Context, c *WsSignalConn, m Message) error {
	if m.Req == 0 {
		return fmt.Errorf("%w: subscribe needs a request id", errBadRequest)
	}
	self, id := c.participant, m.Req
	match := func(env domain.Envelope) bool { return env.To == self }
	sub, err := h.backend.Subscribe(ctx, m.SessionID, match, func(env domain.Envelope) {
		h.sendJSON(c, Message{Type: TypeEnvelope, Sub: id, SessionID: env.SessionID, Envelope: &env})
	})
	if err != nil {
		return err
	}
	if !c.addSub(id, sub) {
		sub.Close()
		return ErrConnClosed
	}
	return nil
}

func (h *Hub) handlePublish(ctx context.Context, c *WsSignalConn, m Message) error {
	if m.Envelope == nil {
		return fmt.Errorf("%w: missing envelope", errBadRequest)
	}
	env := *m.Envelope
	if env.From != c.participant {
		return fmt.Errorf("%w: cannot publish as %s", errForbidden, env.From)
	}
	if !env.Kind.Valid() || env.To == "" {
		return fmt.Errorf("%w: malformed envelope", errBadRequest)
	}
	if !h.limiter.Allow(c.participant) {
		log.Warn().Str("module", "signal").Str("participant", string(c.participant)).Msg("publish rate limited")
		return errRateLimited
	}
	return h.backend.Publish(ctx, env)
}

func (h *Hub) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, ErrBackpressure) {
		h.onBackpressure(c)
	}
}

func (h *Hub) onBackpressure(c *WsSignalConn) {
	c.mu.Lock()
	c.dropped++
	n := c.dropped
	c.mu.Unlock()

	switch h.policy.OnBackpressure(c.participant, n) {
	case Disconnect:
		log.Warn().Str("module", "signal").Str("participant", string(c.participant)).Int("dropped", n).Msg("slow connection, disconnecting")
		c.Close()
	case DropFrame:
		log.Debug().Str("module", "signal").Str("participant", string(c.participant)).Int("dropped", n).Msg("frame dropped")
	}
}
