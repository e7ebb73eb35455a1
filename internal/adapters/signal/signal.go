// Package signal carries the session store and the signaling channel over a
// websocket: Hub serves a core.Backend to remote peers, Client consumes it.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Hub exposes a backend to websocket clients. Each connection is bound to one
// participant; it may only publish as that participant and only receives
// envelopes addressed to it.
type Hub struct {
	backend    core.Backend
	limiter    *RateLimiter
	policy     Policy
	sendBuffer int
	readLimit  int64
	pingPeriod time.Duration
	leaveGrace time.Duration
	members    *membership

	mu    sync.Mutex
	conns map[*WsSignalConn]struct{}
}

type HubOption func(*Hub)

func WithRateLimiter(rl *RateLimiter) HubOption {
	return func(h *Hub) { h.limiter = rl }
}

func WithPolicy(p Policy) HubOption {
	return func(h *Hub) { h.policy = p }
}

func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithReadLimit(n int64) HubOption {
	return func(h *Hub) { h.readLimit = n }
}

func WithPingPeriod(d time.Duration) HubOption {
	return func(h *Hub) { h.pingPeriod = d }
}

// WithLeaveGrace sets how long a participant may stay without a connection
// before the hub takes it out of its sessions. Negative disables that.
func WithLeaveGrace(d time.Duration) HubOption {
	return func(h *Hub) { h.leaveGrace = d }
}

func NewHub(backend core.Backend, opts ...HubOption) *Hub {
	h := &Hub{
		backend:    backend,
		policy:     SimplePolicy{},
		sendBuffer: 256,
		readLimit:  32768,
		pingPeriod: 54 * time.Second,
		leaveGrace: 15 * time.Second,
		conns:      make(map[*WsSignalConn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.members = newMembership(h.leaveGrace, h.evict)
	return h
}

type WsSignalConn struct {
	conn        *websocket.Conn
	send        chan []byte
	participant domain.ParticipantID
	cancel      context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	dropped int

	subsMu sync.Mutex
	subs   map[uint64]core.Subscription
}

func (c *WsSignalConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
	c.cancel()
	c.closeSubs()
}

func (c *WsSignalConn) addSub(id uint64, sub core.Subscription) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subs == nil {
		return false
	}
	if old, ok := c.subs[id]; ok {
		old.Close()
	}
	c.subs[id] = sub
	return true
}

func (c *WsSignalConn) dropSub(id uint64) {
	c.subsMu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *WsSignalConn) closeSubs() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request. The participant comes from the
// `participant` query parameter, falling back to the client token cookie.
func (h *Hub) HandleSignal(ctx context.Context, c *gin.Context) {
	pid := c.Query("participant")
	if pid == "" {
		pid = c.GetString("client_token")
	}
	p, err := domain.NewParticipant(pid, "")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "signal").Str("participant", string(p.ID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}

	ctx, cancel := context.WithCancel(ctx)
	conn := &WsSignalConn{
		conn:        ws,
		send:        make(chan []byte, h.sendBuffer),
		participant: p.ID,
		cancel:      cancel,
		subs:        make(map[uint64]core.Subscription),
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	h.members.connected(p.ID)

	go h.writePump(ctx, conn)
	go h.readPump(ctx, conn)
}

func (h *Hub) forget(c *WsSignalConn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		h.members.disconnected(c.participant)
	}
	h.limiter.Forget(c.participant)
}

// Adopt takes over the sessions the backend already holds, as after a
// restart from the journal: their participants get the leave grace to
// reconnect, and sessions nobody is in are deleted.
func (h *Hub) Adopt(ctx context.Context) error {
	recs, err := h.backend.ListSessions(ctx, "")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if len(rec.Participants) == 0 {
			h.deleteIfEmpty(ctx, rec.ID)
			continue
		}
		for _, p := range rec.Participants {
			h.members.joined(p, rec.ID)
		}
	}
	log.Info().Str("module", "signal").Int("sessions", len(recs)).Msg("sessions adopted")
	return nil
}

// evict removes a participant that did not come back in time from its
// sessions; whoever empties a session deletes it, as a leaving peer would.
func (h *Hub) evict(p domain.ParticipantID, sessions []domain.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sid := range sessions {
		rec, err := h.backend.RemoveParticipant(ctx, sid, p)
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Str("participant", string(p)).Str("session", string(sid)).Msg("evict participant")
			continue
		}
		log.Warn().Str("module", "signal").Str("participant", string(p)).Str("session", string(sid)).Msg("participant gone, removed from session")
		if len(rec.Participants) == 0 {
			h.deleteIfEmpty(ctx, sid)
		}
	}
}

func (h *Hub) deleteIfEmpty(ctx context.Context, sid domain.SessionID) {
	err := h.backend.DeleteSession(ctx, sid)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) && !errors.Is(err, domain.ErrSessionStateConflict) {
		log.Error().Err(err).Str("module", "signal").Str("session", string(sid)).Msg("delete empty session")
	}
}

// ConnCount reports the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every open connection. Memberships are kept: the
// participants are expected back once the hub is.
func (h *Hub) Shutdown() {
	h.members.stop()
	h.mu.Lock()
	conns := make([]*WsSignalConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
