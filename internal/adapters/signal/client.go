package signal

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type clientSub struct {
	// req re-issues the subscription after a reconnect.
	req      Message
	id       uint64
	closed   bool
	envelope func(domain.Envelope)
	match    func(domain.Envelope) bool
	session  func(*domain.CallSession)
	room     func(domain.SessionID, *domain.CallSession)
}

// Reconnect tunes how a Client gets back to the hub. Attempts bounds the
// dials per outage: zero means no limit, negative disables reconnecting.
type Reconnect struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Attempts int
}

func DefaultReconnect() Reconnect {
	return Reconnect{MinDelay: 250 * time.Millisecond, MaxDelay: 10 * time.Second}
}

type ClientOption func(*Client)

func WithReconnect(r Reconnect) ClientOption {
	return func(c *Client) { c.reconnect = r }
}

// Client is a core.Backend served by a remote Hub. When the connection drops
// it dials again and re-issues every live watch and subscription; the hub
// replays stored envelopes, so subscribers must tolerate repeats. Callbacks
// of Subscribe, WatchSession and WatchRoom must not block.
type Client struct {
	url       string
	self      domain.ParticipantID
	reconnect Reconnect
	log       zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	nextReq  uint64
	pending  map[uint64]chan Message
	subs     map[uint64]*clientSub
	watchers map[uint64]func(error)
	err      error
	closed   bool

	quit chan struct{}
	done chan struct{}
}

var (
	_ core.Backend           = (*Client)(nil)
	_ core.ConnectionWatcher = (*Client)(nil)
)

var errSubClosed = errors.New("subscription closed")

// Dial connects to the hub at rawURL as self.
func Dial(ctx context.Context, rawURL string, self domain.ParticipantID, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("hub url: %w", err)
	}
	q := u.Query()
	q.Set("participant", string(self))
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrSignalingUnavailable, u.Redacted(), err)
	}
	c := &Client{
		url:       u.String(),
		self:      self,
		reconnect: DefaultReconnect(),
		log:       log.With().Str("module", "signal.client").Str("self", string(self)).Logger(),
		conn:      ws,
		pending:   make(map[uint64]chan Message),
		subs:      make(map[uint64]*clientSub),
		watchers:  make(map[uint64]func(error)),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reconnect.MinDelay <= 0 {
		c.reconnect.MinDelay = DefaultReconnect().MinDelay
	}
	c.reconnect.MaxDelay = max(c.reconnect.MaxDelay, c.reconnect.MinDelay)
	go c.run(ws)
	c.log.Info().Str("hub", u.Host).Msg("connected to hub")
	return c, nil
}

// Done is closed once the client stopped for good, after Close or when
// reconnecting gave up; Err tells why.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why requests currently fail: the outage in progress, or why
// the client stopped. It is nil while connected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	close(c.quit)
	c.mu.Unlock()

	c.writeMu.Lock()
	ws := c.conn
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = ws.Close()
	<-c.done
	return nil
}

// WatchConnection reports every outage and every recovery to fn, from the
// client's own goroutines.
func (c *Client) WatchConnection(fn func(error)) core.Subscription {
	c.mu.Lock()
	c.nextReq++
	id := c.nextReq
	c.watchers[id] = fn
	c.mu.Unlock()
	return core.SubscriptionFunc(func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	})
}

func (c *Client) notify(err error) {
	c.mu.Lock()
	fns := make([]func(error), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// lostErr explains a request cut off by an outage, even when the client has
// already reconnected.
func (c *Client) lostErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: hub connection lost", domain.ErrSignalingUnavailable)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run owns the connection: it reads until the connection drops, then redials
// and resubscribes until the client is closed or gives up.
func (c *Client) run(ws *websocket.Conn) {
	defer close(c.done)
	closed := fmt.Errorf("%w: client closed", domain.ErrSignalingUnavailable)
	for {
		err := c.readLoop(ws)
		if c.isClosed() {
			c.stop(closed)
			return
		}
		lost := fmt.Errorf("%w: hub connection lost: %w", domain.ErrSignalingUnavailable, err)
		c.log.Warn().Err(err).Msg("hub connection lost")
		c.interrupt(lost)
		c.notify(lost)

		if ws = c.redial(); ws == nil {
			if c.isClosed() {
				lost = closed
			}
			c.stop(lost)
			return
		}
		go c.resubscribe(ws)
	}
}

// interrupt fails every request in flight; subscriptions stay registered so
// they can be re-issued.
func (c *Client) interrupt(err error) {
	c.mu.Lock()
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]chan Message)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) stop(err error) {
	c.interrupt(err)
	c.mu.Lock()
	c.subs = make(map[uint64]*clientSub)
	c.mu.Unlock()
}

func (c *Client) redial() *websocket.Conn {
	if c.reconnect.Attempts < 0 {
		return nil
	}
	delay := c.reconnect.MinDelay
	for attempt := 1; c.reconnect.Attempts == 0 || attempt <= c.reconnect.Attempts; attempt++ {
		select {
		case <-c.quit:
			return nil
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*writeWait)
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		cancel()
		if err != nil {
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("redial")
			delay = min(2*delay, c.reconnect.MaxDelay)
			continue
		}

		c.writeMu.Lock()
		if c.isClosed() {
			c.writeMu.Unlock()
			_ = ws.Close()
			return nil
		}
		c.conn = ws
		c.writeMu.Unlock()

		c.mu.Lock()
		c.err = nil
		c.mu.Unlock()
		c.log.Info().Int("attempt", attempt).Msg("reconnected to hub")
		return ws
	}
	c.log.Error().Int("attempts", c.reconnect.Attempts).Msg("giving up on the hub")
	return nil
}

// resubscribe re-issues the live subscriptions in their original order on
// ws, then reports the connection restored. A watch whose session is gone
// is told so; any other failure drops ws for the next attempt.
func (c *Client) resubscribe(ws *websocket.Conn) {
	c.mu.Lock()
	live := make([]*clientSub, 0, len(c.subs))
	for _, sub := range c.subs {
		live = append(live, sub)
	}
	clear(c.subs)
	c.mu.Unlock()
	slices.SortFunc(live, func(a, b *clientSub) int { return cmp.Compare(a.id, b.id) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*writeWait)
	defer cancel()
	for _, sub := range live {
		_, err := c.doSub(ctx, sub.req, sub)
		switch {
		case err == nil, errors.Is(err, errSubClosed):
		case errors.Is(err, domain.ErrSessionNotFound):
			c.log.Info().Str("type", sub.req.Type).Str("session", string(sub.req.SessionID)).Msg("session gone while disconnected")
			if sub.session != nil {
				sub.session(nil)
			}
		default:
			c.log.Warn().Err(err).Str("type", sub.req.Type).Msg("resubscribe")
			c.mu.Lock()
			for _, rest := range live {
				if !rest.closed {
					c.subs[rest.id] = rest
				}
			}
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
	}
	c.log.Info().Int("subscriptions", len(live)).Msg("subscriptions restored")
	c.notify(nil)
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("read loop stopped")
			return err
		}
		var m Message
		if jerr := json.Unmarshal(data, &m); jerr != nil {
			c.log.Warn().Err(jerr).Msg("bad frame from hub")
			continue
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m Message) {
	switch m.Type {
	case TypeEnvelope:
		c.mu.Lock()
		sub := c.subs[m.Sub]
		c.mu.Unlock()
		if sub == nil || sub.envelope == nil || m.Envelope == nil {
			return
		}
		if sub.match == nil || sub.match(*m.Envelope) {
			sub.envelope(*m.Envelope)
		}
	case TypeSession:
		c.mu.Lock()
		sub := c.subs[m.Sub]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		rec := m.Session
		if m.Deleted {
			rec = nil
		}
		switch {
		case sub.room != nil:
			sub.room(m.SessionID, rec)
		case sub.session != nil:
			sub.session(rec)
		}
	default:
		if m.Req == 0 {
			if m.Type == TypeError {
				c.log.Warn().Str("code", m.Code).Str("error", m.Error).Msg("hub error")
			}
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[m.Req]
		delete(c.pending, m.Req)
		c.mu.Unlock()
		if ok {
			ch <- m
		}
	}
}

func (c *Client) write(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: write %s: %w", domain.ErrSignalingUnavailable, m.Type, err)
	}
	return nil
}

// register reserves a request id, optionally binding a subscription to it
// before the request leaves so that no push can arrive unrouted.
func (c *Client) register(sub *clientSub) (uint64, chan Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, nil, c.err
	}
	if sub != nil && sub.closed {
		return 0, nil, errSubClosed
	}
	c.nextReq++
	id := c.nextReq
	ch := make(chan Message, 1)
	c.pending[id] = ch
	if sub != nil {
		sub.id = id
		c.subs[id] = sub
	}
	return id, ch, nil
}

func (c *Client) forget(id uint64, sub bool) {
	c.mu.Lock()
	delete(c.pending, id)
	if sub {
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, m Message) (Message, error) {
	return c.doSub(ctx, m, nil)
}

func (c *Client) doSub(ctx context.Context, m Message, sub *clientSub) (Message, error) {
	id, ch, err := c.register(sub)
	if err != nil {
		return Message{}, err
	}
	m.Req = id
	if err := c.write(m); err != nil {
		c.forget(id, sub != nil)
		return Message{}, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return Message{}, c.lostErr()
		}
		if resp.Type == TypeError {
			c.forget(id, sub != nil)
			return Message{}, codeError(resp)
		}
		resp.Req = id
		return resp, nil
	case <-ctx.Done():
		c.forget(id, sub != nil)
		return Message{}, fmt.Errorf("%w: %s: %w", domain.ErrSignalingUnavailable, m.Type, ctx.Err())
	}
}

// Ping round-trips a ping through the hub.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, Message{Type: TypePing})
	return err
}

func (c *Client) CreateSession(ctx context.Context, s *domain.CallSession) error {
	_, err := c.do(ctx, Message{Type: TypeCreateSession, Session: s})
	return err
}

func (c *Client) GetSession(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	resp, err := c.do(ctx, Message{Type: TypeGetSession, SessionID: id})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// AddParticipant joins as the connection's participant; p must be self.
func (c *Client) AddParticipant(ctx context.Context, id domain.SessionID, p domain.ParticipantID, epoch string) (*domain.CallSession, error) {
	if p != c.self {
		return nil, fmt.Errorf("%w: client of %s cannot join %s", domain.ErrSessionStateConflict, c.self, p)
	}
	resp, err := c.do(ctx, Message{Type: TypeJoin, SessionID: id, Epoch: epoch})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *Client) RemoveParticipant(ctx context.Context, id domain.SessionID, p domain.ParticipantID) (*domain.CallSession, error) {
	if p != c.self {
		return nil, fmt.Errorf("%w: client of %s cannot remove %s", domain.ErrSessionStateConflict, c.self, p)
	}
	resp, err := c.do(ctx, Message{Type: TypeLeave, SessionID: id})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *Client) SetStatus(ctx context.Context, id domain.SessionID, status domain.SessionStatus) error {
	_, err := c.do(ctx, Message{Type: TypeSetStatus, SessionID: id, Status: status})
	return err
}

func (c *Client) RejectSession(ctx context.Context, id domain.SessionID, p domain.ParticipantID) error {
	if p != c.self {
		return fmt.Errorf("%w: client of %s cannot reject for %s", domain.ErrSessionStateConflict, c.self, p)
	}
	_, err := c.do(ctx, Message{Type: TypeReject, SessionID: id})
	return err
}

func (c *Client) DeleteSession(ctx context.Context, id domain.SessionID) error {
	_, err := c.do(ctx, Message{Type: TypeDeleteSession, SessionID: id})
	return err
}

func (c *Client) FindJoinable(ctx context.Context, room domain.RoomID) (*domain.CallSession, error) {
	resp, err := c.do(ctx, Message{Type: TypeFindJoinable, RoomID: room})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *Client) ListSessions(ctx context.Context, room domain.RoomID) ([]*domain.CallSession, error) {
	resp, err := c.do(ctx, Message{Type: TypeListSessions, RoomID: room})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) WatchSession(ctx context.Context, id domain.SessionID, fn func(*domain.CallSession)) (core.Subscription, error) {
	return c.subscribe(ctx, &clientSub{req: Message{Type: TypeWatch, SessionID: id}, session: fn})
}

func (c *Client) WatchRoom(ctx context.Context, room domain.RoomID, fn func(domain.SessionID, *domain.CallSession)) (core.Subscription, error) {
	return c.subscribe(ctx, &clientSub{req: Message{Type: TypeWatchRoom, RoomID: room}, room: fn})
}

func (c *Client) Publish(ctx context.Context, env domain.Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	_, err := c.do(ctx, Message{Type: TypePublish, SessionID: env.SessionID, Envelope: &env})
	return err
}

func (c *Client) Subscribe(ctx context.Context, sid domain.SessionID, match func(domain.Envelope) bool, fn func(domain.Envelope)) (core.Subscription, error) {
	return c.subscribe(ctx, &clientSub{req: Message{Type: TypeSubscribe, SessionID: sid}, envelope: fn, match: match})
}

func (c *Client) subscribe(ctx context.Context, sub *clientSub) (core.Subscription, error) {
	if _, err := c.doSub(ctx, sub.req, sub); err != nil {
		return nil, err
	}
	return core.SubscriptionFunc(func() { c.unsubscribe(sub) }), nil
}

// unsubscribe is idempotent. The hub is told only while the subscription is
// registered under its current id.
func (c *Client) unsubscribe(sub *clientSub) {
	c.mu.Lock()
	if sub.closed {
		c.mu.Unlock()
		return
	}
	sub.closed = true
	id := sub.id
	_, live := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !live {
		return
	}
	if err := c.write(Message{Type: TypeUnsubscribe, Sub: id}); err != nil {
		c.log.Debug().Err(err).Uint64("sub", id).Msg("unsubscribe")
	}
}
