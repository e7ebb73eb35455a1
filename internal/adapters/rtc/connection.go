package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// Connection is a core.LinkConnection over one pion PeerConnection. Candidates
// gathered before a callback is set are held and handed over once it is.
type Connection struct {
	pc      *webrtc.PeerConnection
	remote  domain.ParticipantID
	senders []localSender
	log     zerolog.Logger

	mu          sync.Mutex
	onCandidate func(string)
	onState     func(core.TransportState)
	onStream    func(core.RemoteStream)
	gathered    []string
	streams     []*remoteStream
	muted       bool
	closed      bool
}

var _ core.LinkConnection = (*Connection)(nil)

func newConnection(pc *webrtc.PeerConnection, remote domain.ParticipantID) *Connection {
	return &Connection{
		pc:     pc,
		remote: remote,
		log:    log.With().Str("module", "rtc").Str("remote", string(remote)).Logger(),
	}
}

func (c *Connection) wire() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			c.log.Error().Err(err).Msg("marshal candidate")
			return
		}
		c.mu.Lock()
		fn := c.onCandidate
		if fn == nil {
			c.gathered = append(c.gathered, string(b))
		}
		c.mu.Unlock()
		if fn != nil {
			fn(string(b))
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(transportState(s))
		}
	})

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			_ = receiver.Stop()
			return
		}
		rs := newRemoteStream(track, receiver)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			rs.Close()
			return
		}
		c.streams = append(c.streams, rs)
		fn := c.onStream
		c.mu.Unlock()
		if fn != nil {
			fn(rs)
			return
		}
		rs.Discard()
	})
}

func transportState(s webrtc.PeerConnectionState) core.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return core.TransportClosed
	}
	return core.TransportNew
}

func (c *Connection) CreateOffer(_ context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (c *Connection) AcceptOffer(_ context.Context, sdp string) (string, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (c *Connection) ApplyAnswer(sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// AddICECandidate takes the JSON of a webrtc.ICECandidateInit.
func (c *Connection) AddICECandidate(candidate string) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

// SetAudioEnabled detaches the local tracks from their senders while muted.
func (c *Connection) SetAudioEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muted == !enabled {
		return nil
	}
	for _, s := range c.senders {
		var track webrtc.TrackLocal
		if enabled {
			track = s.track
		}
		if err := s.sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace track: %w", err)
		}
	}
	c.muted = !enabled
	return nil
}

func (c *Connection) OnICECandidate(fn func(string)) {
	c.mu.Lock()
	c.onCandidate = fn
	held := c.gathered
	if fn != nil {
		c.gathered = nil
	}
	c.mu.Unlock()
	if fn == nil {
		return
	}
	for _, cand := range held {
		fn(cand)
	}
}

func (c *Connection) OnTransportState(fn func(core.TransportState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnRemoteStream(fn func(core.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	for _, rs := range streams {
		rs.Close()
	}
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}
