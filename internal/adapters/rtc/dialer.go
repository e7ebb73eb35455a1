// Package rtc implements peer links on pion/webrtc.
package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Populator registers the codecs a media source encodes to. The mediadevices
// codec selector is one.
type Populator interface {
	Populate(*webrtc.MediaEngine)
}

type Options struct {
	STUNServers         []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
	// Loopback gathers 127.0.0.1 candidates too; for single-host setups.
	Loopback bool
}

func OptionsFromConfig(c config.ICEConfig) Options {
	return Options{
		STUNServers:         c.STUNServers,
		DisconnectedTimeout: c.DisconnectedTimeout,
		FailedTimeout:       c.FailedTimeout,
		KeepaliveInterval:   c.KeepaliveInterval,
	}
}

func DefaultWebRTCConfig(stun []string) webrtc.Configuration {
	if len(stun) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stun}},
	}
}

// Dialer builds one pion peer connection per link, all from a shared API.
type Dialer struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.Dialer = (*Dialer)(nil)

// NewDialer registers codecs from codecs, or pion's defaults when nil.
func NewDialer(opts Options, codecs Populator) (*Dialer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		codecs.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 && opts.FailedTimeout > 0 && opts.KeepaliveInterval > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepaliveInterval)
	}
	if opts.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	log.Info().Str("module", "rtc").Strs("stun", opts.STUNServers).Msg("dialer ready")
	return &Dialer{api: api, cfg: DefaultWebRTCConfig(opts.STUNServers)}, nil
}

// Dial creates a connection carrying every local track. Without local tracks
// the connection still receives audio through a recvonly transceiver.
func (d *Dialer) Dial(_ context.Context, remote domain.ParticipantID, local core.LocalStream) (core.LinkConnection, error) {
	pc, err := d.api.NewPeerConnection(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := newConnection(pc, remote)

	if local != nil {
		for _, t := range local.Tracks() {
			tl := t.TrackLocal()
			if tl == nil {
				continue
			}
			sender, err := pc.AddTrack(tl)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add track %s: %w", t.ID(), err)
			}
			c.senders = append(c.senders, localSender{sender: sender, track: tl})
			go readRTCP(sender)
		}
	}
	if len(c.senders) == 0 {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add recvonly transceiver: %w", err)
		}
	}
	c.wire()
	return c, nil
}

// readRTCP keeps the interceptors fed; it ends when the sender stops.
func readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
