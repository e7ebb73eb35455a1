package media

import (
	"context"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Silence streams Opus silence. It stands in for a microphone on headless
// hosts and keeps a link's media path busy.
type Silence struct{}

func NewSilence() *Silence { return &Silence{} }

func (*Silence) Populate(m *webrtc.MediaEngine) {
	if err := m.RegisterCodec(opusCodec(), webrtc.RTPCodecTypeAudio); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("register opus")
	}
}

func (*Silence) Acquire(ctx context.Context) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+id, "voicemesh-"+id,
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := local.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
					log.Debug().Err(err).Str("module", "media").Msg("write silence")
				}
			}
		}
	}()

	log.Info().Str("module", "media").Str("track", local.ID()).Msg("silence source started")
	return &stream{tracks: []*track{{
		id:    local.ID(),
		local: local,
		stop: func() {
			cancel()
			<-done
		},
	}}}, nil
}
