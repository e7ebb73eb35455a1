//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Microphone captures the default input device and encodes it to Opus.
type Microphone struct {
	codecs *mediadevices.CodecSelector
}

func NewMicrophone() (*Microphone, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &Microphone{
		codecs: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)),
	}, nil
}

func (m *Microphone) Populate(me *webrtc.MediaEngine) {
	m.codecs.Populate(me)
}

// Acquire opens the microphone. A permission prompt or a busy device can
// make this slow; ctx bounds the wait, and a capture that completes after
// ctx is done is closed again.
func (m *Microphone) Acquire(ctx context.Context) (core.LocalStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(*mediadevices.MediaTrackConstraints) {},
			Codec: m.codecs,
		})
		ch <- result{s, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("get user media: %w", r.err)
		}
		return m.wrap(r.stream), nil
	}
}

func (m *Microphone) wrap(ms mediadevices.MediaStream) *stream {
	s := &stream{}
	for _, t := range ms.GetAudioTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("local track ended")
			}
		})
		s.tracks = append(s.tracks, &track{
			id:    t.ID(),
			local: t,
			stop:  func() { _ = t.Close() },
		})
	}
	log.Info().Str("module", "media").Int("tracks", len(s.tracks)).Msg("microphone captured")
	return s
}
