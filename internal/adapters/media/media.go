// Package media provides local audio sources for a call.
package media

import (
	"fmt"
	"sync"

	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/webrtc/v4"
)

// Device is a core.MediaDevice that also knows the codecs it encodes to.
type Device interface {
	core.MediaDevice
	Populate(*webrtc.MediaEngine)
}

// New picks the source named by cfg.Source.
func New(cfg config.MediaConfig) (Device, error) {
	switch cfg.Source {
	case "silence":
		return NewSilence(), nil
	case "microphone", "":
		return NewMicrophone()
	}
	return nil, fmt.Errorf("unknown media source %q", cfg.Source)
}

type track struct {
	id    string
	local webrtc.TrackLocal
	stop  func()
}

func (t *track) ID() string                    { return t.id }
func (t *track) TrackLocal() webrtc.TrackLocal { return t.local }

// stream is a core.LocalStream whose tracks stop together.
type stream struct {
	mu      sync.Mutex
	tracks  []*track
	stopped bool
}

var _ core.LocalStream = (*stream)(nil)

func (s *stream) Tracks() []core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *stream) ActiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	return len(s.tracks)
}

func (s *stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := s.tracks
	s.mu.Unlock()
	for _, t := range tracks {
		t.stop()
	}
}

func opusCodec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
}
