//go:build !linux

package media

import (
	"context"
	"errors"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/webrtc/v4"
)

var errNoCapture = errors.New("microphone capture is only supported on linux")

// Microphone is unavailable on this platform; use the silence source.
type Microphone struct{}

func NewMicrophone() (*Microphone, error) { return &Microphone{}, nil }

func (*Microphone) Populate(me *webrtc.MediaEngine) {
	_ = me.RegisterCodec(opusCodec(), webrtc.RTPCodecTypeAudio)
}

func (*Microphone) Acquire(context.Context) (core.LocalStream, error) {
	return nil, errNoCapture
}
