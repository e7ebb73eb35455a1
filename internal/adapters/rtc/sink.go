package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// remoteStream wraps one inbound audio track.
type remoteStream struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver

	once      sync.Once
	drainOnce sync.Once

	packets atomic.Uint64
	lost    atomic.Uint64
	lastSeq uint16
	started bool
}

func newRemoteStream(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *remoteStream {
	return &remoteStream{track: track, receiver: receiver}
}

func (s *remoteStream) ID() string {
	return s.track.StreamID() + "/" + s.track.ID()
}

func (s *remoteStream) Track() *webrtc.TrackRemote { return s.track }

// Discard reads and drops the stream's packets so the receive buffers never
// fill up; it only counts them.
func (s *remoteStream) Discard() {
	s.drainOnce.Do(func() { go s.drain() })
}

func (s *remoteStream) drain() {
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			return
		}
		s.count(pkt)
	}
}

func (s *remoteStream) count(pkt *rtp.Packet) {
	s.packets.Add(1)
	if s.started {
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.lost.Add(uint64(gap - 1))
		}
	}
	s.lastSeq = pkt.SequenceNumber
	s.started = true
}

// Stats reports packets received and sequence gaps seen while discarding.
func (s *remoteStream) Stats() (packets, lost uint64) {
	return s.packets.Load(), s.lost.Load()
}

func (s *remoteStream) Close() {
	s.once.Do(func() {
		_ = s.receiver.Stop()
	})
}
