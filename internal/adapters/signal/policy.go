package signal

import "github.com/dkeye/voicemesh/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

// Policy decides what happens to a connection whose send buffer is full.
type Policy interface {
	OnBackpressure(p domain.ParticipantID, dropped int) BackpressureAction
}

// SimplePolicy disconnects at once. Client redials and resubscribes, and
// the hub replays the stored envelopes, so the peer only loses time.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(domain.ParticipantID, int) BackpressureAction {
	return Disconnect
}

// TolerantPolicy drops up to Budget frames before disconnecting.
type TolerantPolicy struct {
	Budget int
}

func (p TolerantPolicy) OnBackpressure(_ domain.ParticipantID, dropped int) BackpressureAction {
	if dropped <= p.Budget {
		return DropFrame
	}
	return Disconnect
}

// PolicyByName maps a config value to a Policy.
func PolicyByName(name string, budget int) Policy {
	if name == "drop" {
		return TolerantPolicy{Budget: budget}
	}
	return SimplePolicy{}
}
