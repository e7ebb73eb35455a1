package domain

// LinkState is the negotiation state of one peer link.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOffering
	LinkAnswering
	LinkNegotiating
	LinkConnected
	LinkFailed
	LinkClosed
)

var linkStateNames = [...]string{
	LinkIdle:        "IDLE",
	LinkOffering:    "OFFERING",
	LinkAnswering:   "ANSWERING",
	LinkNegotiating: "NEGOTIATING",
	LinkConnected:   "CONNECTED",
	LinkFailed:      "FAILED",
	LinkClosed:      "CLOSED",
}

func (s LinkState) String() string {
	if int(s) < 0 || int(s) >= len(linkStateNames) {
		return "UNKNOWN"
	}
	return linkStateNames[s]
}

func (s LinkState) Terminal() bool {
	return s == LinkFailed || s == LinkClosed
}

// linkTransitions lists the legal forward moves. CLOSED is legal from anywhere
// and is not repeated here.
var linkTransitions = map[LinkState][]LinkState{
	LinkIdle:        {LinkOffering, LinkAnswering, LinkFailed},
	LinkOffering:    {LinkAnswering, LinkNegotiating, LinkFailed},
	LinkAnswering:   {LinkNegotiating, LinkFailed},
	LinkNegotiating: {LinkConnected, LinkFailed},
	LinkConnected:   {LinkFailed},
	LinkFailed:      {},
	LinkClosed:      {},
}

func CanTransition(from, to LinkState) bool {
	if to == LinkClosed {
		return from != LinkClosed
	}
	for _, s := range linkTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
