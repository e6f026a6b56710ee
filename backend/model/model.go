package model

// MaxSeats is the number of peers a table can host.
const MaxSeats = 2

type Table struct {
	ID    string          `json:"table_id"`
	Seats map[string]Seat `json:"seats"`
}

type Seat struct {
	PeerID string `json:"peer_id"`
}

// Wire connects a relay websocket session to the switch.
// RX carries envelopes received from the peer, TX carries envelopes destined to it.
type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}
