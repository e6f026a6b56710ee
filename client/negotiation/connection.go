package negotiation

import (
	"github.com/adwski/webrtc-dice/backend/model"
)

type (
	// Connector creates peer connections. Handlers may be invoked on any goroutine.
	Connector interface {
		NewConnection(h Handlers) (Connection, error)
	}

	Handlers struct {
		// OnCandidate receives local candidates, ending with model.EndOfCandidates.
		OnCandidate func(model.Candidate)
		// OnDataChannel receives channels opened by the remote side.
		OnDataChannel func(DataChannel)
		// OnFailed is called when connectivity to the remote is lost for good.
		OnFailed func()
	}

	Connection interface {
		CreateDataChannel(label string) (DataChannel, error)
		// Offer creates an offer and applies it as the local description.
		Offer() (string, error)
		// Answer creates an answer and applies it as the local description.
		Answer() (string, error)
		SetRemoteDescription(sdpType, sdp string) error
		// AddCandidate applies a remote candidate, an end marker means no more candidates.
		AddCandidate(c model.Candidate) error
		Close() error
	}

	DataChannel interface {
		Label() string
		SendText(s string) error
		IsOpen() bool
		Close() error
		OnOpen(f func())
		OnClose(f func())
		OnMessage(f func([]byte))
	}
)
