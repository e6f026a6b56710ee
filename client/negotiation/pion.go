package negotiation

import (
	"fmt"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/pion/webrtc/v4"
)

var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

type PionConfig struct {
	// STUNServers are used for server reflexive candidates, none means host candidates only.
	STUNServers []string
	// IncludeLoopback allows loopback candidates, needed when both peers share a host.
	IncludeLoopback bool
}

// PionConnector creates connections backed by pion/webrtc.
type PionConnector struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPionConnector(cfg PionConfig) *PionConnector {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	config := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	return &PionConnector{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: config,
	}
}

func (pc *PionConnector) NewConnection(h Handlers) (Connection, error) {
	conn, err := pc.api.NewPeerConnection(pc.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if h.OnCandidate == nil {
			return
		}
		if c == nil {
			h.OnCandidate(model.EndOfCandidates())
			return
		}
		h.OnCandidate(candidateFromPion(c.ToJSON()))
	})
	conn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if h.OnDataChannel != nil {
			h.OnDataChannel(&pionChannel{dc: dc})
		}
	})
	conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed && h.OnFailed != nil {
			h.OnFailed()
		}
	})
	return &pionConnection{pc: conn}, nil
}

func candidateFromPion(init webrtc.ICECandidateInit) model.Candidate {
	c := model.Candidate{Candidate: &init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	if init.UsernameFragment != nil {
		c.UsernameFragment = *init.UsernameFragment
	}
	return c
}

func candidateToPion(c model.Candidate) webrtc.ICECandidateInit {
	if c.IsEnd() {
		return webrtc.ICECandidateInit{}
	}
	mid, idx := c.SDPMid, c.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     *c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if c.UsernameFragment != "" {
		ufrag := c.UsernameFragment
		init.UsernameFragment = &ufrag
	}
	return init
}

type pionConnection struct {
	pc *webrtc.PeerConnection
}

func (c *pionConnection) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConnection) Offer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return offer.SDP, nil
}

func (c *pionConnection) Answer() (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	if err = c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return answer.SDP, nil
}

func (c *pionConnection) SetRemoteDescription(sdpType, sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdpType), SDP: sdp}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// AddCandidate passes an end marker as an empty candidate, which pion treats as end of candidates.
func (c *pionConnection) AddCandidate(cand model.Candidate) error {
	if err := c.pc.AddICECandidate(candidateToPion(cand)); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (ch *pionChannel) Label() string           { return ch.dc.Label() }
func (ch *pionChannel) SendText(s string) error { return ch.dc.SendText(s) }
func (ch *pionChannel) Close() error            { return ch.dc.Close() }
func (ch *pionChannel) OnOpen(f func())         { ch.dc.OnOpen(f) }
func (ch *pionChannel) OnClose(f func())        { ch.dc.OnClose(f) }

func (ch *pionChannel) IsOpen() bool {
	return ch.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (ch *pionChannel) OnMessage(f func([]byte)) {
	ch.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}
