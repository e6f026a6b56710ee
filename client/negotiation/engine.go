// Package negotiation establishes the direct data channel with the remote peer,
// signaling over the relay until the channel is open.
//
// Role resolution: when both peers are known (one has received the other's
// Invitation) the peer with the lexicographically smaller id makes the offer.
// The other peer answers an Invitation once with its own so that a peer which
// invited before anyone could hear it is still discovered.
//
// Engine methods are not safe for concurrent use. They must be called from a single
// goroutine, and connection callbacks are brought onto it through Config.Post.
package negotiation

import (
	"errors"
	"fmt"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/client/bus"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultChannelLabel = "game"

	disconnectedPopupFormat = "%s has disconnected!"
	waitingForPlayer        = "Waiting for another player..."
)

var (
	ErrNoLocalID = errors.New("local peer id is unknown")
)

type State int

const (
	StateIdle State = iota
	StateWaitingForOffer
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateNegotiated
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForOffer:
		return "waiting-for-offer"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateNegotiated:
		return "negotiated"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type (
	// Signaler delivers control messages to the remote peer over the relay.
	Signaler interface {
		SendRelay(msg model.Message) error
	}

	Config struct {
		Logger    *zerolog.Logger
		Connector Connector
		Signaler  Signaler
		Bus       *bus.Bus
		// LocalID returns the relay assigned id of the local peer.
		LocalID func() string
		// Names resolves peer names for notifications, ids are used when nil.
		Names func(id string) string
		// OnMessage receives frames read from the open channel.
		OnMessage func(remoteID string, frame []byte)
		// Post runs f on the engine's goroutine. When nil callbacks run inline,
		// which only suits connectors that call back synchronously.
		Post func(f func())
		// Timeout bounds an attempt that has not opened the channel yet.
		// Zero means DefaultTimeout, negative disables it.
		Timeout time.Duration
		Label   string
	}

	Engine struct {
		logger    zerolog.Logger
		connector Connector
		signaler  Signaler
		bus       *bus.Bus
		localID   func() string
		names     func(string) string
		onMessage func(string, []byte)
		post      func(func())
		timeout   time.Duration
		label     string

		state      State
		remoteID   string
		remoteName string
		repliedTo  string
		conn       Connection
		channel    DataChannel
		open       bool
		// attempt is bumped on teardown so late callbacks of a discarded connection are ignored
		attempt       uint64
		remoteDescSet bool
		pending       []model.Candidate
		timer         *time.Timer
		subs          []bus.Subscription
	}
)

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		logger:    cfg.Logger.With().Str("component", "negotiation").Logger(),
		connector: cfg.Connector,
		signaler:  cfg.Signaler,
		bus:       cfg.Bus,
		localID:   cfg.LocalID,
		names:     cfg.Names,
		onMessage: cfg.OnMessage,
		post:      cfg.Post,
		timeout:   cfg.Timeout,
		label:     cfg.Label,
	}
	if e.timeout == 0 {
		e.timeout = DefaultTimeout
	}
	if e.label == "" {
		e.label = DefaultChannelLabel
	}
	if e.post == nil {
		e.post = func(f func()) { f() }
	}
	if e.names == nil {
		e.names = func(id string) string { return id }
	}
	if e.onMessage == nil {
		e.onMessage = func(string, []byte) {}
	}
	e.subs = []bus.Subscription{
		e.bus.Subscribe(model.TopicInvitation, func(env model.Envelope) {
			e.HandleInvitation(env.Sender)
		}),
		e.bus.Subscribe(model.TopicOffer, func(env model.Envelope) {
			e.HandleOffer(env.Sender, env.Data.(model.Offer))
		}),
		e.bus.Subscribe(model.TopicAnswer, func(env model.Envelope) {
			e.HandleAnswer(env.Sender, env.Data.(model.Answer))
		}),
		e.bus.Subscribe(model.TopicCandidate, func(env model.Envelope) {
			e.HandleCandidate(env.Sender, env.Data.(model.Candidate))
		}),
		e.bus.Subscribe(model.TopicRemovePlayer, func(env model.Envelope) {
			e.HandlePeerLeft(env.Data.(model.RemovePlayer).ID)
		}),
	}
	return e
}

// Detach removes the engine's bus handlers.
func (e *Engine) Detach() {
	for _, s := range e.subs {
		e.bus.Unsubscribe(s)
	}
	e.subs = nil
}

func (e *Engine) State() State {
	return e.state
}

// RemoteID returns the peer of the current attempt, empty when there is none.
func (e *Engine) RemoteID() string {
	return e.remoteID
}

// OpenChannel returns the data channel if it is open.
func (e *Engine) OpenChannel() (DataChannel, string, bool) {
	if !e.open || e.channel == nil {
		return nil, "", false
	}
	return e.channel, e.remoteID, true
}

// Start announces the local peer with an Invitation. It is a no-op unless the engine is idle.
func (e *Engine) Start() error {
	if e.state != StateIdle && e.state != StateClosed {
		return nil
	}
	if e.localID() == "" {
		return ErrNoLocalID
	}
	if err := e.signaler.SendRelay(model.Invitation{}); err != nil {
		return err
	}
	e.state = StateWaitingForOffer
	e.logger.Debug().Msg("invitation sent")
	return nil
}

// Stop discards any connection without inviting again.
func (e *Engine) Stop() {
	e.teardown()
	e.state = StateIdle
}

func (e *Engine) HandleInvitation(from string) {
	local := e.localID()
	if from == "" || from == local {
		return
	}
	logger := e.logger.With().Str("from", from).Str("state", e.state.String()).Logger()

	switch e.state {
	case StateIdle, StateWaitingForOffer:
	case StateOpen:
		logger.Debug().Msg("invitation ignored, channel is open")
		return
	default:
		if from == e.remoteID {
			logger.Debug().Msg("invitation ignored, negotiation in progress")
			return
		}
		logger.Warn().Str("remote", e.remoteID).Msg("invitation from another peer, dropping current attempt")
		e.teardown()
		e.state = StateWaitingForOffer
	}

	if local < from {
		e.makeOffer(from)
		return
	}
	if e.repliedTo == from {
		logger.Debug().Msg("already invited back, waiting for offer")
		return
	}
	if err := e.signaler.SendRelay(model.Invitation{}); err != nil {
		logger.Error().Err(err).Msg("failed to invite back")
		return
	}
	e.repliedTo = from
	e.state = StateWaitingForOffer
	e.arm()
	logger.Debug().Msg("invited back, waiting for offer")
}

func (e *Engine) makeOffer(to string) {
	e.state = StateOffering
	e.remoteID = to
	logger := e.logger.With().Str("remote", to).Logger()

	if err := e.connect(); err != nil {
		logger.Error().Err(err).Msg("cannot create connection")
		e.reset()
		return
	}
	dc, err := e.conn.CreateDataChannel(e.label)
	if err != nil {
		logger.Error().Err(err).Msg("cannot create data channel")
		e.reset()
		return
	}
	e.attach(dc)

	sdp, err := e.conn.Offer()
	if err != nil {
		logger.Error().Err(err).Msg("cannot create offer")
		e.reset()
		return
	}
	if err = e.signaler.SendRelay(model.NewOffer(sdp)); err != nil {
		logger.Error().Err(err).Msg("failed to send offer")
		e.reset()
		return
	}
	e.state = StateAwaitingAnswer
	e.arm()
	logger.Info().Msg("offer sent")
}

func (e *Engine) HandleOffer(from string, offer model.Offer) {
	logger := e.logger.With().Str("from", from).Str("state", e.state.String()).Logger()
	if e.conn != nil {
		logger.Warn().Msg("offer rejected, connection already exists")
		return
	}
	if e.state != StateIdle && e.state != StateWaitingForOffer {
		logger.Warn().Msg("offer rejected in this state")
		return
	}

	e.state = StateAnswering
	e.remoteID = from
	if err := e.connect(); err != nil {
		logger.Error().Err(err).Msg("cannot create connection")
		e.reset()
		return
	}
	if err := e.conn.SetRemoteDescription(offer.Type, offer.SDP); err != nil {
		logger.Error().Err(err).Msg("cannot apply offer")
		e.reset()
		return
	}
	e.remoteDescSet = true
	e.flushCandidates()

	sdp, err := e.conn.Answer()
	if err != nil {
		logger.Error().Err(err).Msg("cannot create answer")
		e.reset()
		return
	}
	if err = e.signaler.SendRelay(model.NewAnswer(sdp)); err != nil {
		logger.Error().Err(err).Msg("failed to send answer")
		e.reset()
		return
	}
	e.arm()
	logger.Info().Msg("answer sent")
}

func (e *Engine) HandleAnswer(from string, answer model.Answer) {
	logger := e.logger.With().Str("from", from).Str("state", e.state.String()).Logger()
	if e.conn == nil {
		logger.Warn().Msg("answer rejected, no connection")
		return
	}
	if e.state != StateAwaitingAnswer || from != e.remoteID {
		logger.Warn().Msg("unexpected answer rejected")
		return
	}
	if err := e.conn.SetRemoteDescription(answer.Type, answer.SDP); err != nil {
		logger.Error().Err(err).Msg("cannot apply answer")
		e.restart()
		return
	}
	e.remoteDescSet = true
	e.flushCandidates()
	e.state = StateNegotiated
	logger.Info().Msg("negotiated")
}

func (e *Engine) HandleCandidate(from string, c model.Candidate) {
	if e.conn == nil {
		e.logger.Warn().Str("from", from).Msg("candidate rejected, no connection")
		return
	}
	if from != e.remoteID {
		e.logger.Warn().Str("from", from).Msg("candidate from unknown peer rejected")
		return
	}
	if !e.remoteDescSet {
		e.pending = append(e.pending, c)
		return
	}
	e.addCandidate(c)
}

// HandlePeerLeft reacts to the relay reporting that a peer has left the table.
func (e *Engine) HandlePeerLeft(id string) {
	if id == e.repliedTo {
		e.repliedTo = ""
	}
	if id == "" || id != e.remoteID {
		return
	}
	if e.open {
		e.closed()
		return
	}
	e.logger.Info().Str("remote", id).Msg("peer left during negotiation")
	e.restart()
}

// Expire ends the attempt if it is still the current one and the channel is not open yet.
// A peer that invited back and got no offer invites again.
func (e *Engine) Expire(attempt uint64) {
	if attempt != e.attempt || e.open {
		return
	}
	switch e.state {
	case StateWaitingForOffer:
		if e.repliedTo == "" {
			return
		}
		e.logger.Warn().
			Str("remote", e.repliedTo).
			Dur("timeout", e.timeout).
			Msg("no offer after inviting back")
		e.restart()
	case StateAwaitingAnswer, StateAnswering, StateNegotiated:
		e.logger.Warn().
			Str("remote", e.remoteID).
			Str("state", e.state.String()).
			Dur("timeout", e.timeout).
			Msg("negotiation timed out")
		e.restart()
	}
}

// Attempt identifies the current connection attempt.
func (e *Engine) Attempt() uint64 {
	return e.attempt
}

func (e *Engine) connect() error {
	attempt := e.attempt
	conn, err := e.connector.NewConnection(Handlers{
		OnCandidate: func(c model.Candidate) {
			e.post(func() {
				if attempt == e.attempt {
					e.localCandidate(c)
				}
			})
		},
		OnDataChannel: func(dc DataChannel) {
			e.post(func() {
				if attempt == e.attempt {
					e.attach(dc)
				}
			})
		},
		OnFailed: func() {
			e.post(func() {
				if attempt == e.attempt {
					e.failed()
				}
			})
		},
	})
	if err != nil {
		return err
	}
	e.conn = conn
	return nil
}

func (e *Engine) attach(dc DataChannel) {
	if e.channel != nil {
		e.logger.Warn().Str("label", dc.Label()).Msg("extra data channel closed")
		_ = dc.Close()
		return
	}
	e.channel = dc
	attempt := e.attempt
	remoteID := e.remoteID

	dc.OnOpen(func() {
		e.post(func() {
			if attempt == e.attempt {
				e.opened()
			}
		})
	})
	dc.OnClose(func() {
		e.post(func() {
			if attempt == e.attempt {
				e.closed()
			}
		})
	})
	dc.OnMessage(func(frame []byte) {
		e.post(func() {
			if attempt == e.attempt {
				e.onMessage(remoteID, frame)
			}
		})
	})
	if dc.IsOpen() {
		e.opened()
	}
}

func (e *Engine) localCandidate(c model.Candidate) {
	if err := e.signaler.SendRelay(c); err != nil {
		e.logger.Error().Err(err).Msg("failed to send candidate")
	}
}

func (e *Engine) addCandidate(c model.Candidate) {
	if err := e.conn.AddCandidate(c); err != nil {
		e.logger.Error().Err(err).Msg("failed to add remote candidate")
	}
}

func (e *Engine) flushCandidates() {
	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		e.addCandidate(c)
	}
}

func (e *Engine) opened() {
	if e.open {
		return
	}
	e.open = true
	e.state = StateOpen
	e.remoteName = e.names(e.remoteID)
	e.disarm()
	e.logger.Info().Str("remote", e.remoteID).Msg("data channel is open")
	e.bus.Publish(model.TopicPeerConnected, model.PeerConnected{
		ID:   e.remoteID,
		Name: e.remoteName,
	})
}

// closed handles the channel going away. A channel that never opened only restarts the attempt.
func (e *Engine) closed() {
	if !e.open {
		e.logger.Warn().Str("remote", e.remoteID).Msg("data channel closed before opening")
		e.restart()
		return
	}
	id, name := e.remoteID, e.remoteName
	if known := e.names(id); known != id {
		name = known
	}
	e.state = StateClosed
	e.teardown()

	e.logger.Info().Str("remote", id).Msg("data channel closed")
	e.bus.Publish(model.TopicPeerDisconnected, model.PeerDisconnected{ID: id, Name: name})
	e.bus.Publish(model.TopicShowPopup, model.ShowPopup{Message: fmt.Sprintf(disconnectedPopupFormat, name)})
	e.bus.Publish(model.TopicUpdateUI, model.UpdateUI{Content: waitingForPlayer})

	e.state = StateIdle
	if err := e.Start(); err != nil {
		e.logger.Error().Err(err).Msg("failed to invite after disconnect")
	}
}

func (e *Engine) failed() {
	e.logger.Warn().Str("remote", e.remoteID).Msg("connectivity failed")
	if e.open {
		e.closed()
		return
	}
	e.restart()
}

// restart drops the current attempt and invites again.
func (e *Engine) restart() {
	e.teardown()
	e.state = StateIdle
	if err := e.Start(); err != nil {
		e.logger.Error().Err(err).Msg("failed to invite again")
	}
}

// reset drops a failed attempt without inviting again, the next Invitation starts over.
func (e *Engine) reset() {
	e.teardown()
	e.state = StateWaitingForOffer
}

func (e *Engine) teardown() {
	e.disarm()
	e.attempt++

	if e.channel != nil {
		if err := e.channel.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("failed to close data channel")
		}
	}
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("failed to close connection")
		}
	}
	e.conn = nil
	e.channel = nil
	e.open = false
	e.remoteID = ""
	e.remoteName = ""
	e.repliedTo = ""
	e.remoteDescSet = false
	e.pending = nil
}

func (e *Engine) arm() {
	e.disarm()
	if e.timeout < 0 {
		return
	}
	attempt := e.attempt
	e.timer = time.AfterFunc(e.timeout, func() {
		e.post(func() { e.Expire(attempt) })
	})
}

func (e *Engine) disarm() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
