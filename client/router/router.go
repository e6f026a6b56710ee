// Package router picks the transport for every outbound message and funnels
// inbound frames from both transports into the bus.
package router

import (
	"errors"
	"fmt"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/client/bus"
	"github.com/adwski/webrtc-dice/client/negotiation"
	"github.com/adwski/webrtc-dice/client/relay"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrNoTransport = errors.New("no transport available")
	ErrLocalTopic  = errors.New("local topics are not sent to peers")
	ErrRelayTopic  = errors.New("topic is reserved for the relay")
)

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

type (
	RelayClient interface {
		Send(env model.Envelope) error
		State() relay.State
		ID() string
	}

	// Channels exposes the direct channel while it is open.
	Channels interface {
		OpenChannel() (negotiation.DataChannel, string, bool)
	}

	Config struct {
		Logger *zerolog.Logger
		Bus    *bus.Bus
		Relay  RelayClient
	}

	Router struct {
		logger   zerolog.Logger
		bus      *bus.Bus
		relay    RelayClient
		channels Channels
	}
)

func New(cfg Config) *Router {
	return &Router{
		logger: cfg.Logger.With().Str("component", "router").Logger(),
		bus:    cfg.Bus,
		relay:  cfg.Relay,
	}
}

// SetChannels plugs in the source of the direct channel.
func (r *Router) SetChannels(c Channels) {
	r.channels = c
}

// Send delivers msg over the open direct channel, or over the relay when there is none.
// Control topics always go over the relay.
func (r *Router) Send(msg model.Message) error {
	topic := msg.Topic()
	if err := checkOutbound(topic); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if !topic.IsControl() && r.channels != nil {
		if ch, remote, ok := r.channels.OpenChannel(); ok {
			err := r.sendChannel(ch, msg)
			if err == nil {
				return nil
			}
			r.logger.Warn().Err(err).
				Str("remote", remote).
				Str("topic", string(topic)).
				Msg("direct channel send failed, using relay")
		}
	}
	return r.SendRelay(msg)
}

// SendRelay delivers msg over the relay regardless of the direct channel.
func (r *Router) SendRelay(msg model.Message) error {
	topic := msg.Topic()
	if err := checkOutbound(topic); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if r.relay.State() != relay.StateConnected {
		return ErrNoTransport
	}
	err := r.relay.Send(model.Envelope{Sender: r.relay.ID(), Data: msg})
	if err != nil {
		if errors.Is(err, relay.ErrNotConnected) {
			return errors.Join(ErrNoTransport, err)
		}
		return err
	}
	r.logger.Trace().Str("topic", string(topic)).Msg("sent over relay")
	return nil
}

func checkOutbound(topic model.Topic) error {
	switch {
	case topic.IsLocal():
		return fmt.Errorf("%w: %s", ErrLocalTopic, topic)
	case relayOnly(topic):
		return fmt.Errorf("%w: %s", ErrRelayTopic, topic)
	}
	return nil
}

// relayOnly topics are produced by the relay server itself, never by a peer.
func relayOnly(topic model.Topic) bool {
	return topic == model.TopicSetID || topic == model.TopicGameFull
}

func (r *Router) sendChannel(ch negotiation.DataChannel, msg model.Message) error {
	b, err := model.EncodeEnvelope(model.Envelope{Sender: r.relay.ID(), Data: msg})
	if err != nil {
		return err
	}
	if err = ch.SendText(string(b)); err != nil {
		return err
	}
	r.logger.Trace().Str("topic", string(msg.Topic())).Msg("sent over direct channel")
	return nil
}

// DispatchRelay publishes an envelope received from the relay.
func (r *Router) DispatchRelay(env model.Envelope) {
	if env.Topic().IsLocal() {
		r.logger.Warn().Str("topic", string(env.Topic())).Msg("local topic from relay dropped")
		return
	}
	r.dump("relay", env)
	r.bus.Dispatch(env)
}

// DispatchChannel decodes and publishes a frame read from the direct channel.
// Frames are attributed to the remote peer. Control and local topics are dropped.
func (r *Router) DispatchChannel(remoteID string, frame []byte) {
	env, err := model.DecodeEnvelope(frame)
	if err != nil {
		r.logger.Error().Err(err).Str("remote", remoteID).Msg("dropping malformed channel frame")
		return
	}
	topic := env.Topic()
	if topic.IsControl() || topic.IsLocal() || relayOnly(topic) {
		r.logger.Warn().Str("topic", string(topic)).Msg("topic is not allowed on the direct channel")
		return
	}
	if env.Sender != remoteID {
		if env.Sender != "" {
			r.logger.Warn().
				Str("sender", env.Sender).
				Str("remote", remoteID).
				Msg("channel frame sender replaced")
		}
		env.Sender = remoteID
	}
	r.dump("channel", env)
	r.bus.Dispatch(env)
}

func (r *Router) dump(source string, env model.Envelope) {
	if e := r.logger.Trace(); e.Enabled() {
		e.Str("source", source).Str("envelope", dumper.Sdump(env)).Msg("inbound envelope")
	}
}
