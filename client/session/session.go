// Package session wires the client components of one player together.
//
// Everything that touches session state runs on a single event loop goroutine:
// relay frames, connection callbacks, timers and application calls made through
// Do, Send and Publish. Bus handlers therefore never run concurrently.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/client/bus"
	"github.com/adwski/webrtc-dice/client/negotiation"
	"github.com/adwski/webrtc-dice/client/peers"
	"github.com/adwski/webrtc-dice/client/relay"
	"github.com/adwski/webrtc-dice/client/router"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultEventQueueSize = 256
	defaultCloseTimeout   = 2 * time.Second

	GameFullMessage       = "Game Full! Please close tab!"
	ConnectionLostMessage = "Connection to the server was lost!"
)

var (
	ErrStopped = errors.New("session is stopped")
)

type (
	Config struct {
		Logger *zerolog.Logger
		// RelayURL is the websocket address of the table, e.g. ws://host:8888/relay/<table>.
		RelayURL string
		// Name is shown to the other player.
		Name      string
		Connector negotiation.Connector
		// NegotiationTimeout follows negotiation.Config.Timeout semantics.
		NegotiationTimeout time.Duration
		// Dialer is optional.
		Dialer *websocket.Dialer
	}

	Session struct {
		logger   zerolog.Logger
		relayURL string
		name     string

		bus    *bus.Bus
		relay  *relay.Client
		peers  *peers.Directory
		engine *negotiation.Engine
		router *router.Router

		events chan func()
		done   chan struct{}
	}

	Status struct {
		LocalID     string
		Remote      peers.Peer
		HasRemote   bool
		Players     []model.Player
		Relay       relay.State
		Negotiation negotiation.State
	}
)

func New(cfg Config) *Session {
	s := &Session{
		logger:   cfg.Logger.With().Str("component", "session").Logger(),
		relayURL: cfg.RelayURL,
		name:     cfg.Name,
		bus:      bus.New(),
		events:   make(chan func(), defaultEventQueueSize),
		done:     make(chan struct{}),
	}

	s.relay = relay.NewClient(relay.Config{
		Logger: cfg.Logger,
		Dialer: cfg.Dialer,
		OnEnvelope: func(env model.Envelope) {
			s.post(func() { s.router.DispatchRelay(env) })
		},
		OnFailure: func(err error) {
			s.post(func() { s.relayFailed(err) })
		},
	})
	s.router = router.New(router.Config{
		Logger: cfg.Logger,
		Bus:    s.bus,
		Relay:  s.relay,
	})
	s.peers = peers.New(peers.Config{
		Logger: cfg.Logger,
		Bus:    s.bus,
		Relay:  s.router,
	})
	s.engine = negotiation.NewEngine(negotiation.Config{
		Logger:    cfg.Logger,
		Connector: cfg.Connector,
		Signaler:  s.router,
		Bus:       s.bus,
		LocalID:   s.relay.ID,
		Names:     s.peers.Name,
		OnMessage: s.router.DispatchChannel,
		Post:      s.post,
		Timeout:   cfg.NegotiationTimeout,
	})
	s.router.SetChannels(s.engine)

	s.bus.Subscribe(model.TopicSetID, s.onSetID)
	return s
}

// Bus returns the session's bus. Handlers run on the event loop.
func (s *Session) Bus() *bus.Bus {
	return s.bus
}

// Run connects to the relay and runs the event loop until ctx is done,
// then closes the relay connection.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	if err := s.relay.Initialize(ctx, s.relayURL); err != nil {
		s.logger.Error().Err(err).Msg("relay is unavailable")
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case f := <-s.events:
			f()
		}
	}
}

func (s *Session) shutdown() {
	s.engine.Stop()
	s.engine.Detach()
	s.peers.Detach()

	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	if err := s.relay.Close(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("relay close failed")
	}
	s.logger.Debug().Msg("session stopped")
}

func (s *Session) post(f func()) {
	select {
	case s.events <- f:
	case <-s.done:
	}
}

// Do runs f on the event loop and waits for it to finish.
func (s *Session) Do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	select {
	case s.events <- func() { f(); close(finished) }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers a message to the other player over the best available transport.
// Failures are logged and returned, the message is not retried.
func (s *Session) Send(ctx context.Context, msg model.Message) error {
	var err error
	if doErr := s.Do(ctx, func() { err = s.router.Send(msg) }); doErr != nil {
		return doErr
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", string(msg.Topic())).Msg("message dropped")
	}
	return err
}

// Publish delivers a message to local handlers only.
func (s *Session) Publish(ctx context.Context, msg model.Message) error {
	return s.Do(ctx, func() { s.bus.Publish(msg.Topic(), msg) })
}

func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.Do(ctx, func() {
		st.LocalID = s.relay.ID()
		st.Remote, st.HasRemote = s.peers.Remote()
		st.Players = s.peers.Roster()
		st.Relay = s.relay.State()
		st.Negotiation = s.engine.State()
	})
	return st, err
}

func (s *Session) onSetID(env model.Envelope) {
	id := env.Data.(model.SetID).ID
	s.logger.Info().Str("id", id).Msg("identity assigned")

	s.peers.RegisterLocal(id, s.name)
	if err := s.peers.Announce(); err != nil {
		s.logger.Error().Err(err).Msg("failed to announce local peer")
	}
	if err := s.engine.Start(); err != nil {
		s.logger.Error().Err(err).Msg("failed to send invitation")
	}
}

func (s *Session) relayFailed(err error) {
	if errors.Is(err, relay.ErrConnectionLost) {
		s.bus.Publish(model.TopicShowPopup, model.ShowPopup{Message: ConnectionLostMessage})
		return
	}
	s.bus.Publish(model.TopicShowPopup, model.ShowPopup{Message: GameFullMessage})
	s.bus.Publish(model.TopicGameFull, model.GameFull{})
}
