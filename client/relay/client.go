// Package relay keeps the single long-lived websocket connection to the
// rendezvous relay. The relay assigns the local peer's identity (SetID is the
// first frame of every connection) and forwards envelopes between peers of a
// table until they are directly connected.
//
// Every failure of the relay connection is terminal for the session: the
// client never reconnects on its own.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultSendQueueSize = 64

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 << 10
	defaultWebSocketHandshakeTimeout   = 5 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// relay pings every few seconds, three missed pings mean it is gone
	defaultPingWait = 15 * time.Second
)

var (
	ErrNotConnected   = errors.New("relay is not connected")
	ErrTerminated     = errors.New("relay session is terminated")
	ErrTableFull      = errors.New("table is full")
	ErrDial           = errors.New("unable to connect to relay")
	ErrConnectionLost = errors.New("relay connection lost")
	ErrSendQueueFull  = errors.New("relay send queue is full")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

type (
	Config struct {
		Logger *zerolog.Logger
		// Dialer is optional, a dialer with package defaults is used when nil.
		Dialer *websocket.Dialer
		// OnEnvelope receives inbound envelopes on the reader goroutine, SetID first.
		OnEnvelope func(model.Envelope)
		// OnFailure is called once when the relay becomes unusable for the session.
		OnFailure func(error)
	}

	Client struct {
		logger     zerolog.Logger
		dialer     *websocket.Dialer
		onEnvelope func(model.Envelope)
		onFailure  func(error)

		mx         *sync.Mutex
		state      State
		terminated bool
		id         string
		conn       *websocket.Conn
		tx         chan []byte
		cancel     context.CancelFunc
		writerDone chan struct{}
		readerDone chan struct{}
	}
)

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:     cfg.Logger.With().Str("component", "relay-client").Logger(),
		dialer:     cfg.Dialer,
		onEnvelope: cfg.OnEnvelope,
		onFailure:  cfg.OnFailure,
		mx:         &sync.Mutex{},
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
		}
	}
	if c.onEnvelope == nil {
		c.onEnvelope = func(model.Envelope) {}
	}
	if c.onFailure == nil {
		c.onFailure = func(error) {}
	}
	return c
}

func (c *Client) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// ID returns the identity assigned by the relay, empty until SetID arrives.
func (c *Client) ID() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.id
}

// Initialize connects to the relay. Calling it while connecting or connected is a no-op.
// A refused or failed connection is reported through OnFailure as well as returned.
func (c *Client) Initialize(ctx context.Context, serverAddress string) error {
	c.mx.Lock()
	if c.terminated {
		c.mx.Unlock()
		return ErrTerminated
	}
	if c.state != StateDisconnected {
		c.mx.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mx.Unlock()

	c.logger.Debug().Str("addr", serverAddress).Msg("connecting to relay")

	conn, resp, err := c.dialer.DialContext(ctx, serverAddress, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			err = errors.Join(ErrTableFull, err)
		} else {
			err = errors.Join(ErrDial, err)
		}
		c.fail(err)
		return err
	}

	wCtx, cancel := context.WithCancel(context.Background())
	c.mx.Lock()
	c.conn = conn
	c.tx = make(chan []byte, defaultSendQueueSize)
	c.cancel = cancel
	c.writerDone = make(chan struct{})
	c.readerDone = make(chan struct{})
	c.state = StateConnected
	tx, writerDone, readerDone := c.tx, c.writerDone, c.readerDone
	c.mx.Unlock()

	c.logger.Info().Str("addr", serverAddress).Msg("connected to relay")

	go c.writer(wCtx, conn, tx, writerDone)
	go c.reader(conn, readerDone)
	return nil
}

// Send queues an envelope for the relay. It fails unless the relay is connected.
func (c *Client) Send(env model.Envelope) error {
	b, err := model.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state != StateConnected {
		return ErrNotConnected
	}
	select {
	case c.tx <- b:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close sends a best-effort Close notice and shuts the connection down.
// Failures to notify the relay are swallowed.
func (c *Client) Close(ctx context.Context) error {
	c.mx.Lock()
	if c.state != StateConnected {
		c.mx.Unlock()
		return nil
	}
	c.state = StateClosing
	conn, id, cancel := c.conn, c.id, c.cancel
	writerDone, readerDone := c.writerDone, c.readerDone
	c.mx.Unlock()

	cancel()
	select {
	case <-writerDone:
	case <-ctx.Done():
	}

	if id != "" {
		b, err := model.EncodeEnvelope(model.Envelope{Sender: id, Data: model.Close{ID: id}})
		if err == nil {
			err = writeFrame(conn, b)
		}
		if err != nil {
			c.logger.Debug().Err(err).Msg("failed to notify relay about closing")
		}
	}
	webSocketCloser(conn, &c.logger)

	select {
	case <-readerDone:
	case <-ctx.Done():
	}

	c.mx.Lock()
	c.state = StateDisconnected
	c.terminated = true
	c.mx.Unlock()
	c.logger.Debug().Msg("relay connection closed")
	return nil
}

func (c *Client) fail(err error) {
	c.mx.Lock()
	if c.terminated {
		c.mx.Unlock()
		return
	}
	c.terminated = true
	c.state = StateDisconnected
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mx.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Error().Err(err).Msg("relay session terminated")
	c.onFailure(err)
}

func (c *Client) closing() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state == StateClosing
}

func writeFrame(conn *websocket.Conn, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) writer(ctx context.Context, conn *websocket.Conn, tx <-chan []byte, done chan<- struct{}) {
	defer close(done)

SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case b := <-tx:
			if err := writeFrame(conn, b); err != nil {
				if !c.closing() {
					c.fail(errors.Join(ErrConnectionLost, err))
				}
				break SendLoop
			}
			c.logger.Trace().RawJSON("frame", b).Msg("frame sent")
		}
	}
}

func (c *Client) reader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func() error {
		return conn.SetReadDeadline(time.Now().Add(defaultPingWait))
	}
	conn.SetPingHandler(func(appData string) error {
		if err := readDeadLineFunc(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData),
			time.Now().Add(defaultWebSocketWriteDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	if err := readDeadLineFunc(); err != nil {
		c.fail(errors.Join(ErrConnectionLost, err))
		return
	}

	var identified bool
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.closing() {
				return
			}
			c.fail(errors.Join(ErrConnectionLost, err))
			return
		}

		env, err := model.DecodeEnvelope(msg)
		if err != nil {
			c.logger.Error().Err(err).Msg("dropping malformed frame from relay")
			continue
		}

		switch topic := env.Topic(); {
		case topic == model.TopicSetID:
			if identified {
				c.logger.Warn().Msg("relay sent a second identity, dropped")
				continue
			}
			identified = true
			c.mx.Lock()
			c.id = env.Data.(model.SetID).ID
			c.mx.Unlock()
		case !identified:
			c.logger.Warn().Str("topic", string(topic)).Msg("frame before identity, dropped")
			continue
		case topic == model.TopicGameFull && env.Sender != "":
			c.logger.Warn().Str("sender", env.Sender).Msg("GameFull from a peer, dropped")
			continue
		case topic == model.TopicGameFull:
			c.fail(ErrTableFull)
			return
		}
		c.onEnvelope(env)
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "peer is leaving"))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to write close message")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
