package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/backend/service"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultRelaySessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 << 10
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RelayService interface {
		JoinTable(ctx context.Context, tableID, peerID string) (*model.Table, error)
		LeaveTable(ctx context.Context, tableID, peerID string)
		CreateRelaySession(ctx context.Context, tableID, peerID string, wire model.Wire) error
		DeleteRelaySession(ctx context.Context, tableID, peerID string) error
	}

	Config struct {
		Logger       *zerolog.Logger
		RelayService RelayService
		ListenAddr   string
		// NewPeerID assigns identities to connecting peers, uuid.NewString by default.
		NewPeerID func() string
	}

	Server struct {
		svc       RelayService
		ws        *websocket.Upgrader
		newPeerID func() string
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "relay-server").Logger(),
		svc:       cfg.RelayService,
		newPeerID: cfg.NewPeerID,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.newPeerID == nil {
		srv.newPeerID = uuid.NewString
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/relay/{tableID}", srv.relay)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	tableID := r.PathValue("tableID")
	if tableID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	peerID := srv.newPeerID()

	// The seat is taken before upgrading so a full table is refused
	// at the handshake and the client sees the capacity error directly.
	if _, err := srv.svc.JoinTable(r.Context(), tableID, peerID); err != nil {
		if errors.Is(err, service.ErrFull) {
			srv.logger.Warn().Str("tableID", tableID).Msg("table is full, refusing peer")
			http.Error(w, "table is full", http.StatusConflict)
			return
		}
		srv.logger.Error().Err(err).Msg("failed to join table")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		srv.svc.LeaveTable(context.Background(), tableID, peerID)
		return
	}

	wire := model.NewWire()

	ctx, cancel := context.WithCancel(context.TODO()) // long-living wire context

	err = srv.svc.CreateRelaySession(ctx, tableID, peerID, wire)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to create relay session")
		cancel()
		srv.svc.LeaveTable(context.Background(), tableID, peerID)
		webSocketCloser(conn, &srv.logger)
		return
	}
	srv.logger.Debug().
		Str("tableID", tableID).
		Str("peerID", peerID).
		Msg("relay session created")

	go srv.handleWSConn(ctx, cancel, conn, tableID, peerID, wire)
}

func (srv *Server) destroySession(tableID, peerID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultRelaySessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteRelaySession(ctx, tableID, peerID)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to delete relay session")
		return
	}
	logger.Debug().
		Str("tableID", tableID).
		Str("peerID", peerID).
		Msg("relay session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	tableID string,
	peerID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("tableID", tableID).
		Str("peerID", peerID).
		Logger()

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, peerID, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, peerID, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(tableID, peerID, &logger)
}

func writeEnvelope(conn *websocket.Conn, env model.Envelope) error {
	b, err := model.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(b); err != nil {
		return err
	}
	return wsW.Close()
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	peerID string,
	tx <-chan model.Envelope,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()

	// Identity goes out before anything read from tx.
	if err := writeEnvelope(conn, model.Envelope{Data: model.SetID{ID: peerID}}); err != nil {
		logger.Error().Err(err).Msg("failed to send peer identity")
		return
	}
	logger.Debug().Msg("peer identity sent")

SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case env, ok := <-tx:
			if !ok {
				break SendLoop
			}
			if wsErr := writeEnvelope(conn, env); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing envelope")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	peerID string,
	rx chan<- model.Envelope,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			env, decErr := model.DecodeEnvelope(msg)
			if decErr != nil {
				logger.Error().Err(decErr).Msg("dropping malformed incoming frame")
				continue
			}
			switch env.Topic() {
			case model.TopicClose:
				logger.Debug().Msg("peer is leaving")
				break RecvLoop
			case model.TopicSetID, model.TopicGameFull:
				logger.Warn().Str("topic", string(env.Topic())).Msg("relay-only topic from peer dropped")
				continue
			}
			env.Sender = peerID
			select {
			case rx <- env:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to write close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
