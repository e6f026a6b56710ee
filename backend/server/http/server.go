package http

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/backend/storage"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type TableService interface {
	GetTable(ctx context.Context, tableID string) (*model.Table, error)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type TableResponse struct {
	TableID  string   `json:"table_id"`
	Seats    []string `json:"seats"`
	MaxSeats int      `json:"max_seats"`
}

type Server struct {
	logger zerolog.Logger
	svc    TableService
	*http.Server
}

type Config struct {
	Logger       *zerolog.Logger
	TableService TableService
	ListenAddr   string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.TableService,
	}

	r := gin.New()
	r.Use(gin.Recovery(), srv.accessLog, cors)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/api/tables/:tableID", srv.getTable)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	c.Header("Access-Control-Max-Age", "86400")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (srv *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	srv.logger.Trace().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("request served")
}

func (srv *Server) getTable(c *gin.Context) {
	table, err := srv.svc.GetTable(c.Request.Context(), c.Param("tableID"))
	if err != nil {
		if errors.Is(err, storage.ErrTableNotFound) {
			c.JSON(http.StatusNotFound, GenericResponse{Error: err.Error()})
			return
		}
		srv.logger.Error().Err(err).Msg("failed to get table")
		c.JSON(http.StatusInternalServerError, GenericResponse{Error: ErrUnexpected.Error()})
		return
	}

	seats := make([]string, 0, len(table.Seats))
	for peerID := range table.Seats {
		seats = append(seats, peerID)
	}
	sort.Strings(seats)
	c.JSON(http.StatusOK, GenericResponse{
		Message: "OK",
		Data: TableResponse{
			TableID:  table.ID,
			Seats:    seats,
			MaxSeats: model.MaxSeats,
		},
	})
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
