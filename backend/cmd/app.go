package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	httpServer "github.com/adwski/webrtc-dice/backend/server/http"
	websocketServer "github.com/adwski/webrtc-dice/backend/server/websocket"
	"github.com/adwski/webrtc-dice/backend/service"
	store "github.com/adwski/webrtc-dice/backend/storage/memory"
	redisStore "github.com/adwski/webrtc-dice/backend/storage/redis"
	sw "github.com/adwski/webrtc-dice/backend/switch"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket relay listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		redisAddr     = fs.String("redis-addr", "", "redis address for the seat store, in-memory store is used if empty")
		redisPassword = fs.String("redis-password", "", "redis password")
		redisDB       = fs.Int("redis-db", 0, "redis database")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)
	if lvl > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var seats service.SeatStore = store.NewMemStore()
	if *redisAddr != "" {
		rs, errR := redisStore.NewStore(ctx, redisStore.Config{
			Addr:     *redisAddr,
			Password: *redisPassword,
			DB:       *redisDB,
		})
		if errR != nil {
			logger.Fatal().Err(errR).Msg("failed to init redis seat store")
		}
		defer func() {
			if errC := rs.Close(); errC != nil {
				logger.Error().Err(errC).Msg("failed to close redis seat store")
			}
		}()
		seats = rs
		logger.Info().Str("addr", *redisAddr).Msg("using redis seat store")
	}

	svc := service.NewService(service.Config{
		SeatStore: seats,
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:       &logger,
		TableService: svc,
		ListenAddr:   *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		RelayService: svc,
		ListenAddr:   *wsListenAddr,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
