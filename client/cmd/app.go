package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/client/negotiation"
	"github.com/adwski/webrtc-dice/client/session"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		relayAddr   = fs.StringP("relay-addr", "r", "ws://localhost:8888", "relay server address")
		tableID     = fs.StringP("table", "t", "default", "table to join")
		name        = fs.StringP("name", "n", "player", "player name shown to the opponent")
		logLevel    = fs.StringP("log-level", "l", "info", "log level")
		logFile     = fs.String("log-file", "", "write logs to a rotated file instead of stderr")
		stunServers = fs.StringSlice("stun", negotiation.DefaultSTUNServers, "STUN server urls")
		loopback    = fs.Bool("loopback", false, "allow loopback candidates, for peers on the same host")
		timeout     = fs.Duration("negotiation-timeout", negotiation.DefaultTimeout,
			"how long a connection attempt may take, negative disables")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if *logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		}
		defer func() { _ = rotator.Close() }()
		out = rotator
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	relayURL, err := url.JoinPath(*relayAddr, "relay", *tableID)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid relay address")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess := session.New(session.Config{
		Logger:   &logger,
		RelayURL: relayURL,
		Name:     *name,
		Connector: negotiation.NewPionConnector(negotiation.PionConfig{
			STUNServers:     *stunServers,
			IncludeLoopback: *loopback,
		}),
		NegotiationTimeout: *timeout,
	})
	con := &console{out: os.Stdout, sess: sess}
	con.watch()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if errRun := sess.Run(ctx); errRun != nil {
			logger.Error().Err(errRun).Msg("session failed")
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if !con.exec(ctx, scanner.Text()) {
				break
			}
		}
		cancel()
	}()

	<-done
}

// console prints game events and turns typed lines into messages.
type console struct {
	out  io.Writer
	sess *session.Session
}

func (c *console) watch() {
	b := c.sess.Bus()
	for _, topic := range []model.Topic{
		model.TopicUpdatePlayers,
		model.TopicResetGame,
		model.TopicResetTurn,
		model.TopicShowPopup,
		model.TopicUpdateRoll,
		model.TopicUpdateDie,
		model.TopicUpdateScore,
		model.TopicGameFull,
		model.TopicPeerConnected,
		model.TopicPeerDisconnected,
		model.TopicUpdateUI,
	} {
		b.Subscribe(topic, func(env model.Envelope) {
			fmt.Fprintln(c.out, describe(env))
		})
	}
}

// exec runs one command line, it returns false when the player quits.
func (c *console) exec(ctx context.Context, line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return true
	}
	switch cmd.kind {
	case cmdNone:
	case cmdQuit:
		return false
	case cmdHelp:
		fmt.Fprint(c.out, usage)
	case cmdStatus:
		st, errS := c.sess.Status(ctx)
		if errS != nil {
			fmt.Fprintln(c.out, errS)
			return true
		}
		fmt.Fprintf(c.out, "id=%s relay=%s negotiation=%s\n", st.LocalID, st.Relay, st.Negotiation)
		for i, p := range st.Players {
			fmt.Fprintf(c.out, "  #%d %s (%s, %s)\n", i, p.Name, p.ID, p.Role)
		}
	case cmdSend:
		if errS := c.sess.Send(ctx, cmd.msg); errS != nil {
			fmt.Fprintln(c.out, "not sent:", errS)
			return true
		}
		fmt.Fprintln(c.out, "sent", describe(model.Envelope{Data: cmd.msg}))
	}
	return true
}
