package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch forwards envelopes between the endpoints (peers) seated at the same table.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
	fwdTTL time.Duration
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
		fwdTTL: defaultFwdTimout,
	}
}

func (sw *Switch) Disconnect(table, endpoint string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("table", table).
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}()

	tbl, ok := sw.fwd[table]
	if ok {
		delete(tbl, endpoint)
		if len(tbl) == 0 {
			delete(sw.fwd, table)
		}
	}
	return nil
}

func (sw *Switch) Connect(ctx context.Context, table string, endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("table", table).
			Str("endpoint", endpoint).
			Msg("endpoint connected")
		go sw.forwardEnvelopes(ctx, table, wire.RX)
	}()

	tbl, ok := sw.fwd[table]
	if !ok {
		tbl = make(map[string]model.Wire)
	}
	tbl[endpoint] = wire
	sw.fwd[table] = tbl
	return nil
}

func (sw *Switch) forwardEnvelopes(ctx context.Context, table string, rx <-chan model.Envelope) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case env := <-rx:
			if env.Sender == "" {
				sw.logger.Error().
					Str("table", table).
					Msg("envelope with empty sender")
			} else {
				if !sw.forward(ctx, env, table) {
					sw.logger.Debug().
						Str("table", table).
						Str("sender", env.Sender).
						Str("topic", string(env.Topic())).
						Msg("incoming envelope was dropped, nowhere to forward")
				}
			}
		}
	}
}

// Broadcast delivers env to every endpoint of the table except its sender.
func (sw *Switch) Broadcast(ctx context.Context, env model.Envelope, table string) error {
	if !sw.forward(ctx, env, table) {
		sw.logger.Debug().
			Str("table", table).
			Str("topic", string(env.Topic())).
			Str("sender", env.Sender).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

func (sw *Switch) forward(ctx context.Context, env model.Envelope, table string) bool {
	var sent bool

	sw.mx.RLock()
	wires := make(map[string]model.Wire, len(sw.fwd[table]))
	for endpoint, wire := range sw.fwd[table] {
		wires[endpoint] = wire
	}
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("table", table).
		Str("topic", string(env.Topic())).
		Str("sender", env.Sender).Logger()

	for dst, wire := range wires {
		if dst == env.Sender {
			continue
		}
		envSent, canceled := send(ctx, env, dst, wire.TX, sw.fwdTTL, &logger)
		if canceled {
			break
		}
		if envSent {
			sent = true
		}
	}
	return sent
}

func send(
	ctx context.Context,
	env model.Envelope,
	dst string,
	tx chan<- model.Envelope,
	ttl time.Duration,
	logger *zerolog.Logger,
) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(ttl)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead endpoint")
	case tx <- env:
		logger.Debug().Str("dst", dst).Msg("envelope is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
