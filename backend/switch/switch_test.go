package _switch

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/rs/zerolog"
)

func TestSwitch_ForwardsToOtherSeatOnly(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	sw.fwdTTL = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alpha, beta := model.NewWire(), model.NewWire()
	if err := sw.Connect(ctx, "t1", "alpha", alpha); err != nil {
		t.Fatal(err)
	}
	if err := sw.Connect(ctx, "t1", "beta", beta); err != nil {
		t.Fatal(err)
	}

	alpha.RX <- model.Envelope{Sender: "alpha", Data: model.UpdateDie{DieNumber: 3}}

	select {
	case env := <-beta.TX:
		if env.Sender != "alpha" || env.Data != (model.UpdateDie{DieNumber: 3}) {
			t.Errorf("beta got %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("beta did not receive the envelope")
	}

	select {
	case env := <-alpha.TX:
		t.Errorf("sender received its own envelope: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSwitch_BroadcastAfterDisconnect(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	sw.fwdTTL = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alpha, beta := model.NewWire(), model.NewWire()
	_ = sw.Connect(ctx, "t1", "alpha", alpha)
	_ = sw.Connect(ctx, "t1", "beta", beta)
	_ = sw.Disconnect("t1", "alpha")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sw.Broadcast(ctx, model.Envelope{Sender: "alpha", Data: model.RemovePlayer{ID: "alpha"}}, "t1")
	}()

	select {
	case env := <-beta.TX:
		if env.Data != (model.RemovePlayer{ID: "alpha"}) {
			t.Errorf("beta got %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("beta did not receive RemovePlayer")
	}
	<-done
}
