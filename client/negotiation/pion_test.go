package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/client/bus"
	"github.com/rs/zerolog"
)

type loop struct {
	ch chan func()
}

func newLoop(ctx context.Context) *loop {
	l := &loop{ch: make(chan func(), 256)}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-l.ch:
				f()
			}
		}
	}()
	return l
}

func (l *loop) post(f func()) {
	l.ch <- f
}

// link delivers control messages straight to the other engine.
type link struct {
	from   string
	to     *Engine
	toLoop *loop
}

func (l *link) SendRelay(msg model.Message) error {
	l.toLoop.post(func() {
		switch m := msg.(type) {
		case model.Invitation:
			l.to.HandleInvitation(l.from)
		case model.Offer:
			l.to.HandleOffer(l.from, m)
		case model.Answer:
			l.to.HandleAnswer(l.from, m)
		case model.Candidate:
			l.to.HandleCandidate(l.from, m)
		}
	})
	return nil
}

type pionPeer struct {
	id        string
	engine    *Engine
	loop      *loop
	link      *link
	connected chan struct{}
	frames    chan string
}

func newPionPeer(ctx context.Context, id string) *pionPeer {
	logger := zerolog.Nop()
	p := &pionPeer{
		id:        id,
		loop:      newLoop(ctx),
		link:      &link{from: id},
		connected: make(chan struct{}, 1),
		frames:    make(chan string, 1),
	}
	b := bus.New()
	b.Subscribe(model.TopicPeerConnected, func(model.Envelope) {
		p.connected <- struct{}{}
	})
	p.engine = NewEngine(Config{
		Logger:    &logger,
		Connector: NewPionConnector(PionConfig{IncludeLoopback: true}),
		Signaler:  p.link,
		Bus:       b,
		LocalID:   func() string { return id },
		OnMessage: func(_ string, frame []byte) { p.frames <- string(frame) },
		Post:      p.loop.post,
		Timeout:   -1,
	})
	return p
}

func TestEngine_PionLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("establishes a real peer connection")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := newPionPeer(ctx, "aaa"), newPionPeer(ctx, "bbb")
	a.link.to, a.link.toLoop = b.engine, b.loop
	b.link.to, b.link.toLoop = a.engine, a.loop

	stopped := make(chan struct{}, 2)
	defer func() {
		a.loop.post(func() { a.engine.Stop(); stopped <- struct{}{} })
		b.loop.post(func() { b.engine.Stop(); stopped <- struct{}{} })
		<-stopped
		<-stopped
	}()

	a.loop.post(func() { _ = a.engine.Start() })
	b.loop.post(func() { _ = b.engine.Start() })

	for _, p := range []*pionPeer{a, b} {
		select {
		case <-p.connected:
		case <-time.After(20 * time.Second):
			t.Fatalf("%s: data channel did not open", p.id)
		}
	}

	a.loop.post(func() {
		ch, remote, ok := a.engine.OpenChannel()
		if !ok || remote != "bbb" {
			t.Errorf("open channel: remote %q, ok %v", remote, ok)
			return
		}
		if err := ch.SendText("hello"); err != nil {
			t.Errorf("send: %v", err)
		}
	})
	select {
	case got := <-b.frames:
		if got != "hello" {
			t.Errorf("frame = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame did not arrive")
	}
}
