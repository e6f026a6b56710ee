package router

import (
	"errors"
	"testing"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/client/bus"
	"github.com/adwski/webrtc-dice/client/negotiation"
	"github.com/adwski/webrtc-dice/client/relay"
	"github.com/rs/zerolog"
)

type fakeRelay struct {
	state relay.State
	sent  []model.Envelope
	err   error
}

func (f *fakeRelay) Send(env model.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeRelay) State() relay.State { return f.state }
func (f *fakeRelay) ID() string         { return "local" }

type fakeChannel struct {
	sent []string
	err  error
}

func (ch *fakeChannel) Label() string { return "game" }
func (ch *fakeChannel) IsOpen() bool  { return true }
func (ch *fakeChannel) Close() error  { return nil }

func (ch *fakeChannel) SendText(s string) error {
	if ch.err != nil {
		return ch.err
	}
	ch.sent = append(ch.sent, s)
	return nil
}

func (ch *fakeChannel) OnOpen(func())          {}
func (ch *fakeChannel) OnClose(func())         {}
func (ch *fakeChannel) OnMessage(func([]byte)) {}

type fakeChannels struct {
	ch   *fakeChannel
	open bool
}

func (f *fakeChannels) OpenChannel() (negotiation.DataChannel, string, bool) {
	if !f.open {
		return nil, "", false
	}
	return f.ch, "remote", true
}

func newTestRouter(t *testing.T, channelOpen bool) (*Router, *bus.Bus, *fakeRelay, *fakeChannel) {
	t.Helper()
	logger := zerolog.Nop()
	b := bus.New()
	rl := &fakeRelay{state: relay.StateConnected}
	ch := &fakeChannel{}
	r := New(Config{Logger: &logger, Bus: b, Relay: rl})
	r.SetChannels(&fakeChannels{ch: ch, open: channelOpen})
	return r, b, rl, ch
}

func TestSend_RelayWithoutChannel(t *testing.T) {
	r, _, rl, ch := newTestRouter(t, false)

	if err := r.Send(model.UpdateDie{DieNumber: 2}); err != nil {
		t.Fatal(err)
	}
	if len(rl.sent) != 1 || len(ch.sent) != 0 {
		t.Fatalf("relay %d, channel %d", len(rl.sent), len(ch.sent))
	}
	if rl.sent[0].Sender != "local" || rl.sent[0].Topic() != model.TopicUpdateDie {
		t.Errorf("envelope = %+v", rl.sent[0])
	}
}

func TestSend_ChannelWhenOpen(t *testing.T) {
	r, _, rl, ch := newTestRouter(t, true)

	if err := r.Send(model.UpdateDie{DieNumber: 2}); err != nil {
		t.Fatal(err)
	}
	if len(rl.sent) != 0 || len(ch.sent) != 1 {
		t.Fatalf("relay %d, channel %d", len(rl.sent), len(ch.sent))
	}
	env, err := model.DecodeEnvelope([]byte(ch.sent[0]))
	if err != nil {
		t.Fatal(err)
	}
	if die, ok := env.Data.(model.UpdateDie); !ok || die.DieNumber != 2 || env.Sender != "local" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestSend_ControlTopicsBypassChannel(t *testing.T) {
	r, _, rl, ch := newTestRouter(t, true)

	for _, msg := range []model.Message{
		model.Invitation{},
		model.NewOffer("o"),
		model.NewAnswer("a"),
		model.EndOfCandidates(),
	} {
		if err := r.Send(msg); err != nil {
			t.Fatalf("%s: %v", msg.Topic(), err)
		}
	}
	if len(rl.sent) != 4 || len(ch.sent) != 0 {
		t.Errorf("relay %d, channel %d", len(rl.sent), len(ch.sent))
	}
}

func TestSend_ChannelFailureFallsBack(t *testing.T) {
	r, _, rl, ch := newTestRouter(t, true)
	ch.err = errors.New("channel closing")

	if err := r.Send(model.ResetGame{}); err != nil {
		t.Fatal(err)
	}
	if len(rl.sent) != 1 {
		t.Errorf("relay %d, want 1", len(rl.sent))
	}
}

func TestSend_NoTransport(t *testing.T) {
	r, _, rl, _ := newTestRouter(t, false)
	rl.state = relay.StateDisconnected

	if err := r.Send(model.UpdateScore{ScoreNumber: 3}); !errors.Is(err, ErrNoTransport) {
		t.Errorf("err = %v, want ErrNoTransport", err)
	}

	rl.state = relay.StateConnected
	rl.err = relay.ErrNotConnected
	if err := r.Send(model.UpdateScore{ScoreNumber: 3}); !errors.Is(err, ErrNoTransport) {
		t.Errorf("err = %v, want ErrNoTransport", err)
	}
}

func TestSend_LocalTopicRejected(t *testing.T) {
	r, _, rl, ch := newTestRouter(t, true)

	for _, send := range []func(model.Message) error{r.Send, r.SendRelay} {
		if err := send(model.UpdateUI{Content: "x"}); !errors.Is(err, ErrLocalTopic) {
			t.Errorf("err = %v, want ErrLocalTopic", err)
		}
	}
	if len(rl.sent)+len(ch.sent) != 0 {
		t.Error("local topic left the process")
	}
}

func TestSend_RelayTopicRejected(t *testing.T) {
	r, _, rl, ch := newTestRouter(t, true)

	for _, send := range []func(model.Message) error{r.Send, r.SendRelay} {
		for _, msg := range []model.Message{model.GameFull{}, model.SetID{ID: "x"}} {
			if err := send(msg); !errors.Is(err, ErrRelayTopic) {
				t.Errorf("%s: err = %v, want ErrRelayTopic", msg.Topic(), err)
			}
		}
	}
	if len(rl.sent)+len(ch.sent) != 0 {
		t.Error("relay-only topic sent by a peer")
	}
}

func TestSend_InvalidPayload(t *testing.T) {
	r, _, rl, _ := newTestRouter(t, false)

	if err := r.Send(model.UpdateDie{DieNumber: 9}); !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("err = %v, want ErrInvalidPayload", err)
	}
	if len(rl.sent) != 0 {
		t.Error("invalid payload sent")
	}
}

func TestDispatchRelay(t *testing.T) {
	r, b, _, _ := newTestRouter(t, false)
	var got []model.Envelope
	b.Subscribe(model.TopicUpdateDie, func(env model.Envelope) { got = append(got, env) })
	b.Subscribe(model.TopicPeerConnected, func(env model.Envelope) { got = append(got, env) })

	r.DispatchRelay(model.Envelope{Sender: "remote", Data: model.UpdateDie{DieNumber: 1}})
	r.DispatchRelay(model.Envelope{Sender: "remote", Data: model.PeerConnected{ID: "x"}})

	if len(got) != 1 || got[0].Sender != "remote" {
		t.Errorf("got = %+v", got)
	}
}

func TestDispatchChannel(t *testing.T) {
	r, b, _, _ := newTestRouter(t, true)
	var got []model.Envelope
	for _, topic := range []model.Topic{model.TopicUpdateDie, model.TopicOffer, model.TopicUpdateRoll, model.TopicGameFull} {
		b.Subscribe(topic, func(env model.Envelope) { got = append(got, env) })
	}

	for _, frame := range []string{
		`{"topic":"UpdateDie","data":{"dieNumber":4}}`,
		`{"sender":"spoofed","topic":5,"data":{"dice":"[1,2,3,4,5]"}}`,
		`{"sender":"remote","topic":"Offer","data":{"type":"offer","sdp":"x"}}`,
		`{"topic":"UpdateDie","data":`,
		`{"topic":"GameFull","data":{}}`,
	} {
		r.DispatchChannel("remote", []byte(frame))
	}

	if len(got) != 2 {
		t.Fatalf("dispatched %d envelopes, want 2", len(got))
	}
	for _, env := range got {
		if env.Sender != "remote" {
			t.Errorf("sender = %q, want remote", env.Sender)
		}
	}
	if die := got[0].Data.(model.UpdateDie); die.DieNumber != 4 {
		t.Errorf("die = %+v", die)
	}
}
