package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/backend/service"
	"github.com/adwski/webrtc-dice/backend/storage/memory"
	sw "github.com/adwski/webrtc-dice/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestRelay(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		SeatStore: memory.NewMemStore(),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	var seq atomic.Int64
	srv := NewServer(Config{
		Logger:       &logger,
		RelayService: svc,
		NewPeerID:    func() string { return "peer-" + strconv.FormatInt(seq.Add(1), 10) },
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) model.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	env, err := model.DecodeEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func write(t *testing.T, conn *websocket.Conn, env model.Envelope) {
	t.Helper()
	b, err := model.EncodeEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}
}

func join(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	conn := dial(t, url)
	env := read(t, conn)
	id, ok := env.Data.(model.SetID)
	if !ok {
		t.Fatalf("first envelope is %s, want SetID", env.Topic())
	}
	return conn, id.ID
}

func TestServer_IdentityFirst(t *testing.T) {
	url := newTestRelay(t) + "t1"

	_, first := join(t, url)
	_, second := join(t, url)
	if first != "peer-1" || second != "peer-2" {
		t.Errorf("ids = %q, %q", first, second)
	}
}

func TestServer_ForwardsAndStampsSender(t *testing.T) {
	url := newTestRelay(t) + "t1"
	alpha, alphaID := join(t, url)
	beta, _ := join(t, url)

	write(t, alpha, model.Envelope{Sender: "mallory", Data: model.UpdateDie{DieNumber: 1}})
	env := read(t, beta)
	if env.Sender != alphaID || env.Data != (model.UpdateDie{DieNumber: 1}) {
		t.Errorf("beta got %+v", env)
	}

	write(t, alpha, model.Envelope{Data: model.SetID{ID: "spoofed"}})
	write(t, alpha, model.Envelope{Data: model.ResetGame{}})
	if env = read(t, beta); env.Topic() != model.TopicResetGame {
		t.Errorf("beta got %s, SetID was not dropped", env.Topic())
	}
}

func TestServer_DropsMalformedFrames(t *testing.T) {
	url := newTestRelay(t) + "t1"
	alpha, alphaID := join(t, url)
	beta, _ := join(t, url)

	for _, raw := range []string{
		`{"topic":"UpdateDie","data":`,
		`{"topic":"Teleport","data":{}}`,
		`{"topic":"UpdateDie","data":{"dieNumber":9}}`,
	} {
		if err := alpha.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
	}
	write(t, alpha, model.Envelope{Data: model.UpdateDie{DieNumber: 4}})

	env := read(t, beta)
	if env.Sender != alphaID || env.Data != (model.UpdateDie{DieNumber: 4}) {
		t.Errorf("beta got %+v, want the valid frame after the malformed ones", env)
	}
}

func TestServer_PeerCannotSendGameFull(t *testing.T) {
	url := newTestRelay(t) + "t1"
	alpha, _ := join(t, url)
	beta, _ := join(t, url)

	write(t, alpha, model.Envelope{Data: model.GameFull{}})
	write(t, alpha, model.Envelope{Data: model.ResetGame{}})
	if env := read(t, beta); env.Topic() != model.TopicResetGame {
		t.Errorf("beta got %s, GameFull was not dropped", env.Topic())
	}
}

func TestServer_TableFull(t *testing.T) {
	base := newTestRelay(t)
	url := base + "t1"
	join(t, url)
	join(t, url)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("err = %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("response = %+v", resp)
	}

	if _, id := join(t, base+"t2"); id == "" {
		t.Error("other table refused")
	}
}

func TestServer_CloseNotifiesTable(t *testing.T) {
	url := newTestRelay(t) + "t1"
	alpha, alphaID := join(t, url)
	beta, _ := join(t, url)

	write(t, alpha, model.Envelope{Data: model.Close{ID: alphaID}})
	env := read(t, beta)
	if env.Sender != alphaID || env.Data != (model.RemovePlayer{ID: alphaID}) {
		t.Errorf("beta got %+v", env)
	}

	// the seat is free again
	if _, id := join(t, url); id == "" {
		t.Error("seat was not released")
	}
}
