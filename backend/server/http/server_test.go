package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/webrtc-dice/backend/service"
	"github.com/adwski/webrtc-dice/backend/storage/memory"
	sw "github.com/adwski/webrtc-dice/backend/switch"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		SeatStore: memory.NewMemStore(),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	srv := NewServer(Config{Logger: &logger, TableService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, svc
}

func TestGetTable(t *testing.T) {
	ts, svc := newTestServer(t)
	for _, peer := range []string{"beta", "alpha"} {
		if _, err := svc.JoinTable(context.Background(), "t1", peer); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(ts.URL + "/api/tables/t1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Data TableResponse `json:"data"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Data.TableID != "t1" || len(body.Data.Seats) != 2 || body.Data.Seats[0] != "alpha" {
		t.Errorf("table = %+v", body.Data)
	}
	if body.Data.MaxSeats != 2 {
		t.Errorf("max seats = %d, want 2", body.Data.MaxSeats)
	}
}

func TestGetTable_NotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/tables/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("CORS origin = %q", origin)
	}
}
