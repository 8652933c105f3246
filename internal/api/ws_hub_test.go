package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/predictlab/market-sim/internal/api"
	"github.com/predictlab/market-sim/internal/model"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSHub_BroadcastsPriceUpdates(t *testing.T) {
	hub := api.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv)

	// Registration goes through the hub loop; give it a beat before the
	// first broadcast so the client is in the map.
	time.Sleep(50 * time.Millisecond)

	hub.OnPrice(model.PricePoint{Index: 3, Price: 51.25, Movement: 1.25, Volume: 420})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg api.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "price_update" || msg.Index != 3 || msg.Price != 51.25 {
		t.Fatalf("got %+v, want price_update index=3 price=51.25", msg)
	}
}

func TestWSHub_SurvivesClientDisconnect(t *testing.T) {
	hub := api.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	gone := dialHub(t, srv)
	stays := dialHub(t, srv)
	time.Sleep(50 * time.Millisecond)

	// Kill one client, then broadcast repeatedly; the hub must evict the
	// dead connection and keep delivering to the live one.
	gone.Close()
	for i := 0; i < 5; i++ {
		hub.OnPrice(model.PricePoint{Index: i, Price: 50})
	}

	stays.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := stays.ReadMessage(); err != nil {
		t.Fatalf("live client stopped receiving: %v", err)
	}
}
