package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/omochice/toy-chat-client/internal/transport/ws"
)

func TestConn_Close(t *testing.T) {
	status := make(chan websocket.StatusCode, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		_, _, err = c.Read(r.Context())
		status <- websocket.CloseStatus(err)
	}))
	defer server.Close()

	d := ws.Dialer{HandshakeTimeout: time.Second}
	conn, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	select {
	case got := <-status:
		if got != websocket.StatusNormalClosure {
			t.Errorf("server saw close status %v, want %v", got, websocket.StatusNormalClosure)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close frame")
	}
}

func TestDialer_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	d := ws.Dialer{HandshakeTimeout: time.Second}
	_, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	if err == nil {
		t.Fatal("Dial() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Errorf("Dial() error = %v, want status 401", err)
	}
}
