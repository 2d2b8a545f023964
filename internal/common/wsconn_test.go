package common

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoServer echoes every message back and closes normally once the client
// sends its close frame.
func echoServer(t *testing.T) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSConn_ByteStream(t *testing.T) {
	url := echoServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn := NewWSConn(ws)
	defer conn.Close()

	for _, chunk := range []string{"hello ", "over ", "websocket"} {
		if _, err := conn.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len("hello over websocket"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if string(buf) != "hello over websocket" {
		t.Errorf("read %q, want %q", buf, "hello over websocket")
	}

	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}
	n, err := conn.Read(buf)
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Errorf("Read after close = %d, %v; want 0, io.EOF", n, err)
	}
}

func TestWSConn_CloseWriteEndsPeerWrites(t *testing.T) {
	received := make(chan string, 1)
	lateWrite := make(chan error, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		ws.WriteMessage(websocket.BinaryMessage, []byte("before close"))

		// The default close handler answers the close frame.
		if _, _, err := ws.ReadMessage(); err == nil {
			lateWrite <- errors.New("expected the close frame")
			return
		}
		lateWrite <- ws.WriteMessage(websocket.BinaryMessage, []byte("after close"))
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn := NewWSConn(ws)
	defer conn.Close()

	if _, err := conn.Write([]byte("request")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	select {
	case got := <-received:
		if got != "request" {
			t.Errorf("peer received %q, want %q", got, "request")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer received nothing")
	}

	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "before close" {
		t.Errorf("read %q, want %q", data, "before close")
	}

	select {
	case err := <-lateWrite:
		if !errors.Is(err, websocket.ErrCloseSent) {
			t.Errorf("peer write after close = %v, want ErrCloseSent", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not finish")
	}
}

func TestIsWebSocketURL(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"ws://relay.example.com/bore", true},
		{"wss://relay.example.com", true},
		{"relay.example.com", false},
		{"https://relay.example.com", false},
		{"127.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := IsWebSocketURL(tt.addr); got != tt.want {
				t.Errorf("IsWebSocketURL(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}
