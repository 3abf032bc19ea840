package continuous

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// voskServer answers every binary chunk with a growing partial and the eof
// marker with a final result.
func voskServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session_id") == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		chunks := 0
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				chunks++
				_ = conn.WriteJSON(map[string]string{"partial": strings.Repeat("la ", chunks)})
				continue
			}
			if string(payload) == eofMessage {
				_ = conn.WriteJSON(map[string]string{"text": "la la"})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketRecognizer(t *testing.T) {
	srv := voskServer(t)
	d := &WebSocketDialer{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Attempts:   2,
		RetryDelay: 10 * time.Millisecond,
		Log:        discardLogger(),
	}
	r := loaded(t, d, 2*time.Second)
	ctx := context.Background()

	deadline := time.Now().Add(2 * time.Second)
	var text string
	for time.Now().Before(deadline) {
		h, err := r.Feed(ctx, make([]byte, 320))
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if h.Text != "" {
			text = h.Text
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.HasPrefix(text, "la") {
		t.Fatalf("expected a partial from the server, got %q", text)
	}

	h, err := r.ForceFinalize(ctx)
	if err != nil || !h.Final || h.Text != "la la" {
		t.Fatalf("unexpected final %+v err=%v", h, err)
	}
}

func TestWebSocketDialGivesUp(t *testing.T) {
	d := &WebSocketDialer{URL: "ws://127.0.0.1:1/ws", Attempts: 2, RetryDelay: time.Millisecond}
	if _, err := d.Dial(context.Background(), "x", func(Result) {}); err == nil {
		t.Fatalf("expected dial failure")
	}
}

func TestParseWSResult(t *testing.T) {
	cases := map[string]Result{
		`{"partial": "he"}`:                  {Text: "he"},
		`{"text": "hello"}`:                  {Text: "hello", Final: true},
		`{"text": "hel", "is_final": false}`: {Text: "hel"},
	}
	for payload, want := range cases {
		got, ok := parseWSResult([]byte(payload))
		if !ok || got != want {
			t.Fatalf("%s: got %+v ok=%v", payload, got, ok)
		}
	}
	if _, ok := parseWSResult([]byte(`{"result": []}`)); ok {
		t.Fatalf("expected payload without transcript to be ignored")
	}
}
