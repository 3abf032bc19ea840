package continuous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-listen/internal/pcm"
)

// WebSocketDialer streams audio to a Vosk-compatible websocket server:
// binary PCM messages in, JSON {"partial"} / {"text"} messages out.
type WebSocketDialer struct {
	URL        string
	Attempts   int
	RetryDelay time.Duration
	Log        *slog.Logger
}

// vosk-server compares the end-of-stream marker byte for byte.
const eofMessage = `{"eof" : 1}`

type wsConfig struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

type wsResult struct {
	Text    *string `json:"text"`
	Partial *string `json:"partial"`
	IsFinal *bool   `json:"is_final"`
}

func (d *WebSocketDialer) Name() string { return "websocket" }

func (d *WebSocketDialer) Dial(ctx context.Context, streamID string, onResult func(Result)) (Stream, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("recognizer URL is empty")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid recognizer URL: %w", err)
	}
	q := u.Query()
	q.Set("session_id", streamID)
	u.RawQuery = q.Encode()

	attempts := d.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var conn *websocket.Conn
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			break
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.RetryDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect recognizer failed after %d attempts: %w", attempts, err)
	}

	var cfg wsConfig
	cfg.Config.SampleRate = pcm.SampleRate
	if err := conn.WriteJSON(cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send stream config: %w", err)
	}

	s := &wsStream{conn: conn, onResult: onResult, log: d.logger()}
	go s.readLoop()
	return s, nil
}

func (d *WebSocketDialer) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

type wsStream struct {
	conn     *websocket.Conn
	onResult func(Result)
	log      *slog.Logger

	writeMu sync.Mutex
	once    sync.Once
}

func (s *wsStream) readLoop() {
	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.log.Debug("recognizer stream ended", slog.String("error", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		res, ok := parseWSResult(payload)
		if !ok {
			continue
		}
		s.onResult(res)
	}
}

func parseWSResult(payload []byte) (Result, bool) {
	var msg wsResult
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Result{}, false
	}
	switch {
	case msg.Partial != nil:
		return Result{Text: *msg.Partial}, true
	case msg.Text != nil:
		final := msg.IsFinal == nil || *msg.IsFinal
		return Result{Text: *msg.Text, Final: final}, true
	}
	return Result{}, false
}

func (s *wsStream) Push(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *wsStream) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(eofMessage))
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		err = s.conn.Close()
	})
	return err
}
