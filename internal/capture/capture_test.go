package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/pcm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWAV(t *testing.T, samples []int16, sampleRate, channels int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: pcm.BitDepth,
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestWAVSourceReadsToEOF(t *testing.T) {
	samples := make([]int16, 2500)
	for i := range samples {
		samples[i] = int16(i - 1250)
	}
	src := NewWAVSource(writeWAV(t, samples, pcm.SampleRate, 1), false, 1000, discardLogger())
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	var got []int16
	buf := make([]int16, FrameSize(src))
	for {
		n, err := src.Read(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if len(got) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, samples[i], got[i])
		}
	}
}

func TestWAVSourceRejectsWrongFormat(t *testing.T) {
	src := NewWAVSource(writeWAV(t, make([]int16, 800), 8000, 1), false, 800, discardLogger())
	if err := src.Open(context.Background()); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected ErrDevice, got %v", err)
	}
	missing := NewWAVSource(filepath.Join(t.TempDir(), "none.wav"), false, 800, discardLogger())
	if err := missing.Open(context.Background()); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected ErrDevice for missing file, got %v", err)
	}
}

func TestWAVSourceCloseUnblocksRealtimeRead(t *testing.T) {
	src := NewWAVSource(writeWAV(t, make([]int16, 64000), pcm.SampleRate, 1), true, 16000, discardLogger())
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	buf := make([]int16, FrameSize(src))
	errCh := make(chan error, 1)
	go func() {
		_, err := src.Read(buf)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	src.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("read did not return after close")
	}
	if _, err := src.Read(buf); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestExecSourceDecodesByteOrder(t *testing.T) {
	for _, order := range []string{"s16le", "s16be"} {
		t.Run(order, func(t *testing.T) {
			t.Setenv("GO_WANT_HELPER_PROCESS", "1")
			t.Setenv("CAPTURE_HELPER_ORDER", order)
			bo, err := ParseByteOrder(order)
			if err != nil {
				t.Fatalf("byte order: %v", err)
			}
			src, err := NewExecSource(helperCommand(), bo, 100, discardLogger())
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			if err := src.Open(context.Background()); err != nil {
				t.Fatalf("open: %v", err)
			}
			defer src.Close()

			buf := make([]int16, FrameSize(src))
			n, err := src.Read(buf)
			if err != nil || n != len(buf) {
				t.Fatalf("read n=%d err=%v", n, err)
			}
			for i := 0; i < n; i++ {
				if buf[i] != int16(i-100) {
					t.Fatalf("sample %d: got %d", i, buf[i])
				}
			}
			if _, err := src.Read(buf); !errors.Is(err, io.EOF) {
				t.Fatalf("expected io.EOF once the recorder exits, got %v", err)
			}
			if _, err := src.Read(buf); !errors.Is(err, io.EOF) {
				t.Fatalf("expected io.EOF to repeat after exit, got %v", err)
			}
		})
	}
}

func TestExecSourceCloseUnblocksRead(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("CAPTURE_HELPER_ORDER", "block")
	src, err := NewExecSource(helperCommand(), binary.LittleEndian, 100, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := src.Read(make([]int16, 200))
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read did not return after close")
	}
}

func TestExecSourceOpenFailure(t *testing.T) {
	src, err := NewExecSource("/nonexistent/recorder -q", binary.LittleEndian, 100, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := src.Open(context.Background()); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected ErrDevice, got %v", err)
	}
}

func TestNewSelectsMode(t *testing.T) {
	cfg := config.Default().Capture
	src, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("exec mode: %v", err)
	}
	if _, ok := src.(*ExecSource); !ok {
		t.Fatalf("expected exec source, got %T", src)
	}
	if FrameSize(src) != 3200 || FrameDuration(src) != 200*time.Millisecond {
		t.Fatalf("unexpected frame geometry %d %s", FrameSize(src), FrameDuration(src))
	}
	cfg.Mode = "wav"
	cfg.WAVPath = "clip.wav"
	if src, err = New(cfg, discardLogger()); err != nil {
		t.Fatalf("wav mode: %v", err)
	}
	if _, ok := src.(*WAVSource); !ok {
		t.Fatalf("expected wav source, got %T", src)
	}
	cfg.Mode = "alsa"
	if _, err := New(cfg, discardLogger()); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func helperCommand() string {
	return fmt.Sprintf("%q -test.run=TestHelperProcess --", os.Args[0])
}

// TestHelperProcess is not a real test: it plays the recorder for the exec
// source tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	var order binary.ByteOrder
	switch os.Getenv("CAPTURE_HELPER_ORDER") {
	case "s16le":
		order = binary.LittleEndian
	case "s16be":
		order = binary.BigEndian
	default:
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	out := make([]byte, 200*2)
	for i := 0; i < 200; i++ {
		order.PutUint16(out[i*2:], uint16(int16(i-100)))
	}
	os.Stdout.Write(out)
	os.Exit(0)
}
