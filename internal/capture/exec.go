package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-listen/internal/pcm"
	"github.com/mattn/go-shellwords"
)

// ExecSource runs a recorder command and reads raw 16-bit mono PCM from its
// stdout.
type ExecSource struct {
	args       []string
	order      binary.ByteOrder
	minSamples int
	log        *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	raw    []byte
	closed atomic.Bool
}

func NewExecSource(command string, order binary.ByteOrder, minSamples int, log *slog.Logger) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecSource{
		args:       args,
		order:      order,
		minSamples: minSamples,
		log:        log.With(slog.String("component", "exec-capture")),
	}, nil
}

func (s *ExecSource) MinBufferSize() int { return s.minSamples }

func (s *ExecSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("%w: already open", ErrDevice)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, s.args[0], s.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: start recorder: %v", ErrDevice, err)
	}
	s.cmd = cmd
	s.stdout = stdout
	s.cancel = cancel
	s.closed.Store(false)
	s.log.Info("recorder started", slog.String("command", s.args[0]), slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *ExecSource) Read(buf []int16) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.mu.Lock()
	stdout := s.stdout
	s.mu.Unlock()
	if stdout == nil {
		return 0, fmt.Errorf("%w: not open", ErrDevice)
	}

	want := len(buf) * pcm.BytesPerSample
	if cap(s.raw) < want {
		s.raw = make([]byte, want)
	}
	raw := s.raw[:want]
	n, err := io.ReadFull(stdout, raw)
	samples := n / pcm.BytesPerSample
	if samples > 0 {
		if derr := pcm.DecodeInto(buf[:samples], raw[:samples*pcm.BytesPerSample], s.order); derr != nil {
			return 0, derr
		}
	}
	if err == nil {
		return samples, nil
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if samples > 0 {
			return samples, nil
		}
		// a recorder that exits on its own has reached the end of its input
		s.log.Info("recorder output ended")
		return 0, io.EOF
	}
	return samples, fmt.Errorf("read recorder output: %w", err)
}

func (s *ExecSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	s.cancel()
	if err := s.cmd.Wait(); err != nil {
		s.log.Debug("recorder exited", slogError(err))
	}
	s.cmd = nil
	s.stdout = nil
	return nil
}
