package model

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/bundle"
	"github.com/mattn/go-shellwords"
)

// The exec decoder drives a long-lived helper process over newline-delimited
// JSON on stdin/stdout. The helper is started as
//
//	<command> --model <bundle root> --sample-rate <rate>
//
// and answers every request with exactly one line:
//
//	{"op":"accept","pcm":"<base64>"}  ->  {"accepted":true}
//	{"op":"result"}                   ->  {"text":"..."}
//	{"op":"partial"}                  ->  {"partial":"..."}
//	{"op":"final"}                    ->  {"text":"..."}
//	{"op":"reset"}                    ->  {"ok":true}
//
// Result lines are handed to the recognizer unparsed.

type execRequest struct {
	Op  string `json:"op"`
	PCM string `json:"pcm,omitempty"`
}

type acceptReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type execDecoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	pipe   io.ReadCloser
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// ExecOpener parses command with shell quoting rules and returns an Opener
// that spawns it once per Load.
func ExecOpener(command string) (Opener, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("decoder command is empty")
	}
	return func(ctx context.Context, b bundle.Bundle, sampleRate int) (Decoder, error) {
		return startExecDecoder(ctx, args, b.Root, sampleRate)
	}, nil
}

// startExecDecoder gives up on the helper when ctx ends before the
// handshake completes. Once the handshake succeeds the process lives until
// Close.
func startExecDecoder(ctx context.Context, args []string, modelDir string, sampleRate int) (*execDecoder, error) {
	procCtx, cancel := context.WithCancel(context.Background())
	cmdArgs := append([]string{}, args[1:]...)
	cmdArgs = append(cmdArgs, "--model", modelDir, "--sample-rate", strconv.Itoa(sampleRate))
	cmd := exec.CommandContext(procCtx, args[0], cmdArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	d := &execDecoder{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64*1024),
		pipe:   stdout,
		cancel: cancel,
	}
	// the helper signals a loaded model by answering a reset
	handshake := make(chan error, 1)
	go func() {
		_, err := d.call(execRequest{Op: "reset"})
		handshake <- err
	}()
	select {
	case err := <-handshake:
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("decoder handshake: %w", err)
		}
		return d, nil
	case <-ctx.Done():
		// closing our end unblocks the pending read even if the helper
		// left children holding the pipe open
		cancel()
		_ = d.pipe.Close()
		<-handshake
		d.Close()
		return nil, fmt.Errorf("decoder handshake: %w", ctx.Err())
	}
}

func (d *execDecoder) AcceptWaveform(pcm []byte) (bool, error) {
	line, err := d.call(execRequest{Op: "accept", PCM: base64.StdEncoding.EncodeToString(pcm)})
	if err != nil {
		return false, err
	}
	var reply acceptReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return false, fmt.Errorf("decode accept reply: %w", err)
	}
	if reply.Error != "" {
		return false, errors.New(reply.Error)
	}
	return reply.Accepted, nil
}

func (d *execDecoder) Result() ([]byte, error) {
	return d.call(execRequest{Op: "result"})
}

func (d *execDecoder) PartialResult() ([]byte, error) {
	return d.call(execRequest{Op: "partial"})
}

func (d *execDecoder) FinalResult() ([]byte, error) {
	return d.call(execRequest{Op: "final"})
}

func (d *execDecoder) Reset() error {
	_, err := d.call(execRequest{Op: "reset"})
	return err
}

func (d *execDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.stdin.Close()
	d.cancel()
	// exit status after a kill is expected to be non-zero
	_ = d.cmd.Wait()
	return nil
}

func (d *execDecoder) call(req execRequest) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("decoder closed")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := d.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write %s request: %w", req.Op, err)
	}
	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read %s reply: %w", req.Op, err)
	}
	return line, nil
}
