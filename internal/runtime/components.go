package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bundle"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/pcm"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/recognizer"
	"github.com/loqalabs/loqa-listen/internal/recognizer/continuous"
	"github.com/loqalabs/loqa-listen/internal/recognizer/model"
)

func newSource(cfg config.CaptureConfig, log *slog.Logger) (capture.Source, error) {
	src, err := capture.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture source: %w", err)
	}
	return src, nil
}

// newBackend selects the recognizer variant once; nothing downstream
// branches on it again.
func newBackend(cfg config.Config, busClient *bus.Client, log *slog.Logger) (recognizer.Backend, error) {
	switch cfg.Recognizer.Mode {
	case "model":
		open, err := newOpener(cfg.Recognizer.Model)
		if err != nil {
			return nil, err
		}
		return model.New(open, pcm.SampleRate, log), nil
	case "continuous":
		dialer, err := newDialer(cfg.Recognizer.Continuous, busClient, log)
		if err != nil {
			return nil, err
		}
		finalize := time.Duration(cfg.Session.FinalizeTimeoutMS) * time.Millisecond
		return continuous.New(dialer, finalize, log), nil
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Recognizer.Mode)
	}
}

func newOpener(cfg config.ModelConfig) (model.Opener, error) {
	switch cfg.Decoder {
	case "exec":
		return model.ExecOpener(cfg.Command)
	case "whisper":
		return model.WhisperOpener(model.WhisperOptions{
			ModelFile:         cfg.ModelFile,
			Threads:           cfg.Threads,
			SilenceThreshold:  cfg.SilenceThreshold,
			EndpointSilenceMS: cfg.EndpointSilenceMS,
			PartialEveryMS:    cfg.PartialEveryMS,
			MaxUtteranceMS:    cfg.MaxUtteranceMS,
		}), nil
	default:
		return nil, fmt.Errorf("unknown model decoder %q", cfg.Decoder)
	}
}

func newDialer(cfg config.ContinuousConfig, busClient *bus.Client, log *slog.Logger) (continuous.Dialer, error) {
	switch cfg.Transport {
	case "websocket":
		return &continuous.WebSocketDialer{
			URL:        cfg.URL,
			Attempts:   cfg.DialAttempts,
			RetryDelay: time.Duration(cfg.DialRetryMS) * time.Millisecond,
			Log:        log,
		}, nil
	case "bus":
		return &continuous.BusDialer{Bus: busClient, SubjectPrefix: cfg.SubjectPrefix}, nil
	default:
		return nil, fmt.Errorf("unknown continuous transport %q", cfg.Transport)
	}
}

// newProvisioner copies the bundle out of source_dir on first use when one
// is configured; otherwise the bundle must already sit under data_dir. The
// continuous recognizer reads nothing from the bundle, so it gets the data
// dir itself with no required files.
func newProvisioner(cfg config.Config, log *slog.Logger) (bundle.Provisioner, []string, error) {
	b := cfg.Bundle
	if cfg.Recognizer.Mode == "continuous" {
		if err := os.MkdirAll(b.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		return bundle.DirProvisioner{Dir: b.DataDir}, nil, nil
	}
	if b.SourceDir != "" {
		return bundle.CopyProvisioner{
			Source:  os.DirFS(b.SourceDir),
			DataDir: b.DataDir,
			DirName: b.DirName,
			Log:     log.With(slog.String("component", "bundle")),
		}, b.RequiredFiles, nil
	}
	return bundle.DirProvisioner{Dir: filepath.Join(b.DataDir, b.DirName)}, b.RequiredFiles, nil
}

func capabilities(cfg config.Config, backend string) []protocol.Capability {
	attrs := map[string]string{
		"sample_rate": strconv.Itoa(pcm.SampleRate),
		"capture":     cfg.Capture.Mode,
	}
	name := "stt.model"
	switch backend {
	case "continuous":
		name = "stt.continuous"
		attrs["transport"] = cfg.Recognizer.Continuous.Transport
	default:
		attrs["decoder"] = cfg.Recognizer.Model.Decoder
	}
	return []protocol.Capability{{Name: name, Attributes: attrs}}
}
