//go:build whisper_cpp

package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-listen/internal/bundle"
	"github.com/loqalabs/loqa-listen/internal/pcm"
)

// whisper.cpp rejects very short inputs; 100ms at 16kHz.
const minWhisperSamples = 1600

// WhisperOpener returns an Opener that loads opts.ModelFile from the bundle
// and endpoints utterances by energy, since whisper has no streaming decoder.
func WhisperOpener(opts WhisperOptions) Opener {
	return func(_ context.Context, b bundle.Bundle, sampleRate int) (Decoder, error) {
		if sampleRate != pcm.SampleRate {
			return nil, fmt.Errorf("whisper requires %d Hz audio, got %d", pcm.SampleRate, sampleRate)
		}
		path, err := b.Path(opts.ModelFile)
		if err != nil {
			return nil, err
		}
		m, err := whisperpkg.New(path)
		if err != nil {
			return nil, fmt.Errorf("load whisper model: %w", err)
		}
		threads := opts.Threads
		if threads <= 0 {
			threads = runtime.NumCPU()
		}
		return &whisperDecoder{
			model:   m,
			threads: uint(threads),
			every:   opts.PartialEveryMS,
			utt: newUtterance(Endpointer{
				Threshold:      opts.SilenceThreshold,
				SilenceMS:      opts.EndpointSilenceMS,
				MaxUtteranceMS: opts.MaxUtteranceMS,
			}),
		}, nil
	}
}

type whisperDecoder struct {
	model   whisperpkg.Model
	threads uint
	every   int
	utt     *utterance

	partial string
	result  string
}

func (d *whisperDecoder) AcceptWaveform(chunk []byte) (bool, error) {
	done, err := d.utt.Push(chunk)
	if err != nil {
		return false, err
	}
	if done {
		text, err := d.transcribe(d.utt.Samples())
		d.clear()
		if err != nil {
			return false, err
		}
		d.result = text
		return true, nil
	}
	if d.utt.PartialDue(d.every) {
		text, err := d.transcribe(d.utt.Samples())
		if err != nil {
			return false, err
		}
		d.partial = text
	}
	return false, nil
}

func (d *whisperDecoder) Result() ([]byte, error) {
	text := d.result
	d.result = ""
	return json.Marshal(map[string]string{"text": text})
}

func (d *whisperDecoder) PartialResult() ([]byte, error) {
	return json.Marshal(map[string]string{"partial": d.partial})
}

func (d *whisperDecoder) FinalResult() ([]byte, error) {
	var text string
	if d.utt.HeardSpeech() {
		var err error
		text, err = d.transcribe(d.utt.Samples())
		if err != nil {
			return nil, err
		}
	}
	d.clear()
	return json.Marshal(map[string]string{"text": text})
}

func (d *whisperDecoder) Reset() error {
	d.clear()
	d.result = ""
	return nil
}

func (d *whisperDecoder) Close() error {
	d.clear()
	return d.model.Close()
}

func (d *whisperDecoder) clear() {
	d.utt.Reset()
	d.partial = ""
}

func (d *whisperDecoder) transcribe(samples []float32) (string, error) {
	if len(samples) < minWhisperSamples {
		return "", nil
	}
	ctx, err := d.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	ctx.SetThreads(d.threads)
	ctx.SetSplitOnWord(true)
	if err := ctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process audio: %w", err)
	}
	var segments []string
	for {
		seg, err := ctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			segments = append(segments, text)
		}
	}
	return strings.Join(segments, " "), nil
}
