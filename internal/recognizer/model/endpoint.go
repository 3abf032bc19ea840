package model

import "github.com/loqalabs/loqa-listen/internal/pcm"

// Endpointer decides when an utterance has ended from signal energy alone:
// speech followed by SilenceMS of audio below Threshold, or MaxUtteranceMS
// of audio counted from the onset of speech.
type Endpointer struct {
	Threshold      float64
	SilenceMS      int
	MaxUtteranceMS int

	speech   bool
	silentMS int
	totalMS  int
}

// Push accounts for one chunk of canonical PCM and reports whether the
// utterance is complete.
func (e *Endpointer) Push(chunk []byte) bool {
	ms := len(chunk) / pcm.BytesPerSample * 1000 / pcm.SampleRate
	if pcm.RMS(chunk) >= e.Threshold {
		e.speech = true
		e.silentMS = 0
	} else if e.speech {
		e.silentMS += ms
	}
	if !e.speech {
		return false
	}
	e.totalMS += ms
	if e.SilenceMS > 0 && e.silentMS >= e.SilenceMS {
		return true
	}
	return e.MaxUtteranceMS > 0 && e.totalMS >= e.MaxUtteranceMS
}

func (e *Endpointer) HeardSpeech() bool { return e.speech }

func (e *Endpointer) Reset() {
	e.speech = false
	e.silentMS = 0
	e.totalMS = 0
}

// preRollMS of audio ahead of the speech onset is kept so the first syllable
// is not clipped.
const preRollMS = 300

// utterance accumulates one utterance for decoders that transcribe whole
// clips. Until speech is heard it holds no more than the pre-roll.
type utterance struct {
	ep      Endpointer
	preRoll int
	samples []float32
	sinceMS int
}

func newUtterance(ep Endpointer) *utterance {
	return &utterance{ep: ep, preRoll: preRollMS * pcm.SampleRate / 1000}
}

// Push appends one chunk of canonical PCM and reports whether the utterance
// is complete.
func (u *utterance) Push(chunk []byte) (bool, error) {
	f, err := pcm.Float32(chunk)
	if err != nil {
		return false, err
	}
	u.samples = append(u.samples, f...)
	done := u.ep.Push(chunk)
	if !u.ep.HeardSpeech() {
		if extra := len(u.samples) - u.preRoll; extra > 0 {
			u.samples = u.samples[:copy(u.samples, u.samples[extra:])]
		}
		return false, nil
	}
	u.sinceMS += len(f) * 1000 / pcm.SampleRate
	return done, nil
}

// PartialDue reports, at most once per everyMS of speech, that a partial
// transcription is worth running.
func (u *utterance) PartialDue(everyMS int) bool {
	if !u.ep.HeardSpeech() || everyMS <= 0 || u.sinceMS < everyMS {
		return false
	}
	u.sinceMS = 0
	return true
}

func (u *utterance) Samples() []float32 { return u.samples }

func (u *utterance) HeardSpeech() bool { return u.ep.HeardSpeech() }

func (u *utterance) Reset() {
	u.samples = u.samples[:0]
	u.sinceMS = 0
	u.ep.Reset()
}

// WhisperOptions configures the whisper.cpp decoder.
type WhisperOptions struct {
	ModelFile         string
	Threads           int
	SilenceThreshold  float64
	EndpointSilenceMS int
	PartialEveryMS    int
	MaxUtteranceMS    int
}
