//go:build !whisper_cpp

package model

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-listen/internal/bundle"
)

var errNoWhisper = errors.New("whisper decoder unavailable: rebuild with -tags whisper_cpp")

// WhisperOpener returns an Opener that always fails; the whisper.cpp decoder
// needs cgo and the whisper_cpp build tag.
func WhisperOpener(WhisperOptions) Opener {
	return func(context.Context, bundle.Bundle, int) (Decoder, error) {
		return nil, errNoWhisper
	}
}
