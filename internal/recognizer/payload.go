package recognizer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// result mirrors the JSON emitted by Vosk-style decoders: final results carry
// "text", partial results carry "partial".
type result struct {
	Text    *string `json:"text"`
	Partial *string `json:"partial"`
}

// ParseFinal extracts the transcript of a final result payload. A missing or
// malformed payload yields an empty transcript and an ErrDecode.
func ParseFinal(raw []byte) (Hypothesis, error) {
	text, err := extract(raw, false)
	return Hypothesis{Text: text, Final: true}, err
}

// ParsePartial extracts the transcript of a partial result payload, falling
// back to "text" for decoders that use a single field.
func ParsePartial(raw []byte) (Hypothesis, error) {
	text, err := extract(raw, true)
	return Hypothesis{Text: text}, err
}

func extract(raw []byte, partial bool) (string, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrDecode)
	}
	var r result
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var field *string
	if partial {
		field = r.Partial
		if field == nil {
			field = r.Text
		}
	} else {
		field = r.Text
	}
	if field == nil {
		return "", fmt.Errorf("%w: no transcript field", ErrDecode)
	}
	return strings.TrimSpace(*field), nil
}
