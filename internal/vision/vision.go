// Package vision wraps the two inference collaborators of the image
// analysis pipeline: a local person detector used as a cheap prefilter,
// and a vision language model that answers multi-condition questions
// about a captured image.
package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedResponse is returned when a model reply holds no JSON object.
var ErrMalformedResponse = errors.New("malformed model response")

// ParseJSONObject decodes the JSON object embedded in text, ignoring any
// prose or code fences around the outermost braces.
func ParseJSONObject(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no object in %q", ErrMalformedResponse, truncate(text, 80))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// ParseConditions decodes a condition name to boolean mapping. Values given
// as "true"/"yes" strings are accepted; anything else that is not a boolean
// is dropped.
func ParseConditions(text string) (map[string]bool, error) {
	var raw map[string]any
	if err := ParseJSONObject(text, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(raw))
	for name, v := range raw {
		switch val := v.(type) {
		case bool:
			out[name] = val
		case string:
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "true", "yes":
				out[name] = true
			case "false", "no":
				out[name] = false
			}
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
