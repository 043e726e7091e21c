// File: internal/vision/extract/extract.go

// Package extract recovers a single JSON object from free-form model output.
// Vision models routinely wrap their answer in explanatory prose or Markdown
// code fences, and string fields inside the JSON may themselves contain
// braces, so extraction has to be string- and escape-aware.
package extract

import (
	"errors"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// ErrNoJSONFound is returned when no balanced JSON object can be recovered
// from the text.
var ErrNoJSONFound = errors.New("no JSON object found in provider response")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Greedy last-resort match. May over-match when multiple JSON-like fragments
// exist; accepted as a known limitation.
var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// JSONObject parses the first top-level JSON object embedded in text.
// Strategy, in priority order: parse the trimmed text directly when it starts
// with '{'; otherwise scan for the first balanced brace span outside string
// literals; finally fall back to a greedy regex.
func JSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)

	// Fast path for well-behaved responses.
	if strings.HasPrefix(text, "{") {
		var obj map[string]any
		if err := json.UnmarshalFromString(text, &obj); err == nil {
			return obj, nil
		}
		// The whole string is not valid JSON; the balanced span might be.
	}

	if candidate, ok := braceMatch(text); ok {
		var obj map[string]any
		if err := json.UnmarshalFromString(candidate, &obj); err == nil {
			return obj, nil
		}
	}

	if m := jsonObjectRe.FindString(text); m != "" {
		var obj map[string]any
		if err := json.UnmarshalFromString(m, &obj); err == nil {
			return obj, nil
		}
	}

	return nil, ErrNoJSONFound
}

// braceMatch returns the first top-level {...} span, tracking string literals
// and backslash escapes so braces inside quoted values do not perturb depth.
func braceMatch(text string) (string, bool) {
	inStr := false
	esc := false
	depth := 0
	start := -1

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch {
		case ch == '\\':
			esc = true
		case ch == '"':
			inStr = !inStr
		case inStr:
			// Braces inside strings are content, not structure.
		case ch == '{':
			if depth == 0 {
				start = i
			}
			depth++
		case ch == '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}
