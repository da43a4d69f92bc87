// Package json extracts and decodes the JSON object carried by a model reply.
//
// Structured-output providers return bare JSON, but adapters that receive the
// schema as an instruction may wrap it in markdown fences or a sentence.
// Extraction tolerates that wrapping; decoding is strict.
package json

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoObject is returned when a reply carries no decodable JSON object.
var ErrNoObject = errors.New("no JSON object in response")

// Object returns the JSON object portion of a reply.
//
// Accepted shapes:
// 1. the reply is a JSON object
// 2. the object is wrapped in a ```json fence
// 3. the object is embedded in text (first '{' to last '}')
func Object(response string) (string, error) {
	trimmed := stripFence(response)
	if isObject(trimmed) {
		return trimmed, nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start != -1 && end > start {
		candidate := trimmed[start : end+1]
		if isObject(candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrNoObject, preview(response, 100))
}

// Decode extracts the object from a reply and decodes it into v.
// Unknown fields and trailing data are rejected.
func Decode(response string, v any) error {
	obj, err := Object(response)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(strings.NewReader(obj))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode JSON: trailing data after object")
	}
	return nil
}

func isObject(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return false
	}
	return json.Valid([]byte(s))
}

// stripFence removes a surrounding ``` or ```json fence.
func stripFence(response string) string {
	trimmed := strings.TrimSpace(response)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl != -1 && !strings.ContainsAny(trimmed[:nl], "{[") {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Compact returns src with insignificant whitespace removed, or src unchanged
// when it is not valid JSON.
func Compact(src []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, src); err != nil {
		return src
	}
	return buf.Bytes()
}
