// Package jsonutil provides utilities for extracting and parsing JSON from
// LLM responses that may be wrapped in markdown code fences, embedded in
// prose, or cut off mid-output by a token limit.
//
// Repair is the entry point for batch inference results: it runs an ordered
// cascade of fixes (see repair.go) and only gives up with a *ParseError that
// carries enough context to tell truncation apart from corruption.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripMarkdownFences removes a leading ```json (or bare ```) line and a
// trailing ``` from text. Either fence may be missing; truncated responses
// often open a fence and never close it.
func StripMarkdownFences(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		} else {
			// Single line: "```json {...}".
			text = strings.TrimPrefix(text, "```")
			text = strings.TrimPrefix(text, "json")
		}
	}

	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// ExtractJSON finds and returns the JSON content (object or array) from text
// that may contain surrounding non-JSON content.
// It finds the first { or [ and matches it with the last corresponding } or ].
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	start, endChar := jsonStart(text)
	if start < 0 {
		return "", fmt.Errorf("no JSON content found")
	}

	text = text[start:]
	endIdx := strings.LastIndexByte(text, endChar)
	if endIdx == -1 {
		return "", fmt.Errorf("no closing %c found", endChar)
	}

	return text[:endIdx+1], nil
}

// jsonStart returns the index of the first '{' or '[' in text and the byte
// that would close it, or -1 if neither occurs.
func jsonStart(text string) (int, byte) {
	objIdx := strings.IndexByte(text, '{')
	arrIdx := strings.IndexByte(text, '[')

	switch {
	case objIdx == -1 && arrIdx == -1:
		return -1, 0
	case arrIdx == -1 || (objIdx != -1 && objIdx <= arrIdx):
		return objIdx, '}'
	default:
		return arrIdx, ']'
	}
}

// ParseJSON strips markdown fences from raw LLM response text, extracts JSON
// content (object or array), and unmarshals it into the provided type T.
// When the extracted text is not valid JSON it falls back to the repair
// cascade before giving up.
func ParseJSON[T any](raw string) (T, error) {
	text := StripMarkdownFences(raw)
	jsonStr, err := ExtractJSON(text)
	if err != nil {
		// No closing delimiter usually means truncation; let Repair try.
		return ParseInto[T](text)
	}

	var result T
	if err := json.Unmarshal([]byte(jsonStr), &result); err == nil {
		return result, nil
	}
	return ParseInto[T](text)
}

// ParseInto repairs raw and decodes the result into T.
func ParseInto[T any](raw string) (T, error) {
	var result T

	v, err := Repair(raw)
	if err != nil {
		return result, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return result, fmt.Errorf("re-encode repaired JSON: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		preview := string(data)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return result, fmt.Errorf("repaired JSON does not fit %T: %w (text: %s)", result, err, preview)
	}
	return result, nil
}
