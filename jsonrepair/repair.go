// Package jsonrepair recovers structured data from the JSON-ish text
// models actually emit: markdown code fences around the payload, prose
// before or after it, trailing commas, and truncated output. Repair is
// best effort; callers treat failure as a task-level error.
package jsonrepair

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnrepairable is returned when no JSON value can be recovered from
// the text.
var ErrUnrepairable = errors.New("cannot repair text into valid JSON")

// Repair extracts and fixes a JSON value from model output, returning the
// canonical JSON text. Already-valid input is returned as is.
func Repair(text string) (string, error) {
	candidate := strings.TrimSpace(text)
	if candidate == "" {
		return "", ErrUnrepairable
	}

	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}

	candidate = stripFences(candidate)
	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}

	candidate = extractValue(candidate)
	if candidate == "" {
		return "", ErrUnrepairable
	}
	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}

	candidate = removeTrailingCommas(candidate)
	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}

	if closed := closeOpenScopes(candidate); json.Valid([]byte(closed)) {
		return closed, nil
	}

	return "", ErrUnrepairable
}

// Unmarshal repairs the text and decodes it into v.
func Unmarshal(text string, v any) error {
	repaired, err := Repair(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(repaired), v)
}

// stripFences removes a surrounding markdown code fence, with or without
// a language tag.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "JSON", ...).
		first := strings.TrimSpace(trimmed[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// extractValue cuts the substring from the first '{' or '[' to the
// matching region's last '}' or ']', discarding surrounding prose.
func extractValue(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	end := strings.LastIndexByte(text, close)
	if end > start {
		return text[start : end+1]
	}
	return text[start:]
}

// removeTrailingCommas drops commas that directly precede a closing brace
// or bracket, outside of string literals.
func removeTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			b.WriteByte(ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\n' || text[j] == '\r') {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// closeOpenScopes appends the closers a truncated value is missing, after
// trimming back to the last complete element.
func closeOpenScopes(text string) string {
	trimmed := strings.TrimRight(text, " \t\n\r")
	trimmed = strings.TrimRight(trimmed, ",")

	// Truncation mid-string is unrecoverable without guessing content;
	// cut back to the last structural boundary instead.
	if i := lastStructural(trimmed); i >= 0 {
		trimmed = strings.TrimRight(trimmed[:i+1], ",")
	}

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(trimmed); i++ {
		ch := trimmed[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(trimmed)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// lastStructural finds the last closing brace/bracket or string-closing
// quote outside an open string literal.
func lastStructural(text string) int {
	inString := false
	escaped := false
	last := -1
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
				last = i
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '}', ']':
			last = i
		}
	}
	if inString {
		return last
	}
	return len(text) - 1
}
