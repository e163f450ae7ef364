// Package proposal extracts the action list from a planner reply.
package proposal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"autopilot/internal/domain"
)

var (
	ErrNoActions = errors.New("no action array found in proposal")
	ErrMalformed = errors.New("malformed proposal")
)

// Parse decodes the first well-formed JSON array in text: the whole reply,
// then fenced json blocks, then the first balanced [...] span. Every element
// must be an object with a string "action" (or "type") tag. When newID is set
// every action gets a fresh id from it; planner-supplied ids are not unique
// across replies and are discarded.
func Parse(text string, newID func() string) ([]domain.Action, error) {
	raw, ok := firstArray(text)
	if !ok {
		return nil, ErrNoActions
	}
	actions := make([]domain.Action, 0, len(raw))
	for i, elem := range raw {
		var obj map[string]any
		if err := json.Unmarshal(elem, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrMalformed, i)
		}
		a, err := domain.ActionFromMap(obj)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformed, i, err)
		}
		if a.Kind == "" {
			return nil, fmt.Errorf("%w: element %d has no action tag", ErrMalformed, i)
		}
		if newID != nil {
			a.ID = newID()
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func firstArray(text string) ([]json.RawMessage, bool) {
	if arr, ok := decodeArray(text); ok {
		return arr, true
	}
	for _, block := range fenceBlocks(text) {
		if arr, ok := decodeArray(block); ok {
			return arr, true
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		end := balancedEnd(text[i:])
		if end <= 0 {
			continue
		}
		if arr, ok := decodeArray(text[i : i+end]); ok {
			return arr, true
		}
	}
	return nil, false
}

func decodeArray(s string) ([]json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(s), &arr); err != nil {
		return nil, false
	}
	return arr, true
}

// fenceBlocks returns the bodies of ``` fences that are untagged or tagged json.
func fenceBlocks(text string) []string {
	var blocks []string
	for len(text) > 0 {
		start := strings.Index(text, "```")
		if start < 0 {
			break
		}
		rest := text[start+3:]
		nl := strings.Index(rest, "\n")
		if nl < 0 {
			break
		}
		lang := strings.TrimSpace(rest[:nl])
		body := rest[nl+1:]
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		if lang == "" || strings.EqualFold(lang, "json") {
			if block := strings.TrimSpace(body[:end]); block != "" {
				blocks = append(blocks, block)
			}
		}
		text = body[end+3:]
	}
	return blocks
}

// balancedEnd returns the length of the bracketed value starting at s[0], or
// -1 when brackets never balance. Brackets inside strings are ignored.
func balancedEnd(s string) int {
	if len(s) == 0 || (s[0] != '[' && s[0] != '{') {
		return -1
	}
	stack := []byte{s[0]}
	inString, escaped := false, false
	for i := 1; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[', '{':
			stack = append(stack, ch)
		case ']', '}':
			open := byte('[')
			if ch == '}' {
				open = '{'
			}
			if stack[len(stack)-1] != open {
				return -1
			}
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			return i + 1
		}
	}
	return -1
}
