package helpers

import (
	"strings"
	"unicode/utf8"
)

// Unfence strips a single fenced block (``` or ~~~, with an optional info string)
// wrapping the whole reply. Text without a leading fence is returned trimmed.
func Unfence(s string) string {
	s = trimBOM(strings.TrimSpace(s))
	fence := ""
	switch {
	case strings.HasPrefix(s, "```"):
		fence = "```"
	case strings.HasPrefix(s, "~~~"):
		fence = "~~~"
	default:
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return ""
	}
	s = strings.TrimSpace(s[nl+1:])
	s = strings.TrimSuffix(s, fence)
	return strings.TrimSpace(s)
}

// JSONValues returns every balanced top-level JSON object or array in text, in order.
// Brackets inside string literals are ignored; a mismatched closer drops the partial value.
func JSONValues(text string) []string {
	var (
		out      []string
		stack    []byte
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
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
			if len(stack) > 0 {
				inString = true
			}
		case '{', '[':
			if len(stack) == 0 {
				start = i
			}
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) == 0 {
				continue
			}
			open := stack[len(stack)-1]
			if (open == '{' && ch != '}') || (open == '[' && ch != ']') {
				stack = stack[:0]
				start = -1
				continue
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 && start >= 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// FirstObject returns the first balanced top-level JSON object in text, or "".
func FirstObject(text string) string {
	for _, v := range JSONValues(text) {
		if strings.HasPrefix(v, "{") {
			return v
		}
	}
	return ""
}

func trimBOM(s string) string {
	if strings.HasPrefix(s, "\uFEFF") {
		return strings.TrimPrefix(s, "\uFEFF")
	}
	if len(s) >= 3 && s[0] == 0xEF && s[1] == 0xBB && s[2] == 0xBF && utf8.ValidString(s[3:]) {
		return s[3:]
	}
	return s
}
