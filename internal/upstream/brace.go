package upstream

import "strings"

// BraceTracker recovers complete top-level JSON objects from an
// arbitrarily chunked character stream. Text outside any object is
// discarded; strings containing braces are handled correctly.
type BraceTracker struct {
	depth    int
	inString bool
	escaped  bool
	buffer   strings.Builder
}

// NewBraceTracker creates an empty tracker.
func NewBraceTracker() *BraceTracker {
	return &BraceTracker{}
}

// Feed consumes a chunk and returns every object completed by it,
// in order. Objects may span any number of chunks, and one chunk may
// complete several objects back to back.
func (t *BraceTracker) Feed(chunk string) []string {
	var completed []string

	for _, c := range chunk {
		switch {
		case t.inString:
			t.buffer.WriteRune(c)
			if t.escaped {
				t.escaped = false
			} else if c == '\\' {
				t.escaped = true
			} else if c == '"' {
				t.inString = false
				// A string that closed outside any object is stray text.
				if t.depth == 0 {
					t.buffer.Reset()
				}
			}

		case c == '"':
			// Track strings even at depth 0 so braces inside them
			// never open a phantom object.
			t.buffer.WriteRune(c)
			t.inString = true

		case c == '{':
			t.depth++
			t.buffer.WriteRune(c)

		case c == '}':
			if t.depth == 0 {
				continue
			}
			t.depth--
			t.buffer.WriteRune(c)
			if t.depth == 0 {
				completed = append(completed, t.buffer.String())
				t.buffer.Reset()
			}

		default:
			if t.depth > 0 {
				t.buffer.WriteRune(c)
			}
		}
	}

	return completed
}

// Depth returns the current nesting depth.
func (t *BraceTracker) Depth() int {
	return t.depth
}

// Pending returns any buffered, incomplete object text.
func (t *BraceTracker) Pending() string {
	return t.buffer.String()
}

// Reset clears all state.
func (t *BraceTracker) Reset() {
	t.depth = 0
	t.inString = false
	t.escaped = false
	t.buffer.Reset()
}
