package streaming

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/openlumo/lumo-proxy/internal/upstream"
)

// detectorState tracks what kind of block the detector is inside.
type detectorState int

const (
	stateNormal detectorState = iota
	stateInCodeFence
	stateInRawJSON
)

// lookback is how many trailing characters are held back in normal
// state so a fence marker split across chunks is still recognized.
const lookback = 10

var openingFence = regexp.MustCompile("```(?:json)?[ \t]*\n?")

// Event is one detector output: either clean text or a normalized
// tool call. Invalid marks restored text that was a JSON object but
// failed tool-call normalization.
type Event struct {
	Text     string
	ToolCall *ToolCall
	Invalid  bool
}

// Detector scans streamed assistant text for embedded tool
// invocations, either inside a ```json fence or as a raw JSON object
// starting a line. Text that is not a tool call passes through
// unchanged, in order.
type Detector struct {
	state       detectorState
	pending     strings.Builder
	fenceOpener string
	tracker     *upstream.BraceTracker

	// lineStart records whether the pending buffer begins at a line
	// start. Released text leaves the buffer, so the raw-JSON scan
	// cannot recover this from the buffer alone.
	lineStart bool
}

// NewDetector creates a detector in the normal state.
func NewDetector() *Detector {
	return &Detector{tracker: upstream.NewBraceTracker(), lineStart: true}
}

// Feed consumes one chunk and returns the events it completes.
// Chunk boundaries carry no meaning; the same input split differently
// yields the same concatenated output.
func (d *Detector) Feed(chunk string) []Event {
	var events []Event

	d.pending.WriteString(chunk)
	for {
		progressed := false

		switch d.state {
		case stateNormal:
			events, progressed = d.scanNormal(events)
		case stateInCodeFence:
			events, progressed = d.scanFence(events)
		case stateInRawJSON:
			events, progressed = d.scanRawJSON(events)
		}

		if !progressed {
			return events
		}
	}
}

// Finalize flushes everything still buffered. An unterminated fence or
// JSON object is emitted back as plain text.
func (d *Detector) Finalize() []Event {
	var events []Event

	switch d.state {
	case stateInRawJSON:
		if partial := d.tracker.Pending(); partial != "" {
			events = append(events, Event{Text: partial})
		}
		d.tracker.Reset()
	case stateInCodeFence:
		if text := d.fenceOpener + d.pending.String(); text != "" {
			events = append(events, Event{Text: text})
		}
		d.pending.Reset()
	case stateNormal:
		if d.pending.Len() > 0 {
			events = append(events, Event{Text: d.pending.String()})
		}
		d.pending.Reset()
	}

	d.state = stateNormal
	d.lineStart = true
	return events
}

// scanNormal looks for a block opener in the pending buffer. When none
// is found it releases all but the lookback tail as clean text.
func (d *Detector) scanNormal(events []Event) ([]Event, bool) {
	buf := d.pending.String()

	fenceAt := -1
	fenceEnd := -1
	if loc := openingFence.FindStringIndex(buf); loc != nil {
		fenceAt, fenceEnd = loc[0], loc[1]
	}
	rawAt := rawJSONOpener(buf, d.lineStart)

	// Take whichever opener comes first.
	switch {
	case fenceAt != -1 && (rawAt == -1 || fenceAt <= rawAt):
		// A fence marker at the buffer's edge may still grow into a
		// longer one (a json tag, a trailing newline); wait for more
		// input before committing to the shorter match.
		stillGrowing := fenceEnd == len(buf) && !strings.HasSuffix(buf, "\n")
		if stillGrowing || strings.HasPrefix("json", buf[fenceAt+3:]) {
			return d.holdBack(events, buf, fenceAt)
		}
		if fenceAt > 0 {
			events = append(events, Event{Text: buf[:fenceAt]})
		}
		d.fenceOpener = buf[fenceAt:fenceEnd]
		d.pending.Reset()
		d.pending.WriteString(buf[fenceEnd:])
		d.state = stateInCodeFence
		return events, true

	case rawAt != -1:
		if rawAt > 0 {
			events = append(events, Event{Text: buf[:rawAt]})
		}
		rest := buf[rawAt:]
		d.pending.Reset()
		d.state = stateInRawJSON
		d.tracker.Reset()
		d.pending.WriteString(rest)
		return events, true

	default:
		return d.holdBack(events, buf, len(buf))
	}
}

// holdBack emits buf up to limit minus the lookback tail.
func (d *Detector) holdBack(events []Event, buf string, limit int) ([]Event, bool) {
	release := limit - lookback
	if release <= 0 {
		return events, false
	}
	events = append(events, Event{Text: buf[:release]})
	d.lineStart = lineStartAfter(d.lineStart, buf[:release])
	d.pending.Reset()
	d.pending.WriteString(buf[release:])
	return events, false
}

// lineStartAfter advances the line-start state over released text.
// Spaces and tabs preserve it, a newline sets it, anything else
// clears it.
func lineStartAfter(start bool, text string) bool {
	for _, c := range text {
		switch c {
		case '\n':
			start = true
		case ' ', '\t':
		default:
			start = false
		}
	}
	return start
}

// scanFence waits for the closing fence, then tries to parse the body
// as a tool call.
func (d *Detector) scanFence(events []Event) ([]Event, bool) {
	buf := d.pending.String()
	end := strings.Index(buf, "```")
	if end == -1 {
		return events, false
	}

	body := buf[:end]
	rest := buf[end+3:]

	trimmed := strings.TrimSpace(body)
	if tc, ok := Normalize([]byte(trimmed)); ok {
		events = append(events, Event{ToolCall: tc})
	} else {
		// Not a tool call after all. Restore the block verbatim.
		events = append(events, Event{
			Text:    d.fenceOpener + body + "```",
			Invalid: looksLikeObject(trimmed),
		})
	}

	d.pending.Reset()
	d.pending.WriteString(rest)
	d.state = stateNormal
	d.lineStart = false // the closing ``` sits mid-line
	return events, true
}

// scanRawJSON feeds the brace tracker until the object closes.
func (d *Detector) scanRawJSON(events []Event) ([]Event, bool) {
	buf := d.pending.String()
	d.pending.Reset()

	for i, c := range buf {
		objects := d.tracker.Feed(string(c))
		if len(objects) == 0 {
			continue
		}

		obj := objects[len(objects)-1]
		if tc, ok := Normalize([]byte(obj)); ok {
			events = append(events, Event{ToolCall: tc})
		} else {
			// A bare object in prose is not necessarily a call attempt;
			// pass it through without flagging.
			events = append(events, Event{Text: obj})
		}

		d.pending.WriteString(buf[i+len(string(c)):])
		d.state = stateNormal
		d.lineStart = false // the closing brace sits mid-line
		return events, true
	}

	return events, false
}

// looksLikeObject reports whether the text is a JSON object, meaning
// the fenced block plausibly tried to be a tool call.
func looksLikeObject(text string) bool {
	if !strings.HasPrefix(text, "{") {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal([]byte(text), &obj) == nil
}

// rawJSONOpener returns the index of a `{` that starts a line (after
// optional whitespace) and is immediately followed by `"`, or -1.
// atLineStart says whether buf itself begins at a line start.
func rawJSONOpener(buf string, atLineStart bool) int {
	for i, c := range buf {
		switch {
		case c == '\n':
			atLineStart = true
		case c == '{' && atLineStart:
			if i+1 < len(buf) && buf[i+1] == '"' {
				return i
			}
			// `{` at end of buffer: undecided until the next chunk.
			if i+1 == len(buf) {
				return -1
			}
			atLineStart = false
		case c == ' ' || c == '\t':
			// whitespace keeps line-start status
		default:
			atLineStart = false
		}
	}
	return -1
}
