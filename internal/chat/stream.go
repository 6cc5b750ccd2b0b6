package chat

import (
	"strconv"
	"strings"
)

// responseKey is the JSON field streamed to the client as it is produced.
const responseKey = `"response"`

// ResponseExtractor incrementally pulls the string value of the "response"
// field out of a JSON object while it is still being generated. The model
// streams an object like {"response": "...", "answered": true}; clients want
// the response text as deltas, not raw JSON fragments.
type ResponseExtractor struct {
	emit func(string)

	state  extractorState
	tail   string          // sliding window while scanning for the key
	escape strings.Builder // partially received escape sequence
	value  strings.Builder // decoded value so far
}

type extractorState int

const (
	stateSeekKey extractorState = iota
	stateSeekColon
	stateSeekQuote
	stateInString
	stateEscape
	stateDone
)

// NewResponseExtractor creates an extractor that calls emit with each decoded
// fragment of the response value.
func NewResponseExtractor(emit func(string)) *ResponseExtractor {
	if emit == nil {
		emit = func(string) {}
	}
	return &ResponseExtractor{emit: emit}
}

// Feed consumes the next fragment of model output. Fragments may split the
// key, escape sequences, or multi-byte runes at any position.
func (e *ResponseExtractor) Feed(fragment string) {
	for _, r := range fragment {
		e.feedRune(r)
	}
}

func (e *ResponseExtractor) feedRune(r rune) {
	switch e.state {
	case stateSeekKey:
		e.tail += string(r)
		if len(e.tail) > len(responseKey) {
			e.tail = e.tail[len(e.tail)-len(responseKey):]
		}
		if e.tail == responseKey {
			e.state = stateSeekColon
		}
	case stateSeekColon:
		if r == ':' {
			e.state = stateSeekQuote
		}
	case stateSeekQuote:
		if r == '"' {
			e.state = stateInString
		}
	case stateInString:
		switch r {
		case '\\':
			e.state = stateEscape
			e.escape.Reset()
		case '"':
			e.state = stateDone
		default:
			e.push(string(r))
		}
	case stateEscape:
		e.escape.WriteRune(r)
		e.resolveEscape()
	case stateDone:
	}
}

// resolveEscape decodes the buffered escape once it is complete. \uXXXX needs
// four hex digits, every other escape is a single character.
func (e *ResponseExtractor) resolveEscape() {
	seq := e.escape.String()
	if seq[0] == 'u' {
		if len(seq) < 5 {
			return
		}
		code, err := strconv.ParseUint(seq[1:5], 16, 32)
		if err != nil {
			e.push("\\u" + seq[1:5])
		} else {
			e.push(string(rune(code)))
		}
		e.state = stateInString
		return
	}

	switch seq[0] {
	case '"':
		e.push(`"`)
	case '\\':
		e.push(`\`)
	case '/':
		e.push("/")
	case 'n':
		e.push("\n")
	case 't':
		e.push("\t")
	case 'r':
		e.push("\r")
	case 'b':
		e.push("\b")
	case 'f':
		e.push("\f")
	default:
		e.push(string(seq[0]))
	}
	e.state = stateInString
}

func (e *ResponseExtractor) push(s string) {
	e.value.WriteString(s)
	e.emit(s)
}

// Value returns the response text decoded so far.
func (e *ResponseExtractor) Value() string {
	return e.value.String()
}

// Done reports whether the closing quote of the response value was seen.
func (e *ResponseExtractor) Done() bool {
	return e.state == stateDone
}
