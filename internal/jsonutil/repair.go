package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// ErrUnrepairable is wrapped by every *ParseError returned from Repair.
var ErrUnrepairable = errors.New("unrepairable JSON")

const (
	// tailLen is how much of the input end a ParseError keeps. Enough to see
	// whether the model stopped mid-token or emitted garbage.
	tailLen = 500

	// contextLen is the window kept around the failing offset.
	contextLen = 200
)

// ParseError reports that no repair strategy produced valid JSON. Err and
// Offset describe the last attempt, not the original input, so they point at
// where the repaired text finally broke.
type ParseError struct {
	Input     string
	Err       error
	Offset    int
	Attempted []string
	Context   string
	Tail      string
	Truncated bool
}

func (e *ParseError) Error() string {
	tried := "none"
	if len(e.Attempted) > 0 {
		tried = strings.Join(e.Attempted, ",")
	}
	return fmt.Sprintf("%s (tried %s): %v at offset %d near %q", ErrUnrepairable, tried, e.Err, e.Offset, e.Context)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrUnrepairable, e.Err}
}

type issueKind int

const (
	issueSyntax issueKind = iota
	issueTrailingComma
	issueUnterminatedString
	issueInvalidEscape
	issueTruncated
)

// issue is a decode failure classified for the cascade. offset is the byte
// index of the offending character, or len(text) for end-of-input errors.
type issue struct {
	kind   issueKind
	offset int
	err    error
}

// strategy is one step of the repair cascade. fix returns candidate texts in
// preference order. When rewrite is set and the first candidate still fails,
// it becomes the working text for later strategies: it is a lossless edit
// that later fixes should build on.
type strategy struct {
	name    string
	applies func(issue) bool
	fix     func(text string, is issue) []string
	rewrite bool
}

// cascade is applied in order by Repair.
var cascade = []strategy{
	{
		name:    "trailing_comma",
		applies: func(is issue) bool { return is.kind == issueTrailingComma },
		fix: func(text string, _ issue) []string {
			return []string{stripTrailingCommas(text)}
		},
		rewrite: true,
	},
	{
		name:    "unterminated_string",
		applies: func(is issue) bool { return is.kind == issueUnterminatedString },
		fix: func(text string, is issue) []string {
			out := []string{closeStructure(text)}
			for _, cut := range truncationPoints(text, is.offset, []int{5, 10, 20, 50}, true) {
				out = append(out, closeStructure(cut))
			}
			return out
		},
	},
	{
		name:    "invalid_escape",
		applies: func(is issue) bool { return is.kind == issueInvalidEscape },
		fix: func(text string, _ issue) []string {
			fixed, ok := escapeInvalidBackslashes(text)
			if !ok {
				return nil
			}
			return []string{fixed}
		},
		rewrite: true,
	},
	{
		name: "truncate_at_offset",
		applies: func(is issue) bool {
			switch is.kind {
			case issueSyntax, issueTrailingComma, issueTruncated:
				return is.offset >= 0
			}
			return false
		},
		fix: func(text string, is issue) []string {
			var out []string
			for _, cut := range truncationPoints(text, is.offset, []int{0, 1, 2, 5, 10, 20}, false) {
				out = append(out, closeStructure(cut))
			}
			return out
		},
	},
	{
		name:    "close_structure",
		applies: func(issue) bool { return true },
		fix: func(text string, _ issue) []string {
			return []string{closeStructure(text)}
		},
	},
}

// Repair parses raw model output into a JSON value (objects decode to
// map[string]any, numbers to json.Number). Well-formed input is returned as
// is. Otherwise fences and leading prose are removed and the cascade runs;
// each strategy decides applicability from the error of the most recent
// rewrite. If nothing parses, the returned *ParseError describes the last
// attempt.
func Repair(raw string) (any, error) {
	text := StripMarkdownFences(raw)
	original := text

	v, err := decode(text)
	if err == nil {
		return v, nil
	}

	if trimmed := skipLeadingProse(text); trimmed != text {
		v, err2 := decode(trimmed)
		if err2 == nil {
			return v, nil
		}
		text, err = trimmed, err2
	}

	current := diagnose(text, err)
	last, lastText := current, text
	tried := map[string]bool{text: true}
	var attempted []string

	for _, s := range cascade {
		if !s.applies(current) {
			continue
		}
		attempted = append(attempted, s.name)

		for i, cand := range s.fix(text, current) {
			if tried[cand] {
				continue
			}
			tried[cand] = true

			v, err := decode(cand)
			if err == nil {
				log.Debug().
					Str("strategy", s.name).
					Strs("attempted", attempted).
					Int("inputLen", len(original)).
					Msg("Repaired malformed JSON response")
				return v, nil
			}

			is := diagnose(cand, err)
			last, lastText = is, cand
			if i == 0 && s.rewrite {
				text, current = cand, is
			}
		}
	}

	perr := &ParseError{
		Input:     raw,
		Err:       last.err,
		Offset:    last.offset,
		Attempted: attempted,
		Context:   window(lastText, last.offset, contextLen),
		Tail:      tail(original, tailLen),
		Truncated: last.kind == issueUnterminatedString || last.kind == issueTruncated,
	}
	log.Debug().
		Err(last.err).
		Strs("attempted", attempted).
		Int("offset", last.offset).
		Bool("truncated", perr.Truncated).
		Msg("JSON repair exhausted all strategies")
	return nil, perr
}

// decode validates the whole text (rejecting trailing garbage) and then
// decodes it with UseNumber so numeric literals survive unchanged.
func decode(text string) (any, error) {
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func diagnose(text string, err error) issue {
	is := issue{kind: issueSyntax, offset: -1, err: err}

	var se *json.SyntaxError
	if !errors.As(err, &se) {
		return is
	}

	msg := se.Error()
	// A string cut inside an escape sequence is reported against the
	// synthetic space the scanner feeds at end of input.
	atEOF := int(se.Offset) >= len(text)
	if strings.Contains(msg, "unexpected end of JSON input") || (atEOF && scan(text).inString) {
		is.offset = len(text)
		if scan(text).inString {
			is.kind = issueUnterminatedString
		} else {
			is.kind = issueTruncated
		}
		return is
	}

	// SyntaxError.Offset counts the offending byte as read.
	is.offset = min(max(int(se.Offset)-1, 0), len(text))
	switch {
	case strings.Contains(msg, "in string escape code"):
		is.kind = issueInvalidEscape
	case strings.Contains(msg, "looking for beginning of"):
		is.kind = issueTrailingComma
	}
	return is
}

// scanState is the bracket stack and string state at the end of a text.
type scanState struct {
	closers  []byte
	inString bool
	escaped  bool
}

func scan(text string) scanState {
	var st scanState
	for i := 0; i < len(text); i++ {
		c := text[i]
		if st.inString {
			switch {
			case st.escaped:
				st.escaped = false
			case c == '\\':
				st.escaped = true
			case c == '"':
				st.inString = false
			}
			continue
		}

		switch c {
		case '"':
			st.inString = true
		case '{':
			st.closers = append(st.closers, '}')
		case '[':
			st.closers = append(st.closers, ']')
		case '}', ']':
			if n := len(st.closers); n > 0 && st.closers[n-1] == c {
				st.closers = st.closers[:n-1]
			}
		}
	}
	return st
}

var partialUnicodeEscape = regexp.MustCompile(`\\u[0-9a-fA-F]{0,3}$`)

// closeStructure terminates an open string, drops a dangling comma, and
// appends the closers needed to balance every open object and array.
func closeStructure(text string) string {
	st := scan(text)
	out := text

	if st.inString {
		if st.escaped {
			out = out[:len(out)-1]
		}
		out = partialUnicodeEscape.ReplaceAllString(out, "")
		out += `"`
	}

	for {
		out = strings.TrimRight(out, " \t\r\n")
		if strings.HasSuffix(out, ",") {
			out = out[:len(out)-1]
			continue
		}
		if strings.HasSuffix(out, ":") {
			out += "null"
		}
		break
	}

	var b strings.Builder
	b.Grow(len(out) + len(st.closers))
	b.WriteString(out)
	for i := len(st.closers) - 1; i >= 0; i-- {
		b.WriteByte(st.closers[i])
	}
	return b.String()
}

// stripTrailingCommas removes commas that directly precede a closing brace
// or bracket, ignoring anything inside string literals.
func stripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}

		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(text) && strings.IndexByte(" \t\r\n", text[j]) >= 0 {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

var (
	validEscape = regexp.MustCompile(`\\(?:["\\/bfnrt]|u[0-9a-fA-F]{4})`)
	placeholder = regexp.MustCompile("\x00(\\d+)\x00")
)

// escapeInvalidBackslashes doubles every backslash that does not start a
// valid JSON escape. Valid sequences are masked with placeholders first and
// restored afterwards so they are never double-escaped. It reports false when
// the text already contains the placeholder delimiter.
func escapeInvalidBackslashes(text string) (string, bool) {
	if strings.IndexByte(text, 0) >= 0 {
		return text, false
	}

	var saved []string
	masked := validEscape.ReplaceAllStringFunc(text, func(m string) string {
		saved = append(saved, m)
		return "\x00" + strconv.Itoa(len(saved)-1) + "\x00"
	})

	masked = strings.ReplaceAll(masked, `\`, `\\`)

	restored := placeholder.ReplaceAllStringFunc(masked, func(p string) string {
		idx, err := strconv.Atoi(p[1 : len(p)-1])
		if err != nil || idx >= len(saved) {
			return p
		}
		return saved[idx]
	})
	return restored, true
}

// truncationPoints returns text cut at offset-n for each n in backoffs,
// aligned to rune boundaries. With preferQuote, cuts that end on a '"' are
// moved to the front while keeping their relative order.
func truncationPoints(text string, offset int, backoffs []int, preferQuote bool) []string {
	var quoted, plain []string
	seen := make(map[int]bool)

	for _, n := range backoffs {
		p := offset - n
		if p <= 0 || p > len(text) {
			continue
		}
		for p > 0 && p < len(text) && !utf8.RuneStart(text[p]) {
			p--
		}
		if p <= 0 || seen[p] {
			continue
		}
		seen[p] = true

		cut := text[:p]
		if preferQuote && strings.HasSuffix(strings.TrimRight(cut, " \t\r\n"), `"`) {
			quoted = append(quoted, cut)
		} else {
			plain = append(plain, cut)
		}
	}
	return append(quoted, plain...)
}

// skipLeadingProse drops text before the first '{' or '[' when the input
// does not already start with a JSON value.
func skipLeadingProse(text string) string {
	if text == "" || startsWithValue(text) {
		return text
	}
	if start, _ := jsonStart(text); start > 0 {
		return text[start:]
	}
	return text
}

func startsWithValue(text string) bool {
	if strings.IndexByte(`{["-0123456789`, text[0]) >= 0 {
		return true
	}
	for _, lit := range []string{"true", "false", "null"} {
		if strings.HasPrefix(text, lit) {
			return true
		}
	}
	return false
}

func window(text string, offset, size int) string {
	if offset < 0 {
		offset = 0
	}
	start := runeFloor(text, max(offset-size/2, 0))
	end := runeFloor(text, min(offset+size/2, len(text)))
	if start > end {
		start = end
	}
	return text[start:end]
}

func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[runeCeil(text, len(text)-n):]
}

// runeFloor moves p back to the start of the rune containing it.
func runeFloor(text string, p int) int {
	for p > 0 && p < len(text) && !utf8.RuneStart(text[p]) {
		p--
	}
	return p
}

// runeCeil moves p forward to the next rune start.
func runeCeil(text string, p int) int {
	for p < len(text) && !utf8.RuneStart(text[p]) {
		p++
	}
	return p
}
