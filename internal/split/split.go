// Package split implements the shell-style tokenizer shared by the command
// protocol and the configuration file parser.
package split

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Flags control optional grammar features.
type Flags int

const (
	// Quotes enables double-quoted tokens with \" and \\ escapes.
	Quotes Flags = 1 << iota
	// Comments makes an unquoted # start a comment running to end of line.
	Comments
)

// ErrorFunc receives a diagnostic for a malformed input. The caller decides
// what to do with it (protocol handlers answer 500, the config loader reports
// the file and line number).
type ErrorFunc func(msg string)

var (
	errUnterminatedQuote = errors.New("unterminated quoted string")
	errBadEscape         = errors.New("invalid escape sequence")
)

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Fields splits a line into tokens. On a grammar error it calls report (if
// non-nil) with a diagnostic and returns a nil slice and the error. An empty
// or comment-only line yields an empty, non-nil slice.
func Fields(line string, flags Flags, report ErrorFunc) ([]string, error) {
	fail := func(err error) ([]string, error) {
		if report != nil {
			report(err.Error())
		}
		return nil, err
	}
	fields := []string{}
	i := 0
	for i < len(line) {
		if isSpace(line[i]) {
			i++
			continue
		}
		if flags&Comments != 0 && line[i] == '#' {
			break
		}
		if flags&Quotes != 0 && (line[i] == '"' || line[i] == '\'') {
			delim := line[i]
			i++
			var b strings.Builder
			for {
				if i >= len(line) {
					return fail(errUnterminatedQuote)
				}
				c := line[i]
				if c == delim {
					i++
					break
				}
				if c == '\\' {
					i++
					if i >= len(line) {
						return fail(errUnterminatedQuote)
					}
					switch line[i] {
					case '\\', '"', '\'':
						b.WriteByte(line[i])
					case 'n':
						b.WriteByte('\n')
					default:
						return fail(errBadEscape)
					}
					i++
					continue
				}
				b.WriteByte(c)
				i++
			}
			fields = append(fields, b.String())
			continue
		}
		start := i
		for i < len(line) && !isSpace(line[i]) {
			if flags&Quotes != 0 && (line[i] == '"' || line[i] == '\'') {
				break
			}
			i++
		}
		fields = append(fields, line[start:i])
	}
	return fields, nil
}

// Quote returns s in a form Fields will read back as a single token: bare if
// it needs no quoting, double-quoted with escapes otherwise.
func Quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\r\"'\\#") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(s[i])
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(s[i])
		}
	}
	b.WriteByte('"')
	return b.String()
}
