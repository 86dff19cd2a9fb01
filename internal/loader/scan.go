package loader

import (
	"bytes"
	"regexp"
	"strconv"
)

var requireCall = regexp.MustCompile(`\brequire\(\s*("(?:[^"\\\n]|\\.)*"|'(?:[^'\\\n]|\\.)*')\s*\)`)

// ScanRequires returns the distinct string literal arguments of require()
// calls in code, in order of first appearance. Member calls such as
// foo.require("x") are ignored, as are calls that appear inside strings,
// template text, comments or regular expression literals.
func ScanRequires(code []byte) []string {
	matches := requireCall.FindAllSubmatchIndex(code, -1)
	if len(matches) == 0 {
		return nil
	}
	inert := inertSpans(code)

	var specs []string
	seen := map[string]bool{}
	for _, m := range matches {
		if inert[m[0]] {
			continue
		}
		if m[0] > 0 {
			switch prev := code[m[0]-1]; {
			case prev == '.', prev == '$', isIdent(prev):
				continue
			}
		}
		spec, ok := unquote(string(code[m[2]:m[3]]))
		if !ok || seen[spec] {
			continue
		}
		seen[spec] = true
		specs = append(specs, spec)
	}
	return specs
}

// inertSpans marks every byte of code that is not executable: string
// literals, template literal text, comments and regular expression literals.
// Template substitutions are code and stay unmarked.
func inertSpans(code []byte) []bool {
	inert := make([]bool, len(code))
	mark := func(from, to int) {
		for k := from; k < to; k++ {
			inert[k] = true
		}
	}

	// templates holds the brace depth at which each open ${ closes.
	var templates []int
	depth := 0

	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c == '/' && i+1 < len(code) && code[i+1] == '/':
			end := bytes.IndexByte(code[i:], '\n')
			if end < 0 {
				end = len(code) - i
			}
			mark(i, i+end)
			i += end - 1
		case c == '/' && i+1 < len(code) && code[i+1] == '*':
			end := len(code)
			if k := bytes.Index(code[i+2:], []byte("*/")); k >= 0 {
				end = i + 2 + k + 2
			}
			mark(i, end)
			i = end - 1
		case c == '/' && regexAllowed(code, i):
			end := skipRegex(code, i)
			mark(i, end)
			i = end - 1
		case c == '"' || c == '\'':
			end := skipString(code, i)
			mark(i, end)
			i = end - 1
		case c == '`':
			end, sub := templateText(code, i+1)
			mark(i, end)
			if sub {
				templates = append(templates, depth)
			}
			i = end - 1
		case c == '{':
			depth++
		case c == '}':
			if n := len(templates); n > 0 && templates[n-1] == depth {
				templates = templates[:n-1]
				end, sub := templateText(code, i+1)
				mark(i, end)
				if sub {
					templates = append(templates, depth)
				}
				i = end - 1
				continue
			}
			depth--
		}
	}
	return inert
}

// skipString returns the index just past the string literal opened at i.
// An unescaped newline ends an unterminated literal.
func skipString(code []byte, i int) int {
	quote := code[i]
	for j := i + 1; j < len(code); j++ {
		switch code[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		case '\n':
			return j
		}
	}
	return len(code)
}

// templateText returns the end of template literal text starting at i and
// whether it stopped at a ${ substitution rather than the closing backtick.
func templateText(code []byte, i int) (int, bool) {
	for ; i < len(code); i++ {
		switch code[i] {
		case '\\':
			i++
		case '`':
			return i + 1, false
		case '$':
			if i+1 < len(code) && code[i+1] == '{' {
				return i + 2, true
			}
		}
	}
	return len(code), false
}

// regexAllowed reports whether a slash at i starts a regular expression
// rather than a division, judged by the preceding token.
func regexAllowed(code []byte, i int) bool {
	j := i - 1
	for j >= 0 && (code[j] == ' ' || code[j] == '\t' || code[j] == '\n' || code[j] == '\r') {
		j--
	}
	if j < 0 {
		return true
	}
	return bytes.IndexByte([]byte("(,=:[!&|?{};+-*%<>~^"), code[j]) >= 0 ||
		bytes.HasSuffix(code[:j+1], []byte("return"))
}

func skipRegex(code []byte, i int) int {
	class := false
	for j := i + 1; j < len(code); j++ {
		switch code[j] {
		case '\\':
			j++
		case '[':
			class = true
		case ']':
			class = false
		case '/':
			if !class {
				return j + 1
			}
		case '\n':
			return j
		}
	}
	return len(code)
}

func unquote(lit string) (string, bool) {
	if lit[0] == '\'' {
		return lit[1 : len(lit)-1], true
	}
	s, err := strconv.Unquote(lit)
	return s, err == nil
}

func isIdent(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
