package expression

import (
	"strings"
	"unicode"
)

// Limits applied to every expression before and during evaluation.
const (
	MaxSourceLen  = 10000
	MaxNesting    = 10
	MaxStatements = 10000
	MaxResultSize = 4 << 20 // marshaled bytes
	MaxRecursion  = 100
)

// forbiddenIdents are identifiers that would reach for the filesystem, the
// network, the process, or reflection in any host the expression language
// could be embedded in. Matched case-insensitively against bare identifiers
// only; member accesses like $json.process stay legal.
var forbiddenIdents = map[string]bool{
	"os": true, "exec": true, "syscall": true, "unsafe": true,
	"reflect": true, "import": true, "require": true, "eval": true,
	"system": true, "popen": true, "spawn": true, "process": true,
	"fs": true, "file": true, "filesystem": true, "open": true,
	"socket": true, "net": true, "http": true, "https": true,
	"fetch": true, "request": true, "curl": true,
	"__proto__": true, "constructor": true, "prototype": true,
	"globalthis": true, "window": true, "document": true,
}

// Validate rejects an expression source before it is ever compiled. It
// checks length, delimiter nesting and balance, statement count, bare
// forbidden identifiers, and path-traversal markers.
func Validate(src string) error {
	if len(src) > MaxSourceLen {
		return newError(CodeTooLong, src, "source is %d characters, limit %d", len(src), MaxSourceLen)
	}
	if strings.Contains(src, "../") || strings.Contains(src, `..\`) {
		return newError(CodeTraversal, src, "path traversal marker")
	}

	depth := 0
	maxDepth := 0
	statements := 1
	tokens := 0
	var stack []rune
	var inString rune
	escaped := false
	var ident []rune
	prevNonSpace := rune(0)
	identAfterDot := false

	flushIdent := func() error {
		if len(ident) == 0 {
			return nil
		}
		word := strings.ToLower(string(ident))
		bare := !identAfterDot && ident[0] != '$'
		ident = ident[:0]
		if bare && forbiddenIdents[word] {
			return newError(CodeForbidden, src, "identifier %q is not allowed", word)
		}
		return nil
	}

	for _, r := range src {
		if inString != 0 {
			if escaped {
				escaped = false
				continue
			}
			switch r {
			case '\\':
				escaped = true
			case inString:
				inString = 0
				prevNonSpace = r
			}
			continue
		}

		if r == '_' || r == '$' || unicode.IsLetter(r) || (len(ident) > 0 && unicode.IsDigit(r)) {
			if len(ident) == 0 {
				identAfterDot = prevNonSpace == '.'
				tokens++
			}
			ident = append(ident, r)
			prevNonSpace = r
			continue
		}
		if err := flushIdent(); err != nil {
			return err
		}

		switch r {
		case '"', '\'', '`':
			inString = r
			tokens++
		case '(', '[', '{':
			stack = append(stack, r)
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			tokens++
		case ')', ']', '}':
			if len(stack) == 0 || !matches(stack[len(stack)-1], r) {
				return newError(CodeUnbalanced, src, "unmatched %q", string(r))
			}
			stack = stack[:len(stack)-1]
			depth--
			tokens++
		case ';':
			statements++
			tokens++
		default:
			if !unicode.IsSpace(r) {
				tokens++
			}
		}
		if !unicode.IsSpace(r) {
			prevNonSpace = r
		}
		if tokens > MaxStatements {
			return newError(CodeTooManyStatements, src, "token budget %d exhausted", MaxStatements)
		}
	}
	if err := flushIdent(); err != nil {
		return err
	}
	if inString != 0 {
		return newError(CodeUnbalanced, src, "unterminated string literal")
	}
	if len(stack) != 0 {
		return newError(CodeUnbalanced, src, "unclosed %q", string(stack[len(stack)-1]))
	}
	if maxDepth > MaxNesting {
		return newError(CodeTooDeep, src, "nesting depth %d exceeds %d", maxDepth, MaxNesting)
	}
	if statements > MaxStatements {
		return newError(CodeTooManyStatements, src, "%d statements exceed %d", statements, MaxStatements)
	}
	return nil
}

func matches(open, close rune) bool {
	switch open {
	case '(':
		return close == ')'
	case '[':
		return close == ']'
	case '{':
		return close == '}'
	}
	return false
}
