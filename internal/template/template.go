package template

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrMissingVariable is matched by every MissingVariableError
var ErrMissingVariable = errors.New("missing template variable")

// MissingVariableError reports a placeholder that had no binding at render time
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing template variable %q", e.Name)
}

// Is makes errors.Is(err, ErrMissingVariable) hold for any MissingVariableError
func (e *MissingVariableError) Is(target error) bool {
	return target == ErrMissingVariable
}

// UndeclaredVariableError reports a placeholder the template does not declare
type UndeclaredVariableError struct {
	Name string
}

func (e *UndeclaredVariableError) Error() string {
	return fmt.Sprintf("placeholder {%s} is not declared in variables", e.Name)
}

// TokenKind distinguishes literal text from placeholders
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenPlaceholder
)

// Token is one piece of parsed template content
type Token struct {
	Kind  TokenKind
	Value string // literal text, or the placeholder name
}

// Parse splits content into literal and placeholder tokens.
// A placeholder is {name} where name is non-empty and holds no braces or
// whitespace; anything else, including an unterminated '{', stays literal.
func Parse(content string) []Token {
	var tokens []Token
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, Token{Kind: TokenLiteral, Value: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(content) {
		if content[i] != '{' {
			lit.WriteByte(content[i])
			i++
			continue
		}

		end := strings.IndexAny(content[i+1:], "{}")
		if end < 0 || content[i+1+end] != '}' {
			lit.WriteByte('{')
			i++
			continue
		}

		name := content[i+1 : i+1+end]
		if !validName(name) {
			lit.WriteByte('{')
			i++
			continue
		}

		flush()
		tokens = append(tokens, Token{Kind: TokenPlaceholder, Value: name})
		i += end + 2
	}
	flush()

	return tokens
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// Placeholders returns the distinct placeholder names in order of first use
func Placeholders(content string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, tok := range Parse(content) {
		if tok.Kind == TokenPlaceholder && !seen[tok.Value] {
			seen[tok.Value] = true
			names = append(names, tok.Value)
		}
	}
	return names
}

// Render substitutes every placeholder from bindings. Unbound placeholders
// fail with a MissingVariableError; unused bindings are ignored.
func Render(content string, bindings map[string]string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	for _, tok := range Parse(content) {
		if tok.Kind == TokenLiteral {
			out.WriteString(tok.Value)
			continue
		}
		value, ok := bindings[tok.Value]
		if !ok {
			return "", &MissingVariableError{Name: tok.Value}
		}
		out.WriteString(value)
	}

	return out.String(), nil
}

// Validate checks that every placeholder in content is declared
func Validate(content string, declared []string) error {
	known := make(map[string]bool, len(declared))
	for _, name := range declared {
		known[name] = true
	}
	for _, name := range Placeholders(content) {
		if !known[name] {
			return &UndeclaredVariableError{Name: name}
		}
	}
	return nil
}

// Preview renders content using example values, falling back to the
// placeholder name itself wrapped in angle brackets for undocumented variables.
func Preview(content string, variables []string, examples map[string]string) string {
	bindings := make(map[string]string, len(variables))
	for _, name := range variables {
		if v, ok := examples[name]; ok {
			bindings[name] = v
		} else {
			bindings[name] = "<" + name + ">"
		}
	}
	for _, name := range Placeholders(content) {
		if _, ok := bindings[name]; !ok {
			bindings[name] = "<" + name + ">"
		}
	}

	// every placeholder is bound above
	rendered, _ := Render(content, bindings)
	return rendered
}
