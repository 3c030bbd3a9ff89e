package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []Token
	}{
		{
			name:    "plain text",
			content: "hello",
			want:    []Token{{TokenLiteral, "hello"}},
		},
		{
			name:    "placeholder between literals",
			content: "내일 {time}에 수업이 있습니다",
			want: []Token{
				{TokenLiteral, "내일 "},
				{TokenPlaceholder, "time"},
				{TokenLiteral, "에 수업이 있습니다"},
			},
		},
		{
			name:    "adjacent placeholders",
			content: "{a}{b}",
			want:    []Token{{TokenPlaceholder, "a"}, {TokenPlaceholder, "b"}},
		},
		{
			name:    "unterminated brace is literal",
			content: "price {amount",
			want:    []Token{{TokenLiteral, "price {amount"}},
		},
		{
			name:    "empty braces are literal",
			content: "{}",
			want:    []Token{{TokenLiteral, "{}"}},
		},
		{
			name:    "whitespace inside braces is literal",
			content: "{not a var}",
			want:    []Token{{TokenLiteral, "{not a var}"}},
		},
		{
			name:    "nested open brace restarts placeholder",
			content: "{a{b}",
			want:    []Token{{TokenLiteral, "{a"}, {TokenPlaceholder, "b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Parse(tt.content))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	require.Equal(t, []string{"name", "date"}, Placeholders("{name} {date} {name}"))
	require.Empty(t, Placeholders("no variables here"))
}

func TestRender(t *testing.T) {
	t.Run("substitutes bindings", func(t *testing.T) {
		out, err := Render("내일 {time}에 수업이 있습니다", map[string]string{"time": "14:00"})
		require.NoError(t, err)
		require.Equal(t, "내일 14:00에 수업이 있습니다", out)
	})

	t.Run("extra bindings are ignored", func(t *testing.T) {
		out, err := Render("Hi {name}", map[string]string{"name": "Kim", "date": "2024-01-01"})
		require.NoError(t, err)
		require.Equal(t, "Hi Kim", out)
	})

	t.Run("declared but unreferenced variable need not be bound", func(t *testing.T) {
		out, err := Render("Hi {name}", map[string]string{"name": "Kim"})
		require.NoError(t, err)
		require.Equal(t, "Hi Kim", out)
	})

	t.Run("missing binding names the placeholder", func(t *testing.T) {
		_, err := Render("Hi {name}, see you {date}", map[string]string{"name": "Kim"})
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrMissingVariable))

		var missing *MissingVariableError
		require.ErrorAs(t, err, &missing)
		require.Equal(t, "date", missing.Name)
	})

	t.Run("empty binding value is allowed", func(t *testing.T) {
		out, err := Render("[{x}]", map[string]string{"x": ""})
		require.NoError(t, err)
		require.Equal(t, "[]", out)
	})
}

func TestRenderTotality(t *testing.T) {
	contents := []string{
		"{a}",
		"{a} and {b}",
		"prefix {a}{b}{c} suffix",
		"{a} { spaced } {b",
		"학생 {student}님, {date} {time} 수업",
	}
	bindings := map[string]string{
		"a": "1", "b": "2", "c": "3", "student": "김철수", "date": "1/15", "time": "14:00", "unused": "x",
	}

	for _, content := range contents {
		out, err := Render(content, bindings)
		require.NoError(t, err, content)
		for _, tok := range Parse(out) {
			require.Equal(t, TokenLiteral, tok.Kind, "rendered %q still has a placeholder", out)
		}
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("{name} {date}", []string{"name", "date", "extra"}))

	err := Validate("{name} {room}", []string{"name"})
	var undeclared *UndeclaredVariableError
	require.ErrorAs(t, err, &undeclared)
	require.Equal(t, "room", undeclared.Name)
}

func TestPreview(t *testing.T) {
	out := Preview("{name}님 {date} 예약", []string{"name", "date"}, map[string]string{"name": "홍길동"})
	require.Equal(t, "홍길동님 <date> 예약", out)
	require.False(t, strings.Contains(out, "{"))
}
