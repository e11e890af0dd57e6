package pathmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPatternMatch tests literal, variable and wildcard segments.
func TestPatternMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/", "/", true},
		{"/", "/a", false},
		{"/open/users", "/open/users", true},
		{"/open/users", "/open/users/1", false},
		{"/open/users/{id}", "/open/users/42", true},
		{"/open/users/{id}", "/open/users/", false},
		{"/open/users/{id}", "/open/users", false},
		{"/open/*/detail", "/open/x/detail", true},
		{"/open/*/detail", "/open/x/y/detail", false},
		{"/open/**", "/open", true},
		{"/open/**", "/open/a/b/c", true},
		{"/open/**", "/opener/a", false},
		{"/iam/v1/auth/**", "/iam/v1/auth/login", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.path))
		})
	}
}

// TestPatternExtract tests variable capture.
func TestPatternExtract(t *testing.T) {
	t.Parallel()

	p := MustCompile("/open/orders/{orderId}/items/{itemId}")
	vars, ok := p.Extract("/open/orders/o-1/items/7")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"orderId": "o-1", "itemId": "7"}, vars)
	assert.Equal(t, 2, p.Variables())
	assert.Equal(t, len("open")+len("orders")+len("items"), p.LiteralChars())

	_, ok = p.Extract("/open/orders/o-1")
	assert.False(t, ok)
}

// TestCompileErrors tests rejection of malformed patterns.
func TestCompileErrors(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "open", "/a/**/b", "/a/{}", "/a/{x", "/a/x}"} {
		_, err := Compile(raw)
		assert.ErrorIs(t, err, ErrInvalidPattern, raw)
	}
}

// TestSet tests first-match ordering across patterns.
func TestSet(t *testing.T) {
	t.Parallel()

	s, err := NewSet([]string{"/open/special/**", "/open/**"})
	require.NoError(t, err)
	assert.Equal(t, 0, s.First("/open/special/a"))
	assert.Equal(t, 1, s.First("/open/other"))
	assert.Equal(t, -1, s.First("/api/x"))
	assert.True(t, s.Match("/open"))

	var nilSet *Set
	assert.False(t, nilSet.Match("/open"))

	_, err = NewSet([]string{"/ok", "bad"})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}
