package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, cfg Config) *Filter {
	t.Helper()
	f, err := New(cfg, nil)
	require.NoError(t, err)
	return f
}

func TestIncludeAll(t *testing.T) {
	f := mustNew(t, Config{IncludeAll: true})
	assert.True(t, f.ShouldInclude("anything.local", "PTR"))
	assert.True(t, f.ShouldInclude("x", "TYPE65280"))
}

func TestBlankNameOrType(t *testing.T) {
	f := mustNew(t, Config{IncludeAll: true})
	assert.False(t, f.ShouldInclude("", "PTR"))
	assert.False(t, f.ShouldInclude("   ", "PTR"))
	assert.False(t, f.ShouldInclude("printer.local", ""))
	assert.False(t, f.ShouldInclude("printer.local", " \t"))
}

func TestNameAllowList(t *testing.T) {
	f := mustNew(t, Config{Names: []string{"Printer._ipp._tcp.local"}})
	assert.True(t, f.ShouldInclude("printer._ipp._tcp.local", "PTR"))
	assert.True(t, f.ShouldInclude("PRINTER._IPP._TCP.LOCAL", "PTR"))
	assert.False(t, f.ShouldInclude("scanner._ipp._tcp.local", "PTR"))
}

func TestTypeAllowList(t *testing.T) {
	f := mustNew(t, Config{Types: []string{"ptr", "SRV"}})
	assert.True(t, f.ShouldInclude("whatever.local", "PTR"))
	assert.True(t, f.ShouldInclude("whatever.local", "srv"))
	assert.False(t, f.ShouldInclude("whatever.local", "TXT"))
}

func TestWildcardPatterns(t *testing.T) {
	f := mustNew(t, Config{Patterns: []string{"*._tcp.local"}})
	assert.True(t, f.ShouldInclude("Printer._ipp._tcp.local", "PTR"))
	assert.False(t, f.ShouldInclude("Printer._ipp._udp.local", "PTR"))
	// Anchored: the pattern must cover the whole name.
	assert.False(t, f.ShouldInclude("Printer._ipp._tcp.local.suffix", "PTR"))
}

func TestQuestionMarkPattern(t *testing.T) {
	f := mustNew(t, Config{Patterns: []string{"host-?.local"}})
	assert.True(t, f.ShouldInclude("host-1.local", "A"))
	assert.True(t, f.ShouldInclude("HOST-X.LOCAL", "A"))
	assert.False(t, f.ShouldInclude("host-10.local", "A"))
	assert.False(t, f.ShouldInclude("host-.local", "A"))
}

func TestPatternMetaCharsAreLiteral(t *testing.T) {
	// The '.' in a pattern is a literal dot, not a regexp wildcard.
	f := mustNew(t, Config{Patterns: []string{"a.b"}})
	assert.True(t, f.ShouldInclude("a.b", "A"))
	assert.False(t, f.ShouldInclude("aXb", "A"))
}

func TestCategoriesAreORed(t *testing.T) {
	f := mustNew(t, Config{
		Names:    []string{"exact.local"},
		Types:    []string{"TXT"},
		Patterns: []string{"*._tcp.local"},
	})
	assert.True(t, f.ShouldInclude("exact.local", "PTR"))
	assert.True(t, f.ShouldInclude("other.local", "TXT"))
	assert.True(t, f.ShouldInclude("x._tcp.local", "PTR"))
	assert.False(t, f.ShouldInclude("other.local", "PTR"))
}

func TestInvalidPatternIsFatal(t *testing.T) {
	_, err := New(Config{Patterns: []string{"  "}}, nil)
	require.Error(t, err)
}
