package coremain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterConfigResolvesLists(t *testing.T) {
	r := require.New(t)
	files := map[string][]string{
		"names.txt":    {"_ipp._tcp.local"},
		"types.txt":    {"SRV"},
		"patterns.txt": {"*._tcp.local"},
	}
	load := func(p string) ([]string, error) {
		entries, ok := files[p]
		if !ok {
			return nil, errors.New("no such file")
		}
		return entries, nil
	}

	c := FilterConfig{
		Names:        []string{"_airplay._tcp.local"},
		Types:        []string{"PTR"},
		NameFiles:    []string{"names.txt"},
		TypeFiles:    []string{"types.txt"},
		PatternFiles: []string{"patterns.txt"},
	}
	fc, err := c.filterConfig(load)
	r.NoError(err)
	r.Equal([]string{"_airplay._tcp.local", "_ipp._tcp.local"}, fc.Names)
	r.Equal([]string{"PTR", "SRV"}, fc.Types)
	r.Equal([]string{"*._tcp.local"}, fc.Patterns)
	r.False(fc.IncludeAll)
}

func TestFilterConfigLoadFailure(t *testing.T) {
	c := FilterConfig{NameFiles: []string{"missing.txt"}}
	_, err := c.filterConfig(func(string) ([]string, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
}

func TestListFiles(t *testing.T) {
	c := FilterConfig{
		NameFiles:    []string{"a"},
		TypeFiles:    []string{"b"},
		PatternFiles: []string{"c"},
	}
	require.Equal(t, []string{"a", "b", "c"}, c.listFiles())
}
