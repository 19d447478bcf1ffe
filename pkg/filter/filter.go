// Package filter implements the service inclusion policy. A Filter is built
// once from configuration and is read-only afterwards, so it can be shared
// by any number of concurrent processing units.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

type Config struct {
	// IncludeAll short-circuits all other checks.
	IncludeAll bool `yaml:"include_all"`

	// Names is a case-insensitive exact-match allow list of service names.
	Names []string `yaml:"names"`

	// Types is a case-insensitive exact-match allow list of record type
	// mnemonics, e.g. "PTR".
	Types []string `yaml:"types"`

	// Patterns are wildcard domain patterns. '*' matches any run of
	// characters, '?' matches exactly one. Matching is case-insensitive
	// and anchored to the full string.
	Patterns []string `yaml:"patterns"`
}

type Filter struct {
	logger *zap.Logger

	includeAll bool
	names      map[string]struct{}
	types      map[string]struct{}
	patterns   []*regexp.Regexp
}

// New compiles cfg into a Filter. An invalid pattern is a configuration
// error: no Filter is returned and nothing may run with a partial policy.
func New(cfg Config, logger *zap.Logger) (*Filter, error) {
	if logger == nil {
		logger = nopLogger
	}
	f := &Filter{
		logger:     logger,
		includeAll: cfg.IncludeAll,
		names:      make(map[string]struct{}, len(cfg.Names)),
		types:      make(map[string]struct{}, len(cfg.Types)),
	}
	for _, n := range cfg.Names {
		f.names[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	for _, t := range cfg.Types {
		f.types[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	for _, p := range cfg.Patterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// ShouldInclude reports whether a record with this name and type passes the
// policy. A blank name or type never passes.
func (f *Filter) ShouldInclude(name, typ string) bool {
	name = strings.TrimSpace(name)
	typ = strings.TrimSpace(typ)
	if len(name) == 0 || len(typ) == 0 {
		f.logger.Debug("record with blank name or type excluded",
			zap.String("name", name), zap.String("type", typ))
		return false
	}

	if f.includeAll {
		return true
	}
	if _, ok := f.names[strings.ToLower(name)]; ok {
		return true
	}
	if _, ok := f.types[strings.ToLower(typ)]; ok {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// compilePattern translates a wildcard pattern into an anchored,
// case-insensitive regexp.
func compilePattern(p string) (*regexp.Regexp, error) {
	if len(strings.TrimSpace(p)) == 0 {
		return nil, fmt.Errorf("invalid pattern %q: empty", p)
	}
	var sb strings.Builder
	sb.WriteString("(?i)^")
	for _, r := range p {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
	}
	return re, nil
}
