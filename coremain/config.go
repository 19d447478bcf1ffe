package coremain

import (
	"github.com/pmkol/lanwatch/mlog"
	"github.com/pmkol/lanwatch/pkg/filter"
)

type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include"`

	Listen   ListenConfig   `yaml:"listen"`
	Filter   FilterConfig   `yaml:"filter"`
	Registry RegistryConfig `yaml:"registry"`
	Process  ProcessConfig  `yaml:"process"`
	Redis    RedisConfig    `yaml:"redis"`
	API      APIConfig      `yaml:"api"`
}

type ListenConfig struct {
	DisableIPv4 bool `yaml:"disable_ipv4"`
	DisableIPv6 bool `yaml:"disable_ipv6"`

	// Interfaces restricts the multicast join. Empty means all
	// multicast-capable interfaces.
	Interfaces []string `yaml:"interfaces"`

	// IgnoreSources drops datagrams from these CIDR prefixes before
	// parsing.
	IgnoreSources []string `yaml:"ignore_sources"`

	// StopGrace (sec) bounds the shutdown grace period for in-flight
	// datagrams.
	StopGrace uint `yaml:"stop_grace"`
}

type FilterConfig struct {
	IncludeAll bool     `yaml:"include_all"`
	Names      []string `yaml:"names"`
	Types      []string `yaml:"types"`
	Patterns   []string `yaml:"patterns"`

	// List files, one entry per line, '#' comments. Merged with the
	// inline lists above.
	NameFiles    []string `yaml:"name_files"`
	TypeFiles    []string `yaml:"type_files"`
	PatternFiles []string `yaml:"pattern_files"`

	// AutoReload rebuilds the filter when a list file changes. A broken
	// reload keeps the previous filter.
	AutoReload bool `yaml:"auto_reload"`
}

type RegistryConfig struct {
	// SweepInterval (sec) of the background expiration sweep.
	SweepInterval uint `yaml:"sweep_interval"`
}

type ProcessConfig struct {
	// Timeout (sec) per datagram. Default is 5.
	Timeout uint `yaml:"timeout"`
}

// RedisConfig enables the optional redis mirror of the live service view.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	Timeout   uint   `yaml:"timeout"` // (sec) command timeout.
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// filterConfig resolves the inline lists plus all list files into a
// filter.Config.
func (c *FilterConfig) filterConfig(load func(string) ([]string, error)) (filter.Config, error) {
	fc := filter.Config{
		IncludeAll: c.IncludeAll,
		Names:      append([]string(nil), c.Names...),
		Types:      append([]string(nil), c.Types...),
		Patterns:   append([]string(nil), c.Patterns...),
	}
	for _, f := range c.NameFiles {
		entries, err := load(f)
		if err != nil {
			return filter.Config{}, err
		}
		fc.Names = append(fc.Names, entries...)
	}
	for _, f := range c.TypeFiles {
		entries, err := load(f)
		if err != nil {
			return filter.Config{}, err
		}
		fc.Types = append(fc.Types, entries...)
	}
	for _, f := range c.PatternFiles {
		entries, err := load(f)
		if err != nil {
			return filter.Config{}, err
		}
		fc.Patterns = append(fc.Patterns, entries...)
	}
	return fc, nil
}

func (c *FilterConfig) listFiles() []string {
	var out []string
	out = append(out, c.NameFiles...)
	out = append(out, c.TypeFiles...)
	out = append(out, c.PatternFiles...)
	return out
}
