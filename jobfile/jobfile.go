// Package jobfile loads named job targets from a YAML or TOML document.
//
// A document has an optional defaults block and a jobs map:
//
//	defaults:
//	  test_interval: 2s
//	  browsers:
//	    - browserName: chrome
//	jobs:
//	  smoke:
//	    urls: ["http://localhost:9999/test/index.html"]
//
// Each target is the built-in defaults, overridden by the file defaults,
// overridden by the target's own options.
package jobfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-sauce/types"
)

var ErrNoJobs = errors.New("job file defines no jobs")

// File is the decoded document.
type File struct {
	Defaults Options            `yaml:"defaults" toml:"defaults"`
	Jobs     map[string]Options `yaml:"jobs" toml:"jobs"`
}

// Options holds the overridable job settings. Nil means "not set".
type Options struct {
	Framework           *string          `yaml:"framework" toml:"framework"`
	Username            *string          `yaml:"username" toml:"username"`
	AccessKey           *string          `yaml:"access_key" toml:"access_key"`
	Tunneled            *bool            `yaml:"tunneled" toml:"tunneled"`
	Identifier          *string          `yaml:"identifier" toml:"identifier"`
	TunnelArgs          []string         `yaml:"tunnel_args" toml:"tunnel_args"`
	URLs                []string         `yaml:"urls" toml:"urls"`
	Browsers            []map[string]any `yaml:"browsers" toml:"browsers"`
	TestName            *string          `yaml:"test_name" toml:"test_name"`
	Build               *string          `yaml:"build" toml:"build"`
	Tags                []string         `yaml:"tags" toml:"tags"`
	SauceConfig         map[string]any   `yaml:"sauce_config" toml:"sauce_config"`
	TestInterval        *Duration        `yaml:"test_interval" toml:"test_interval"`
	TestReadyTimeout    *Duration        `yaml:"test_ready_timeout" toml:"test_ready_timeout"`
	StatusCheckAttempts *int             `yaml:"status_check_attempts" toml:"status_check_attempts"`
	MaxRetries          *int             `yaml:"max_retries" toml:"max_retries"`
}

// Target is one named job resolved against its defaults.
type Target struct {
	Name string
	// Framework restricts the target to one framework. Empty means any.
	Framework types.Framework
	Config    types.JobConfig
}

// Apply returns a copy of base with every set option overriding it.
// Slices and maps are replaced wholesale, never merged.
func (o Options) Apply(base types.JobConfig) types.JobConfig {
	cfg := base.Clone()
	if o.Username != nil {
		cfg.Username = *o.Username
	}
	if o.AccessKey != nil {
		cfg.AccessKey = *o.AccessKey
	}
	if o.Tunneled != nil {
		cfg.Tunneled = *o.Tunneled
	}
	if o.Identifier != nil {
		cfg.Identifier = *o.Identifier
	}
	if o.TunnelArgs != nil {
		cfg.TunnelArgs = slices.Clone(o.TunnelArgs)
	}
	if o.URLs != nil {
		cfg.URLs = slices.Clone(o.URLs)
	}
	if o.Browsers != nil {
		cfg.Browsers = make([]types.Platform, len(o.Browsers))
		for i, b := range o.Browsers {
			cfg.Browsers[i] = types.Platform(b).Clone()
		}
	}
	if o.TestName != nil {
		cfg.TestName = *o.TestName
	}
	if o.Build != nil {
		cfg.Build = *o.Build
	}
	if o.Tags != nil {
		cfg.Tags = slices.Clone(o.Tags)
	}
	if o.SauceConfig != nil {
		cfg.SauceConfig = types.Platform(o.SauceConfig).Clone()
	}
	if o.TestInterval != nil {
		cfg.TestInterval = o.TestInterval.Duration()
	}
	if o.TestReadyTimeout != nil {
		cfg.TestReadyTimeout = o.TestReadyTimeout.Duration()
	}
	if o.StatusCheckAttempts != nil {
		cfg.StatusCheckAttempts = *o.StatusCheckAttempts
	}
	if o.MaxRetries != nil {
		cfg.MaxRetries = *o.MaxRetries
	}
	return cfg
}

func (o Options) framework() (types.Framework, error) {
	if o.Framework == nil || *o.Framework == "" {
		return "", nil
	}
	return types.ParseFramework(*o.Framework)
}

// Load reads path and resolves every target against base. Targets are
// returned sorted by name.
func Load(path string, base types.JobConfig) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	f, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}
	return f.Resolve(base)
}

// Decode parses data according to the file extension ext.
func Decode(data []byte, ext string) (*File, error) {
	var f File
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	case ".toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported job file extension %q", ext)
	}
	return &f, nil
}

// Resolve merges each target over the file defaults over base.
func (f *File) Resolve(base types.JobConfig) ([]Target, error) {
	if len(f.Jobs) == 0 {
		return nil, ErrNoJobs
	}
	defaultFramework, err := f.Defaults.framework()
	if err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	defaults := f.Defaults.Apply(base)

	targets := make([]Target, 0, len(f.Jobs))
	for name, opts := range f.Jobs {
		fw, err := opts.framework()
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		if fw == "" {
			fw = defaultFramework
		}
		targets = append(targets, Target{
			Name:      name,
			Framework: fw,
			Config:    opts.Apply(defaults),
		})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets, nil
}

// Select keeps the targets named in names (all when empty) that can run under fw.
func Select(targets []Target, names []string, fw types.Framework) ([]Target, error) {
	byName := make(map[string]Target, len(targets))
	for _, t := range targets {
		byName[t.Name] = t
	}

	var picked []Target
	if len(names) == 0 {
		picked = targets
	} else {
		for _, name := range names {
			t, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("unknown job target %q", name)
			}
			picked = append(picked, t)
		}
	}

	var out []Target
	for _, t := range picked {
		if t.Framework == "" || t.Framework == fw {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no job targets for framework %s", fw)
	}
	return out, nil
}
