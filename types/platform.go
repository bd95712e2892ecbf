package types

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Keys of a Platform that map onto the grid's [os, browser, version] triple.
const (
	PlatformKeyOS      = "platform"
	PlatformKeyBrowser = "browserName"
	PlatformKeyVersion = "version"
)

var tripleKeys = []string{PlatformKeyOS, PlatformKeyBrowser, PlatformKeyVersion}

// Platform describes a browser target. It is an open key/value map and the
// empty descriptor means "any browser the grid picks".
type Platform map[string]any

// IsAny reports whether p carries no constraints.
func (p Platform) IsAny() bool {
	return len(p) == 0
}

// Triple returns the [os, browser, version] triple submitted to the grid.
// Missing keys become empty strings.
func (p Platform) Triple() []string {
	out := make([]string, len(tripleKeys))
	for i, k := range tripleKeys {
		if v, ok := p[k]; ok && v != nil {
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

// String renders a human-readable label such as "Windows 10 chrome 120".
// Keys outside the triple are appended as sorted key=value pairs.
func (p Platform) String() string {
	if p.IsAny() {
		return "any"
	}
	var parts []string
	for _, v := range p.Triple() {
		if v != "" {
			parts = append(parts, v)
		}
	}
	extra := slices.Sorted(maps.Keys(p))
	for _, k := range extra {
		if slices.Contains(tripleKeys, k) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}

// Clone returns a deep copy of p.
func (p Platform) Clone() Platform {
	if p == nil {
		return Platform{}
	}
	return Platform(cloneMap(p))
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Platform:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
