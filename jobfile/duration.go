package jobfile

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts either a Go duration string ("2s", "500ms") or a bare
// integer number of milliseconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalTOML(v any) error {
	var (
		parsed time.Duration
		err    error
	)
	switch t := v.(type) {
	case int64:
		parsed, err = millis(t)
	case string:
		parsed, err = parseDuration(t)
	default:
		err = fmt.Errorf("invalid duration type %T", v)
	}
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return millis(ms)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return d, nil
}

func millis(ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, fmt.Errorf("invalid duration %dms: must not be negative", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
