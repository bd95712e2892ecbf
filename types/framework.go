package types

import (
	"fmt"
	"strings"
)

// Framework names the unit test framework a test page is written for.
// The values are the names the Sauce Labs js-tests API expects.
type Framework string

const (
	FrameworkJasmine Framework = "jasmine"
	FrameworkQUnit   Framework = "qunit"
	FrameworkYUI     Framework = "YUI Test"
	FrameworkMocha   Framework = "mocha"
	FrameworkCustom  Framework = "custom"
)

// Frameworks lists every supported framework in registration order.
var Frameworks = []Framework{
	FrameworkJasmine,
	FrameworkQUnit,
	FrameworkYUI,
	FrameworkMocha,
	FrameworkCustom,
}

// IsValid reports whether f is one of the supported frameworks.
func (f Framework) IsValid() bool {
	for _, known := range Frameworks {
		if f == known {
			return true
		}
	}
	return false
}

// CommandName returns the CLI subcommand that runs f.
func (f Framework) CommandName() string {
	if f == FrameworkYUI {
		return "yui"
	}
	return string(f)
}

func (f Framework) String() string {
	return string(f)
}

// ParseFramework accepts either the API name or the CLI subcommand name.
func ParseFramework(s string) (Framework, error) {
	for _, f := range Frameworks {
		if strings.EqualFold(s, string(f)) || strings.EqualFold(s, f.CommandName()) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown framework %q", s)
}
