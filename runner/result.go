package runner

import (
	"encoding/json"

	"github.com/ethereum-optimism/infra/op-sauce/saucelabs"
	"github.com/ethereum-optimism/infra/op-sauce/types"
)

// Result field names reported by each framework's reporter.
const (
	fieldPassed      = "passed"
	fieldFailed      = "failed"
	fieldFailedCount = "failedCount"
	fieldFailures    = "failures"
)

// Passed derives a pass/fail verdict from a completed js test result.
// A missing or unreadable result fails.
func Passed(framework types.Framework, res saucelabs.JSTestResult) bool {
	if res.Status == saucelabs.StatusTestError || !res.HasResult() {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal(res.Result, &fields); err != nil {
		return false
	}

	switch framework {
	case types.FrameworkJasmine:
		if passed, ok := fields[fieldPassed].(bool); ok {
			return passed
		}
		return zero(fields, fieldFailedCount)
	case types.FrameworkMocha:
		return zero(fields, fieldFailures)
	case types.FrameworkQUnit, types.FrameworkYUI, types.FrameworkCustom:
		return zero(fields, fieldFailed)
	default:
		return false
	}
}

// zero reports whether fields[key] is a number equal to zero.
func zero(fields map[string]any, key string) bool {
	n, ok := fields[key].(float64)
	return ok && n == 0
}
