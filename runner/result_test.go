package runner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/op-sauce/saucelabs"
	"github.com/ethereum-optimism/infra/op-sauce/types"
)

func TestPassed(t *testing.T) {
	tests := []struct {
		name      string
		framework types.Framework
		result    string
		status    string
		want      bool
	}{
		{"jasmine passed flag", types.FrameworkJasmine, `{"passed": true, "durationSec": 1.2}`, "", true},
		{"jasmine failed flag", types.FrameworkJasmine, `{"passed": false}`, "", false},
		{"jasmine2 failed count", types.FrameworkJasmine, `{"totalCount": 4, "failedCount": 0}`, "", true},
		{"jasmine2 failures", types.FrameworkJasmine, `{"totalCount": 4, "failedCount": 2}`, "", false},
		{"qunit pass", types.FrameworkQUnit, `{"failed": 0, "passed": 5, "total": 5}`, "", true},
		{"qunit fail", types.FrameworkQUnit, `{"failed": 1, "passed": 4, "total": 5}`, "", false},
		{"mocha pass", types.FrameworkMocha, `{"passes": 3, "failures": 0}`, "", true},
		{"mocha fail", types.FrameworkMocha, `{"passes": 2, "failures": 1}`, "", false},
		{"yui pass", types.FrameworkYUI, `{"passed": 10, "failed": 0}`, "", true},
		{"custom fail", types.FrameworkCustom, `{"passed": 1, "failed": 3}`, "", false},
		{"missing field", types.FrameworkQUnit, `{"total": 5}`, "", false},
		{"null result", types.FrameworkQUnit, `null`, "", false},
		{"string result", types.FrameworkQUnit, `"test timed out"`, "", false},
		{"test error status", types.FrameworkQUnit, `{"failed": 0}`, saucelabs.StatusTestError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := saucelabs.JSTestResult{Result: json.RawMessage(tt.result), Status: tt.status}
			assert.Equal(t, tt.want, Passed(tt.framework, res))
		})
	}

	assert.False(t, Passed(types.FrameworkQUnit, saucelabs.JSTestResult{}))
}
