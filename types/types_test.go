package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFramework(t *testing.T) {
	tests := []struct {
		in   string
		want Framework
	}{
		{"jasmine", FrameworkJasmine},
		{"qunit", FrameworkQUnit},
		{"QUnit", FrameworkQUnit},
		{"yui", FrameworkYUI},
		{"YUI Test", FrameworkYUI},
		{"mocha", FrameworkMocha},
		{"custom", FrameworkCustom},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFramework(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.IsValid())
		})
	}

	_, err := ParseFramework("karma")
	require.Error(t, err)
	assert.False(t, Framework("karma").IsValid())
}

func TestFrameworkCommandName(t *testing.T) {
	assert.Equal(t, "yui", FrameworkYUI.CommandName())
	assert.Equal(t, "mocha", FrameworkMocha.CommandName())
}

func TestPlatformString(t *testing.T) {
	tests := []struct {
		name string
		p    Platform
		want string
	}{
		{"empty", Platform{}, "any"},
		{"nil", nil, "any"},
		{"full triple", Platform{"platform": "Windows 10", "browserName": "chrome", "version": 120}, "Windows 10 chrome 120"},
		{"browser only", Platform{"browserName": "firefox"}, "firefox"},
		{"extra keys sorted", Platform{"browserName": "safari", "zeta": 1, "alpha": "x"}, "safari alpha=x zeta=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.String())
		})
	}
}

func TestPlatformTriple(t *testing.T) {
	p := Platform{"browserName": "chrome", "version": "latest"}
	assert.Equal(t, []string{"", "chrome", "latest"}, p.Triple())
	assert.Equal(t, []string{"", "", ""}, Platform{}.Triple())
}

func TestDefaultJobConfig(t *testing.T) {
	now := time.Unix(IdentifierEpoch+42, 0)
	env := map[string]string{EnvUsername: "alice", EnvAccessKey: "secret"}
	cfg := DefaultJobConfig(now, func(k string) string { return env[k] })

	assert.True(t, cfg.Tunneled)
	assert.Equal(t, "42", cfg.Identifier)
	assert.Equal(t, DefaultTestInterval, cfg.TestInterval)
	assert.Equal(t, DefaultTestReadyTimeout, cfg.TestReadyTimeout)
	assert.Equal(t, []Platform{{}}, cfg.Browsers)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "secret", cfg.AccessKey)
	assert.Equal(t, DefaultStatusCheckAttempts, cfg.StatusCheckAttempts)
	assert.Empty(t, cfg.TestName)
	assert.Empty(t, cfg.TunnelArgs)
}

func TestJobConfigCloneIsDeep(t *testing.T) {
	orig := JobConfig{
		URLs:        []string{"http://localhost:9999/a.html"},
		Browsers:    []Platform{{"browserName": "chrome"}},
		TunnelArgs:  []string{"--verbose"},
		Tags:        []string{"ci"},
		SauceConfig: map[string]any{"nested": map[string]any{"k": "v"}},
	}
	c := orig.Clone()
	c.URLs[0] = "changed"
	c.Browsers[0]["browserName"] = "firefox"
	c.TunnelArgs[0] = "changed"
	c.Tags[0] = "changed"
	c.SauceConfig["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "http://localhost:9999/a.html", orig.URLs[0])
	assert.Equal(t, "chrome", orig.Browsers[0]["browserName"])
	assert.Equal(t, "--verbose", orig.TunnelArgs[0])
	assert.Equal(t, "ci", orig.Tags[0])
	assert.Equal(t, "v", orig.SauceConfig["nested"].(map[string]any)["k"])
}

func TestJobConfigPlatforms(t *testing.T) {
	cfg := JobConfig{URLs: []string{"a", "b"}}
	assert.Equal(t, []Platform{{}}, cfg.Platforms())
	assert.Equal(t, 2, cfg.NumberOfJobs())

	cfg.Browsers = []Platform{{"browserName": "chrome"}, {"browserName": "firefox"}, {}}
	assert.Equal(t, 6, cfg.NumberOfJobs())
}

func TestJobConfigValidate(t *testing.T) {
	valid := func() JobConfig {
		cfg := DefaultJobConfig(time.Now(), nil)
		cfg.Username = "u"
		cfg.AccessKey = "k"
		cfg.URLs = []string{"http://localhost:9999/"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.AccessKey = ""
	require.ErrorIs(t, cfg.Validate(), ErrMissingCredentials)

	cfg = valid()
	cfg.URLs = nil
	require.ErrorIs(t, cfg.Validate(), ErrNoURLs)

	cfg = valid()
	cfg.Identifier = ""
	require.ErrorIs(t, cfg.Validate(), ErrMissingIdentifier)
	cfg.Tunneled = false
	require.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.TestInterval = 0
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.MaxRetries = -1
	require.Error(t, cfg.Validate())
}
