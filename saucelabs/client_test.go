package saucelabs_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/infra/op-sauce/saucelabs"
	"github.com/ethereum-optimism/infra/op-sauce/saucelabs/saucelabstest"
)

func newClient(t *testing.T, baseURL string) *saucelabs.Client {
	t.Helper()
	c, err := saucelabs.NewClient(saucelabs.Config{
		BaseURL:      baseURL,
		AppURL:       "https://app.example",
		Username:     saucelabstest.Username,
		AccessKey:    saucelabstest.AccessKey,
		Limiter:      rate.NewLimiter(rate.Inf, 1),
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Log:          testlog.Logger(t, log.LevelDebug),
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := saucelabs.NewClient(saucelabs.Config{Username: "u"})
	require.Error(t, err)
}

func TestStartAndPoll(t *testing.T) {
	srv := saucelabstest.NewServer(func(url string, platform []string) saucelabstest.Outcome {
		return saucelabstest.Outcome{
			PollsUntilStart: 1,
			Result:          map[string]any{"failed": 0},
		}
	})
	defer srv.Close()
	c := newClient(t, srv.BaseURL())
	ctx := context.Background()

	ids, err := c.StartJSTests(ctx, saucelabs.JSTestRequest{
		Platforms:        [][]string{{"Windows 10", "chrome", "latest"}},
		URL:              "http://localhost:9999/index.html",
		Framework:        "qunit",
		Name:             "smoke",
		TunnelIdentifier: "1234",
		Extra:            map[string]any{"max-duration": 300},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	subs := srv.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "1234", subs[0]["tunnel-identifier"])
	assert.Equal(t, "qunit", subs[0]["framework"])
	assert.Equal(t, float64(300), subs[0]["max-duration"])

	status, err := c.JSTestStatus(ctx, ids)
	require.NoError(t, err)
	assert.False(t, status.Completed)
	res, ok := status.Find(ids[0])
	require.True(t, ok)
	assert.False(t, res.Started())

	status, err = c.JSTestStatus(ctx, ids)
	require.NoError(t, err)
	assert.True(t, status.Completed)
	res, ok = status.Find(ids[0])
	require.True(t, ok)
	assert.True(t, res.Started())
	assert.True(t, res.HasResult())
	assert.Equal(t, "https://app.example/jobs/"+res.JobID, c.ResultsURL(res.JobID))

	passed := true
	require.NoError(t, c.UpdateJob(ctx, res.JobID, saucelabs.JobUpdate{Passed: &passed}))
	jobs := srv.Jobs()
	require.Len(t, jobs, 1)
	require.Len(t, jobs[0].Updates, 1)
	assert.Equal(t, true, jobs[0].Updates[0]["passed"])
}

func TestRejectedSubmission(t *testing.T) {
	srv := saucelabstest.NewServer(func(string, []string) saucelabstest.Outcome {
		return saucelabstest.Outcome{Reject: true}
	})
	defer srv.Close()
	c := newClient(t, srv.BaseURL())

	_, err := c.StartJSTests(context.Background(), saucelabs.JSTestRequest{
		Platforms: [][]string{{"", "", ""}},
		URL:       "http://localhost:9999/",
		Framework: "mocha",
	})
	require.Error(t, err)
	assert.True(t, saucelabs.IsRejected(err))
	assert.False(t, saucelabs.IsInfrastructure(err))

	var rejected *saucelabs.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
}

func TestUnauthorizedIsRejected(t *testing.T) {
	srv := saucelabstest.NewServer(nil)
	defer srv.Close()
	c, err := saucelabs.NewClient(saucelabs.Config{
		BaseURL:   srv.BaseURL(),
		Username:  saucelabstest.Username,
		AccessKey: "wrong",
	})
	require.NoError(t, err)

	_, err = c.JSTestStatus(context.Background(), []string{"x"})
	assert.True(t, saucelabs.IsRejected(err))
}

func TestServerErrorsAreRetried(t *testing.T) {
	srv := saucelabstest.NewServer(nil)
	defer srv.Close()
	c := newClient(t, srv.BaseURL())

	srv.FailStatus(2)
	_, err := c.JSTestStatus(context.Background(), []string{"js-1"})
	require.NoError(t, err)

	srv.FailStatus(3)
	_, err = c.JSTestStatus(context.Background(), []string{"js-1"})
	require.Error(t, err)
	assert.True(t, saucelabs.IsInfrastructure(err))
}

func TestMalformedResponse(t *testing.T) {
	srv := saucelabstest.NewServer(nil)
	defer srv.Close()
	c := newClient(t, srv.BaseURL())

	srv.Malformed(true)
	_, err := c.JSTestStatus(context.Background(), []string{"js-1"})
	require.ErrorIs(t, err, saucelabs.ErrMalformedResponse)
	assert.True(t, saucelabs.IsInfrastructure(err))
}

func TestUnreachableGrid(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	baseURL := ts.URL
	ts.Close()

	c := newClient(t, baseURL)
	_, err := c.StartJSTests(context.Background(), saucelabs.JSTestRequest{URL: "http://x/"})
	require.Error(t, err)
	assert.True(t, saucelabs.IsInfrastructure(err))
	assert.Zero(t, hits.Load())
}

func TestCanceledContext(t *testing.T) {
	srv := saucelabstest.NewServer(nil)
	defer srv.Close()
	c := newClient(t, srv.BaseURL())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.JSTestStatus(ctx, []string{"js-1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestResultsURL(t *testing.T) {
	c := newClient(t, "http://localhost")
	assert.Empty(t, c.ResultsURL(""))
	assert.Empty(t, c.ResultsURL(saucelabs.JobNotReady))
	assert.Equal(t, "https://app.example/jobs/abc", c.ResultsURL("abc"))
}
