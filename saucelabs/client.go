// Package saucelabs is a client for the Sauce Labs JS unit test REST API.
package saucelabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL      = "https://saucelabs.com/rest/v1"
	DefaultAppURL       = "https://saucelabs.com"
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second
	DefaultRateLimit    = 5
	DefaultTimeout      = 30 * time.Second

	maxBackoff      = 10 * time.Second
	maxResponseSize = 5 << 20
)

// Metricer records API calls. Implemented by the metrics package.
type Metricer interface {
	RecordAPIRequest(op string, outcome string, duration time.Duration)
}

type noopMetricer struct{}

func (noopMetricer) RecordAPIRequest(string, string, time.Duration) {}

type Config struct {
	BaseURL   string
	AppURL    string
	Username  string
	AccessKey string

	HTTPClient *http.Client
	// Limiter is shared by every request made through the client.
	Limiter *rate.Limiter
	// MaxRetries is the number of retries after the first attempt for
	// transport errors and 5xx responses.
	MaxRetries   int
	RetryBackoff time.Duration

	Log     log.Logger
	Metrics Metricer
}

type Client struct {
	baseURL      *url.URL
	appURL       string
	username     string
	accessKey    string
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxRetries   int
	retryBackoff time.Duration
	log          log.Logger
	metrics      Metricer
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Username == "" || cfg.AccessKey == "" {
		return nil, errors.New("sauce labs credentials are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid sauce labs base url: %w", err)
	}
	if cfg.AppURL == "" {
		cfg.AppURL = DefaultAppURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetricer{}
	}
	return &Client{
		baseURL:      base,
		appURL:       strings.TrimRight(cfg.AppURL, "/"),
		username:     cfg.Username,
		accessKey:    cfg.AccessKey,
		httpClient:   cfg.HTTPClient,
		limiter:      cfg.Limiter,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		log:          cfg.Log.New("component", "saucelabs"),
		metrics:      cfg.Metrics,
	}, nil
}

// StartJSTests submits a JS unit test run and returns one test id per
// platform the grid accepted.
func (c *Client) StartJSTests(ctx context.Context, req JSTestRequest) ([]string, error) {
	var res startResponse
	if err := c.do(ctx, "start", http.MethodPost, c.userPath("js-tests"), req, &res); err != nil {
		return nil, err
	}
	return res.JSTests, nil
}

// JSTestStatus polls the status of previously submitted tests.
func (c *Client) JSTestStatus(ctx context.Context, ids []string) (*JSTestStatus, error) {
	var res JSTestStatus
	if err := c.do(ctx, "status", http.MethodPost, c.userPath("js-tests", "status"), statusRequest{JSTests: ids}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateJob records the outcome of a finished job on the grid.
func (c *Client) UpdateJob(ctx context.Context, jobID string, upd JobUpdate) error {
	return c.do(ctx, "update", http.MethodPut, c.userPath("jobs", jobID), upd, nil)
}

// ResultsURL links to the grid's page for a job.
func (c *Client) ResultsURL(jobID string) string {
	if jobID == "" || jobID == JobNotReady {
		return ""
	}
	return c.appURL + "/jobs/" + url.PathEscape(jobID)
}

func (c *Client) userPath(elems ...string) string {
	u := c.baseURL.JoinPath(append([]string{c.username}, elems...)...)
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			c.log.Debug("Retrying sauce labs request", "op", op, "attempt", i+1, "max_attempts", c.maxRetries+1, "err", lastErr)
			if err := sleepContext(ctx, c.backoff(i-1)); err != nil {
				return &InfrastructureError{Op: op, Err: err}
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return &InfrastructureError{Op: op, Err: err}
		}

		start := time.Now()
		respBody, err := c.roundTrip(ctx, method, endpoint, body)
		if err == nil {
			c.metrics.RecordAPIRequest(op, "ok", time.Since(start))
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return &InfrastructureError{Op: op, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
			}
			return nil
		}

		var status *statusError
		if errors.As(err, &status) && status.code >= 400 && status.code < 500 && status.code != http.StatusTooManyRequests {
			c.metrics.RecordAPIRequest(op, "rejected", time.Since(start))
			return &RejectedError{Op: op, StatusCode: status.code, Body: status.body}
		}
		c.metrics.RecordAPIRequest(op, "error", time.Since(start))
		if ctx.Err() != nil {
			return &InfrastructureError{Op: op, Err: ctx.Err()}
		}
		lastErr = err
	}
	return &InfrastructureError{Op: op, Err: lastErr}
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.SetBasicAuth(c.username, c.accessKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &statusError{code: res.StatusCode, body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func (c *Client) backoff(i int) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(c.retryBackoff)/4 + 1))
	d := time.Duration(math.Pow(2, float64(i)))*c.retryBackoff + jitter
	return min(d, maxBackoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
