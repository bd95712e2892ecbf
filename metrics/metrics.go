package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsNamespace = "op_sauce"
)

var nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

// Metricer is everything the job pipeline records.
type Metricer interface {
	RecordJob(target string, framework string, passed bool, duration time.Duration)
	RecordPlatform(framework string, passed bool)
	RecordTunnelOpen(duration time.Duration, err error)
	RecordAPIRequest(op string, outcome string, duration time.Duration)
	RecordError(label string)
	RecordErrorDetails(label string, err error)
	RecordRun(passed bool, jobs int, duration time.Duration)
}

type Metrics struct {
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	platformsTotal   *prometheus.CounterVec
	tunnelOpens      *prometheus.CounterVec
	tunnelOpenTime   prometheus.Histogram
	apiRequests      *prometheus.CounterVec
	apiRequestTime   *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	lastRunJobs      prometheus.Gauge
	lastRunDuration  prometheus.Gauge
	lastRunTimestamp prometheus.Gauge
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics(m opmetrics.Factory) *Metrics {
	return &Metrics{
		jobsTotal: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_total",
			Help:      "Count of finished jobs by target, framework and result",
		}, []string{"target", "framework", "result"}),
		jobDuration: m.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of jobs including tunnel setup and teardown",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"framework"}),
		platformsTotal: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "platforms_total",
			Help:      "Count of per-browser results",
		}, []string{"framework", "result"}),
		tunnelOpens: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "tunnel_opens_total",
			Help:      "Count of tunnel open attempts",
		}, []string{"result"}),
		tunnelOpenTime: m.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "tunnel_open_seconds",
			Help:      "Time until a tunnel reported ready",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120},
		}),
		apiRequests: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "api_requests_total",
			Help:      "Count of Sauce Labs API requests",
		}, []string{"op", "outcome"}),
		apiRequestTime: m.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "api_request_seconds",
			Help:      "Latency of Sauce Labs API requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		errorsTotal: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "errors_total",
			Help:      "Count of errors",
		}, []string{"error"}),
		runsTotal: m.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "runs_total",
			Help:      "Count of runs over all selected targets",
		}, []string{"result"}),
		lastRunJobs: m.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "last_run_jobs",
			Help:      "Number of jobs in the last run",
		}),
		lastRunDuration: m.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the last run",
		}),
		lastRunTimestamp: m.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
}

func (m *Metrics) RecordJob(target string, framework string, passed bool, duration time.Duration) {
	m.jobsTotal.WithLabelValues(target, framework, resultLabel(passed)).Inc()
	m.jobDuration.WithLabelValues(framework).Observe(duration.Seconds())
}

func (m *Metrics) RecordPlatform(framework string, passed bool) {
	m.platformsTotal.WithLabelValues(framework, resultLabel(passed)).Inc()
}

func (m *Metrics) RecordTunnelOpen(duration time.Duration, err error) {
	if err != nil {
		m.tunnelOpens.WithLabelValues("fail").Inc()
		return
	}
	m.tunnelOpens.WithLabelValues("pass").Inc()
	m.tunnelOpenTime.Observe(duration.Seconds())
}

func (m *Metrics) RecordAPIRequest(op string, outcome string, duration time.Duration) {
	m.apiRequests.WithLabelValues(op, outcome).Inc()
	m.apiRequestTime.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(label string) {
	m.errorsTotal.WithLabelValues(label).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func (m *Metrics) RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	m.RecordError(fmt.Sprintf("%s.%s", label, errToLabel(err)))
}

func (m *Metrics) RecordRun(passed bool, jobs int, duration time.Duration) {
	m.runsTotal.WithLabelValues(resultLabel(passed)).Inc()
	m.lastRunJobs.Set(float64(jobs))
	m.lastRunDuration.Set(duration.Seconds())
	m.lastRunTimestamp.Set(float64(time.Now().Unix()))
}

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func resultLabel(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}
