package metrics

import "time"

type noopMetrics struct{}

// NoopMetrics discards everything.
var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordJob(string, string, bool, time.Duration) {}
func (noopMetrics) RecordPlatform(string, bool) {}
func (noopMetrics) RecordTunnelOpen(time.Duration, error) {}
func (noopMetrics) RecordAPIRequest(string, string, time.Duration) {}
func (noopMetrics) RecordError(string) {}
func (noopMetrics) RecordErrorDetails(string, error) {}
func (noopMetrics) RecordRun(bool, int, time.Duration) {}
