// Package reporting renders notifications for people: a console sink that
// writes them through the structured logger and a summary table.
package reporting

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-sauce/notify"
	"github.com/ethereum-optimism/infra/op-sauce/portcheck"
)

const unsupportedPortWarning = "This url might use a port that is not proxied by Sauce Connect"

// ConsoleSink logs every notification it receives.
type ConsoleSink struct {
	log log.Logger
}

var _ notify.Sink = (*ConsoleSink)(nil)

func NewConsoleSink(l log.Logger) *ConsoleSink {
	if l == nil {
		l = log.Root()
	}
	return &ConsoleSink{log: l}
}

func (c *ConsoleSink) Notify(n notify.Notification) {
	switch n.Kind {
	case notify.KindTunnelOpen:
		c.log.Info("Opening tunnel")
	case notify.KindTunnelOpened:
		c.log.Info("Tunnel opened")
	case notify.KindTunnelClose:
		c.log.Info("Closing tunnel")
	case notify.KindTunnelEvent:
		c.tunnelEvent(n)
	case notify.KindJobStarted:
		c.log.Info("Tests started", "started", n.StartedJobs, "total", n.NumberOfJobs)
	case notify.KindJobCompleted:
		c.jobCompleted(n)
	case notify.KindTestCompleted:
		if n.Passed {
			c.log.Info("All tests completed", "passed", n.Passed)
		} else {
			c.log.Error("All tests completed", "passed", n.Passed)
		}
	case notify.KindError:
		c.log.Error("Job error", "err", n.Err)
	default:
		c.log.Error("Unexpected notification type", "type", string(n.Kind))
	}
}

func (c *ConsoleSink) tunnelEvent(n notify.Notification) {
	if n.Verbose {
		c.log.Debug(n.Text, "source", "tunnel")
		return
	}
	switch n.Method {
	case notify.MethodError:
		c.log.Error(n.Text, "source", "tunnel")
	case notify.MethodDebug:
		c.log.Debug(n.Text, "source", "tunnel")
	default:
		c.log.Info(n.Text, "source", "tunnel")
	}
}

func (c *ConsoleSink) jobCompleted(n notify.Notification) {
	l := c.log.New("url", n.URL, "platform", n.Platform)
	if n.TunnelID != "" && portcheck.IsUnsupported(n.URL) {
		l.Warn(unsupportedPortWarning, "tunnel", n.TunnelID)
	}
	ctx := []any{"passed", n.Passed}
	if n.ResultsURL != "" {
		ctx = append(ctx, "results", n.ResultsURL)
	}
	l.Info("Tested url", ctx...)
}
