package reporting

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-sauce/notify"
)

// Row is one platform result of one job target.
type Row struct {
	Target     string
	URL        string
	Platform   string
	Passed     bool
	ResultsURL string
	Error      string
}

// Summary collects results from any number of job targets and renders them
// as a table once the run is over.
type Summary struct {
	title string

	mu       sync.Mutex
	rows     []Row
	targets  map[string]bool
	duration time.Duration
}

func NewSummary(title string) *Summary {
	return &Summary{title: title, targets: make(map[string]bool)}
}

// Sink returns a sink collecting the notifications of one target.
func (s *Summary) Sink(target string) notify.Sink {
	s.mu.Lock()
	if _, ok := s.targets[target]; !ok {
		s.targets[target] = true
	}
	s.mu.Unlock()

	return notify.SinkFunc(func(n notify.Notification) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch n.Kind {
		case notify.KindJobCompleted:
			s.rows = append(s.rows, Row{
				Target:     target,
				URL:        n.URL,
				Platform:   n.Platform,
				Passed:     n.Passed,
				ResultsURL: n.ResultsURL,
			})
			if !n.Passed {
				s.targets[target] = false
			}
		case notify.KindTestCompleted:
			if !n.Passed {
				s.targets[target] = false
			}
		case notify.KindError:
			msg := ""
			if n.Err != nil {
				msg = n.Err.Error()
			}
			s.rows = append(s.rows, Row{Target: target, Error: msg})
			s.targets[target] = false
		}
	})
}

// SetDuration records the wall time of the run for the title.
func (s *Summary) SetDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duration = d
}

// Rows returns the collected rows ordered by target, keeping arrival order
// within a target.
func (s *Summary) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := slices.Clone(s.rows)
	slices.SortStableFunc(rows, func(a, b Row) int {
		return strings.Compare(a.Target, b.Target)
	})
	return rows
}

// Passed reports whether every target seen so far passed.
func (s *Summary) Passed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ok := range s.targets {
		if !ok {
			return false
		}
	}
	return true
}

// Render writes the table to w.
func (s *Summary) Render(w io.Writer) {
	rows := s.Rows()
	passed := s.Passed()
	s.mu.Lock()
	title := s.title
	if s.duration > 0 {
		title = fmt.Sprintf("%s (%s)", title, s.duration.Round(time.Millisecond))
	}
	s.mu.Unlock()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Target", "Platform", "URL", "Status", "Details"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Target", AutoMerge: true},
		{Name: "URL", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Details", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	var nPassed, nFailed int
	for _, r := range rows {
		if r.Error != "" {
			nFailed++
			t.AppendRow(table.Row{r.Target, "-", "-", statusString(false), r.Error})
			continue
		}
		if r.Passed {
			nPassed++
		} else {
			nFailed++
		}
		t.AppendRow(table.Row{r.Target, r.Platform, r.URL, statusString(r.Passed), r.ResultsURL})
	}

	if passed {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}
	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d passed", nPassed),
		fmt.Sprintf("%d failed", nFailed),
		statusString(passed),
		"",
	})
	t.Render()
}

func statusString(passed bool) string {
	if passed {
		return "PASS"
	}
	return "FAIL"
}
