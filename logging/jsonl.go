// Package logging persists notifications for later inspection.
package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-sauce/notify"
)

const (
	RunDirectoryPrefix = "run-"
	NotificationsFile  = "notifications.jsonl"
)

var ErrClosed = errors.New("async file is closed")

// AsyncFile appends to a file from a background goroutine so producers never
// block on disk.
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	errs    atomic.Int64
}

func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 256),
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Write queues a copy of data.
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()
	if af.stopped {
		return ErrClosed
	}
	af.queue <- append([]byte(nil), data...)
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()
	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			af.errs.Add(1)
		}
	}
}

// Close drains the queue and closes the file. It is safe to call twice.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if af.stopped {
		af.mu.Unlock()
		return nil
	}
	af.stopped = true
	close(af.queue)
	af.mu.Unlock()

	af.wg.Wait()
	err := af.file.Close()
	if n := af.errs.Load(); n > 0 {
		return errors.Join(err, fmt.Errorf("%d writes to %s failed", n, af.file.Name()))
	}
	return err
}

// Entry is one line of the notifications file.
type Entry struct {
	Time         time.Time           `json:"time"`
	RunID        string              `json:"runId"`
	Target       string              `json:"target,omitempty"`
	Notification notify.Notification `json:"notification"`
}

// JSONLSink writes every notification of a run as one JSON object per line to
// <baseDir>/run-<runID>/notifications.jsonl.
type JSONLSink struct {
	runID string
	path  string
	file  *AsyncFile
	log   log.Logger
	now   func() time.Time
}

var _ notify.Sink = (*JSONLSink)(nil)

func NewJSONLSink(baseDir, runID string, l log.Logger) (*JSONLSink, error) {
	if runID == "" {
		return nil, errors.New("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, errors.New("baseDir cannot be empty")
	}
	if l == nil {
		l = log.Root()
	}

	dir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, NotificationsFile)
	file, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{
		runID: runID,
		path:  path,
		file:  file,
		log:   l,
		now:   time.Now,
	}, nil
}

func (s *JSONLSink) Path() string {
	return s.path
}

func (s *JSONLSink) Notify(n notify.Notification) {
	s.write("", n)
}

// For returns a sink tagging each line with the job target.
func (s *JSONLSink) For(target string) notify.Sink {
	return notify.SinkFunc(func(n notify.Notification) {
		s.write(target, n)
	})
}

func (s *JSONLSink) write(target string, n notify.Notification) {
	if n.Kind == notify.KindTunnelEvent {
		n.Text = stripansi.Strip(n.Text)
	}
	data, err := json.Marshal(Entry{
		Time:         s.now().UTC(),
		RunID:        s.runID,
		Target:       target,
		Notification: n,
	})
	if err != nil {
		s.log.Warn("Failed to encode notification", "kind", n.Kind, "err", err)
		return
	}
	if err := s.file.Write(append(data, '\n')); err != nil {
		s.log.Debug("Dropped notification", "kind", n.Kind, "err", err)
	}
}

// Close flushes pending lines.
func (s *JSONLSink) Close() error {
	return s.file.Close()
}
