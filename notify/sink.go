package notify

import (
	"sync"
)

// Sink consumes notifications one at a time.
// Implementations must not block indefinitely and must tolerate kinds they
// do not recognise.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(n Notification)

func (f SinkFunc) Notify(n Notification) {
	f(n)
}

// Discard drops every notification.
var Discard Sink = SinkFunc(func(Notification) {})

type multiSink []Sink

// Multi fans each notification out to all sinks in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Notify(n Notification) {
	for _, s := range m {
		s.Notify(n)
	}
}

type serializedSink struct {
	mu   sync.Mutex
	sink Sink
}

// Serialized guards s with a mutex so concurrent producers deliver one
// notification at a time.
func Serialized(s Sink) Sink {
	if s == nil {
		s = Discard
	}
	if _, ok := s.(*serializedSink); ok {
		return s
	}
	return &serializedSink{sink: s}
}

func (s *serializedSink) Notify(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Notify(n)
}

// Recorder keeps every notification it receives. Useful in tests and for
// post-run summaries.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

// Notifications returns a copy of everything recorded so far.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}

// Kinds returns the recorded kinds in emission order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.notifications))
	for i, n := range r.notifications {
		kinds[i] = n.Kind
	}
	return kinds
}

// Filter returns the recorded notifications of the given kind.
func (r *Recorder) Filter(kind Kind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Count returns how many notifications of the given kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	return len(r.Filter(kind))
}
