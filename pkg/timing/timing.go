// Package timing measures per-request processing duration on the server
// side: time from request-head intake to the moment Metrics is called
// (the connection handler calls it once the response has been written),
// adapted from the client-side DNS/TCP/TLS/TTFB timer to the inverse
// direction a server cares about.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures one request's processing timeline.
type Metrics struct {
	// BodyReceive is the time from head intake until the end of the request
	// was seen (MarkBodyReceived), zero when that was never marked.
	BodyReceive time.Duration `json:"body_receive"`
	// QueueWait is the time the completed request waited on the
	// connection's serialized response dispatch queue before its handler
	// ran.
	QueueWait time.Duration `json:"queue_wait"`
	// HandlerRun is the time spent inside the request handler's OnEnd.
	HandlerRun time.Duration `json:"handler_run"`
	// TotalTime is head-received to the moment Metrics was called.
	TotalTime time.Duration `json:"total_time"`
}

// Timer measures one request's lifecycle from head intake onward.
type Timer struct {
	headAt      time.Time
	bodyDoneAt  time.Time
	dequeuedAt  time.Time
	handlerDone time.Time
}

// NewTimer starts a timer at request-head intake.
func NewTimer() *Timer {
	return &Timer{headAt: time.Now()}
}

// MarkBodyReceived records the moment the request body finished arriving.
func (t *Timer) MarkBodyReceived() {
	t.bodyDoneAt = time.Now()
}

// MarkDequeued records the moment this request's completion callback began
// running on the response dispatch queue.
func (t *Timer) MarkDequeued() {
	t.dequeuedAt = time.Now()
}

// MarkHandlerDone records the moment the request handler's OnEnd returned.
func (t *Timer) MarkHandlerDone() {
	t.handlerDone = time.Now()
}

// Metrics computes the timeline relative to the moment it is called; the
// connection handler calls it after the response has been written.
func (t *Timer) Metrics() Metrics {
	now := time.Now()
	m := Metrics{TotalTime: now.Sub(t.headAt)}
	if !t.bodyDoneAt.IsZero() {
		m.BodyReceive = t.bodyDoneAt.Sub(t.headAt)
	}
	if !t.dequeuedAt.IsZero() && !t.bodyDoneAt.IsZero() {
		m.QueueWait = t.dequeuedAt.Sub(t.bodyDoneAt)
	}
	if !t.handlerDone.IsZero() && !t.dequeuedAt.IsZero() {
		m.HandlerRun = t.handlerDone.Sub(t.dequeuedAt)
	}
	return m
}

// String renders a human-readable summary, suitable for a structured log
// field value.
func (m Metrics) String() string {
	return fmt.Sprintf("bodyReceive=%v queueWait=%v handlerRun=%v total=%v",
		m.BodyReceive, m.QueueWait, m.HandlerRun, m.TotalTime)
}
