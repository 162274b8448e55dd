package pool

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

// mockLogger records log calls by level.
type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
}

func (m *mockLogger) record(level, msg string) {
	m.mu.Lock()
	m.entries = append(m.entries, logEntry{level: level, msg: msg})
	m.mu.Unlock()
}

func (m *mockLogger) Debug(msg string, _ ...any) { m.record("debug", msg) }
func (m *mockLogger) Info(msg string, _ ...any)  { m.record("info", msg) }
func (m *mockLogger) Warn(msg string, _ ...any)  { m.record("warn", msg) }
func (m *mockLogger) Error(msg string, _ ...any) { m.record("error", msg) }

func (m *mockLogger) count(level, msgPrefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.level == level && len(e.msg) >= len(msgPrefix) && e.msg[:len(msgPrefix)] == msgPrefix {
			n++
		}
	}
	return n
}

// mockMetrics records everything reported through Metrics.
type mockMetrics struct {
	mu          sync.Mutex
	requests    []string
	polls       []string
	circuit     string
	failures    int
	transitions []string
	granted     int
	denied      int
}

func (m *mockMetrics) ObserveRequest(priority, outcome string, _ int, _ float64) {
	m.mu.Lock()
	m.requests = append(m.requests, priority+":"+outcome)
	m.mu.Unlock()
}

func (m *mockMetrics) ObservePoll(outcome string, _ float64) {
	m.mu.Lock()
	m.polls = append(m.polls, outcome)
	m.mu.Unlock()
}

func (m *mockMetrics) SetCircuitState(state string) {
	m.mu.Lock()
	m.circuit = state
	m.mu.Unlock()
}

func (m *mockMetrics) SetConsecutiveFailures(n int) {
	m.mu.Lock()
	m.failures = n
	m.mu.Unlock()
}

func (m *mockMetrics) CircuitTransition(from, to string) {
	m.mu.Lock()
	m.transitions = append(m.transitions, from+"->"+to)
	m.mu.Unlock()
}

func (m *mockMetrics) TokenGranted(ratelimit.Priority, time.Duration) {
	m.mu.Lock()
	m.granted++
	m.mu.Unlock()
}

func (m *mockMetrics) TokenDenied(ratelimit.Priority) {
	m.mu.Lock()
	m.denied++
	m.mu.Unlock()
}

func (m *mockMetrics) getTransitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.transitions...)
}

func (m *mockMetrics) getPolls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.polls...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// sleepRecorder replaces real sleeps and records the requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
