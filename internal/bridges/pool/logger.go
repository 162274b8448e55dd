package pool

// Logger is the structured logger used by the bridge components.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Metrics receives device-layer measurements. Implementations must not block.
type Metrics interface {
	// ObserveRequest records a finished Client call.
	ObserveRequest(priority, outcome string, attempts int, seconds float64)

	// ObservePoll records one orchestrator tick.
	ObservePoll(outcome string, seconds float64)

	// SetCircuitState publishes the derived circuit state.
	SetCircuitState(state string)

	// SetConsecutiveFailures publishes the current failure streak.
	SetConsecutiveFailures(n int)

	// CircuitTransition counts a circuit state change.
	CircuitTransition(from, to string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string, int, float64) {}
func (nopMetrics) ObservePoll(string, float64)                 {}
func (nopMetrics) SetCircuitState(string)                      {}
func (nopMetrics) SetConsecutiveFailures(int)                  {}
func (nopMetrics) CircuitTransition(string, string)            {}
