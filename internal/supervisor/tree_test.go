package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/logging"
)

// mockService runs until cancelled, optionally failing its first few starts.
type mockService struct {
	name       string
	startCount atomic.Int32
	stopCount  atomic.Int32
	failCount  atomic.Int32

	mu       sync.Mutex
	maxFails int32
}

func newMockService(name string) *mockService {
	return &mockService{name: name}
}

func (m *mockService) Serve(ctx context.Context) error {
	m.startCount.Add(1)
	defer m.stopCount.Add(1)

	m.mu.Lock()
	maxFails := m.maxFails
	m.mu.Unlock()

	if maxFails > 0 && m.failCount.Add(1) <= maxFails {
		return errors.New("simulated failure")
	}

	<-ctx.Done()
	return ctx.Err()
}

func (m *mockService) setFailCount(n int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxFails = n
}

func (m *mockService) String() string { return m.name }

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestNew_Defaults(t *testing.T) {
	tree := New(testLogger(), config.SupervisorConfig{})
	cfg := tree.Config()

	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %v, want 5", cfg.FailureThreshold)
	}
	if cfg.FailureDecay != 30 {
		t.Errorf("FailureDecay = %v, want 30", cfg.FailureDecay)
	}
	if cfg.FailureBackoff != 15*time.Second {
		t.Errorf("FailureBackoff = %v, want 15s", cfg.FailureBackoff)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
}

func TestNew_KeepsExplicitConfig(t *testing.T) {
	want := config.SupervisorConfig{
		FailureThreshold: 3,
		FailureDecay:     10,
		FailureBackoff:   time.Second,
		ShutdownTimeout:  2 * time.Second,
	}
	if got := New(nil, want).Config(); got != want {
		t.Errorf("Config() = %+v, want %+v", got, want)
	}
}

func TestTree_StartsEveryLayer(t *testing.T) {
	tree := New(testLogger(), config.SupervisorConfig{ShutdownTimeout: time.Second})

	device := newMockService("device")
	messaging := newMockService("messaging")
	api := newMockService("api")
	tree.AddDeviceService(device)
	tree.AddMessagingService(messaging)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	started := waitFor(t, 2*time.Second, func() bool {
		return device.startCount.Load() > 0 && messaging.startCount.Load() > 0 && api.startCount.Load() > 0
	})
	if !started {
		t.Errorf("start counts device=%d messaging=%d api=%d",
			device.startCount.Load(), messaging.startCount.Load(), api.startCount.Load())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("ServeBackground() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not shut down in time")
	}

	for _, svc := range []*mockService{device, messaging, api} {
		if svc.stopCount.Load() != svc.startCount.Load() {
			t.Errorf("%s: starts=%d stops=%d", svc, svc.startCount.Load(), svc.stopCount.Load())
		}
	}
}

func TestTree_RestartsFailingService(t *testing.T) {
	tree := New(testLogger(), config.SupervisorConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	failing := newMockService("failing")
	failing.setFailCount(2)
	stable := newMockService("stable")
	tree.AddDeviceService(failing)
	tree.AddAPIService(stable)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	if !waitFor(t, 3*time.Second, func() bool { return failing.startCount.Load() >= 3 }) {
		t.Errorf("failing service started %d times, want >= 3", failing.startCount.Load())
	}
	if stable.startCount.Load() != 1 {
		t.Errorf("stable service started %d times, want 1", stable.startCount.Load())
	}

	cancel()
	<-errCh
}

func TestTree_RemoveMessagingService(t *testing.T) {
	tree := New(testLogger(), config.SupervisorConfig{ShutdownTimeout: time.Second})

	svc := newMockService("bridge")
	token := tree.AddMessagingService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	if !waitFor(t, 2*time.Second, func() bool { return svc.startCount.Load() > 0 }) {
		t.Fatal("service never started")
	}
	if err := tree.RemoveMessagingService(token); err != nil {
		t.Fatalf("RemoveMessagingService() error = %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return svc.stopCount.Load() > 0 }) {
		t.Error("removed service was not stopped")
	}

	cancel()
	<-errCh
}
