package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

// fakeDevice serves /getReadings from a mutable body and records commands.
type fakeDevice struct {
	mu            sync.Mutex
	readStatus    int
	readBody      string
	commandStatus int
	commands      []url.Values
	reads         atomic.Int32
}

func (d *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.URL.Path == "/getReadings" {
		d.reads.Add(1)
		w.WriteHeader(d.readStatus)
		_, _ = w.Write([]byte(d.readBody)) //nolint:errcheck // test server
		return
	}
	d.commands = append(d.commands, r.URL.Query())
	w.WriteHeader(d.commandStatus)
}

func (d *fakeDevice) setReadings(status int, body string) {
	d.mu.Lock()
	d.readStatus = status
	d.readBody = body
	d.mu.Unlock()
}

func (d *fakeDevice) setCommandStatus(status int) {
	d.mu.Lock()
	d.commandStatus = status
	d.mu.Unlock()
}

func (d *fakeDevice) getCommands() []url.Values {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]url.Values(nil), d.commands...)
}

func testOrchestratorConfig(baseURL string) OrchestratorConfig {
	client := DefaultClientConfig()
	client.BaseURL = baseURL
	client.Timeout = 2 * time.Second
	client.MaxRetries = 0
	client.RetryBaseDelay = 10 * time.Millisecond
	client.RetryMaxDelay = 20 * time.Millisecond

	return OrchestratorConfig{
		DeviceID:     "pool-1",
		PollInterval: time.Second,
		FirmwareKey:  "fw",
		Client:       client,
		RateLimit:    ratelimit.Config{Capacity: 100, RefillRate: 50, MaxInFlight: 4, MaxWait: time.Second},
		Recovery:     RecoveryConfig{FailureThreshold: 2, BackoffMin: time.Second, BackoffMax: 4 * time.Second, LogEvery: 10},
		Commands:     DefaultCommandPaths(),
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeDevice, *mockMetrics) {
	t.Helper()
	dev := &fakeDevice{readStatus: 200, readBody: `{}`, commandStatus: 200}
	srv := httptest.NewServer(dev)
	t.Cleanup(srv.Close)

	m := &mockMetrics{}
	o, err := NewOrchestrator(testOrchestratorConfig(srv.URL), nil, m)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	t.Cleanup(o.Close)
	return o, dev, m
}

func TestOrchestratorConfig_Validate(t *testing.T) {
	cfg := testOrchestratorConfig("http://device")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*OrchestratorConfig)
	}{
		{"bad device id", func(c *OrchestratorConfig) { c.DeviceID = "pool 1" }},
		{"poll too fast", func(c *OrchestratorConfig) { c.PollInterval = 100 * time.Millisecond }},
		{"bad client", func(c *OrchestratorConfig) { c.Client.BaseURL = "" }},
		{"bad limiter", func(c *OrchestratorConfig) { c.RateLimit.Capacity = 0 }},
		{"bad recovery", func(c *OrchestratorConfig) { c.Recovery.FailureThreshold = 0 }},
		{"bad commands", func(c *OrchestratorConfig) { c.Commands.Function = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testOrchestratorConfig("http://device")
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestOrchestrator_PollAppliesSnapshot(t *testing.T) {
	o, dev, m := newTestOrchestrator(t)
	dev.setReadings(200, `{"water_temp": 27.5, "pump": "3|PUMP_ANTI_FREEZE", "fw": "1.1.9"}`)

	var (
		mu      sync.Mutex
		changed []string
	)
	o.OnSnapshot(func(_ *Snapshot, c []string) {
		mu.Lock()
		changed = c
		mu.Unlock()
	})

	if o.Snapshot().Tick() != 0 || o.Snapshot().Len() != 0 {
		t.Fatal("initial snapshot is not empty")
	}

	snap, err := o.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if snap != o.Snapshot() {
		t.Error("Poll() did not return the current snapshot")
	}
	if snap.Tick() != 1 || snap.UpdatedAt().IsZero() {
		t.Errorf("Tick = %d, UpdatedAt = %v", snap.Tick(), snap.UpdatedAt())
	}
	if v, _ := snap.Get("water_temp"); !v.Equal(Number(27.5)) {
		t.Errorf("water_temp = %v", v)
	}
	if fw := o.Health().FirmwareVersion; fw != "1.1.9" {
		t.Errorf("FirmwareVersion = %q", fw)
	}

	mu.Lock()
	if !reflect.DeepEqual(changed, []string{"fw", "pump", "water_temp"}) {
		t.Errorf("changed = %v", changed)
	}
	mu.Unlock()

	if got := m.getPolls(); !reflect.DeepEqual(got, []string{"success"}) {
		t.Errorf("poll outcomes = %v", got)
	}
}

func TestOrchestrator_AbsentCarriesForward(t *testing.T) {
	o, dev, _ := newTestOrchestrator(t)

	dev.setReadings(200, `{"orp": 650, "pump": "3|PUMP_ANTI_FREEZE", "salt": 3.2}`)
	if _, err := o.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll() error = %v", err)
	}

	dev.setReadings(200, `{"orp": "[]", "pump": "2|MANUAL_ON"}`)
	snap, err := o.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}

	if v, _ := snap.Get("orp"); !v.Equal(Number(650)) {
		t.Errorf("orp = %v, want previous 650 carried forward", v)
	}
	if v, _ := snap.Get("pump"); !v.Equal(Composite(2, "MANUAL_ON")) {
		t.Errorf("pump = %v", v)
	}
	if _, ok := snap.Get("salt"); ok {
		t.Error("salt missing from the read but still present")
	}
	if got := snap.Changed(nil); len(got) != 2 {
		t.Errorf("Changed(nil) = %v", got)
	}
}

func TestOrchestrator_OutageKeepsSnapshot(t *testing.T) {
	o, dev, m := newTestOrchestrator(t)

	dev.setReadings(200, `{"water_temp": 27.5}`)
	good, err := o.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	dev.setReadings(503, ``)
	for i := 0; i < 2; i++ {
		snap, err := o.Poll(context.Background())
		if !errors.Is(err, ErrTransientNetwork) {
			t.Fatalf("Poll() error = %v, want ErrTransientNetwork", err)
		}
		if snap != good {
			t.Error("failed poll replaced the snapshot")
		}
	}
	if o.IsAvailable() || o.Circuit() != CircuitOpen {
		t.Fatalf("circuit = %s after 2 failures, threshold is 2", o.Circuit())
	}

	reads := dev.reads.Load()
	snap, err := o.Poll(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Poll() while open error = %v, want ErrDeviceUnavailable", err)
	}
	if snap != good {
		t.Error("skipped poll did not return the last snapshot")
	}
	if dev.reads.Load() != reads {
		t.Error("poll while open reached the device")
	}

	polls := m.getPolls()
	if polls[len(polls)-1] != "skipped" {
		t.Errorf("last poll outcome = %q, want skipped", polls[len(polls)-1])
	}
}

func TestOrchestrator_ProbeRecovers(t *testing.T) {
	o, dev, _ := newTestOrchestrator(t)

	var (
		mu    sync.Mutex
		flips []bool
	)
	o.OnAvailabilityChange(func(available bool, _ HealthState) {
		mu.Lock()
		flips = append(flips, available)
		mu.Unlock()
	})

	dev.setReadings(500, `boom`)
	_, _ = o.Poll(context.Background()) //nolint:errcheck // expected failure
	_, _ = o.Poll(context.Background()) //nolint:errcheck // expected failure
	if o.IsAvailable() {
		t.Fatal("device still available")
	}

	if err := o.probeNow(context.Background()); err == nil {
		t.Fatal("probe against a failing device succeeded")
	}
	if o.Health().Backoff != 2*time.Second {
		t.Errorf("backoff after failed probe = %v, want 2s", o.Health().Backoff)
	}

	dev.setReadings(200, `{"water_temp": 26}`)
	if err := o.probeNow(context.Background()); err != nil {
		t.Fatalf("probeNow() error = %v", err)
	}
	if !o.IsAvailable() {
		t.Fatal("successful probe did not close the circuit")
	}
	if v, _ := o.Snapshot().Get("water_temp"); !v.Equal(Number(26)) {
		t.Errorf("probe result not applied, water_temp = %v", v)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(flips, []bool{false, true}) {
		t.Errorf("flips = %v", flips)
	}
}

func TestOrchestrator_StaleTickDiscarded(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	snap5, ok := o.apply(5, map[string]Value{"a": Number(5)})
	if !ok || snap5.Tick() != 5 {
		t.Fatalf("apply(5) = %v, %v", snap5.Tick(), ok)
	}

	got, ok := o.apply(3, map[string]Value{"a": Number(3)})
	if ok {
		t.Error("apply(3) after apply(5) was applied")
	}
	if got != snap5 || o.Snapshot() != snap5 {
		t.Error("stale result replaced the snapshot")
	}
	if v, _ := o.Snapshot().Get("a"); !v.Equal(Number(5)) {
		t.Errorf("a = %v, want 5", v)
	}
}

func TestOrchestrator_ListenersSeeTicksInOrder(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	var (
		mu      sync.Mutex
		ticks   []uint64
		changes [][]string
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	o.OnSnapshot(func(snap *Snapshot, changed []string) {
		if snap.Tick() == 1 {
			close(entered)
			<-release
		}
		mu.Lock()
		ticks = append(ticks, snap.Tick())
		changes = append(changes, changed)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.apply(1, map[string]Value{"a": Number(1)})
	}()
	<-entered
	go func() {
		defer wg.Done()
		o.apply(2, map[string]Value{"a": Number(1), "b": Number(2)})
	}()

	// Tick 2 is swapped in while tick 1's listener is still running.
	deadline := time.Now().Add(2 * time.Second)
	for o.Snapshot().Tick() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(ticks, []uint64{1, 2}) {
		t.Fatalf("listener ticks = %v, want [1 2]", ticks)
	}
	if !reflect.DeepEqual(changes[1], []string{"b"}) {
		t.Errorf("changed at tick 2 = %v, want [b]", changes[1])
	}
	if o.Snapshot().Tick() != ticks[len(ticks)-1] {
		t.Errorf("last delivered tick %d != current %d", ticks[len(ticks)-1], o.Snapshot().Tick())
	}
}

func TestOrchestrator_NotifySkipsOlderSnapshot(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	var ticks []uint64
	o.OnSnapshot(func(snap *Snapshot, _ []string) {
		ticks = append(ticks, snap.Tick())
	})

	older := newSnapshot(emptySnapshot(), map[string]Value{"a": Number(1)}, 1, time.Now())
	newer := newSnapshot(older, map[string]Value{"a": Number(2)}, 2, time.Now())
	o.notify(newer)
	o.notify(older)

	if !reflect.DeepEqual(ticks, []uint64{2}) {
		t.Errorf("listener ticks = %v, want [2]", ticks)
	}
}

func TestOrchestrator_ConcurrentPollsMonotonic(t *testing.T) {
	o, dev, _ := newTestOrchestrator(t)
	dev.setReadings(200, `{"a": 1}`)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.Poll(context.Background()) //nolint:errcheck // outcome checked below
		}()
	}

	var last uint64
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		tick := o.Snapshot().Tick()
		if tick < last {
			t.Fatalf("snapshot tick went backwards: %d after %d", tick, last)
		}
		last = tick
		select {
		case <-done:
			if o.Snapshot().Tick() == 0 {
				t.Error("no poll applied")
			}
			return
		default:
		}
	}
}

func TestOrchestrator_SendCommand(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		want       CommandStatus
		wantCode   int
		wantFailed bool
	}{
		{"accepted", 200, CommandAccepted, 200, false},
		{"rejected by device", 400, CommandDeviceError, 400, false},
		{"device down", 503, CommandUnreachable, 503, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, dev, _ := newTestOrchestrator(t)
			dev.setCommandStatus(tt.status)

			env := CommandEnvelope(http.MethodGet, "/setFunctionManually", Param{Key: "function", Value: "PUMP"})
			res := o.SendCommand(context.Background(), env)
			if res.Status != tt.want {
				t.Errorf("Status = %s, want %s (%s)", res.Status, tt.want, res.Message)
			}
			if res.StatusCode != tt.wantCode || res.Attempts != 1 {
				t.Errorf("StatusCode = %d, Attempts = %d", res.StatusCode, res.Attempts)
			}
			if res.CommandID != env.ID() || res.DeviceID != "pool-1" {
				t.Errorf("CommandID = %q, DeviceID = %q", res.CommandID, res.DeviceID)
			}
			if got := o.Health().ConsecutiveFailures; (got > 0) != tt.wantFailed {
				t.Errorf("ConsecutiveFailures = %d, wantFailed %v", got, tt.wantFailed)
			}
		})
	}
}

func TestOrchestrator_SendCommandWhileOpen(t *testing.T) {
	o, dev, _ := newTestOrchestrator(t)
	dev.setReadings(503, ``)
	_, _ = o.Poll(context.Background()) //nolint:errcheck // expected failure
	_, _ = o.Poll(context.Background()) //nolint:errcheck // expected failure

	res := o.SendCommand(context.Background(), CommandEnvelope(http.MethodGet, "/setTargetValues"))
	if res.Status != CommandUnreachable || !errors.Is(res.Err, ErrDeviceUnavailable) {
		t.Errorf("Status = %s, Err = %v", res.Status, res.Err)
	}
	if len(dev.getCommands()) != 0 {
		t.Error("command reached the device while the circuit was open")
	}
}

// mockAuditor records audited commands.
type mockAuditor struct {
	mu      sync.Mutex
	results []CommandResult
	ctxErr  error
}

func (a *mockAuditor) RecordCommand(ctx context.Context, _ CommandRequest, res CommandResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, res)
	a.ctxErr = ctx.Err()
	return nil
}

func TestOrchestrator_Execute(t *testing.T) {
	o, dev, _ := newTestOrchestrator(t)
	auditor := &mockAuditor{}
	o.SetAuditor(auditor)

	res := o.Execute(context.Background(), CommandRequest{
		ID:      "cmd-1",
		Command: CommandSetFunction,
		Parameters: map[string]any{
			"function": "PUMP", "action": "ON", "duration": float64(30),
		},
		Source: "api",
	})
	if !res.OK() || res.CommandID != "cmd-1" {
		t.Fatalf("Execute() = %+v", res)
	}

	cmds := dev.getCommands()
	if len(cmds) != 1 {
		t.Fatalf("device saw %d commands, want 1", len(cmds))
	}
	if cmds[0].Get("function") != "PUMP" || cmds[0].Get("action") != "ON" || cmds[0].Get("duration") != "30" {
		t.Errorf("query = %v", cmds[0])
	}

	res = o.Execute(context.Background(), CommandRequest{ID: "cmd-2", Command: "explode"})
	if res.Status != CommandRejectedInput || !errors.Is(res.Err, ErrUnknownCommand) {
		t.Errorf("unknown command result = %+v", res)
	}
	if len(dev.getCommands()) != 1 {
		t.Error("invalid command reached the device")
	}

	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	if len(auditor.results) != 2 {
		t.Fatalf("audited %d commands, want 2", len(auditor.results))
	}
	if auditor.results[1].CommandID != "cmd-2" {
		t.Errorf("audited CommandID = %q", auditor.results[1].CommandID)
	}
}

func TestOrchestrator_ExecuteAuditsAfterCancel(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	auditor := &mockAuditor{}
	o.SetAuditor(auditor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := o.Execute(ctx, CommandRequest{Command: CommandSetTarget, Parameters: map[string]any{"target": "T", "value": 1.0}})
	if res.OK() {
		t.Fatal("canceled command reported accepted")
	}

	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	if len(auditor.results) != 1 || auditor.ctxErr != nil {
		t.Errorf("audit records = %d, ctx err = %v", len(auditor.results), auditor.ctxErr)
	}
	if o.Health().ConsecutiveFailures != 0 {
		t.Error("cancellation counted as a device failure")
	}
}

func TestOrchestrator_ServeStopsOnCancel(t *testing.T) {
	o, dev, _ := newTestOrchestrator(t)
	dev.setReadings(200, `{"a": 1}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Serve(ctx) }()

	if !waitFor(2*time.Second, func() bool { return o.Snapshot().Tick() > 0 }) {
		t.Fatal("Serve did not poll immediately")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestOrchestrator_LimiterObserver(t *testing.T) {
	o, _, m := newTestOrchestrator(t)
	if _, err := o.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	m.mu.Lock()
	granted := m.granted
	m.mu.Unlock()
	if granted != 1 {
		t.Errorf("granted = %d, want 1", granted)
	}
	if stats := o.LimiterStats(); stats.Capacity != 100 || stats.InFlight != 0 {
		t.Errorf("LimiterStats() = %+v", stats)
	}
}
