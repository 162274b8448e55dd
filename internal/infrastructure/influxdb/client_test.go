package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/config"
)

// fakeWriter records points instead of batching them to a server.
type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	w.points = append(w.points, p)
	w.mu.Unlock()
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
}

func (w *fakeWriter) getPoints() []*write.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*write.Point, len(w.points))
	copy(out, w.points)
	return out
}

type fakePinger struct {
	healthy bool
	err     error
	closed  bool
}

func (p *fakePinger) Ping(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.healthy, p.err
}

func (p *fakePinger) Close() { p.closed = true }

func newTestClient() (*Client, *fakeWriter, *fakePinger) {
	w := &fakeWriter{}
	p := &fakePinger{healthy: true}
	return newClient(config.InfluxDBConfig{Enabled: true}, p, w), w, p
}

func fieldsOf(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagsOf(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func TestConnect_Disabled(t *testing.T) {
	client, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
	if client != nil {
		t.Error("Connect() returned a client while disabled")
	}
}

func TestConnect_PingFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: true, URL: server.URL, Token: "t"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_WritesReadings(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(b))
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := Connect(context.Background(), config.InfluxDBConfig{
		Enabled:       true,
		URL:           server.URL,
		Token:         "t",
		Org:           "graylogic",
		Bucket:        "pool",
		BatchSize:     1,
		FlushInterval: 1,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteReadings("pool-1", map[string]any{"water_temp": 27.5}, time.Unix(1700000000, 0))
	client.Flush()
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(bodies, "\n")
	if !strings.Contains(joined, "pool_readings,device_id=pool-1 water_temp=27.5") {
		t.Errorf("write bodies = %q, want pool_readings line", joined)
	}
}

func TestWriteReadings(t *testing.T) {
	client, w, _ := newTestClient()
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	client.WriteReadings("pool-1", map[string]any{
		"water_temp": 27.5,
		"pump_state": 3.0,
		"mode":       "AUTO",
	}, ts)

	points := w.getPoints()
	if len(points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(points))
	}
	p := points[0]
	if p.Name() != MeasurementReadings {
		t.Errorf("measurement = %q, want %q", p.Name(), MeasurementReadings)
	}
	if tags := tagsOf(p); tags["device_id"] != "pool-1" {
		t.Errorf("tags = %v, want device_id=pool-1", tags)
	}
	fields := fieldsOf(p)
	if fields["water_temp"] != 27.5 || fields["mode"] != "AUTO" {
		t.Errorf("fields = %v", fields)
	}
	if !p.Time().Equal(ts) {
		t.Errorf("time = %v, want %v", p.Time(), ts)
	}
}

func TestWriteReadings_EmptyFieldsSkipped(t *testing.T) {
	client, w, _ := newTestClient()

	client.WriteReadings("pool-1", map[string]any{}, time.Now())
	client.WriteReadings("pool-1", nil, time.Now())

	if n := len(w.getPoints()); n != 0 {
		t.Errorf("wrote %d points for empty readings, want 0", n)
	}
}

func TestWriteAvailability(t *testing.T) {
	client, w, _ := newTestClient()

	client.WriteAvailability("pool-1", false, 3, time.Now())

	points := w.getPoints()
	if len(points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(points))
	}
	if points[0].Name() != MeasurementAvailability {
		t.Errorf("measurement = %q", points[0].Name())
	}
	fields := fieldsOf(points[0])
	if fields["available"] != false {
		t.Errorf("available = %v, want false", fields["available"])
	}
	if fields["consecutive_failures"] != int64(3) {
		t.Errorf("consecutive_failures = %v (%T), want int64 3", fields["consecutive_failures"], fields["consecutive_failures"])
	}
}

func TestWritesAfterCloseDropped(t *testing.T) {
	client, w, p := newTestClient()

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !p.closed {
		t.Error("underlying client not closed")
	}
	if w.flushes != 1 {
		t.Errorf("flushes on close = %d, want 1", w.flushes)
	}

	client.WriteReadings("pool-1", map[string]any{"x": 1.0}, time.Now())
	client.WriteAvailability("pool-1", true, 0, time.Now())
	client.Flush()

	if n := len(w.getPoints()); n != 0 {
		t.Errorf("wrote %d points after Close, want 0", n)
	}
	if w.flushes != 1 {
		t.Errorf("Flush after Close reached writer")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		healthy bool
		pingErr error
		closed  bool
		wantErr error
	}{
		{name: "healthy", healthy: true},
		{name: "ping error", pingErr: errors.New("refused"), wantErr: errors.New("any")},
		{name: "unhealthy", healthy: false, wantErr: errors.New("any")},
		{name: "closed", healthy: true, closed: true, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, p := newTestClient()
			p.healthy = tt.healthy
			p.err = tt.pingErr
			if tt.closed {
				_ = client.Close()
			}

			err := client.HealthCheck(context.Background())
			switch {
			case tt.wantErr == nil && err != nil:
				t.Errorf("HealthCheck() error = %v, want nil", err)
			case tt.wantErr != nil && err == nil:
				t.Error("HealthCheck() error = nil, want error")
			case errors.Is(tt.wantErr, ErrNotConnected) && !errors.Is(err, ErrNotConnected):
				t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
			}
		})
	}
}

func TestWriteErrorsReachCallback(t *testing.T) {
	client, _, _ := newTestClient()

	got := make(chan error, 1)
	client.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 1)
	errs <- errors.New("bucket not found")
	close(errs)
	client.handleWriteErrors(errs)

	select {
	case err := <-got:
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	default:
		t.Fatal("callback not invoked")
	}
}

func TestClose_Nil(t *testing.T) {
	var c Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on zero client error = %v", err)
	}
}
