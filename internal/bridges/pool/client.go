package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

// Client limits.
const (
	// connectTimeoutFraction of the per-attempt timeout is allowed for dial
	// and TLS handshake so a hung connect fails before the full budget.
	connectTimeoutFraction = 0.8

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 1 << 20

	// jitterFraction is the maximum random extension of a retry delay.
	jitterFraction = 0.1

	MinTimeout        = time.Second
	MaxTimeout        = 2 * time.Minute
	MaxRetries        = 10
	MinRetryBaseDelay = 10 * time.Millisecond
	MaxRetryBaseDelay = 30 * time.Second
	MaxRetryMaxDelay  = 5 * time.Minute

	formContentType = "application/x-www-form-urlencoded"
)

// ClientConfig configures the device HTTP client.
type ClientConfig struct {
	// BaseURL is the device root, e.g. "http://192.168.1.50".
	BaseURL string

	// Username and Password enable HTTP basic auth when Username is set.
	Username string
	Password string

	// Timeout is the total budget of one HTTP attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryBaseDelay doubles per retry, capped at RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// ReadingsPath and ReadingsQuery form the read-all request.
	ReadingsPath  string
	ReadingsQuery string

	UserAgent string
}

// DefaultClientConfig returns defaults for everything but BaseURL.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  8 * time.Second,
		ReadingsPath:   "/getReadings",
		ReadingsQuery:  "ALL",
		UserAgent:      "graylogic-pool-bridge",
	}
}

// Validate rejects out-of-range values.
func (c ClientConfig) Validate() error {
	var errs []error

	u, err := url.Parse(c.BaseURL)
	switch {
	case c.BaseURL == "":
		errs = append(errs, errors.New("base URL is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("base URL: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("base URL scheme %q must be http or https", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("base URL has no host"))
	case u.User != nil:
		errs = append(errs, errors.New("base URL must not embed credentials"))
	}

	if c.Timeout < MinTimeout || c.Timeout > MaxTimeout {
		errs = append(errs, fmt.Errorf("timeout %v outside [%v, %v]", c.Timeout, MinTimeout, MaxTimeout))
	}
	if c.MaxRetries < 0 || c.MaxRetries > MaxRetries {
		errs = append(errs, fmt.Errorf("max retries %d outside [0, %d]", c.MaxRetries, MaxRetries))
	}
	if c.RetryBaseDelay < MinRetryBaseDelay || c.RetryBaseDelay > MaxRetryBaseDelay {
		errs = append(errs, fmt.Errorf("retry base delay %v outside [%v, %v]", c.RetryBaseDelay, MinRetryBaseDelay, MaxRetryBaseDelay))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay || c.RetryMaxDelay > MaxRetryMaxDelay {
		errs = append(errs, fmt.Errorf("retry max delay %v outside [%v, %v]", c.RetryMaxDelay, c.RetryBaseDelay, MaxRetryMaxDelay))
	}
	if _, err := SanitizePath(c.ReadingsPath); err != nil {
		errs = append(errs, fmt.Errorf("readings path: %w", err))
	}
	if c.ReadingsQuery != "" {
		if _, err := SanitizeKey(c.ReadingsQuery); err != nil {
			errs = append(errs, fmt.Errorf("readings query: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// String omits the password.
func (c ClientConfig) String() string {
	auth := "none"
	if c.Username != "" {
		auth = c.Username + ":***"
	}
	return fmt.Sprintf("ClientConfig{BaseURL: %s, Auth: %s, Timeout: %v, MaxRetries: %d}",
		c.BaseURL, auth, c.Timeout, c.MaxRetries)
}

// RateLimiter gates every HTTP attempt. *ratelimit.Limiter satisfies it.
type RateLimiter interface {
	Acquire(ctx context.Context, p ratelimit.Priority) (*ratelimit.Permit, error)
}

// Response is a successful device reply.
type Response struct {
	StatusCode int
	// Values holds the decoded body when it is a JSON object, else nil.
	Values   map[string]Value
	Raw      []byte
	Attempts int
	Duration time.Duration
}

// Client talks to one device. It owns the device's HTTP connection pool.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	cfg     ClientConfig
	base    *url.URL
	http    *http.Client
	limiter RateLimiter

	// Replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration

	logger   Logger
	metrics  Metrics
	loggerMu sync.RWMutex
}

// NewClient creates a client. The limiter is shared by all calls to the device.
func NewClient(cfg ClientConfig, limiter RateLimiter) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if limiter == nil {
		return nil, fmt.Errorf("%w: rate limiter is required", ErrInvalidConfig)
	}

	base, _ := url.Parse(cfg.BaseURL) //nolint:errcheck // checked by Validate
	connectTimeout := time.Duration(float64(cfg.Timeout) * connectTimeoutFraction)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Transport: transport},
		limiter: limiter,
		sleep:   sleepContext,
		jitter:  randomJitter,
		logger:  nopLogger{},
		metrics: nopMetrics{},
	}, nil
}

// SetLogger sets the logger.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = nopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// SetMetrics sets the metrics sink.
func (c *Client) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	c.loggerMu.Lock()
	c.metrics = m
	c.loggerMu.Unlock()
}

// Config returns the client configuration.
func (c *Client) Config() ClientConfig {
	return c.cfg
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Send validates env, then performs it with retries. A JSON object body is
// decoded into Response.Values; a JSON body of any other shape is
// ErrDeviceProtocol. Non-JSON bodies are returned raw.
func (c *Client) Send(ctx context.Context, env Envelope) (*Response, error) {
	return c.do(ctx, env, false, c.cfg.MaxRetries)
}

// ReadAll performs the read-all request at Normal priority. The body must be
// a JSON object.
func (c *Client) ReadAll(ctx context.Context) (*Response, error) {
	return c.do(ctx, c.readEnvelope(), true, c.cfg.MaxRetries)
}

// Probe is ReadAll with a single attempt, used for recovery probes.
func (c *Client) Probe(ctx context.Context) (*Response, error) {
	return c.do(ctx, c.readEnvelope(), true, 0)
}

func (c *Client) readEnvelope() Envelope {
	var params []Param
	if c.cfg.ReadingsQuery != "" {
		params = append(params, Param{Key: c.cfg.ReadingsQuery})
	}
	return ReadEnvelope(c.cfg.ReadingsPath, params...)
}

func (c *Client) do(ctx context.Context, env Envelope, requireObject bool, retries int) (*Response, error) {
	op := env.String()
	start := time.Now()

	if err := ValidateEnvelope(env); err != nil {
		c.observe(env, err, 0, start)
		return nil, &RequestError{Op: op, Err: err}
	}

	var (
		lastErr    error
		lastStatus int
		attempts   int
	)
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.log().Debug("retrying device request",
				"op", op,
				"request_id", env.ID(),
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = contextError(ctx, err)
				break
			}
		}

		attempts = attempt + 1
		resp, status, err := c.attempt(ctx, env, requireObject)
		if err == nil {
			resp.Attempts = attempts
			resp.Duration = time.Since(start)
			c.observe(env, nil, attempts, start)
			return resp, nil
		}

		lastErr = err
		if status != 0 {
			lastStatus = status
		}
		if !errors.Is(err, ErrTransientNetwork) || ctx.Err() != nil {
			break
		}
	}

	c.observe(env, lastErr, attempts, start)
	return nil, &RequestError{Op: op, Attempts: attempts, StatusCode: lastStatus, Err: lastErr}
}

// attempt performs one rate-limited HTTP exchange.
func (c *Client) attempt(ctx context.Context, env Envelope, requireObject bool) (*Response, int, error) {
	permit, err := c.limiter.Acquire(ctx, env.Priority())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w: waiting for rate limiter: %w", ErrTransientNetwork, err)
		}
		return nil, 0, err
	}
	defer permit.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(attemptCtx, env)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, contextError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, resp.StatusCode, contextError(ctx, fmt.Errorf("reading body: %w", err))
	}
	if len(body) > maxResponseSize {
		return nil, resp.StatusCode, fmt.Errorf("%w: body exceeds %d bytes", ErrDeviceProtocol, maxResponseSize)
	}

	switch code := resp.StatusCode; {
	case code >= 500:
		return nil, code, fmt.Errorf("%w: HTTP %d", ErrTransientNetwork, code)
	case code >= 400:
		return nil, code, fmt.Errorf("%w: HTTP %d %s", ErrDeviceRejected, code, preview(bytes.TrimSpace(body)))
	case code < 200 || code >= 300:
		return nil, code, fmt.Errorf("%w: unexpected HTTP %d", ErrDeviceProtocol, code)
	}

	out := &Response{StatusCode: resp.StatusCode, Raw: body}
	if requireObject || looksLikeJSON(resp.Header.Get("Content-Type"), body) {
		// Decode also rejects an empty read-all body.
		values, err := DecodeReadings(body)
		if err != nil {
			return nil, resp.StatusCode, err
		}
		out.Values = values
	}
	return out, resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, env Envelope) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + env.Path()
	u.RawQuery = ""

	var body io.Reader
	encoded := env.Encode()
	if env.Method() == http.MethodGet {
		u.RawQuery = encoded
	} else {
		body = strings.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, env.Method(), u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", formContentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return req, nil
}

// backoff returns min(base*2^n, max) plus up to 10% jitter.
func (c *Client) backoff(n int) time.Duration {
	d := c.cfg.RetryBaseDelay
	for i := 0; i < n && d < c.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	return d + c.jitter(time.Duration(float64(d)*jitterFraction))
}

func (c *Client) observe(env Envelope, err error, attempts int, start time.Time) {
	outcome := "success"
	if err != nil {
		outcome = Classify(err).String()
	}
	c.loggerMu.RLock()
	m := c.metrics
	c.loggerMu.RUnlock()
	m.ObserveRequest(env.Priority().String(), outcome, attempts, time.Since(start).Seconds())
}

func (c *Client) log() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// contextError maps a transport failure onto the taxonomy. Caller
// cancellation passes through unchanged; everything else, including
// deadlines, is transient.
func contextError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("request canceled: %w", context.Canceled)
	}
	return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
}

// looksLikeJSON reports whether a non-empty write response should be decoded.
func looksLikeJSON(contentType string, body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	return strings.Contains(contentType, "json") || trimmed[0] == '{' || trimmed[0] == '['
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
