package kairo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// NetworkClientConfig carries NetworkClient's tunables.
type NetworkClientConfig struct {
	Policy  PolicyEngineConfig
	Breaker CircuitBreakerConfig
	// RateLimitPerSecond is a hard ceiling on outbound request starts, in
	// the spirit of the teacher's ThrottledWriter token bucket
	// (internal/agent/throttle.go). The limiter is re-sized on every
	// UpdatePolicy call from Policy.MaxNetworkConcurrent and HealthLevel
	// (see rateForPolicy); a positive value caps that rate, 0 leaves it
	// uncapped.
	RateLimitPerSecond float64
	Logger             *slog.Logger
}

func (c NetworkClientConfig) withDefaults() NetworkClientConfig {
	c.Policy = c.Policy.withDefaults()
	c.Breaker = c.Breaker.withDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NetworkClient composes PolicyEngine, Semaphore and CircuitBreaker to
// execute NetworkRequest values with admission control, bounded
// concurrency, failure isolation and retry/backoff (§4.7).
type NetworkClient struct {
	transport Transport
	breaker   *CircuitBreaker
	limiter   *rate.Limiter
	tracer    trace.Tracer
	logger    *slog.Logger
	cfg       NetworkClientConfig

	mu        sync.RWMutex
	sem       *Semaphore
	policy    Policy
	lastSnap  HealthSnapshot

	metrics *networkMetrics

	sleep func(context.Context, time.Duration) error // injectable for tests
}

// NewNetworkClient constructs a NetworkClient around transport. The initial
// policy allows one concurrent request until the first UpdatePolicy call
// arrives from the Kairo façade.
func NewNetworkClient(transport Transport, cfg NetworkClientConfig) *NetworkClient {
	cfg = cfg.withDefaults()

	initialPolicy := Policy{MaxNetworkConcurrent: 1, ImageVariant: ImageOriginal, HealthLevel: HealthHigh}
	initialRate := rateForPolicy(initialPolicy, cfg.RateLimitPerSecond)
	limiter := rate.NewLimiter(rate.Limit(initialRate), int(math.Ceil(initialRate)))

	return &NetworkClient{
		transport: transport,
		breaker:   NewCircuitBreaker(cfg.Breaker),
		limiter:   limiter,
		tracer:    otel.Tracer("kairo/network_client"),
		logger:    cfg.Logger.With("component", "network_client"),
		cfg:       cfg,
		sem:       NewSemaphore(1),
		policy:    initialPolicy,
		metrics:   newNetworkMetrics(),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdatePolicy resizes the semaphore and stores policy/snapshot for
// subsequent admission checks (§4.7). Snapshot is retained so should_allow
// rules that depend on snapshot fields (thermal, battery, network) evaluate
// against the most recent health reading.
func (c *NetworkClient) UpdatePolicy(policy Policy, snapshot HealthSnapshot) {
	c.mu.Lock()
	c.policy = policy
	c.lastSnap = snapshot
	c.mu.Unlock()

	c.sem.Resize(maxInt(1, policy.MaxNetworkConcurrent))

	newRate := rateForPolicy(policy, c.cfg.RateLimitPerSecond)
	c.limiter.SetLimit(rate.Limit(newRate))
	c.limiter.SetBurst(int(math.Ceil(newRate)))
}

// rateForPolicy derives the NetworkClient rate limiter's requests/sec
// budget from the current Policy, the same "token bucket gate in front of
// a saturating resource" idea as the teacher's ThrottledWriter
// (internal/agent/throttle.go), generalized from bytes/sec to
// requests/sec and driven by health level instead of a fixed rate.
//
// When ceiling > 0 it is a hard cap the policy-derived rate never
// exceeds; a ceiling of 0 means the policy-derived rate is used as-is.
func rateForPolicy(p Policy, ceiling float64) float64 {
	const perSlotRequestsPerSecond = 5.0

	multiplier := 1.0
	switch p.HealthLevel {
	case HealthMedium:
		multiplier = 0.75
	case HealthLow:
		multiplier = 0.5
	case HealthCritical:
		multiplier = 0.25
	}

	r := float64(maxInt(1, p.MaxNetworkConcurrent)) * perSlotRequestsPerSecond * multiplier
	if ceiling > 0 && r > ceiling {
		r = ceiling
	}
	return r
}

func (c *NetworkClient) currentPolicyAndSnapshot() (Policy, HealthSnapshot) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy, c.lastSnap
}

// Request executes req against the composed policy/semaphore/breaker stack
// with retry/backoff (§4.7).
func (c *NetworkClient) Request(ctx context.Context, req *NetworkRequest) (NetworkResponse, error) {
	policy, snapshot := c.currentPolicyAndSnapshot()

	if !ShouldAllow(NetworkRequestOp(req.Priority), snapshot, policy, c.cfg.Policy.LowBatteryThreshold) {
		if req.Priority != PriorityCritical {
			return NetworkResponse{}, ErrCancelled
		}
	}

	ctx, span := c.tracer.Start(ctx, "kairo.network_client.request",
		trace.WithAttributes(
			attribute.String("kairo.request.id", req.ID),
			attribute.String("kairo.request.method", req.Method),
			attribute.String("kairo.request.priority", req.Priority.String()),
		))
	defer span.End()

	if err := c.sem.Acquire(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return NetworkResponse{}, err
	}
	defer c.sem.Release()

	start := time.Now()
	resp, err := c.executeWithRetry(ctx, req)
	resp.Duration = time.Since(start)

	c.metrics.record(req.Priority, err == nil && resp.IsSuccess(), resp.Duration)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("kairo.response.status", resp.Status))
	}

	return resp, err
}

// executeWithRetry implements §4.7's retry policy: retryable failures
// (transport error, status>=500, timeout) are retried with exponential
// backoff while req.RetryEnabled and attempts remain; 4xx is terminal.
func (c *NetworkClient) executeWithRetry(ctx context.Context, req *NetworkRequest) (NetworkResponse, error) {
	var lastErr error
	retryCount := 0

	for attempt := 1; ; attempt++ {
		resp, err := c.doOnce(ctx, req)
		if err == nil && !isRetryableStatus(resp.Status) {
			resp.RetryCount = retryCount
			return resp, nil
		}
		if err == nil {
			// status >= 500: retryable but not a Go error from doOnce.
			lastErr = newNetworkError(netErrKindForStatus(resp.Status), resp.Status, nil)
		} else {
			lastErr = err
		}

		if errors.Is(lastErr, ErrCircuitOpen) || errors.Is(lastErr, ErrCancelled) {
			return NetworkResponse{}, lastErr
		}
		var nerr *NetworkError
		if errors.As(lastErr, &nerr) && nerr.Kind == NetErrClientError {
			// Status 4xx is terminal (§4.7) regardless of RetryEnabled.
			resp.RetryCount = retryCount
			return resp, lastErr
		}
		if !req.RetryEnabled || attempt >= maxInt(1, req.MaxRetries) {
			resp.RetryCount = retryCount
			return resp, lastErr
		}

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
		if err := c.sleep(ctx, backoff); err != nil {
			return NetworkResponse{}, ErrCancelled
		}
		retryCount++
	}
}

// doOnce runs a single attempt through the circuit breaker and decodes the
// response body, decompressing it per Content-Encoding when present.
func (c *NetworkClient) doOnce(ctx context.Context, req *NetworkRequest) (NetworkResponse, error) {
	if err := c.wait(ctx); err != nil {
		return NetworkResponse{}, ErrCancelled
	}

	var httpResp HttpResponse
	breakerErr := c.breaker.Execute(ctx, func(ctx context.Context) error {
		hreq := HttpRequest{URL: req.URL, Method: req.Method, Body: req.Body}
		if req.Headers != nil {
			hreq.Headers = req.Headers.Snapshot()
		}
		resp, err := c.transport.Execute(ctx, hreq, req.Timeout)
		if err != nil {
			return err
		}
		if resp.Status >= 500 {
			return newNetworkError(NetErrServerError, resp.Status, nil)
		}
		httpResp = resp
		return nil
	})

	if breakerErr != nil {
		if breakerErr == ErrCircuitOpen {
			return NetworkResponse{}, ErrCircuitOpen
		}
		var terr *TransportError
		if errors.As(breakerErr, &terr) {
			return NetworkResponse{}, newNetworkError(kindForTransportError(terr), 0, breakerErr)
		}
		var nerr *NetworkError
		if errors.As(breakerErr, &nerr) {
			return NetworkResponse{Status: nerr.Code}, nerr
		}
		return NetworkResponse{}, newNetworkError(NetErrRequestFailed, 0, breakerErr)
	}

	body, err := decompressBody(httpResp)
	if err != nil {
		return NetworkResponse{}, newNetworkError(NetErrInvalidResponse, httpResp.Status, err)
	}

	resp := NetworkResponse{Body: body, Status: httpResp.Status, Headers: httpResp.Headers}
	if httpResp.Status >= 400 && httpResp.Status < 500 {
		return resp, newNetworkError(NetErrClientError, httpResp.Status, nil)
	}
	if httpResp.Status >= 500 {
		return resp, newNetworkError(NetErrServerError, httpResp.Status, nil)
	}
	return resp, nil
}

func isRetryableStatus(status int) bool {
	return status == 0 || status >= 500
}

func netErrKindForStatus(status int) NetworkErrorKind {
	if status >= 500 {
		return NetErrServerError
	}
	return NetErrUnknown
}

func kindForTransportError(t *TransportError) NetworkErrorKind {
	switch t.Kind {
	case TransportTimeout:
		return NetErrTimeout
	case TransportCancelled:
		return NetErrUnknown
	default:
		return NetErrNoConnection
	}
}

// decompressBody inflates resp.Body according to its Content-Encoding
// header, supporting gzip (via pgzip, matching large-payload throughput
// needs) and zstd.
func decompressBody(resp HttpResponse) ([]byte, error) {
	if resp.Headers == nil {
		return resp.Body, nil
	}
	encoding := ""
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "Content-Encoding") {
			encoding = v
			break
		}
	}
	switch strings.ToLower(encoding) {
	case "gzip":
		r, err := pgzip.NewReader(bytes.NewReader(resp.Body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(resp.Body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return resp.Body, nil
	}
}

// GetMetrics returns a read-only snapshot of request counters (§4.7).
func (c *NetworkClient) GetMetrics() NetworkMetricsSnapshot {
	return c.metrics.snapshot()
}

// ResetMetrics zeroes all counters.
func (c *NetworkClient) ResetMetrics() {
	c.metrics.reset()
}

// MetricsHandler exposes a Prometheus-compatible /metrics endpoint.
func (c *NetworkClient) MetricsHandler() http.Handler {
	return c.metrics.MetricsHandler()
}

// wait applies the optional rate limiter before a transport call, pacing
// outbound request starts (distinct from the concurrency cap enforced by
// the semaphore).
func (c *NetworkClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
