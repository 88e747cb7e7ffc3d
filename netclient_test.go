package kairo

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
)

func healthySnapshot() HealthSnapshot {
	return HealthSnapshot{BatteryLevel: 1, Thermal: ThermalNominal, NetReach: NetSatisfied}
}

func allowAllPolicy() Policy {
	return Policy{MaxNetworkConcurrent: 6, AllowBackgroundML: true, ImageVariant: ImageOriginal, HealthLevel: HealthHigh}
}

func newTestClient(t *testing.T, transport Transport) *NetworkClient {
	t.Helper()
	c := NewNetworkClient(transport, NetworkClientConfig{Policy: PolicyEngineConfig{NetworkMaxConcurrent: 6}})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	c.UpdatePolicy(allowAllPolicy(), healthySnapshot())
	return c
}

func TestNetworkClient_SuccessfulRequest(t *testing.T) {
	transport := NewMockTransport()
	transport.QueueResponse(HttpResponse{Status: 200, Body: []byte("ok")})
	c := newTestClient(t, transport)

	req := NewNetworkRequest("https://example.com", "GET")
	resp, err := c.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !resp.IsSuccess() || string(resp.Body) != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	metrics := c.GetMetrics()
	if metrics.TotalRequests != 1 || metrics.TotalSuccesses != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestNetworkClient_ClientErrorIsTerminal(t *testing.T) {
	transport := NewMockTransport()
	transport.QueueResponse(HttpResponse{Status: 404})
	c := newTestClient(t, transport)

	req := NewNetworkRequest("https://example.com", "GET")
	req.RetryEnabled = true
	req.MaxRetries = 3

	_, err := c.Request(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error for 404")
	}
	if len(transport.Calls()) != 1 {
		t.Fatalf("expected no retries for 4xx, got %d calls", len(transport.Calls()))
	}
}

func TestNetworkClient_RetriesServerErrorThenSucceeds(t *testing.T) {
	transport := NewMockTransport()
	transport.QueueResponse(HttpResponse{Status: 500})
	transport.QueueResponse(HttpResponse{Status: 200, Body: []byte("ok")})
	c := newTestClient(t, transport)

	req := NewNetworkRequest("https://example.com", "GET")
	req.RetryEnabled = true
	req.MaxRetries = 3

	resp, err := c.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.RetryCount != 1 {
		t.Fatalf("expected RetryCount=1, got %d", resp.RetryCount)
	}
	if len(transport.Calls()) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(transport.Calls()))
	}
}

func TestNetworkClient_NoRetryWhenDisabled(t *testing.T) {
	transport := NewMockTransport()
	transport.QueueResponse(HttpResponse{Status: 500})
	c := newTestClient(t, transport)

	req := NewNetworkRequest("https://example.com", "GET")
	req.RetryEnabled = false

	_, err := c.Request(context.Background(), req)
	if err == nil {
		t.Fatal("expected error surfaced without retry")
	}
	if len(transport.Calls()) != 1 {
		t.Fatalf("expected exactly 1 call, got %d", len(transport.Calls()))
	}
}

func TestNetworkClient_CriticalPriorityBypassesPolicyDenial(t *testing.T) {
	transport := NewMockTransport()
	transport.QueueResponse(HttpResponse{Status: 200})
	c := newTestClient(t, transport)
	c.UpdatePolicy(Policy{MaxNetworkConcurrent: 1, HealthLevel: HealthCritical}, HealthSnapshot{
		BatteryLevel: 0.01, Thermal: ThermalCritical, NetReach: NetRequiresConnection,
	})

	req := NewNetworkRequest("https://example.com", "GET")
	req.Priority = PriorityCritical

	if _, err := c.Request(context.Background(), req); err != nil {
		t.Fatalf("expected critical-priority request to proceed, got %v", err)
	}
}

func TestNetworkClient_NonCriticalDeniedUnderCriticalSnapshot(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(t, transport)
	c.UpdatePolicy(Policy{MaxNetworkConcurrent: 1, HealthLevel: HealthCritical}, HealthSnapshot{
		BatteryLevel: 0.01, Thermal: ThermalCritical, NetReach: NetRequiresConnection,
	})

	req := NewNetworkRequest("https://example.com", "GET")
	req.Priority = PriorityNormal

	_, err := c.Request(context.Background(), req)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(transport.Calls()) != 0 {
		t.Fatal("expected transport never called")
	}
}

func TestNetworkClient_CircuitOpenFailsFastWithoutRetry(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(t, transport)
	c.breaker = NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	c.breaker.Open()

	req := NewNetworkRequest("https://example.com", "GET")
	req.RetryEnabled = true
	req.MaxRetries = 3

	_, err := c.Request(context.Background(), req)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if len(transport.Calls()) != 0 {
		t.Fatalf("expected no transport calls while circuit open, got %d", len(transport.Calls()))
	}
}

func TestNetworkClient_ResetMetrics(t *testing.T) {
	transport := NewMockTransport()
	transport.QueueResponse(HttpResponse{Status: 200})
	c := newTestClient(t, transport)

	req := NewNetworkRequest("https://example.com", "GET")
	if _, err := c.Request(context.Background(), req); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if c.GetMetrics().TotalRequests == 0 {
		t.Fatal("expected nonzero metrics before reset")
	}

	c.ResetMetrics()
	m := c.GetMetrics()
	if m.TotalRequests != 0 || m.TotalSuccesses != 0 || m.TotalFailures != 0 {
		t.Fatalf("expected zeroed metrics after reset, got %+v", m)
	}
}

func TestNetworkClient_GzipDecompression(t *testing.T) {
	transport := NewMockTransport()
	compressed := gzipBytes(t, []byte("hello world"))
	transport.QueueResponse(HttpResponse{
		Status:  200,
		Body:    compressed,
		Headers: map[string]string{"Content-Encoding": "gzip"},
	})
	c := newTestClient(t, transport)

	req := NewNetworkRequest("https://example.com", "GET")
	resp, err := c.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp.Body) != "hello world" {
		t.Fatalf("expected decompressed body, got %q", resp.Body)
	}
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pgzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}
