package kairo

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NetworkRequest is the caller-facing request NetworkClient admits, retries
// and executes (§3, §6).
type NetworkRequest struct {
	ID           string
	URL          string
	Method       string
	Headers      *headerMap
	Body         []byte
	Timeout      time.Duration
	Priority     Priority
	RetryEnabled bool
	MaxRetries   int
}

// NewNetworkRequest builds a NetworkRequest with a generated ID and a
// case-insensitive header map, ready for Set/Get calls.
func NewNetworkRequest(url, method string) *NetworkRequest {
	return &NetworkRequest{
		ID:      uuid.NewString(),
		URL:     url,
		Method:  method,
		Headers: newHeaderMap(),
		Timeout: 30 * time.Second,
	}
}

// headerMap is a case-insensitive string->string map (§3: "headers ...
// case-insensitive on read").
type headerMap struct {
	values map[string]string // keyed by lower-cased header name
	keys   map[string]string // lower-cased -> original casing of first Set
}

func newHeaderMap() *headerMap {
	return &headerMap{values: make(map[string]string), keys: make(map[string]string)}
}

func (h *headerMap) Set(key, value string) {
	lk := strings.ToLower(key)
	if _, ok := h.keys[lk]; !ok {
		h.keys[lk] = key
	}
	h.values[lk] = value
}

func (h *headerMap) Get(key string) (string, bool) {
	v, ok := h.values[strings.ToLower(key)]
	return v, ok
}

// Snapshot returns a plain map keyed by the originally-set casing.
func (h *headerMap) Snapshot() map[string]string {
	out := make(map[string]string, len(h.values))
	for lk, v := range h.values {
		out[h.keys[lk]] = v
	}
	return out
}

// NetworkResponse is the result of a successfully-dispatched NetworkRequest
// (§3).
type NetworkResponse struct {
	Body       []byte
	Status     int
	Headers    map[string]string
	Duration   time.Duration
	RetryCount int
}

// IsSuccess reports whether Status is in [200,300).
func (r NetworkResponse) IsSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}
