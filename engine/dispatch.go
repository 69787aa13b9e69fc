package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/chatflow/core"
)

// Dispatcher sends a fully rendered API-node request and returns the
// response. Implementations must be safe for concurrent use.
type Dispatcher interface {
	SendTestRequest(ctx context.Context, req core.APIRequest) (core.APIResponse, error)
}

// HTTPDispatcher sends API-node requests over real HTTP.
type HTTPDispatcher struct {
	Client *http.Client
}

// NewHTTPDispatcher returns a dispatcher with a 30 second timeout.
func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (d *HTTPDispatcher) SendTestRequest(ctx context.Context, req core.APIRequest) (core.APIResponse, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return core.APIResponse{}, fmt.Errorf("build request: %w", err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Set(h.Key, h.Value)
	}

	resp, err := d.Client.Do(httpReq)
	if err != nil {
		return core.APIResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.APIResponse{}, fmt.Errorf("read response: %w", err)
	}

	out := core.APIResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       string(raw),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	var parsed map[string]any
	if json.Unmarshal(raw, &parsed) == nil {
		out.JSON = parsed
	}
	return out, nil
}

// MockDispatcher records requests and returns a canned response, for
// tests and offline previews.
type MockDispatcher struct {
	mu       sync.Mutex
	requests []core.APIRequest

	// Response is returned for every request unless Err is set.
	Response core.APIResponse
	Err      error
}

// NewMockDispatcher returns a mock that answers 200 with an empty body.
func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{Response: core.APIResponse{StatusCode: 200}}
}

func (d *MockDispatcher) SendTestRequest(_ context.Context, req core.APIRequest) (core.APIResponse, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	if d.Err != nil {
		return core.APIResponse{}, d.Err
	}
	return d.Response, nil
}

// Requests returns a copy of every request received so far.
func (d *MockDispatcher) Requests() []core.APIRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.APIRequest(nil), d.requests...)
}
