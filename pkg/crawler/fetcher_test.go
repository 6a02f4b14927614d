package crawler

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/openproject-crawler/internal/testutil"
	"github.com/Sternrassler/openproject-crawler/pkg/client"
	"github.com/rs/zerolog"
)

// fakeFetcher answers from a path -> body map and records every call.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  map[string]int
	params map[string]url.Values
	delay  time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies: make(map[string]string),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
		params: make(map[string]url.Values),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, path string, params url.Values) ([]byte, error) {
	f.mu.Lock()
	f.calls[path]++
	f.params[path] = params
	body, ok := f.bodies[path]
	err := f.errs[path]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", client.ErrContextCancelled, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &client.FetchError{URL: path, StatusCode: 404, Attempts: 1, Class: client.ErrorClassClient, Err: fmt.Errorf("not found")}
	}
	return []byte(body), nil
}

func (f *fakeFetcher) set(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[path] = body
}

func (f *fakeFetcher) fail(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[path] = err
}

func (f *fakeFetcher) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) lastParams(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[path]
}

// collectionBody wraps raw element JSON in a HAL collection envelope.
func collectionBody(elements ...string) string {
	body := `{"_type":"Collection","total":%d,"count":%d,"_embedded":{"elements":[`
	body = fmt.Sprintf(body, len(elements), len(elements))
	for i, e := range elements {
		if i > 0 {
			body += ","
		}
		body += e
	}
	return body + `]}}`
}

// newMockClient returns a real client pointed at the mock server.
func newMockClient(t *testing.T, mock *testutil.MockOpenProject) *client.Client {
	t.Helper()

	logger := zerolog.Nop()
	cfg := client.DefaultConfig(mock.APIURL(), "apikey", "secret")
	cfg.RequestsPerSecond = 1000
	cfg.Retry = client.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	cfg.Logger = &logger

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
