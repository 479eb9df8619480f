// Package httputil holds the JSON response helpers used by the API handlers
// and the HTTP client abstraction used by the control client.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// HTTPClient sends requests. *http.Client implements it; MockClient
// implements it for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient returns an *http.Client with the given overall timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// MockResponse defines a canned HTTP response for testing.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

// MockClient records requests and answers them from queued responses, or,
// once those run out, from Handler. With neither it answers 200 with an
// empty body.
type MockClient struct {
	Handler http.Handler

	mu        sync.Mutex
	requests  []*http.Request
	responses []MockResponse
}

// NewMockClient returns a client that serves requests through h, which may
// be nil.
func NewMockClient(h http.Handler) *MockClient {
	return &MockClient{Handler: h}
}

// AddResponse queues a canned response.
func (m *MockClient) AddResponse(statusCode int, body string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{StatusCode: statusCode, Body: body})
	return m
}

// AddErrorResponse queues a transport error.
func (m *MockClient) AddErrorResponse(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{Error: err})
	return m
}

// Do records req and returns the next response.
func (m *MockClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var canned *MockResponse
	if len(m.responses) > 0 {
		canned = &m.responses[0]
		m.responses = m.responses[1:]
	}
	h := m.Handler
	m.mu.Unlock()

	if canned != nil {
		if canned.Error != nil {
			return nil, canned.Error
		}
		return &http.Response{
			StatusCode: canned.StatusCode,
			Body:       io.NopCloser(bytes.NewBufferString(canned.Body)),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}
	if h == nil {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewBufferString("")),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// Requests returns the recorded requests.
func (m *MockClient) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.requests...)
}
