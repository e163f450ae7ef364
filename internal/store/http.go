package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPMode = "disk"

// HTTPStore speaks the shared store protocol:
//
//	GET  <base>/?mode=disk&key=<k>  -> raw value or 404
//	POST <base>/?mode=disk&key=<k>  -> 200/204
//
// The protocol has no compare-and-set, so Put re-reads the key and compares
// content revisions right before writing. That narrows the lost-update window
// but cannot close it.
type HTTPStore struct {
	BaseURL    string
	Mode       string
	HTTPClient *http.Client
}

// NewHTTPStore creates a store client with the given request timeout.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStore{
		BaseURL:    baseURL,
		Mode:       defaultHTTPMode,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError wraps non-2xx store responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("store error: status=%d body=%s", e.StatusCode, e.Body)
}

func (s *HTTPStore) Get(ctx context.Context, key string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(key), nil)
	if err != nil {
		return Entry{}, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Entry{}, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Entry{}, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	value, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("read %s: %w", key, err)
	}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return Entry{}, ErrNotFound
	}
	return Entry{Key: key, Value: value, Revision: ContentRevision(value)}, nil
}

func (s *HTTPStore) Put(ctx context.Context, key string, value []byte, expected string) (string, error) {
	current := NoRevision
	entry, err := s.Get(ctx, key)
	switch {
	case err == nil:
		current = entry.Revision
	case !errors.Is(err, ErrNotFound):
		return "", err
	}
	if current != expected {
		return "", &ConflictError{Key: key, ExpectedRevision: expected, CurrentRevision: current}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(key), bytes.NewReader(value))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return ContentRevision(value), nil
}

func (s *HTTPStore) endpoint(key string) string {
	mode := s.Mode
	if mode == "" {
		mode = defaultHTTPMode
	}
	q := url.Values{}
	q.Set("mode", mode)
	q.Set("key", key)
	return strings.TrimRight(s.BaseURL, "/") + "/?" + q.Encode()
}

func (s *HTTPStore) client() *http.Client {
	if s.HTTPClient == nil {
		s.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return s.HTTPClient
}
