package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPRequest is the payload shape HTTPBackend expects as its req value.
type HTTPRequest struct {
	URL  string
	Body any
}

// HTTPBackend forwards a request as a JSON POST to URL and returns the
// decoded response body as the raw reply. A 4xx status yields a fatal
// error; a 5xx status yields a plain (retryable) error.
type HTTPBackend struct {
	client *http.Client
}

// NewHTTPBackend builds an HTTPBackend using client, or
// http.DefaultClient if nil.
func NewHTTPBackend(client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{client: client}
}

func (b *HTTPBackend) Do(ctx context.Context, req any) (any, error) {
	hreq, ok := req.(HTTPRequest)
	if !ok {
		return nil, Fatal(fmt.Errorf("backend: HTTPBackend requires an HTTPRequest, got %T", req))
	}

	body, err := json.Marshal(hreq.Body)
	if err != nil {
		return nil, Fatal(fmt.Errorf("backend: marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, hreq.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Fatal(fmt.Errorf("backend: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		// Network errors (including ctx deadline) are retryable.
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("backend: HTTP %d", resp.StatusCode)
		}
		return nil, Fatal(fmt.Errorf("backend: HTTP %d", resp.StatusCode))
	}

	var decoded any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			// Not JSON: hand the checker the raw bytes so it can decide
			// whether that counts as unrecognized.
			return string(respBody), nil
		}
	}
	return decoded, nil
}
