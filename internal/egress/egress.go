// Package egress implements the agent-side local HTTP egress: issuing an
// HTTP request against a local target and capturing the response as a
// tunnel frame payload.
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout is the per-request wall-clock timeout (default 30s).
const DefaultTimeout = 30 * time.Second

// deniedHeaders are stripped before forwarding, either because they would
// break hop-by-hop semantics or are recomputed by the egress stack.
var deniedHeaders = map[string]struct{}{
	"host":              {},
	"connection":        {},
	"upgrade":           {},
	"transfer-encoding": {},
	"content-length":    {},
}

// bodylessMethods drop any request body regardless of what the ingress
// supplied.
var bodylessMethods = map[string]struct{}{
	"GET":    {},
	"HEAD":   {},
	"DELETE": {},
}

// Request is the decoded form of a request-frame payload.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
	Query   map[string][]string
}

// Response is the decoded form of a response-frame payload, ready to be
// re-encoded onto the wire.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Client issues local HTTP requests on behalf of the agent.
type Client struct {
	HTTP    *http.Client
	Timeout time.Duration
}

// New constructs a Client with the given timeout (DefaultTimeout if zero).
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{HTTP: &http.Client{}, Timeout: timeout}
}

// Do issues req against baseURL and returns the resulting Response. It
// never returns an error: transport failures and timeouts are translated
// into a synthesized 503 response so the relay can always produce a valid
// HTTP response to the original caller.
func (c *Client) Do(ctx context.Context, req Request, baseURL string) Response {
	effectiveURL, err := buildURL(baseURL, req.Path, req.Query)
	if err != nil {
		return synthesizeFailure(fmt.Sprintf("invalid target URL: %v", err))
	}

	var bodyReader io.Reader
	if _, dropped := bodylessMethods[strings.ToUpper(req.Method)]; !dropped && len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, effectiveURL, bodyReader)
	if err != nil {
		return synthesizeFailure(fmt.Sprintf("failed to build request: %v", err))
	}
	for name, value := range req.Headers {
		if _, denied := deniedHeaders[strings.ToLower(name)]; denied {
			continue
		}
		httpReq.Header.Set(name, value)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return synthesizeFailure(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return synthesizeFailure(fmt.Sprintf("failed to read upstream body: %v", err))
	}

	return Response{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       body,
	}
}

func buildURL(baseURL, path string, query map[string][]string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + path)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		q := u.Query()
		for key, values := range query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// flattenHeaders normalizes multi-valued response headers to a flat map,
// last-value-wins for duplicates.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		out[name] = values[len(values)-1]
	}
	return out
}

type failureBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func synthesizeFailure(detail string) Response {
	body, _ := json.Marshal(failureBody{
		Error:   "Service Unavailable",
		Message: detail,
		Code:    "HTTP_REQUEST_FAILED",
	})
	return Response{
		StatusCode: http.StatusServiceUnavailable,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       body,
	}
}
