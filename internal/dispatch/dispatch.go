// Package dispatch implements the relay-side request dispatcher: pick an
// agent, build a request frame, register the pending record, send, and
// await the result.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foldedstring/relaytunnel/internal/frame"
	"github.com/foldedstring/relaytunnel/internal/pending"
	"github.com/foldedstring/relaytunnel/internal/registry"
)

// deniedHeaders are stripped at dispatch time before the request frame is
// built — the hop-by-hop/forwarding header set.
var deniedHeaders = map[string]struct{}{
	"host":                     {},
	"connection":               {},
	"upgrade":                  {},
	"sec-websocket-key":        {},
	"sec-websocket-version":    {},
	"sec-websocket-extensions": {},
	"x-forwarded-for":          {},
	"x-forwarded-proto":        {},
	"x-forwarded-host":         {},
}

// Sender sends a single frame on an agent's link. Implemented by the
// concrete agent-link connection in cmd/relay.
type Sender interface {
	Send(f frame.Frame) error
}

// RequestIn is the ingress-decoded form of an inbound HTTP request.
type RequestIn struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
	Query   map[string][]string
}

// ResponseOut is what the ingress writes back to the HTTP caller.
type ResponseOut struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Dispatcher wires the registry and pending table together to serve one
// inbound HTTP request at a time.
type Dispatcher struct {
	Registry *registry.Registry
	Pending  *pending.Table
	Timeout  time.Duration
}

// New constructs a Dispatcher. timeout is the per-request deadline
// (pending.DefaultTimeout if zero).
func New(reg *registry.Registry, pend *pending.Table, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = pending.DefaultTimeout
	}
	return &Dispatcher{Registry: reg, Pending: pend, Timeout: timeout}
}

// Dispatch resolves req to an agent, sends it, and blocks until a
// response, error, timeout, or disconnect resolves the pending entry.
func (d *Dispatcher) Dispatch(ctx context.Context, req RequestIn) (ResponseOut, error) {
	rec, target, rewrittenPath, err := d.Registry.PickForPath(req.Path)
	if err != nil {
		return ResponseOut{}, err
	}

	sender, ok := rec.Link.(Sender)
	if !ok {
		return ResponseOut{}, fmt.Errorf("dispatch: agent %q link does not support sending frames", rec.ID)
	}

	requestID := uuid.NewString()
	payload := frame.RequestPayload{
		Method:        req.Method,
		Path:          rewrittenPath,
		Headers:       sanitizeHeaders(req.Headers),
		Body:          string(req.Body),
		Query:         req.Query,
		TargetMapping: target,
	}

	f, err := frame.WithPayload(frame.Frame{
		ID:        requestID,
		Kind:      frame.KindRequest,
		Timestamp: time.Now().UnixMilli(),
	}, payload)
	if err != nil {
		return ResponseOut{}, fmt.Errorf("dispatch: building request frame: %w", err)
	}

	done := d.Pending.Add(requestID, rec.ID, d.Timeout)
	d.Registry.IncrementRequestCount(rec)

	if err := sender.Send(f); err != nil {
		d.Pending.Reject(requestID, fmt.Errorf("send failed: %w", err))
		<-done
		return ResponseOut{}, fmt.Errorf("dispatch: send failed: %w", err)
	}

	select {
	case result := <-done:
		if result.Err != nil {
			return ResponseOut{}, result.Err
		}
		return ResponseOut{
			StatusCode: result.Response.StatusCode,
			Headers:    result.Response.Headers,
			Body:       result.Response.Body,
		}, nil
	case <-ctx.Done():
		d.Pending.Reject(requestID, ctx.Err())
		return ResponseOut{}, ctx.Err()
	}
}

func sanitizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if _, denied := deniedHeaders[strings.ToLower(name)]; denied {
			continue
		}
		out[name] = value
	}
	return out
}
