package agentlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/foldedstring/relaytunnel/internal/frame"
	"github.com/foldedstring/relaytunnel/internal/mapping"
)

// fakeConn is an in-memory Conn: writes from the link land in toRelay,
// and fromRelay feeds ReadMessage, so tests can script a relay's side of
// the conversation without a real websocket.
type fakeConn struct {
	mu        sync.Mutex
	toRelay   chan []byte
	fromRelay chan []byte
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{toRelay: make(chan []byte, 16), fromRelay: make(chan []byte, 16)}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("fakeConn: closed")
	}
	c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.toRelay <- cp
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.fromRelay
	if !ok {
		return 0, nil, errors.New("fakeConn: closed")
	}
	return 1, msg, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.fromRelay)
	}
	return nil
}

func confirmFrame(t *testing.T, agentID string) []byte {
	t.Helper()
	f, err := frame.WithPayload(frame.Frame{ID: "confirm-1", Kind: frame.KindRegister, Timestamp: 1}, frame.RegisterPayload{
		Confirmed: true,
		AgentID:   agentID,
	})
	if err != nil {
		t.Fatalf("building confirm frame: %v", err)
	}
	raw, err := frame.Encode(f, frame.DefaultMaxSize)
	if err != nil {
		t.Fatalf("encoding confirm frame: %v", err)
	}
	return raw
}

func newTestLink(conn *fakeConn) *Link {
	l := New("ws://relay.example", "token", "pending", "agent-a", mapping.Table{DefaultTarget: "http://upstream"}, zerolog.Nop())
	l.HeartbeatInterval = time.Hour
	l.conn = conn
	l.Dial = func(ctx context.Context, relayURL, token string) (Conn, error) {
		return conn, nil
	}
	return l
}

func TestRegisterSendsWireMappingsAndAdoptsConfirmedID(t *testing.T) {
	conn := newFakeConn()
	l := newTestLink(conn)
	l.Table = mapping.Table{
		DefaultTarget: "http://upstream",
		Mappings:      []mapping.Entry{{Prefix: "api", Target: "http://api-upstream"}},
	}
	conn.fromRelay <- confirmFrame(t, "canonical-id")

	if err := l.register(conn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if l.AgentID != "canonical-id" {
		t.Fatalf("AgentID = %q, want canonical-id", l.AgentID)
	}

	sent := <-conn.toRelay
	f, err := frame.Decode(sent, frame.DefaultMaxSize)
	if err != nil {
		t.Fatalf("decoding sent frame: %v", err)
	}
	if f.Kind != frame.KindRegister {
		t.Fatalf("kind = %q", f.Kind)
	}
	var payload frame.RegisterPayload
	if err := frame.DecodePayload(f, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if len(payload.Mappings) != 1 || payload.Mappings[0].Prefix != "api" {
		t.Fatalf("mappings not forwarded: %+v", payload.Mappings)
	}
}

func TestRegisterRejectedSurfacesError(t *testing.T) {
	conn := newFakeConn()
	l := newTestLink(conn)

	f, _ := frame.WithPayload(frame.Frame{ID: "e1", Kind: frame.KindError}, frame.ErrorPayload{Message: "bad token"})
	raw, _ := frame.Encode(f, frame.DefaultMaxSize)
	conn.fromRelay <- raw

	err := l.register(conn)
	if err == nil {
		t.Fatal("expected an error from a rejected registration")
	}
}

func TestHandleRequestRespondsThroughEgress(t *testing.T) {
	upstream := httptest.NewServer(nil)
	defer upstream.Close()

	conn := newFakeConn()
	l := newTestLink(conn)
	l.Table = mapping.Table{DefaultTarget: upstream.URL}

	reqPayload := frame.RequestPayload{Method: "GET", Path: "/widgets"}
	f, _ := frame.WithPayload(frame.Frame{ID: "r1", Kind: frame.KindRequest}, reqPayload)

	l.handleRequest(context.Background(), f)

	sent := <-conn.toRelay
	out, err := frame.Decode(sent, frame.DefaultMaxSize)
	if err != nil {
		t.Fatalf("decoding response frame: %v", err)
	}
	if out.ID != "r1" {
		t.Fatalf("response id = %q, want r1 to correlate with the request", out.ID)
	}
	if out.Kind != frame.KindResponse {
		t.Fatalf("kind = %q", out.Kind)
	}
}

func TestHandleRequestUnreachableTargetSynthesizesFailureResponse(t *testing.T) {
	conn := newFakeConn()
	l := newTestLink(conn)
	l.Table = mapping.Table{DefaultTarget: "http://127.0.0.1:1"}

	f, _ := frame.WithPayload(frame.Frame{ID: "r2", Kind: frame.KindRequest}, frame.RequestPayload{Method: "GET", Path: "/"})
	l.handleRequest(context.Background(), f)

	sent := <-conn.toRelay
	out, err := frame.Decode(sent, frame.DefaultMaxSize)
	if err != nil {
		t.Fatalf("decoding response frame: %v", err)
	}
	var payload frame.ResponsePayload
	if err := frame.DecodePayload(out, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.StatusCode != 503 {
		t.Fatalf("status = %d, want 503", payload.StatusCode)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(payload.Body), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["code"] != "HTTP_REQUEST_FAILED" {
		t.Fatalf("body = %+v", body)
	}
}

func TestHandleRequestTrustsTargetMappingAnnotationOverReresolving(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Got-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	conn := newFakeConn()
	l := newTestLink(conn)
	// A mismatched default target proves the annotation is what's used,
	// not a re-resolve of Path against l.Table (which would match nothing
	// here and fall through to DefaultTarget).
	l.Table = mapping.Table{DefaultTarget: "http://127.0.0.1:1"}

	reqPayload := frame.RequestPayload{Method: "GET", Path: "/items", TargetMapping: upstream.URL}
	f, _ := frame.WithPayload(frame.Frame{ID: "r3", Kind: frame.KindRequest}, reqPayload)

	l.handleRequest(context.Background(), f)

	sent := <-conn.toRelay
	out, err := frame.Decode(sent, frame.DefaultMaxSize)
	if err != nil {
		t.Fatalf("decoding response frame: %v", err)
	}
	var payload frame.ResponsePayload
	if err := frame.DecodePayload(out, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (annotation should have routed to the live upstream)", payload.StatusCode)
	}
	if payload.Mapping != upstream.URL {
		t.Fatalf("mapping = %q, want %q", payload.Mapping, upstream.URL)
	}
}

func TestHandleRequestMalformedPayloadSendsErrorFrame(t *testing.T) {
	conn := newFakeConn()
	l := newTestLink(conn)

	f := frame.Frame{ID: "bad-1", Kind: frame.KindRequest, Payload: []byte(`{"method": 123}`)}
	l.handleRequest(context.Background(), f)

	sent := <-conn.toRelay
	out, err := frame.Decode(sent, frame.DefaultMaxSize)
	if err != nil {
		t.Fatalf("decoding error frame: %v", err)
	}
	if out.ID != "bad-1" {
		t.Fatalf("error frame id = %q, want bad-1 to correlate with the request", out.ID)
	}
	if out.Kind != frame.KindError {
		t.Fatalf("kind = %q, want error", out.Kind)
	}
	var payload frame.ErrorPayload
	if err := frame.DecodePayload(out, &payload); err != nil {
		t.Fatalf("decoding error payload: %v", err)
	}
	if payload.Message == "" {
		t.Fatal("error frame carries no message")
	}
}

func TestHandleFrameIgnoresUnknownAndPongKinds(t *testing.T) {
	conn := newFakeConn()
	l := newTestLink(conn)

	l.handleFrame(context.Background(), frame.Frame{Kind: frame.KindPong})
	l.handleFrame(context.Background(), frame.Frame{Kind: "mystery"})

	select {
	case msg := <-conn.toRelay:
		t.Fatalf("expected no frame to be sent, got %s", msg)
	default:
	}
}

func TestStateTransitionsThroughRunOnce(t *testing.T) {
	conn := newFakeConn()
	l := newTestLink(conn)
	conn.fromRelay <- confirmFrame(t, "agent-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.runOnce(ctx)
	}()

	deadline := time.After(time.Second)
	for l.State() != StateActive {
		select {
		case <-deadline:
			t.Fatal("link never reached StateActive")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	conn.Close()
	<-done
}
