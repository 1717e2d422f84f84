package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/foldedstring/relaytunnel/internal/auth"
	"github.com/foldedstring/relaytunnel/internal/dispatch"
	"github.com/foldedstring/relaytunnel/internal/frame"
	"github.com/foldedstring/relaytunnel/internal/metrics"
	"github.com/foldedstring/relaytunnel/internal/pending"
	"github.com/foldedstring/relaytunnel/internal/registry"
)

func dialControl(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestAgentRegistersAndReceivesConfirmation(t *testing.T) {
	pend := pending.New()
	reg := registry.New(time.Minute, func(agentID string, reason error) { pend.RejectForAgent(agentID, reason) })
	met := metrics.New()
	handler := newControlServer(reg, pend, met, auth.Verifier{}, zerolog.Nop())
	srv := httptest.NewServer(handler)
	defer srv.Close()

	conn := dialControl(t, srv, "/control")
	defer conn.Close()

	regFrame, _ := frame.WithPayload(frame.Frame{ID: "r1", Kind: frame.KindRegister}, frame.RegisterPayload{
		Name: "agent-a", AgentID: "a1", DefaultTarget: "http://localhost:9000",
	})
	raw, _ := frame.Encode(regFrame, frame.DefaultMaxSize)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write register: %v", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read confirm: %v", err)
	}
	confirm, err := frame.Decode(msg, frame.DefaultMaxSize)
	if err != nil {
		t.Fatalf("decode confirm: %v", err)
	}
	var payload frame.RegisterPayload
	_ = frame.DecodePayload(confirm, &payload)
	if !payload.Confirmed || payload.AgentID != "a1" {
		t.Fatalf("unexpected confirm payload: %+v", payload)
	}

	deadline := time.After(time.Second)
	for reg.Get("a1") == nil {
		select {
		case <-deadline:
			t.Fatal("agent never appeared in registry")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestAgentAdmissionRejectsWrongToken(t *testing.T) {
	pend := pending.New()
	reg := registry.New(time.Minute, nil)
	met := metrics.New()
	verifier := auth.Verifier{Secret: "s3cret"}
	handler := newControlServer(reg, pend, met, verifier, zerolog.Nop())
	srv := httptest.NewServer(handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/control?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for an invalid admission token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got resp=%+v", resp)
	}
}

func TestResponseFrameResolvesPendingDispatch(t *testing.T) {
	pend := pending.New()
	reg := registry.New(time.Minute, func(agentID string, reason error) { pend.RejectForAgent(agentID, reason) })
	met := metrics.New()
	handler := newControlServer(reg, pend, met, auth.Verifier{}, zerolog.Nop())
	srv := httptest.NewServer(handler)
	defer srv.Close()

	conn := dialControl(t, srv, "/control")
	defer conn.Close()

	regFrame, _ := frame.WithPayload(frame.Frame{ID: "r1", Kind: frame.KindRegister}, frame.RegisterPayload{
		Name: "agent-b", AgentID: "b1", DefaultTarget: "http://localhost:9000",
	})
	raw, _ := frame.Encode(regFrame, frame.DefaultMaxSize)
	_ = conn.WriteMessage(websocket.TextMessage, raw)
	_, _, _ = conn.ReadMessage()

	deadline := time.After(time.Second)
	for reg.Get("b1") == nil {
		select {
		case <-deadline:
			t.Fatal("agent never appeared in registry")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	disp := dispatch.New(reg, pend, time.Second)
	type dispatchResult struct {
		resp dispatch.ResponseOut
		err  error
	}
	resultCh := make(chan dispatchResult, 1)
	go func() {
		resp, err := disp.Dispatch(context.Background(), dispatch.RequestIn{Method: "GET", Path: "/client/b1/widgets"})
		resultCh <- dispatchResult{resp, err}
	}()

	_, reqRaw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading dispatched request: %v", err)
	}
	reqFrame, err := frame.Decode(reqRaw, frame.DefaultMaxSize)
	if err != nil {
		t.Fatalf("decoding dispatched request: %v", err)
	}

	respFrame, _ := frame.WithPayload(frame.Frame{ID: reqFrame.ID, Kind: frame.KindResponse}, struct {
		StatusCode int               `json:"statusCode"`
		Headers    map[string]string `json:"headers"`
		Body       string            `json:"body"`
	}{StatusCode: 200, Body: `{"ok":true}`})
	respRaw, _ := frame.Encode(respFrame, frame.DefaultMaxSize)
	if err := conn.WriteMessage(websocket.TextMessage, respRaw); err != nil {
		t.Fatalf("writing response frame: %v", err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			t.Fatalf("dispatch returned an error: %v", result.err)
		}
		if result.resp.StatusCode != 200 || string(result.resp.Body) != `{"ok":true}` {
			t.Fatalf("unexpected response: %+v", result.resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never resolved")
	}
}
