// Package agentlink implements the agent side of the tunnel link: dial,
// register, serve incoming requests against the local mapping table, and
// reconnect on failure, as an explicit state machine rather than one
// flat dial-register-serve function.
package agentlink

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/foldedstring/relaytunnel/internal/egress"
	"github.com/foldedstring/relaytunnel/internal/frame"
	"github.com/foldedstring/relaytunnel/internal/mapping"
)

// State names the link's position in its lifecycle.
type State string

const (
	StateDialing     State = "dialing"
	StateOpen        State = "open"
	StateRegistering State = "registering"
	StateActive      State = "active"
	StateClosing     State = "closing"
)

// DefaultHeartbeatInterval is how often the agent emits a heartbeat frame
// once active (default 30s).
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultReconnectInterval is the fixed delay between dial attempts after
// the link drops (default 5s).
const DefaultReconnectInterval = 5 * time.Second

// DefaultDialTimeout bounds a single dial attempt.
const DefaultDialTimeout = 10 * time.Second

// Conn is the subset of *websocket.Conn the link depends on, so tests can
// substitute an in-memory fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a Conn to the relay. Production code uses dialWebsocket;
// tests inject a fake.
type Dialer func(ctx context.Context, relayURL, token string) (Conn, error)

// Link runs one agent's connection to the relay: dial, register, and
// service requests against its local mapping table until the process is
// stopped or the context is canceled, reconnecting on every failure.
type Link struct {
	RelayURL  string
	AuthToken string
	AgentID   string
	Name      string
	Table     mapping.Table

	Egress            *egress.Client
	Dial              Dialer
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	Log               zerolog.Logger

	mu    sync.Mutex
	state State
	conn  Conn
}

// New constructs a Link with default intervals and an egress.Client
// timing out at egress.DefaultTimeout.
func New(relayURL, authToken, agentID, name string, table mapping.Table, log zerolog.Logger) *Link {
	return &Link{
		RelayURL:          relayURL,
		AuthToken:         authToken,
		AgentID:           agentID,
		Name:              name,
		Table:             table,
		Egress:            egress.New(egress.DefaultTimeout),
		Dial:              dialWebsocket,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectInterval: DefaultReconnectInterval,
		Log:               log,
		state:             StateDialing,
	}
}

// State reports the link's current lifecycle position.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Send serializes and writes f, satisfying dispatch.Sender-shaped callers
// that share this link (the agent has no dispatcher of its own, but the
// interface keeps the codec symmetric with the relay side). Writes are
// serialized under l.mu so heartbeat and response sends never interleave.
func (l *Link) Send(f frame.Frame) error {
	raw, err := frame.Encode(f, frame.DefaultMaxSize)
	if err != nil {
		return fmt.Errorf("agentlink: encode: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("agentlink: not connected")
	}
	return l.conn.WriteMessage(websocket.TextMessage, raw)
}

// Run dials, registers, and services requests until ctx is canceled.
// Every disconnect — dial failure, read error, or a rejected registration
// — is followed by a ReconnectInterval pause and a fresh attempt.
func (l *Link) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			l.setState(StateClosing)
			return err
		}
		if err := l.runOnce(ctx); err != nil {
			l.Log.Warn().Err(err).Msg("link attempt failed, reconnecting")
		}
		select {
		case <-ctx.Done():
			l.setState(StateClosing)
			return ctx.Err()
		case <-time.After(l.reconnectInterval()):
		}
	}
}

func (l *Link) reconnectInterval() time.Duration {
	if l.ReconnectInterval <= 0 {
		return DefaultReconnectInterval
	}
	return l.ReconnectInterval
}

func (l *Link) heartbeatInterval() time.Duration {
	if l.HeartbeatInterval <= 0 {
		return DefaultHeartbeatInterval
	}
	return l.HeartbeatInterval
}

// runOnce performs a single dial-register-serve cycle, returning when the
// link drops or the register is rejected.
func (l *Link) runOnce(ctx context.Context) error {
	l.setState(StateDialing)
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	conn, err := l.Dial(dialCtx, l.RelayURL, l.AuthToken)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.setState(StateOpen)

	if err := l.register(conn); err != nil {
		return err
	}

	l.setState(StateActive)
	return l.serve(ctx, conn)
}

func (l *Link) register(conn Conn) error {
	l.setState(StateRegistering)

	wireMappings := make([]frame.MappingWire, 0, len(l.Table.Mappings))
	for _, m := range l.Table.Mappings {
		wireMappings = append(wireMappings, frame.MappingWire{Prefix: m.Prefix, Target: m.Target, Description: m.Description})
	}
	payload := frame.RegisterPayload{
		Name:          l.Name,
		DefaultTarget: l.Table.DefaultTarget,
		Mappings:      wireMappings,
		AgentID:       l.AgentID,
	}
	f, err := frame.WithPayload(frame.Frame{ID: uuid.NewString(), Kind: frame.KindRegister, Timestamp: time.Now().UnixMilli()}, payload)
	if err != nil {
		return fmt.Errorf("register: building frame: %w", err)
	}
	raw, err := frame.Encode(f, frame.DefaultMaxSize)
	if err != nil {
		return fmt.Errorf("register: encode: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("register: send: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("register: awaiting confirmation: %w", err)
	}
	reply, err := frame.Decode(msg, frame.DefaultMaxSize)
	if err != nil {
		return fmt.Errorf("register: decoding confirmation: %w", err)
	}
	if reply.Kind == frame.KindError {
		var errPayload frame.ErrorPayload
		_ = frame.DecodePayload(reply, &errPayload)
		return fmt.Errorf("register: rejected: %s", errPayload.Message)
	}
	if reply.Kind != frame.KindRegister {
		return fmt.Errorf("register: unexpected reply kind %q", reply.Kind)
	}
	var confirm frame.RegisterPayload
	if err := frame.DecodePayload(reply, &confirm); err != nil {
		return fmt.Errorf("register: decoding confirm payload: %w", err)
	}
	if !confirm.Confirmed {
		return fmt.Errorf("register: relay did not confirm registration")
	}
	if confirm.AgentID != "" {
		l.AgentID = confirm.AgentID
	}
	return nil
}

// serve reads frames until the connection breaks, answering requests and
// ticking the heartbeat.
func (l *Link) serve(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.heartbeatLoop(ctx, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("serve: read: %w", err)
		}
		f, err := frame.Decode(msg, frame.DefaultMaxSize)
		if err != nil {
			l.Log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		l.handleFrame(ctx, f)
	}
}

func (l *Link) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			f := frame.Frame{ID: uuid.NewString(), Kind: frame.KindHeartbeat, Timestamp: time.Now().UnixMilli(), AgentID: l.AgentID}
			if err := l.Send(f); err != nil {
				l.Log.Warn().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}

func (l *Link) handleFrame(ctx context.Context, f frame.Frame) {
	switch f.Kind {
	case frame.KindRequest:
		l.handleRequest(ctx, f)
	case frame.KindPong:
	default:
		l.Log.Debug().Str("kind", string(f.Kind)).Msg("ignoring frame kind")
	}
}

func (l *Link) handleRequest(ctx context.Context, f frame.Frame) {
	var payload frame.RequestPayload
	if err := frame.DecodePayload(f, &payload); err != nil {
		l.Log.Warn().Err(err).Msg("malformed request frame")
		if err := l.Send(errorFrame(f.ID, "bad_request", err.Error())); err != nil {
			l.Log.Warn().Err(err).Msg("failed to send error frame")
		}
		return
	}

	baseURL, rewrittenPath := payload.TargetMapping, payload.Path
	if baseURL == "" {
		baseURL, rewrittenPath = l.Table.Resolve(payload.Path)
	}
	start := time.Now()
	resp := l.Egress.Do(ctx, egress.Request{
		Method:  payload.Method,
		Path:    rewrittenPath,
		Headers: payload.Headers,
		Body:    []byte(payload.Body),
		Query:   payload.Query,
	}, baseURL)

	respPayload := frame.ResponsePayload{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       string(resp.Body),
		Duration:   time.Since(start).Milliseconds(),
		Mapping:    baseURL,
	}
	out, err := frame.WithPayload(frame.Frame{ID: f.ID, Kind: frame.KindResponse, Timestamp: time.Now().UnixMilli(), AgentID: l.AgentID}, respPayload)
	if err != nil {
		l.Log.Warn().Err(err).Msg("failed to build response frame")
		return
	}
	if err := l.Send(out); err != nil {
		l.Log.Warn().Err(err).Msg("failed to send response frame")
	}
}

func errorFrame(correlationID, code, message string) frame.Frame {
	f, _ := frame.WithPayload(frame.Frame{ID: correlationID, Kind: frame.KindError, Timestamp: time.Now().UnixMilli()}, frame.ErrorPayload{Code: code, Message: message})
	return f
}

// dialWebsocket is the production Dialer: it opens a websocket to the
// relay's control endpoint, carrying the agent's auth token (if any) in an
// "Authorization: Bearer" header.
func dialWebsocket(ctx context.Context, relayURL, token string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DefaultDialTimeout}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := dialer.DialContext(ctx, relayURL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
