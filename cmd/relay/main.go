// Command relay runs the public-facing half of the tunnel: it accepts
// agent links over a websocket control endpoint and serves public HTTP
// traffic by dispatching it across the connected agents. The control
// server and session loop mirror a classic websocket-fanout relay:
// upgrade, read a register frame, then pump heartbeat/response frames
// into the registry and pending table.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/foldedstring/relaytunnel/internal/auth"
	"github.com/foldedstring/relaytunnel/internal/dispatch"
	"github.com/foldedstring/relaytunnel/internal/frame"
	"github.com/foldedstring/relaytunnel/internal/ingress"
	"github.com/foldedstring/relaytunnel/internal/logging"
	"github.com/foldedstring/relaytunnel/internal/mapping"
	"github.com/foldedstring/relaytunnel/internal/metrics"
	"github.com/foldedstring/relaytunnel/internal/pending"
	"github.com/foldedstring/relaytunnel/internal/registry"
)

// DefaultHTTPPort is the public ingress port (PORT env var, default 3000).
const DefaultHTTPPort = 3000

// DefaultControlPort is the agent tunnel-accept port (WS_PORT env var,
// default 3001).
const DefaultControlPort = 3001

// DefaultSweepInterval is how often the registry's heartbeat sweep runs.
const DefaultSweepInterval = 15 * time.Second

func main() {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Run the reverse tunnel relay",
		RunE:  runRelay,
	}
	root.Flags().Int("http-port", envInt("PORT", DefaultHTTPPort), "public HTTP ingress port")
	root.Flags().Int("control-port", envInt("WS_PORT", DefaultControlPort), "agent tunnel-accept port")
	root.Flags().String("agent-secret", os.Getenv("AGENT_SECRET"), "shared secret for agent admission tokens (empty disables admission control)")
	root.Flags().Bool("pretty-logs", isTerminal(), "human-readable console logging instead of JSON")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRelay(cmd *cobra.Command, _ []string) error {
	httpPort, _ := cmd.Flags().GetInt("http-port")
	controlPort, _ := cmd.Flags().GetInt("control-port")
	secret, _ := cmd.Flags().GetString("agent-secret")
	pretty, _ := cmd.Flags().GetBool("pretty-logs")

	log := logging.New(pretty)
	verifier := auth.Verifier{Secret: secret}
	met := metrics.New()

	pend := pending.New()
	reg := registry.New(registry.DefaultHeartbeatTimeout, func(agentID string, reason error) {
		pend.RejectForAgent(agentID, reason)
	})
	disp := dispatch.New(reg, pend, pending.DefaultTimeout)

	go sweepLoop(reg, DefaultSweepInterval)

	ingressHandler := ingress.New(disp, reg, met, logging.Component(log, "ingress"))
	controlHandler := newControlServer(reg, pend, met, verifier, logging.Component(log, "control"))

	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", httpPort)
		log.Info().Str("addr", addr).Msg("public ingress listening")
		errCh <- http.ListenAndServe(addr, ingressHandler)
	}()
	go func() {
		addr := fmt.Sprintf(":%d", controlPort)
		log.Info().Str("addr", addr).Msg("agent control listening")
		errCh <- http.ListenAndServe(addr, controlHandler)
	}()

	return <-errCh
}

func sweepLoop(reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		reg.Sweep()
	}
}

// link is the relay-side concrete connection: it satisfies both
// registry.Link (Close) and dispatch.Sender (Send), serializing writes
// behind one mutex so concurrent request sends from many ingress
// goroutines can't interleave.
type link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (l *link) Send(f frame.Frame) error {
	raw, err := frame.Encode(f, frame.DefaultMaxSize)
	if err != nil {
		return fmt.Errorf("relay link: encode: %w", err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.TextMessage, raw)
}

func (l *link) Close() error {
	return l.conn.Close()
}

// controlServer accepts agent connections, reads their registration
// frame, and pumps subsequent frames into the registry/pending tables.
type controlServer struct {
	reg      *registry.Registry
	pend     *pending.Table
	met      *metrics.Metrics
	verifier auth.Verifier
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func newControlServer(reg *registry.Registry, pend *pending.Table, met *metrics.Metrics, verifier auth.Verifier, log zerolog.Logger) http.Handler {
	cs := &controlServer{
		reg:      reg,
		pend:     pend,
		met:      met,
		verifier: verifier,
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
		log:      log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/control", cs.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (cs *controlServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = trimBearer(r.Header.Get("Authorization"))
	}
	claims, err := cs.verifier.Verify(token)
	if cs.verifier.Enabled() && err != nil {
		http.Error(w, "invalid agent token", http.StatusUnauthorized)
		return
	}

	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cs.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	l := &link{conn: conn}
	go cs.handleSession(l, claims)
}

// handleSession reads the agent's register frame, installs it in the
// registry, then loops reading response/heartbeat frames until the link
// breaks.
func (cs *controlServer) handleSession(l *link, admitted auth.Claims) {
	var agentID string
	registered := false
	defer func() {
		cs.reg.Unregister(l)
		_ = l.conn.Close()
		if cs.met != nil && registered {
			cs.met.AgentsConnected.Dec()
		}
		cs.log.Info().Str("agent_id", agentID).Msg("agent disconnected")
	}()

	_, raw, err := l.conn.ReadMessage()
	if err != nil {
		return
	}
	f, err := frame.Decode(raw, frame.DefaultMaxSize)
	if err != nil || f.Kind != frame.KindRegister {
		_ = l.Send(errorFrame("bad_register", "first frame must be a register frame"))
		return
	}

	var reg frame.RegisterPayload
	if err := frame.DecodePayload(f, &reg); err != nil {
		_ = l.Send(errorFrame("bad_register", err.Error()))
		return
	}
	agentID = reg.AgentID
	if admitted.AgentID != "" && admitted.AgentID != agentID {
		_ = l.Send(errorFrame("agent_id_mismatch", "token does not authorize this agent id"))
		return
	}
	if agentID == "" {
		agentID = uuid.NewString()
	}

	mappings := make([]mapping.Entry, 0, len(reg.Mappings))
	for _, m := range reg.Mappings {
		mappings = append(mappings, mapping.Entry{Prefix: m.Prefix, Target: m.Target, Description: m.Description})
	}
	cs.reg.Register(agentID, reg.Name, l, reg.DefaultTarget, mappings)
	registered = true
	if cs.met != nil {
		cs.met.AgentsConnected.Inc()
	}
	cs.log.Info().Str("agent_id", agentID).Str("name", reg.Name).Msg("agent registered")

	confirm, err := frame.WithPayload(frame.Frame{ID: f.ID, Kind: frame.KindRegister, Timestamp: nowMillis(), AgentID: agentID}, frame.RegisterPayload{
		Confirmed: true,
		AgentID:   agentID,
	})
	if err == nil {
		_ = l.Send(confirm)
	}

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		fr, err := frame.Decode(raw, frame.DefaultMaxSize)
		if err != nil {
			continue
		}
		switch fr.Kind {
		case frame.KindHeartbeat:
			cs.reg.OnHeartbeat(agentID)
		case frame.KindResponse:
			cs.handleResponse(fr)
		case frame.KindError:
			cs.handleAgentError(fr)
		default:
			cs.log.Debug().Str("kind", string(fr.Kind)).Msg("ignoring frame kind from agent")
		}
	}
}

func (cs *controlServer) handleResponse(fr frame.Frame) {
	var payload struct {
		StatusCode int               `json:"statusCode"`
		Headers    map[string]string `json:"headers"`
		Body       string            `json:"body"`
	}
	if err := frame.DecodePayload(fr, &payload); err != nil {
		return
	}
	cs.pend.Resolve(fr.ID, pending.ResponsePayload{StatusCode: payload.StatusCode, Headers: payload.Headers, Body: []byte(payload.Body)})
}

// handleAgentError rejects the correlated pending request immediately
// instead of leaving it to the 30s timeout when the agent could not even
// build a response (e.g. a malformed request frame).
func (cs *controlServer) handleAgentError(fr frame.Frame) {
	var payload frame.ErrorPayload
	_ = frame.DecodePayload(fr, &payload)
	msg := payload.Message
	if msg == "" {
		msg = "agent reported an error"
	}
	cs.pend.Reject(fr.ID, fmt.Errorf("agent error [%s]: %s", payload.Code, msg))
}

func errorFrame(code, message string) frame.Frame {
	f, _ := frame.WithPayload(frame.Frame{Kind: frame.KindError, Timestamp: nowMillis()}, frame.ErrorPayload{Code: code, Message: message})
	return f
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func trimBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
