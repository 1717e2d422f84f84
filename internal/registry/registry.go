// Package registry implements the relay-side agent registry: register,
// unregister, liveness tracking, and request-target selection.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/foldedstring/relaytunnel/internal/mapping"
)

// DefaultHeartbeatTimeout is the duration past which an agent with no
// inbound heartbeat is considered dead (three missed beats at the
// default 30s interval).
const DefaultHeartbeatTimeout = 90 * time.Second

// Link is the minimal surface the registry needs from a live tunnel
// connection: something it can close. The concrete websocket connection
// lives in cmd/relay; the registry only needs to sever it.
type Link interface {
	Close() error
}

// Record is the relay's view of one connected (or just-disconnected)
// agent.
type Record struct {
	ID            string
	Name          string
	Link          Link
	Mappings      []mapping.Entry
	DefaultTarget string
	Connected     bool
	LastHeartbeat time.Time
	RequestCount  int64
}

// Table returns the mapping.Table view used by the resolver.
func (r *Record) Table() mapping.Table {
	return mapping.Table{Mappings: r.Mappings, DefaultTarget: r.DefaultTarget}
}

// DisconnectNotifier is invoked by the registry whenever a Record
// transitions to disconnected (displaced, explicitly unregistered, or
// swept for a stale heartbeat) so the caller can fail that agent's
// pending requests. Invoked with the registry's lock released.
type DisconnectNotifier func(agentID string, reason error)

// Registry is the single source of truth for agent liveness and
// mappings. Zero value is not usable; construct with New.
type Registry struct {
	mu               sync.RWMutex
	byID             map[string]*Record
	heartbeatTimeout time.Duration
	onDisconnect     DisconnectNotifier
}

// New constructs an empty Registry. onDisconnect may be nil.
func New(heartbeatTimeout time.Duration, onDisconnect DisconnectNotifier) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Registry{
		byID:             make(map[string]*Record),
		heartbeatTimeout: heartbeatTimeout,
		onDisconnect:     onDisconnect,
	}
}

// Register installs a new Record for id, displacing and closing any
// existing connected record for the same id first. Returns the new
// Record.
func (reg *Registry) Register(id, name string, link Link, defaultTarget string, mappings []mapping.Entry) *Record {
	reg.mu.Lock()
	old := reg.byID[id]
	rec := &Record{
		ID:            id,
		Name:          name,
		Link:          link,
		Mappings:      mappings,
		DefaultTarget: defaultTarget,
		Connected:     true,
		LastHeartbeat: time.Now(),
	}
	reg.byID[id] = rec
	reg.mu.Unlock()

	if old != nil && old.Connected {
		reg.displace(old)
	}
	return rec
}

// displace marks the old record disconnected, closes its link, and
// notifies the caller so it can fail that agent's pending requests.
// old must no longer be reachable via reg.byID[old.ID] when called
// (Register has already overwritten the slot).
func (reg *Registry) displace(old *Record) {
	reg.mu.Lock()
	old.Connected = false
	reg.mu.Unlock()

	if old.Link != nil {
		_ = old.Link.Close()
	}
	if reg.onDisconnect != nil {
		reg.onDisconnect(old.ID, errDisplaced)
	}
}

// Unregister finds the record whose link is link, marks it disconnected,
// removes it from the index, and notifies the caller.
func (reg *Registry) Unregister(link Link) {
	reg.mu.Lock()
	var found *Record
	for id, rec := range reg.byID {
		if rec.Link == link && rec.Connected {
			found = rec
			delete(reg.byID, id)
			break
		}
	}
	if found != nil {
		found.Connected = false
	}
	reg.mu.Unlock()

	if found != nil && reg.onDisconnect != nil {
		reg.onDisconnect(found.ID, errClientDisconnected)
	}
}

// Get looks up a record by id. Returns nil if absent or disconnected.
func (reg *Registry) Get(id string) *Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec := reg.byID[id]
	if rec == nil || !rec.Connected {
		return nil
	}
	return rec
}

// ListConnected returns a snapshot of all connected records.
func (reg *Registry) ListConnected() []*Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Record, 0, len(reg.byID))
	for _, rec := range reg.byID {
		if rec.Connected {
			out = append(out, rec)
		}
	}
	return out
}

// PickForPath resolves an inbound path to an agent and a resolved
// (target, rewrittenPath). Paths of the form /client/{id}/... pin the
// agent; otherwise the connected agent with the smallest RequestCount is
// selected (ties broken by map iteration order, which is intentionally
// unspecified).
func (reg *Registry) PickForPath(path string) (rec *Record, target string, rewrittenPath string, err error) {
	if id, rest, ok := splitClientPath(path); ok {
		rec = reg.Get(id)
		if rec == nil {
			return nil, "", "", &NotFoundError{AgentID: id}
		}
		target, rewrittenPath = rec.Table().Resolve(rest)
		return rec, target, rewrittenPath, nil
	}

	rec = reg.pickLeastLoaded()
	if rec == nil {
		return nil, "", "", errNoClientsAvailable
	}
	target, rewrittenPath = rec.Table().Resolve(path)
	return rec, target, rewrittenPath, nil
}

func (reg *Registry) pickLeastLoaded() *Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var best *Record
	for _, rec := range reg.byID {
		if !rec.Connected {
			continue
		}
		if best == nil || rec.RequestCount < best.RequestCount {
			best = rec
		}
	}
	return best
}

// IncrementRequestCount bumps rec's dispatched-request counter. Called by
// the dispatcher right after it adds the request to the pending table.
func (reg *Registry) IncrementRequestCount(rec *Record) {
	reg.mu.Lock()
	rec.RequestCount++
	reg.mu.Unlock()
}

// OnHeartbeat updates last-heartbeat for id. last_heartbeat only
// increases (a stale frame arriving after a fresher one is a no-op).
func (reg *Registry) OnHeartbeat(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec := reg.byID[id]
	if rec == nil || !rec.Connected {
		return
	}
	now := time.Now()
	if now.After(rec.LastHeartbeat) {
		rec.LastHeartbeat = now
	}
}

// Sweep evicts every connected record whose last heartbeat is older than
// the configured timeout, as though its link had dropped.
func (reg *Registry) Sweep() {
	cutoff := time.Now().Add(-reg.heartbeatTimeout)

	reg.mu.Lock()
	var stale []*Record
	for id, rec := range reg.byID {
		if rec.Connected && rec.LastHeartbeat.Before(cutoff) {
			rec.Connected = false
			delete(reg.byID, id)
			stale = append(stale, rec)
		}
	}
	reg.mu.Unlock()

	for _, rec := range stale {
		if rec.Link != nil {
			_ = rec.Link.Close()
		}
		if reg.onDisconnect != nil {
			reg.onDisconnect(rec.ID, errHeartbeatTimeout)
		}
	}
}

// splitClientPath parses "/client/{id}[/rest...]" returning (id, rest,
// true) on match. rest retains its leading slash semantics compatible
// with mapping.Table.Resolve (e.g. "/client/abc" -> rest == "/").
func splitClientPath(path string) (id string, rest string, ok bool) {
	const prefix = "/client/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	remainder := path[len(prefix):]
	if remainder == "" {
		return "", "", false
	}
	slash := strings.IndexByte(remainder, '/')
	if slash < 0 {
		return remainder, "/", true
	}
	return remainder[:slash], remainder[slash:], true
}
