package registry

import "fmt"

// NotFoundError is returned when a path pins an agent id that has no
// connected record.
type NotFoundError struct {
	AgentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Client '%s' not found", e.AgentID)
}

var (
	errNoClientsAvailable = fmt.Errorf("No connected clients available")
	errClientDisconnected = fmt.Errorf("Client disconnected")
	errDisplaced          = fmt.Errorf("Client disconnected")
	errHeartbeatTimeout   = fmt.Errorf("Client disconnected")
)

// ErrNoClientsAvailable is returned by PickForPath when no agent is
// connected for default (non-pinned) routing.
func ErrNoClientsAvailable() error { return errNoClientsAvailable }

// ErrClientDisconnected is the reason passed to DisconnectNotifier for an
// explicit unregister. A duplicate-registration displacement and a
// heartbeat-timeout sweep pass their own error values, which carry the
// same "Client disconnected" wording.
func ErrClientDisconnected() error { return errClientDisconnected }
