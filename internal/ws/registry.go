package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/events"
	"github.com/example/twin-collab/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by twin so
// events can be fanned out to every local subscriber.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	twins  map[types.TwinID]map[*Connection]struct{}
	logger zerolog.Logger
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry(logger zerolog.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		twins:  make(map[types.TwinID]map[*Connection]struct{}),
		logger: logger,
	}
}

// Register associates the connection with its twin.
func (r *ConnectionRegistry) Register(c *Connection) {
	twin := c.Twin()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.twins[twin] == nil {
		r.twins[twin] = make(map[*Connection]struct{})
	}
	r.twins[twin][c] = struct{}{}
	gatewayConnections.WithLabelValues(string(twin)).Set(float64(len(r.twins[twin])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(c *Connection) {
	twin := c.Twin()
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.twins[twin]
	if conns == nil {
		return
	}
	delete(conns, c)
	gatewayConnections.WithLabelValues(string(twin)).Set(float64(len(conns)))
	if len(conns) == 0 {
		delete(r.twins, twin)
		gatewayConnections.DeleteLabelValues(string(twin))
	}
}

// Count returns the number of local connections attached to twin.
func (r *ConnectionRegistry) Count(twin types.TwinID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.twins[twin])
}

// Broadcast delivers the payload to every connection attached to twin. A
// non-empty skip session is not echoed its own message.
func (r *ConnectionRegistry) Broadcast(twin types.TwinID, payload []byte, skip types.SessionID) int {
	r.mu.RLock()
	conns := r.twins[twin]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if skip != "" && c.Session() == skip {
			continue
		}
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.Send(payload); err == nil {
			sent++
		}
	}
	return sent
}

// Publish implements events.Publisher by delivering the event to local
// subscribers of its twin.
func (r *ConnectionRegistry) Publish(_ context.Context, evt events.Event) {
	payload, err := events.EncodeJSON(evt)
	if err != nil {
		r.logger.Warn().Err(err).Str("twin", string(evt.Twin)).Msg("encode event frame")
		return
	}
	sent := r.Broadcast(evt.Twin, payload, "")
	framesSent.WithLabelValues(string(evt.Type)).Add(float64(sent))
}
