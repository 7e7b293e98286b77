package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/twin-collab/internal/types"
)

// Authenticator resolves the identity of a websocket subscriber before the
// upgrade.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthFunc adapts a function to Authenticator.
type AuthFunc func(r *http.Request) (Identity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (Identity, error) {
	return f(r)
}

// QueryIdentity trusts the twin_id, session_id and holder_id query
// parameters. Authentication happens in front of this service.
var QueryIdentity = AuthFunc(func(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	id := Identity{
		Twin:    types.TwinID(q.Get("twin_id")),
		Session: types.SessionID(q.Get("session_id")),
		Holder:  types.HolderID(q.Get("holder_id")),
	}
	if id.Twin == "" || id.Session == "" {
		return Identity{}, errors.New("twin_id and session_id are required")
	}
	return id, nil
})

// GatewayConfig tunes subscriber connections. Zero values select defaults.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	// MaxPerTwin caps local subscribers of one twin; zero means unlimited.
	MaxPerTwin int
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTolerance <= 0 {
		c.HeartbeatTolerance = 2
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

func (c GatewayConfig) connectionOptions() connectionOptions {
	return connectionOptions{
		heartbeatInterval:  c.HeartbeatInterval,
		heartbeatTolerance: c.HeartbeatTolerance,
		sendBufferSize:     c.SendBuffer,
		writeTimeout:       c.WriteTimeout,
	}
}

// Gateway subscribes websocket clients to a twin's event feed and forwards
// their presence frames to the hooks.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway validates collaborators and applies config defaults.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	return &Gateway{
		auth:     auth,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if g.cfg.MaxPerTwin > 0 && g.registry.Count(identity.Twin) >= g.cfg.MaxPerTwin {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "too many subscribers for twin", http.StatusServiceUnavailable)
		return
	}

	ctx, span := tracer.Start(r.Context(), "ws.upgrade")
	defer span.End()
	span.SetAttributes(attribute.String("twin", string(identity.Twin)), attribute.String("session", string(identity.Session)))

	start := time.Now()
	raw, err := g.upgrader.Upgrade(w, r.WithContext(ctx), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn().Err(err).Str("twin", string(identity.Twin)).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())
	g.attach(raw, identity)
}

func (g *Gateway) attach(raw *websocket.Conn, identity Identity) {
	logger := g.logger.With().
		Str("twin", string(identity.Twin)).
		Str("session", string(identity.Session)).
		Logger()

	var conn *Connection
	conn = newConnection(raw, identity, logger, g.cfg.connectionOptions(), func() {
		g.registry.Unregister(conn)
	})
	g.registry.Register(conn)
	logger.Info().Int("subscribers", g.registry.Count(identity.Twin)).Msg("subscriber attached")

	go conn.Run(g.hooks)
}
