// Package presence tracks which component path each connected session is
// focused on. Entries live in Redis with a TTL and changes are announced as
// presence_changed events.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/clock"
	"github.com/example/twin-collab/internal/events"
	"github.com/example/twin-collab/internal/types"
	"github.com/example/twin-collab/internal/ws"
)

const (
	defaultTTL    = 45 * time.Second
	defaultPrefix = "presence:twin:"
	scanBatchSize = 100
)

// Entry is one session's focus.
type Entry struct {
	Twin      types.TwinID        `json:"twin_id"`
	Session   types.SessionID     `json:"session_id"`
	Holder    types.HolderID      `json:"holder_id,omitempty"`
	Path      types.ComponentPath `json:"path"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type sessionKey struct {
	twin    types.TwinID
	session types.SessionID
}

// Service persists presence entries and announces changes.
type Service struct {
	client    redis.UniversalClient
	publisher events.Publisher
	clock     clock.Clock
	logger    zerolog.Logger

	ttl    time.Duration
	prefix string

	mu    sync.Mutex
	local map[sessionKey]Entry
}

// NewService constructs a presence service backed by Redis. A non-positive
// ttl selects the default.
func NewService(client redis.UniversalClient, publisher events.Publisher, clk clock.Clock, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Service{
		client:    client,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
		ttl:       ttl,
		prefix:    defaultPrefix,
		local:     make(map[sessionKey]Entry),
	}
}

// Update records the session's focused path and announces it.
func (s *Service) Update(ctx context.Context, twin types.TwinID, session types.SessionID, holder types.HolderID, rawPath string) error {
	path, err := types.ParsePath(rawPath)
	if err != nil {
		return err
	}
	entry := Entry{Twin: twin, Session: session, Holder: holder, Path: path, UpdatedAt: s.clock.Now()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, s.key(twin, session), payload, s.ttl).Err(); err != nil {
		return types.StoreError("cache presence", err)
	}

	s.mu.Lock()
	s.local[sessionKey{twin, session}] = entry
	s.mu.Unlock()

	updates.WithLabelValues("focus").Inc()
	s.publisher.Publish(ctx, events.Event{
		Type:    events.PresenceChanged,
		Twin:    twin,
		Session: session,
		Holder:  holder,
		Path:    path,
		Active:  true,
		At:      entry.UpdatedAt,
	})
	return nil
}

// Clear removes the session's entry and announces the departure.
func (s *Service) Clear(ctx context.Context, twin types.TwinID, session types.SessionID) {
	if twin == "" || session == "" {
		return
	}
	key := s.key(twin, session)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}
	s.mu.Lock()
	entry, known := s.local[sessionKey{twin, session}]
	delete(s.local, sessionKey{twin, session})
	s.mu.Unlock()

	updates.WithLabelValues("clear").Inc()
	s.publisher.Publish(ctx, events.Event{
		Type:    events.PresenceChanged,
		Twin:    twin,
		Session: session,
		Holder:  entry.Holder,
		Reason:  departureReason(known),
		At:      s.clock.Now(),
	})
}

func departureReason(known bool) string {
	if known {
		return "disconnected"
	}
	return "cleared"
}

// Roster loads every live entry of a twin ordered by session.
func (s *Service) Roster(ctx context.Context, twin types.TwinID) ([]Entry, error) {
	iter := s.client.Scan(ctx, 0, s.key(twin, "*"), scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, types.StoreError("scan presence keys", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, types.StoreError("fetch presence values", err)
	}

	out := make([]Entry, 0, len(values))
	for _, raw := range values {
		str, ok := raw.(string)
		if !ok || str == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out, nil
}

// Run prunes entries this instance wrote whose Redis key expired, announcing
// each as gone, until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneExpired(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) pruneExpired(ctx context.Context) {
	s.mu.Lock()
	known := make([]Entry, 0, len(s.local))
	for _, entry := range s.local {
		known = append(known, entry)
	}
	s.mu.Unlock()

	for _, entry := range known {
		exists, err := s.client.Exists(ctx, s.key(entry.Twin, entry.Session)).Result()
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to check presence ttl")
			continue
		}
		if exists != 0 {
			continue
		}
		s.mu.Lock()
		delete(s.local, sessionKey{entry.Twin, entry.Session})
		s.mu.Unlock()

		s.logger.Debug().Str("twin", string(entry.Twin)).Str("session", string(entry.Session)).Msg("presence expired")
		updates.WithLabelValues("expire").Inc()
		s.publisher.Publish(ctx, events.Event{
			Type:    events.PresenceChanged,
			Twin:    entry.Twin,
			Session: entry.Session,
			Holder:  entry.Holder,
			Reason:  "expired",
			At:      s.clock.Now(),
		})
	}
}

// WrapHooks installs presence handlers into the provided hook set, preserving
// any existing callbacks for composition.
func (s *Service) WrapHooks(base ws.Hooks) ws.Hooks {
	basePresence := base.OnPresence
	base.OnPresence = func(ctx context.Context, conn *ws.Connection, path string) error {
		if basePresence != nil {
			if err := basePresence(ctx, conn, path); err != nil {
				return err
			}
		}
		return s.Update(ctx, conn.Twin(), conn.Session(), conn.Holder(), path)
	}

	baseDisconnect := base.OnDisconnect
	base.OnDisconnect = func(conn *ws.Connection) {
		if baseDisconnect != nil {
			baseDisconnect(conn)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Clear(ctx, conn.Twin(), conn.Session())
	}

	return base
}

func (s *Service) key(twin types.TwinID, session types.SessionID) string {
	return fmt.Sprintf("%s%s:session:%s", s.prefix, twin, session)
}
