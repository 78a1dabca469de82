// SPDX-License-Identifier: MIT

// Package store implements the authoritative hot-store view of live
// sessions on Redis: GET/SETEX with TTL refresh, optimistic version
// checks, and publish-on-write notices for the cross-instance fan-out.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tempoforge/turnsync/internal/session"
)

var (
	// ErrNotFound is returned when the session key is absent.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned by Create when the key is present.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrUnavailable wraps transport-level failures talking to Redis.
	ErrUnavailable = errors.New("store unavailable")
	// ErrCorrupt wraps deserialization failures of stored state.
	ErrCorrupt = errors.New("stored state corrupt")
)

// VersionConflictError reports a failed optimistic write. It admits retry;
// the engine re-reads and re-applies the transition.
type VersionConflictError struct {
	SessionID string
	Expected  int64
	Actual    int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on session %s: expected %d, actual %d", e.SessionID, e.Expected, e.Actual)
}

// Config holds Redis connection and keyspace parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key and channel for tenant/test isolation.
	KeyPrefix string
	// SessionTTL is the inactivity window, refreshed on every write.
	SessionTTL time.Duration
}

// Store is the Redis-backed session store. Safe for concurrent use.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// New connects to Redis and verifies connectivity before returning.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Str("key_prefix", cfg.KeyPrefix).
		Dur("session_ttl", cfg.SessionTTL).
		Msg("connected to hot store")

	return NewWithClient(client, cfg.KeyPrefix, cfg.SessionTTL, logger), nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *Store) sessionKey(id string) string  { return s.prefix + "session:" + id }
func (s *Store) updatesChannel() string       { return s.prefix + "session-updates" }
func (s *Store) pushChannel(id string) string { return s.prefix + "ws:" + id }
func (s *Store) pushPattern() string          { return s.prefix + "ws:*" }

// Get returns the current state of a session, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, id, err)
	}
	return decode(id, data)
}

// Create stores a brand-new session. The store owns version and the
// created/updated timestamps. Fails with ErrAlreadyExists if present.
func (s *Store) Create(ctx context.Context, st *session.Session) error {
	now := time.Now().UTC()
	st.Version = 1
	st.CreatedAt = now
	st.UpdatedAt = now

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrCorrupt, st.SessionID, err)
	}

	ok, err := s.client.SetNX(ctx, s.sessionKey(st.SessionID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrUnavailable, st.SessionID, err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	s.publishUpdate(ctx, st.SessionID, st)
	return nil
}

// Update writes next as the successor state of the session. When
// expectedVersion is non-zero the write is admitted only if the stored
// version still matches; a mismatch yields *VersionConflictError. The
// read-check-write runs under WATCH so concurrent writers observe exactly
// one winner per version; no distributed lock is taken and conflicts are
// reported, not masked.
func (s *Store) Update(ctx context.Context, id string, next *session.Session, expectedVersion int64) (*session.Session, error) {
	key := s.sessionKey(id)
	var out *session.Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: update read %s: %v", ErrUnavailable, id, err)
		}
		current, err := decode(id, data)
		if err != nil {
			return err
		}
		if expectedVersion != 0 && current.Version != expectedVersion {
			return &VersionConflictError{SessionID: id, Expected: expectedVersion, Actual: current.Version}
		}

		out = next.Clone()
		out.SessionID = id
		out.Version = current.Version + 1
		out.CreatedAt = current.CreatedAt
		out.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", ErrCorrupt, id, err)
		}
		// SETEX semantics: the write refreshes the inactivity TTL.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		// A concurrent writer landed between our read and EXEC.
		actual := int64(0)
		if cur, gerr := s.Get(ctx, id); gerr == nil {
			actual = cur.Version
		}
		return nil, &VersionConflictError{SessionID: id, Expected: expectedVersion, Actual: actual}
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt), errors.Is(err, ErrUnavailable):
		return nil, err
	default:
		var conflict *VersionConflictError
		if errors.As(err, &conflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: update %s: %v", ErrUnavailable, id, err)
	}

	s.publishUpdate(ctx, id, out)
	return out, nil
}

// Delete removes the session key and publishes a deletion notice. It is
// idempotent: deleting an absent session succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, id, err)
	}
	s.publishUpdate(ctx, id, nil)
	return nil
}

// PublishPush tunnels an opaque payload to every instance's gateway via
// the per-session push channel family.
func (s *Store) PublishPush(ctx context.Context, id string, payload []byte) error {
	if err := s.client.Publish(ctx, s.pushChannel(id), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish push %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// Ping verifies hot-store connectivity (readiness probe).
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// updateNotice is the wire format on the session-updates channel. A nil
// State marks a deletion.
type updateNotice struct {
	SessionID string           `json:"session_id"`
	Deleted   bool             `json:"deleted,omitempty"`
	State     *session.Session `json:"state,omitempty"`
}

// publishUpdate emits the post-write notice. A publish failure is logged
// and never rolls back the write; observers recover via resync.
func (s *Store) publishUpdate(ctx context.Context, id string, st *session.Session) {
	notice := updateNotice{SessionID: id, State: st, Deleted: st == nil}
	data, err := json.Marshal(notice)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("failed to encode update notice")
		return
	}
	if err := s.client.Publish(ctx, s.updatesChannel(), data).Err(); err != nil {
		s.logger.Error().Err(err).
			Str("session_id", id).
			Str("event", "store.publish_failed").
			Msg("failed to publish update notice")
	}
}

func decode(id string, data []byte) (*session.Session, error) {
	var st session.Session
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, id, err)
	}
	return &st, nil
}
