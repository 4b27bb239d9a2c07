// Package postgres is the PostgreSQL implementation of store.Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/callrelay-go/events"
	"github.com/codewandler/callrelay-go/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := New(pool, opts...)
	if err := Migrate(ctx, pool, s.logger); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// PutAgent inserts or replaces an agent. A default agent is used for
// sessions created without an agent id.
func (s *Store) PutAgent(ctx context.Context, a store.AgentConfiguration, isDefault bool) error {
	cfg, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if isDefault {
			if _, err := tx.Exec(ctx, `UPDATE agents SET is_default = FALSE WHERE is_default AND id <> $1`, a.ID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO agents (id, name, config, is_default) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, config = EXCLUDED.config, is_default = EXCLUDED.is_default`,
			a.ID, a.Name, cfg, isDefault)
		return err
	})
}

// EnsureDefaultAgent inserts a unless an agent with its id exists. It becomes
// the default agent when there is none yet.
func (s *Store) EnsureDefaultAgent(ctx context.Context, a store.AgentConfiguration) error {
	cfg, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, config, is_default)
		VALUES ($1, $2, $3, NOT EXISTS (SELECT 1 FROM agents WHERE is_default))
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Name, cfg)
	return err
}

func (s *Store) LoadAgentConfig(ctx context.Context, sessionID string) (store.AgentConfiguration, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT a.config FROM call_sessions s JOIN agents a ON a.id = s.agent_id
		WHERE s.id = $1`, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.AgentConfiguration{}, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return store.AgentConfiguration{}, err
	}

	var a store.AgentConfiguration
	if err := json.Unmarshal(raw, &a); err != nil {
		return store.AgentConfiguration{}, fmt.Errorf("decode agent config: %w", err)
	}
	return a, nil
}

func (s *Store) CreateSession(ctx context.Context, cs store.CallSession) (string, error) {
	if cs.ID == "" {
		cs.ID = store.NewSessionID()
	}
	if cs.Status == "" {
		cs.Status = store.StatusPending
	}

	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO call_sessions (id, agent_id, external_call_id, stream_id, status)
		VALUES ($1, COALESCE(NULLIF($2, ''), (SELECT id FROM agents WHERE is_default)), $3, $4, $5)
		RETURNING id`,
		cs.ID, cs.AgentID, cs.ExternalCallID, cs.StreamID, string(cs.Status)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *Store) AppendTurn(ctx context.Context, sessionID string, t store.Turn) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_turns (
			session_id, conversation_id, role, item_id, response_id, text,
			audio_bytes, audio_ms, start_ms, end_ms, completed, interrupted, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sessionID, t.ConversationID, string(t.Role), t.ItemID, t.ResponseID, t.Text,
		t.AudioBytes, t.AudioDuration.Milliseconds(), t.StartOffset.Milliseconds(), t.EndOffset.Milliseconds(),
		t.Completed, t.Interrupted, t.Error)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, sessionID string, e store.Event) error {
	var payload any
	if json.Valid(e.Payload) {
		payload = e.Payload
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_events (session_id, direction, source, type, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sessionID, string(e.Direction), string(e.Source), e.Type, payload, e.At)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, u store.SessionStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE call_sessions SET
			status           = COALESCE(NULLIF($2, ''), status),
			started_at       = COALESCE($3, started_at),
			ended_at         = COALESCE($4, ended_at),
			external_call_id = COALESCE(NULLIF($5, ''), external_call_id),
			stream_id        = COALESCE(NULLIF($6, ''), stream_id),
			error            = COALESCE(NULLIF($7, ''), error)
		WHERE id = $1`,
		sessionID, string(u.Status), nullTime(u.StartedAt), nullTime(u.EndedAt),
		u.ExternalCallID, u.StreamID, u.Error)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

// Session reads back a stored session.
func (s *Store) Session(ctx context.Context, id string) (store.CallSession, error) {
	var (
		cs               store.CallSession
		status           string
		started, endedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, external_call_id, stream_id, status, error, started_at, ended_at, created_at
		FROM call_sessions WHERE id = $1`, id).
		Scan(&cs.ID, &cs.AgentID, &cs.ExternalCallID, &cs.StreamID, &status, &cs.Error, &started, &endedAt, &cs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CallSession{}, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.CallSession{}, err
	}
	cs.Status = store.Status(status)
	if started != nil {
		cs.StartedAt = *started
	}
	if endedAt != nil {
		cs.EndedAt = *endedAt
	}
	return cs, nil
}

// Turns returns the turns of a session in insertion order.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]store.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, role, item_id, response_id, text, audio_bytes, audio_ms,
		       start_ms, end_ms, completed, interrupted, error
		FROM conversation_turns WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []store.Turn
	for rows.Next() {
		var (
			t                   store.Turn
			role                string
			audioMs, start, end int64
		)
		if err := rows.Scan(&t.ConversationID, &role, &t.ItemID, &t.ResponseID, &t.Text, &t.AudioBytes, &audioMs,
			&start, &end, &t.Completed, &t.Interrupted, &t.Error); err != nil {
			return nil, err
		}
		t.Role = events.Role(role)
		t.AudioDuration = time.Duration(audioMs) * time.Millisecond
		t.StartOffset = time.Duration(start) * time.Millisecond
		t.EndOffset = time.Duration(end) * time.Millisecond
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
