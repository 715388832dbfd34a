package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/profile"
	"github.com/dkilleen4417/ai-chat-mp/internal/trace"
)

// ErrTraceNotFound is returned by GetTrace for an unknown id.
var ErrTraceNotFound = errors.New("trace not found")

// Store implements conversation.Store, profile.Store and trace.Writer.
var (
	_ conversation.Store = (*Store)(nil)
	_ profile.Store      = (*Store)(nil)
	_ trace.Writer       = (*Store)(nil)
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSATION OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Load returns a conversation with all its turns in order.
// Returns conversation.ErrNotFound if the id is unknown.
func (s *Store) Load(ctx context.Context, id string) (*conversation.Context, error) {
	conv := conversation.New(id)

	var established int
	err := s.db.QueryRowContext(ctx, `
		SELECT topic_established, topic_label, topic_confidence, topic_reasoning
		FROM conversations
		WHERE id = ?
	`, id).Scan(&established, &conv.Topic.Label, &conv.Topic.Confidence, &conv.Topic.Reasoning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	conv.Topic.Established = established != 0

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t conversation.Turn
		var role string
		var at int64
		if err := rows.Scan(&role, &t.Content, &at); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = conversation.Role(role)
		t.At = FromUnixMillis(at)
		conv.Turns = append(conv.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	return conv, nil
}

// Append adds turns to a conversation in one transaction, creating the
// conversation if needed, and stores the recomputed topic state. It
// returns the conversation as committed.
func (s *Store) Append(ctx context.Context, id string, turns ...conversation.Turn) (*conversation.Context, error) {
	if id == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}
	turns = append([]conversation.Turn(nil), turns...)

	var conv *conversation.Context
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		if err := insertConversationTx(ctx, tx, id, now); err != nil {
			return err
		}
		existing, err := loadTurnsTx(ctx, tx, id)
		if err != nil {
			return err
		}

		for i := range turns {
			if turns[i].At.IsZero() {
				turns[i].At = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO turns (conversation_id, seq, role, content, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, id, len(existing)+i, string(turns[i].Role), turns[i].Content, UnixMillis(turns[i].At)); err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
		}

		all := append(existing, turns...)
		topic := conversation.DetectTopic(all)

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET topic_established = ?, topic_label = ?, topic_confidence = ?, topic_reasoning = ?, updated_at = ?
			WHERE id = ?
		`, boolInt(topic.Established), topic.Label, topic.Confidence, topic.Reasoning, UnixMillis(now), id); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}

		conv = &conversation.Context{ID: id, Turns: all, Topic: topic}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns conversation ids, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM conversations ORDER BY updated_at DESC, id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func loadTurnsTx(ctx context.Context, tx *sql.Tx, id string) ([]conversation.Turn, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT role, content, created_at FROM turns WHERE conversation_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var role string
		var at int64
		var t conversation.Turn
		if err := rows.Scan(&role, &t.Content, &at); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = conversation.Role(role)
		t.At = FromUnixMillis(at)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func insertConversationTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, UnixMillis(now), UnixMillis(now))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROFILE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Get returns a user's profile.
// Returns profile.ErrNotFound if the user has none.
func (s *Store) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", profile.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}

	var p profile.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// Put validates and stores a profile, replacing any previous one.
func (s *Store) Put(ctx context.Context, p *profile.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, p.UserID, string(raw), UnixMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRACE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveTrace stores a finished trace. Saving the same id twice replaces it.
func (s *Store) SaveTrace(ctx context.Context, snap trace.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("trace id cannot be empty")
	}
	events, err := json.Marshal(snap.Events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO traces (id, query, route, decided_by, degraded, started_at, duration_ms, events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.Query, snap.Route, snap.DecidedBy, boolInt(snap.Degraded),
		UnixMillis(snap.StartedAt), snap.DurationMs, string(events))
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// GetTrace returns one stored trace.
func (s *Store) GetTrace(ctx context.Context, id string) (*trace.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, query, route, decided_by, degraded, started_at, duration_ms, events
		FROM traces WHERE id = ?
	`, id)
	snap, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, id)
	}
	return snap, err
}

// RecentTraces returns up to limit traces, newest first.
func (s *Store) RecentTraces(ctx context.Context, limit int) ([]*trace.Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, route, decided_by, degraded, started_at, duration_ms, events
		FROM traces ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	snaps := []*trace.Snapshot{}
	for rows.Next() {
		snap, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// PruneTraces deletes traces started before cutoff and returns how many
// were removed.
func (s *Store) PruneTraces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE started_at < ?`, UnixMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune traces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*trace.Snapshot, error) {
	var snap trace.Snapshot
	var degraded int
	var startedAt int64
	var events string
	if err := row.Scan(&snap.ID, &snap.Query, &snap.Route, &snap.DecidedBy, &degraded,
		&startedAt, &snap.DurationMs, &events); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan trace: %w", err)
	}
	snap.Degraded = degraded != 0
	snap.StartedAt = FromUnixMillis(startedAt)
	if err := json.Unmarshal([]byte(events), &snap.Events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return &snap, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
