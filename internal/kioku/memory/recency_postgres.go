package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRecencyStore implements RecencyStore on PostgreSQL. Appends for
// one namespace are serialized with a transaction-scoped advisory lock, so
// concurrent writers for the same user queue up while other users proceed.
type PostgresRecencyStore struct {
	pool      *pgxpool.Pool
	retention Retention
	logger    *slog.Logger
}

// NewPostgresRecencyStore creates the kioku_turns table if needed and returns
// a store using pool. The caller owns pool.
func NewPostgresRecencyStore(ctx context.Context, pool *pgxpool.Pool, retention Retention, logger *slog.Logger) (*PostgresRecencyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kioku_turns (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kioku_turns_namespace_created ON kioku_turns (namespace, created_at, id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, classifyStoreErr("recency postgres: init schema", err)
		}
	}
	return &PostgresRecencyStore{pool: pool, retention: retention, logger: logger}, nil
}

// Append implements RecencyStore.
func (s *PostgresRecencyStore) Append(ctx context.Context, userID string, turn Turn) ([]string, error) {
	if err := validateAppend(userID, turn); err != nil {
		return nil, err
	}
	ns := Namespace(userID)

	var evicted []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ns); err != nil {
			return fmt.Errorf("lock namespace: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO kioku_turns (id, namespace, user_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			turn.ID, ns, userID, turn.Role, turn.Content, turn.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return invalidTurn("turn %s already recorded", turn.ID)
		}

		if s.retention.MaxTurns <= 0 {
			return nil
		}
		rows, err := tx.Query(ctx,
			`DELETE FROM kioku_turns WHERE namespace = $1 AND id IN (
				SELECT id FROM kioku_turns WHERE namespace = $1
				ORDER BY created_at DESC, id DESC OFFSET $2
			) RETURNING id, created_at`,
			ns, s.retention.MaxTurns,
		)
		if err != nil {
			return fmt.Errorf("evict: %w", err)
		}
		removed, err := pgx.CollectRows(rows, scanRemovedTurn)
		if err != nil {
			return fmt.Errorf("collect evicted: %w", err)
		}
		evicted = oldestFirst(removed)
		return nil
	})
	if err != nil {
		return nil, classifyStoreErr("recency postgres: append", err)
	}
	return evicted, nil
}

// Recent implements RecencyStore.
func (s *PostgresRecencyStore) Recent(ctx context.Context, userID string, n int) ([]Turn, error) {
	if n <= 0 {
		return []Turn{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, content, created_at
		 FROM kioku_turns WHERE namespace = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		Namespace(userID), n,
	)
	if err != nil {
		return nil, classifyStoreErr("recency postgres: query recent", err)
	}
	turns, err := pgx.CollectRows(rows, scanPgTurn)
	if err != nil {
		return nil, classifyStoreErr("recency postgres: collect recent", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// Get implements RecencyStore.
func (s *PostgresRecencyStore) Get(ctx context.Context, userID, turnID string) (Turn, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, content, created_at
		 FROM kioku_turns WHERE namespace = $1 AND id = $2`,
		Namespace(userID), turnID,
	)
	if err != nil {
		return Turn{}, false, classifyStoreErr("recency postgres: get turn", err)
	}
	t, err := pgx.CollectOneRow(rows, scanPgTurn)
	if errors.Is(err, pgx.ErrNoRows) {
		return Turn{}, false, nil
	}
	if err != nil {
		return Turn{}, false, classifyStoreErr("recency postgres: get turn", err)
	}
	return t, true, nil
}

// Prune implements RecencyStore.
func (s *PostgresRecencyStore) Prune(ctx context.Context, userID string, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM kioku_turns WHERE namespace = $1 AND created_at < $2 RETURNING id, created_at`,
		Namespace(userID), cutoff.UnixNano(),
	)
	if err != nil {
		return nil, classifyStoreErr("recency postgres: prune", err)
	}
	removed, err := pgx.CollectRows(rows, scanRemovedTurn)
	if err != nil {
		return nil, classifyStoreErr("recency postgres: prune", err)
	}
	return oldestFirst(removed), nil
}

// Users implements RecencyStore.
func (s *PostgresRecencyStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT namespace FROM kioku_turns ORDER BY namespace`)
	if err != nil {
		return nil, classifyStoreErr("recency postgres: query users", err)
	}
	namespaces, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyStoreErr("recency postgres: collect users", err)
	}
	users := make([]string, len(namespaces))
	for i, ns := range namespaces {
		users[i] = userFromNamespace(ns)
	}
	return users, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresRecencyStore) Close() error { return nil }

func scanPgTurn(row pgx.CollectableRow) (Turn, error) {
	var (
		t         Turn
		createdAt int64
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Role, &t.Content, &createdAt); err != nil {
		return Turn{}, err
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	return t, nil
}

func scanRemovedTurn(row pgx.CollectableRow) (removedTurn, error) {
	var r removedTurn
	err := row.Scan(&r.id, &r.createdAt)
	return r, err
}

var _ RecencyStore = (*PostgresRecencyStore)(nil)
