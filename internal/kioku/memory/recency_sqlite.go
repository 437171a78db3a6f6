package memory

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// SQLiteRecencyStore implements RecencyStore on the turns table (migration
// 0001_turns.sql). Every statement is scoped by the namespace column.
//
// Per-user append ordering comes from SQLite itself: the store package opens
// a single connection, so each Append transaction runs alone.
type SQLiteRecencyStore struct {
	db        *sql.DB
	retention Retention
	logger    *slog.Logger
}

// NewSQLiteRecencyStore creates a SQLiteRecencyStore on db. The caller owns
// db. If logger is nil, the default slog logger is used.
func NewSQLiteRecencyStore(db *sql.DB, retention Retention, logger *slog.Logger) *SQLiteRecencyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteRecencyStore{db: db, retention: retention, logger: logger}
}

// Append implements RecencyStore.
func (s *SQLiteRecencyStore) Append(ctx context.Context, userID string, turn Turn) ([]string, error) {
	if err := validateAppend(userID, turn); err != nil {
		return nil, err
	}
	ns := Namespace(userID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyStoreErr("recency sqlite: begin append", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, namespace, user_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		turn.ID, ns, userID, turn.Role, turn.Content, turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, classifyStoreErr("recency sqlite: insert turn", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, invalidTurn("turn %s already recorded", turn.ID)
	}

	var evicted []string
	if s.retention.MaxTurns > 0 {
		evicted, err = deleteReturningIDs(ctx, tx, `
			DELETE FROM turns WHERE namespace = ? AND id IN (
				SELECT id FROM turns WHERE namespace = ?
				ORDER BY created_at DESC, id DESC
				LIMIT -1 OFFSET ?
			) RETURNING id, created_at`,
			ns, ns, s.retention.MaxTurns,
		)
		if err != nil {
			return nil, classifyStoreErr("recency sqlite: evict", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyStoreErr("recency sqlite: commit append", err)
	}

	s.logger.Debug("recency sqlite: appended turn",
		"user_id", userID,
		"turn_id", turn.ID,
		"evicted", len(evicted),
	)
	return evicted, nil
}

// Recent implements RecencyStore.
func (s *SQLiteRecencyStore) Recent(ctx context.Context, userID string, n int) ([]Turn, error) {
	if n <= 0 {
		return []Turn{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, content, created_at
		FROM turns WHERE namespace = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		Namespace(userID), n,
	)
	if err != nil {
		return nil, classifyStoreErr("recency sqlite: query recent", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0, min(n, 64))
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, classifyStoreErr("recency sqlite: scan turn", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreErr("recency sqlite: iterate turns", err)
	}

	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Get implements RecencyStore.
func (s *SQLiteRecencyStore) Get(ctx context.Context, userID, turnID string) (Turn, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, role, content, created_at
		FROM turns WHERE namespace = ? AND id = ?`,
		Namespace(userID), turnID,
	)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, false, nil
	}
	if err != nil {
		return Turn{}, false, classifyStoreErr("recency sqlite: get turn", err)
	}
	return t, true, nil
}

// Prune implements RecencyStore. The delete is a single statement, so the
// number of expired turns is not bounded by SQLite's variable limit.
func (s *SQLiteRecencyStore) Prune(ctx context.Context, userID string, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyStoreErr("recency sqlite: begin prune", err)
	}
	defer tx.Rollback()

	ids, err := deleteReturningIDs(ctx, tx,
		`DELETE FROM turns WHERE namespace = ? AND created_at < ? RETURNING id, created_at`,
		Namespace(userID), cutoff.UnixNano(),
	)
	if err != nil {
		return nil, classifyStoreErr("recency sqlite: prune", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classifyStoreErr("recency sqlite: commit prune", err)
	}
	return ids, nil
}

// Users implements RecencyStore.
func (s *SQLiteRecencyStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM turns ORDER BY namespace`)
	if err != nil {
		return nil, classifyStoreErr("recency sqlite: query users", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, classifyStoreErr("recency sqlite: scan user", err)
		}
		users = append(users, userFromNamespace(ns))
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreErr("recency sqlite: iterate users", err)
	}
	return users, nil
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLiteRecencyStore) Close() error { return nil }

// deleteReturningIDs runs a DELETE ... RETURNING id, created_at and returns
// the removed ids oldest first.
func deleteReturningIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var removed []removedTurn
	for rows.Next() {
		var r removedTurn
		if err := rows.Scan(&r.id, &r.createdAt); err != nil {
			return nil, err
		}
		removed = append(removed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return oldestFirst(removed), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(r rowScanner) (Turn, error) {
	var (
		t         Turn
		createdAt int64
	)
	if err := r.Scan(&t.ID, &t.UserID, &t.Role, &t.Content, &createdAt); err != nil {
		return Turn{}, err
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	return t, nil
}

var _ RecencyStore = (*SQLiteRecencyStore)(nil)
