package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// SQLiteSemanticStore implements SemanticStore on the memory_records table
// (migration 0002_memory_records.sql) with brute-force cosine similarity.
//
// Similarity is computed in Go rather than through a SQLite extension
// because modernc.org/sqlite cannot load C extensions. The user filter is in
// the WHERE clause, so only the caller's rows are ever read. At per-user
// scale (hundreds to low thousands of retained turns) this is fast enough.
type SQLiteSemanticStore struct {
	db        *sql.DB
	dimension int
	logger    *slog.Logger
}

// NewSQLiteSemanticStore creates a SQLiteSemanticStore on db. The caller
// owns db. If logger is nil, the default slog logger is used.
func NewSQLiteSemanticStore(db *sql.DB, dimension int, logger *slog.Logger) *SQLiteSemanticStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteSemanticStore{db: db, dimension: dimension, logger: logger}
}

// Upsert implements SemanticStore.
func (s *SQLiteSemanticStore) Upsert(ctx context.Context, rec MemoryRecord) error {
	if err := validateRecord(rec, s.dimension); err != nil {
		return err
	}
	blob, err := encodeEmbedding(rec.Embedding)
	if err != nil {
		return fmt.Errorf("semantic sqlite: %w", err)
	}

	// The WHERE on the update arm keeps a turn ID owned by one user from
	// being overwritten through another user's record.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_records (turn_id, user_id, role, content, created_at, dimension, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (turn_id) DO UPDATE SET
			role = excluded.role,
			content = excluded.content,
			created_at = excluded.created_at,
			dimension = excluded.dimension,
			embedding = excluded.embedding
		WHERE memory_records.user_id = excluded.user_id`,
		rec.TurnID, rec.UserID, rec.Role, rec.Content, rec.CreatedAt.UnixNano(), len(rec.Embedding), blob,
	)
	if err != nil {
		return classifyStoreErr("semantic sqlite: upsert record", err)
	}

	s.logger.Debug("semantic sqlite: upserted record",
		"turn_id", rec.TurnID,
		"user_id", rec.UserID,
		"dimension", len(rec.Embedding),
	)
	return nil
}

// Search implements SemanticStore.
func (s *SQLiteSemanticStore) Search(ctx context.Context, userID string, query []float32, k int, minScore float64) ([]ScoredRecord, error) {
	if err := validateQuery(query, s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, user_id, role, content, created_at, embedding
		FROM memory_records
		WHERE user_id = ? AND dimension = ?`,
		userID, len(query),
	)
	if err != nil {
		return nil, classifyStoreErr("semantic sqlite: query records", err)
	}
	defer rows.Close()

	var hits []ScoredRecord
	for rows.Next() {
		var (
			rec       MemoryRecord
			createdAt int64
			blob      []byte
		)
		if err := rows.Scan(&rec.TurnID, &rec.UserID, &rec.Role, &rec.Content, &createdAt, &blob); err != nil {
			return nil, classifyStoreErr("semantic sqlite: scan record", err)
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		rec.Embedding, err = decodeEmbedding(blob)
		if err != nil {
			s.logger.Warn("semantic sqlite: skip malformed row", "turn_id", rec.TurnID, "err", err)
			continue
		}
		hits = append(hits, ScoredRecord{MemoryRecord: rec, Score: cosineSimilarity(query, rec.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreErr("semantic sqlite: iterate records", err)
	}

	return rankScored(hits, k, minScore), nil
}

// deleteChunk bounds the ids bound into one DELETE, well under SQLite's
// variable limit.
const deleteChunk = 500

// Delete implements SemanticStore. Large deletes run as several statements
// in one transaction.
func (s *SQLiteSemanticStore) Delete(ctx context.Context, userID string, turnIDs ...string) error {
	if len(turnIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyStoreErr("semantic sqlite: begin delete", err)
	}
	defer tx.Rollback()

	for chunk := range slices.Chunk(turnIDs, deleteChunk) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, userID)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM memory_records WHERE user_id = ? AND turn_id IN (%s)", placeholders),
			args...,
		)
		if err != nil {
			return classifyStoreErr("semantic sqlite: delete records", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyStoreErr("semantic sqlite: commit delete", err)
	}
	return nil
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLiteSemanticStore) Close() error { return nil }

var _ SemanticStore = (*SQLiteSemanticStore)(nil)
