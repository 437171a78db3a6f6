package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgvectorSemanticStore implements SemanticStore on PostgreSQL with the
// pgvector extension. Similarity is 1 - cosine distance (the <=> operator),
// and both the user filter and the threshold run server-side.
type PgvectorSemanticStore struct {
	pool      *pgxpool.Pool
	dimension int
	logger    *slog.Logger
}

// NewPgvectorSemanticStore enables the vector extension, creates the
// kioku_memory_records table sized to dimension, and returns the store. The
// caller owns pool.
func NewPgvectorSemanticStore(ctx context.Context, pool *pgxpool.Pool, dimension int, logger *slog.Logger) (*PgvectorSemanticStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("semantic pgvector: dimension must be positive, got %d", dimension)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kioku_memory_records (
			turn_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			embedding vector(%d) NOT NULL
		);`, dimension),
		`CREATE INDEX IF NOT EXISTS idx_kioku_memory_records_user ON kioku_memory_records (user_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, classifyStoreErr("semantic pgvector: init schema", err)
		}
	}
	return &PgvectorSemanticStore{pool: pool, dimension: dimension, logger: logger}, nil
}

// Upsert implements SemanticStore.
func (s *PgvectorSemanticStore) Upsert(ctx context.Context, rec MemoryRecord) error {
	if err := validateRecord(rec, s.dimension); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kioku_memory_records (turn_id, user_id, role, content, created_at, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6::vector)
		 ON CONFLICT (turn_id) DO UPDATE SET
			role = EXCLUDED.role,
			content = EXCLUDED.content,
			created_at = EXCLUDED.created_at,
			embedding = EXCLUDED.embedding
		 WHERE kioku_memory_records.user_id = EXCLUDED.user_id`,
		rec.TurnID, rec.UserID, rec.Role, rec.Content, rec.CreatedAt.UnixNano(), vectorLiteral(rec.Embedding),
	)
	if err != nil {
		return classifyStoreErr("semantic pgvector: upsert record", err)
	}
	return nil
}

// Search implements SemanticStore.
func (s *PgvectorSemanticStore) Search(ctx context.Context, userID string, query []float32, k int, minScore float64) ([]ScoredRecord, error) {
	if err := validateQuery(query, s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 || isZero(query) {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT turn_id, user_id, role, content, created_at, score FROM (
			SELECT turn_id, user_id, role, content, created_at,
			       1 - (embedding <=> $2::vector) AS score
			FROM kioku_memory_records
			WHERE user_id = $1
		 ) hits
		 WHERE score >= $3
		 ORDER BY score DESC, created_at DESC, turn_id
		 LIMIT $4`,
		userID, vectorLiteral(query), minScore, k,
	)
	if err != nil {
		return nil, classifyStoreErr("semantic pgvector: search", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ScoredRecord, error) {
		var (
			h         ScoredRecord
			createdAt int64
		)
		if err := row.Scan(&h.TurnID, &h.UserID, &h.Role, &h.Content, &createdAt, &h.Score); err != nil {
			return ScoredRecord{}, err
		}
		h.CreatedAt = time.Unix(0, createdAt).UTC()
		return h, nil
	})
	if err != nil {
		return nil, classifyStoreErr("semantic pgvector: collect hits", err)
	}
	return hits, nil
}

// Delete implements SemanticStore.
func (s *PgvectorSemanticStore) Delete(ctx context.Context, userID string, turnIDs ...string) error {
	if len(turnIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM kioku_memory_records WHERE user_id = $1 AND turn_id = ANY($2)`,
		userID, turnIDs,
	)
	if err != nil {
		return classifyStoreErr("semantic pgvector: delete records", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PgvectorSemanticStore) Close() error { return nil }

var _ SemanticStore = (*PgvectorSemanticStore)(nil)
