package memory

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemSemanticStore implements SemanticStore on chromem-go, an embedded
// pure-Go vector database. Each user gets a dedicated collection, so a query
// can only ever see that user's documents; the user_id metadata filter is
// applied on top.
type ChromemSemanticStore struct {
	db        *chromem.DB
	prefix    string
	dimension int
	logger    *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// ChromemConfig configures a ChromemSemanticStore.
type ChromemConfig struct {
	// Path enables persistence to a directory. Empty keeps everything in
	// memory.
	Path string
	// Compress gzips persisted documents.
	Compress bool
	// Collection prefixes per-user collection names. Defaults to
	// "conversations".
	Collection string
	// Dimension is the enforced embedding length.
	Dimension int
}

// NewChromemSemanticStore opens (or creates) a chromem database.
func NewChromemSemanticStore(cfg ChromemConfig, logger *slog.Logger) (*ChromemSemanticStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Collection == "" {
		cfg.Collection = "conversations"
	}

	db := chromem.NewDB()
	if cfg.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, unavailable("semantic chromem: open "+cfg.Path, err)
		}
	}

	return &ChromemSemanticStore{
		db:          db,
		prefix:      cfg.Collection,
		dimension:   cfg.Dimension,
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *ChromemSemanticStore) collectionName(userID string) string {
	return s.prefix + ":" + Namespace(userID)
}

// collection returns userID's collection, creating it when create is set.
// A nil collection with nil error means the user has nothing indexed.
func (s *ChromemSemanticStore) collection(userID string, create bool) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}

	name := s.collectionName(userID)
	if col := s.db.GetCollection(name, nil); col != nil {
		s.collections[userID] = col
		return col, nil
	}
	if !create {
		return nil, nil
	}

	// No embedding func: documents always arrive with their vectors.
	col, err := s.db.CreateCollection(name, map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, unavailable("semantic chromem: create collection", err)
	}
	s.collections[userID] = col
	return col, nil
}

// Upsert implements SemanticStore.
func (s *ChromemSemanticStore) Upsert(ctx context.Context, rec MemoryRecord) error {
	if err := validateRecord(rec, s.dimension); err != nil {
		return err
	}
	if isZero(rec.Embedding) {
		return invalidTurn("memory record %s has a zero embedding", rec.TurnID)
	}
	col, err := s.collection(rec.UserID, true)
	if err != nil {
		return err
	}

	// chromem normalizes vectors in place; hand it a copy.
	doc := chromem.Document{
		ID:        rec.TurnID,
		Content:   rec.Content,
		Embedding: slices.Clone(rec.Embedding),
		Metadata: map[string]string{
			"user_id":    rec.UserID,
			"role":       rec.Role,
			"created_at": strconv.FormatInt(rec.CreatedAt.UnixNano(), 10),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return classifyStoreErr("semantic chromem: add document", err)
	}
	return nil
}

// Search implements SemanticStore.
func (s *ChromemSemanticStore) Search(ctx context.Context, userID string, query []float32, k int, minScore float64) ([]ScoredRecord, error) {
	if err := validateQuery(query, s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 || isZero(query) {
		return nil, nil
	}
	col, err := s.collection(userID, false)
	if err != nil || col == nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	n := min(k, col.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, slices.Clone(query), n, map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, classifyStoreErr("semantic chromem: query", err)
	}

	hits := make([]ScoredRecord, 0, len(results))
	for _, r := range results {
		createdAt, err := strconv.ParseInt(r.Metadata["created_at"], 10, 64)
		if err != nil {
			s.logger.Warn("semantic chromem: skip document with bad created_at", "turn_id", r.ID, "err", err)
			continue
		}
		hits = append(hits, ScoredRecord{
			MemoryRecord: MemoryRecord{
				TurnID:    r.ID,
				UserID:    r.Metadata["user_id"],
				Role:      r.Metadata["role"],
				Content:   r.Content,
				Embedding: r.Embedding,
				CreatedAt: time.Unix(0, createdAt).UTC(),
			},
			Score: float64(r.Similarity),
		})
	}
	return rankScored(hits, k, minScore), nil
}

// Delete implements SemanticStore.
func (s *ChromemSemanticStore) Delete(ctx context.Context, userID string, turnIDs ...string) error {
	if len(turnIDs) == 0 {
		return nil
	}
	col, err := s.collection(userID, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, turnIDs...); err != nil {
		return classifyStoreErr("semantic chromem: delete", err)
	}
	return nil
}

// Close implements SemanticStore. Persistent databases write through on
// every change, so there is nothing to flush.
func (s *ChromemSemanticStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.collections)
	return nil
}

var _ SemanticStore = (*ChromemSemanticStore)(nil)
