package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kioku/common/trace"
)

// Defaults for SynthesizerConfig.
const (
	DefaultWindowSize         = 10
	DefaultRetrievalLimit     = 5
	DefaultRelevanceThreshold = 0.7
	DefaultMaxContextTokens   = 3000
	DefaultEmbeddingDimension = 1536
)

// SynthesizerConfig is the per-instance configuration of a Synthesizer.
// Several synthesizers with different budgets may share the same stores.
type SynthesizerConfig struct {
	// WindowSize is how many recent turns are always considered.
	WindowSize int
	// RetrievalLimit is the maximum number of semantically retrieved turns.
	RetrievalLimit int
	// RelevanceThreshold is the minimum similarity for a retrieved turn.
	RelevanceThreshold float64
	// MaxContextTokens is the token budget of an assembled context.
	MaxContextTokens int
	// EmbeddingDimension is the length every embedding must have.
	EmbeddingDimension int

	// Per-call timeouts. Zero means no timeout beyond the caller's context.
	AppendTimeout time.Duration
	RecentTimeout time.Duration
	EmbedTimeout  time.Duration
	SearchTimeout time.Duration
	UpsertTimeout time.Duration
}

// DefaultSynthesizerConfig returns the stock configuration.
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		WindowSize:         DefaultWindowSize,
		RetrievalLimit:     DefaultRetrievalLimit,
		RelevanceThreshold: DefaultRelevanceThreshold,
		MaxContextTokens:   DefaultMaxContextTokens,
		EmbeddingDimension: DefaultEmbeddingDimension,
		AppendTimeout:      2 * time.Second,
		RecentTimeout:      2 * time.Second,
		EmbedTimeout:       5 * time.Second,
		SearchTimeout:      2 * time.Second,
		UpsertTimeout:      2 * time.Second,
	}
}

// Validate checks the configuration for values the algorithm cannot use.
func (c SynthesizerConfig) Validate() error {
	switch {
	case c.WindowSize <= 0:
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	case c.RetrievalLimit < 0:
		return fmt.Errorf("retrieval limit must not be negative, got %d", c.RetrievalLimit)
	case c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1:
		return fmt.Errorf("relevance threshold must be within [0,1], got %v", c.RelevanceThreshold)
	case c.MaxContextTokens <= 0:
		return fmt.Errorf("max context tokens must be positive, got %d", c.MaxContextTokens)
	case c.EmbeddingDimension <= 0:
		return fmt.Errorf("embedding dimension must be positive, got %d", c.EmbeddingDimension)
	}
	for name, d := range map[string]time.Duration{
		"append": c.AppendTimeout, "recent": c.RecentTimeout, "embed": c.EmbedTimeout,
		"search": c.SearchTimeout, "upsert": c.UpsertTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s timeout must not be negative, got %v", name, d)
		}
	}
	return nil
}

// Synthesizer orchestrates the stores and the embedding provider. It holds
// no per-user state and is safe for concurrent use.
//
// Writes (RecordTurn) go to the Recency Store first; that append is the only
// step that can fail the call. Semantic indexing afterwards is best-effort:
// failures are logged and, when a Backlog is attached, queued for retry.
//
// Reads (GetContext) fetch the recency window and the query embedding
// concurrently, search the Semantic Store, then hand both to assemble. A
// missing embedding or a failing semantic search degrades to a recency-only
// context; only a Recency Store failure or a dimension mismatch is returned.
type Synthesizer struct {
	Recency   RecencyStore
	Semantic  SemanticStore
	Embedder  Embedder
	Estimator TokenEstimator
	Clock     Clock
	NewID     func() string
	Backlog   *Backlog
	Observer  Observer
	Logger    *slog.Logger

	cfg SynthesizerConfig
}

// NewSynthesizer validates cfg and wires the collaborators. embedder may be
// nil (recency-only). If logger is nil, the default slog logger is used.
func NewSynthesizer(cfg SynthesizerConfig, recency RecencyStore, semantic SemanticStore, embedder Embedder, logger *slog.Logger) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("synthesizer: %w", err)
	}
	if recency == nil || semantic == nil {
		return nil, errors.New("synthesizer: recency and semantic stores are required")
	}
	if embedder == nil {
		embedder = NoopEmbedder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		Recency:   recency,
		Semantic:  semantic,
		Embedder:  embedder,
		Estimator: DefaultEstimator,
		Clock:     NewMonotonicClock(),
		NewID:     uuid.NewString,
		Observer:  NopObserver{},
		Logger:    logger,
		cfg:       cfg,
	}, nil
}

// Config returns the synthesizer's configuration.
func (s *Synthesizer) Config() SynthesizerConfig { return s.cfg }

func (s *Synthesizer) log(ctx context.Context) *slog.Logger {
	if id := trace.FromContext(ctx); id != "" {
		return s.Logger.With("trace_id", id)
	}
	return s.Logger
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// RecordTurn assigns an ID and timestamp to a new turn, appends it to the
// Recency Store and indexes it in the Semantic Store.
//
// The append is the durability point: if it fails (including by timeout) the
// error is returned, classified as ErrInvalidTurn or ErrStoreUnavailable, and
// nothing is indexed. Indexing failures never fail the call. A turn evicted
// by its own append is returned but never indexed.
func (s *Synthesizer) RecordTurn(ctx context.Context, userID, role, content string) (Turn, error) {
	logger := s.log(ctx)
	turn := Turn{
		ID:        s.NewID(),
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: s.Clock.Now(),
	}
	if err := turn.Validate(); err != nil {
		s.Observer.TurnRecorded("invalid")
		return Turn{}, fmt.Errorf("synthesizer: record turn: %w", err)
	}

	actx, cancel := withTimeout(ctx, s.cfg.AppendTimeout)
	evicted, err := s.Recency.Append(actx, userID, turn)
	cancel()
	if err != nil {
		err = classifyStoreErr("synthesizer: append", err)
		if errors.Is(err, ErrInvalidTurn) {
			s.Observer.TurnRecorded("invalid")
		} else {
			s.Observer.TurnRecorded("failed")
			s.Observer.StoreFailed("recency", "append")
		}
		logger.Warn("synthesizer: append failed", "user_id", userID, "turn_id", turn.ID, "err", err)
		return Turn{}, err
	}
	s.Observer.TurnRecorded("ok")

	if len(evicted) > 0 {
		s.forget(ctx, userID, evicted)
	}

	// A concurrent writer with a later timestamp can push the new turn out
	// of the retained set in the same append. It must not be indexed then.
	if slices.Contains(evicted, turn.ID) {
		logger.Info("synthesizer: turn evicted on append, not indexed",
			"user_id", userID, "turn_id", turn.ID)
		return turn, nil
	}

	if err := s.indexTurn(ctx, turn); err != nil {
		s.indexingFailed(ctx, turn, err)
	}

	logger.Debug("synthesizer: recorded turn",
		"user_id", userID,
		"turn_id", turn.ID,
		"role", role,
		"content_len", len(content),
		"evicted", len(evicted),
	)
	return turn, nil
}

// errNoEmbedding marks turns the provider declined to embed (noop provider).
var errNoEmbedding = errors.New("no embedding produced")

// indexTurn embeds turn and upserts its MemoryRecord. Errors are classified:
// ErrProviderError, ErrStoreUnavailable, ErrDimensionMismatch or
// errNoEmbedding.
func (s *Synthesizer) indexTurn(ctx context.Context, turn Turn) error {
	vec, err := s.embed(ctx, turn.Content)
	if err != nil {
		return err
	}
	if vec == nil {
		return errNoEmbedding
	}

	uctx, cancel := withTimeout(ctx, s.cfg.UpsertTimeout)
	defer cancel()
	if err := s.Semantic.Upsert(uctx, RecordFromTurn(turn, vec)); err != nil {
		return classifyStoreErr("semantic upsert", err)
	}
	return nil
}

// embed calls the provider under EmbedTimeout and checks the dimension.
func (s *Synthesizer) embed(ctx context.Context, text string) ([]float32, error) {
	ectx, cancel := withTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	vec, err := s.Embedder.Embed(ectx, text)
	if err != nil {
		if !errors.Is(err, ErrProviderError) {
			err = fmt.Errorf("%w: %w", ErrProviderError, err)
		}
		return nil, fmt.Errorf("embed: %w", err)
	}
	if vec != nil && len(vec) != s.cfg.EmbeddingDimension {
		return nil, fmt.Errorf("embed: %w", dimensionMismatch(s.cfg.EmbeddingDimension, len(vec)))
	}
	return vec, nil
}

// indexingFailed logs a best-effort indexing failure and queues the turn for
// another attempt when that could help.
func (s *Synthesizer) indexingFailed(ctx context.Context, turn Turn, err error) {
	logger := s.log(ctx)
	switch {
	case errors.Is(err, errNoEmbedding):
		return
	case errors.Is(err, ErrDimensionMismatch):
		s.Observer.IndexingFailed("dimension_mismatch")
		logger.Error("synthesizer: embedding dimension mismatch, turn not indexed",
			"user_id", turn.UserID, "turn_id", turn.ID, "err", err)
		return
	case errors.Is(err, ErrProviderError):
		s.Observer.IndexingFailed("provider")
	default:
		s.Observer.IndexingFailed("store")
		s.Observer.StoreFailed("semantic", "upsert")
	}

	queued := false
	if s.Backlog != nil && IsRetryable(err) {
		queued = s.Backlog.Add(turn.UserID, turn.ID)
		s.Observer.BacklogSize(s.Backlog.Len())
	}
	logger.Warn("synthesizer: semantic indexing skipped",
		"user_id", turn.UserID, "turn_id", turn.ID, "queued", queued, "err", err)
}

// forget removes evicted turns from the Semantic Store.
func (s *Synthesizer) forget(ctx context.Context, userID string, turnIDs []string) {
	s.Observer.TurnsEvicted(len(turnIDs))
	dctx, cancel := withTimeout(ctx, s.cfg.UpsertTimeout)
	defer cancel()
	if err := s.Semantic.Delete(dctx, userID, turnIDs...); err != nil {
		s.Observer.StoreFailed("semantic", "delete")
		s.log(ctx).Warn("synthesizer: failed to delete evicted records",
			"user_id", userID, "count", len(turnIDs), "err", err)
	}
	if s.Backlog != nil {
		s.Backlog.Remove(userID, turnIDs...)
	}
}

// Recent returns up to n of userID's most recent turns, oldest first.
func (s *Synthesizer) Recent(ctx context.Context, userID string, n int) ([]Turn, error) {
	rctx, cancel := withTimeout(ctx, s.cfg.RecentTimeout)
	defer cancel()
	turns, err := s.Recency.Recent(rctx, userID, n)
	if err != nil {
		s.Observer.StoreFailed("recency", "recent")
		return nil, classifyStoreErr("synthesizer: recent", err)
	}
	return turns, nil
}

// GetContext assembles the context for query: the last WindowSize turns
// plus up to RetrievalLimit older turns scoring at least RelevanceThreshold,
// deduplicated, in chronological order, within MaxContextTokens.
//
// Calling it twice without intervening writes returns the same result.
func (s *Synthesizer) GetContext(ctx context.Context, userID, query string) (AssembledContext, error) {
	start := time.Now()
	logger := s.log(ctx)
	if userID == "" {
		return AssembledContext{}, fmt.Errorf("synthesizer: get context: %w", invalidTurn("user_id is required"))
	}

	var (
		window   []Turn
		qvec     []float32
		embedErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		window, err = s.Recent(gctx, userID, s.cfg.WindowSize)
		return err
	})
	if s.cfg.RetrievalLimit > 0 && query != "" {
		g.Go(func() error {
			// Never fails the group: a missing embedding only degrades.
			qvec, embedErr = s.embed(gctx, query)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AssembledContext{}, fmt.Errorf("synthesizer: get context: %w", err)
	}

	degraded := false
	var retrieved []ScoredRecord
	switch {
	case errors.Is(embedErr, ErrDimensionMismatch):
		return AssembledContext{}, fmt.Errorf("synthesizer: get context: %w", embedErr)
	case embedErr != nil:
		degraded = true
		logger.Warn("synthesizer: query embedding failed, using recency only", "user_id", userID, "err", embedErr)
	case qvec == nil:
		// Only a provider that declined to embed a real query degrades; an
		// empty query or disabled retrieval never reached it.
		degraded = s.cfg.RetrievalLimit > 0 && query != ""
	default:
		var err error
		retrieved, err = s.search(ctx, userID, qvec)
		if errors.Is(err, ErrDimensionMismatch) {
			return AssembledContext{}, fmt.Errorf("synthesizer: get context: %w", err)
		}
		if err != nil {
			degraded = true
			s.Observer.StoreFailed("semantic", "search")
			logger.Warn("synthesizer: semantic search failed, using recency only", "user_id", userID, "err", err)
		}
	}

	// The store filters by user; anything else is dropped rather than leaked.
	kept := retrieved[:0]
	for _, r := range retrieved {
		if r.UserID == userID {
			kept = append(kept, r)
			continue
		}
		logger.Error("synthesizer: semantic store returned a foreign record", "user_id", userID, "turn_id", r.TurnID)
	}

	out := assemble(window, kept, s.cfg.MaxContextTokens, s.Estimator)
	out.Degraded = degraded

	elapsed := time.Since(start)
	s.Observer.ContextAssembled(degraded, out.DroppedWindow, out.DroppedRetrieved, elapsed)
	logger.Debug("synthesizer: context assembled",
		"user_id", userID,
		"window", out.WindowCount,
		"retrieved", out.RetrievedCount,
		"dropped_window", out.DroppedWindow,
		"dropped_retrieved", out.DroppedRetrieved,
		"tokens", out.EstimatedTokens,
		"degraded", degraded,
		"elapsed", elapsed.String(),
	)
	return out, nil
}

func (s *Synthesizer) search(ctx context.Context, userID string, qvec []float32) ([]ScoredRecord, error) {
	sctx, cancel := withTimeout(ctx, s.cfg.SearchTimeout)
	defer cancel()
	hits, err := s.Semantic.Search(sctx, userID, qvec, s.cfg.RetrievalLimit, s.cfg.RelevanceThreshold)
	if err != nil {
		return nil, classifyStoreErr("semantic search", err)
	}
	return hits, nil
}
