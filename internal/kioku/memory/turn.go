// Package memory assembles bounded, relevant conversational context for a
// chat agent from a per-user conversation history.
//
// Two stores back it. The RecencyStore is the system of record: an ordered,
// per-user log of turns with retention. The SemanticStore holds a derived,
// eventually-consistent MemoryRecord per turn for similarity search. The
// Synthesizer fans writes out to both and, on read, merges the recency window
// with semantically retrieved turns, deduplicates, orders chronologically and
// trims the result to a token budget.
//
// Every store method takes a user ID; there is no way to address another
// user's data without naming that user.
package memory

import (
	"strings"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation. A turn is immutable once recorded;
// it only disappears through retention.
type Turn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate reports ErrInvalidTurn when a required field is missing or the
// role is not user/assistant.
func (t Turn) Validate() error {
	switch {
	case strings.TrimSpace(t.UserID) == "":
		return invalidTurn("user_id is required")
	case t.ID == "":
		return invalidTurn("id is required")
	case strings.TrimSpace(t.Content) == "":
		return invalidTurn("content is required")
	case !ValidRole(t.Role):
		return invalidTurn("role %q must be %q or %q", t.Role, RoleUser, RoleAssistant)
	}
	return nil
}

// ValidRole reports whether role is one of the accepted turn roles.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// MemoryRecord is the Semantic Store's projection of a turn. TurnID refers
// back to the Recency Store, which owns the turn.
type MemoryRecord struct {
	TurnID    string
	UserID    string
	Role      string
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// RecordFromTurn builds the MemoryRecord for t with the given embedding.
func RecordFromTurn(t Turn, embedding []float32) MemoryRecord {
	return MemoryRecord{
		TurnID:    t.ID,
		UserID:    t.UserID,
		Role:      t.Role,
		Content:   t.Content,
		Embedding: embedding,
		CreatedAt: t.CreatedAt,
	}
}

// ScoredRecord is a search hit. Score is cosine similarity.
type ScoredRecord struct {
	MemoryRecord
	Score float64
}

// Sources of a ContextMessage.
const (
	SourceWindow    = "window"
	SourceRetrieved = "retrieved"
)

// ContextMessage is one entry of an AssembledContext.
type ContextMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	TurnID    string    `json:"turn_id"`
	Source    string    `json:"source"`
	Score     float64   `json:"score,omitempty"`
}

// AssembledContext is the result of GetContext: messages ordered by
// CreatedAt ascending, ready to hand to a language model, plus a few
// counters describing how it was built.
type AssembledContext struct {
	Messages []ContextMessage `json:"messages"`

	// Degraded is set when retrieval was skipped (embedding unavailable or
	// semantic search failed) and the context is recency-only.
	Degraded bool `json:"degraded"`

	WindowCount      int `json:"window_count"`
	RetrievedCount   int `json:"retrieved_count"`
	DroppedWindow    int `json:"dropped_window"`
	DroppedRetrieved int `json:"dropped_retrieved"`
	EstimatedTokens  int `json:"estimated_tokens"`
}
