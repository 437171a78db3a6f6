package memory

import (
	"cmp"
	"slices"
	"strings"
)

// entry is a candidate for the assembled context.
type entry struct {
	msg     ContextMessage
	tokens  int
	window  bool
	dropped bool
}

// assemble merges the recency window with retrieved records into an
// AssembledContext:
//
//  1. Retrieved records whose turn is already in the window (or repeated
//     within the retrieval) are discarded.
//  2. Everything is ordered by CreatedAt ascending, ties by turn ID.
//  3. While the estimated total exceeds maxTokens, retrieved entries are
//     dropped lowest score first (older first on equal scores). Only when no
//     retrieved entries remain are window entries dropped, oldest first, and
//     the most recent window entry is always kept.
//
// maxTokens <= 0 disables the budget.
func assemble(window []Turn, retrieved []ScoredRecord, maxTokens int, est TokenEstimator) AssembledContext {
	entries := make([]*entry, 0, len(window)+len(retrieved))
	seen := make(map[string]struct{}, len(window)+len(retrieved))

	for _, t := range window {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		entries = append(entries, &entry{
			msg: ContextMessage{
				Role:      t.Role,
				Content:   t.Content,
				CreatedAt: t.CreatedAt,
				TurnID:    t.ID,
				Source:    SourceWindow,
			},
			tokens: est.Estimate(t.Role, t.Content),
			window: true,
		})
	}
	for _, r := range retrieved {
		if _, dup := seen[r.TurnID]; dup {
			continue
		}
		seen[r.TurnID] = struct{}{}
		entries = append(entries, &entry{
			msg: ContextMessage{
				Role:      r.Role,
				Content:   r.Content,
				CreatedAt: r.CreatedAt,
				TurnID:    r.TurnID,
				Source:    SourceRetrieved,
				Score:     r.Score,
			},
			tokens: est.Estimate(r.Role, r.Content),
		})
	}

	slices.SortFunc(entries, func(a, b *entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.msg.TurnID, b.msg.TurnID)
	})

	out := AssembledContext{}
	total := 0
	for _, e := range entries {
		total += e.tokens
		if e.window {
			out.WindowCount++
		} else {
			out.RetrievedCount++
		}
	}

	if maxTokens > 0 && total > maxTokens {
		// Retrieved entries go first, least relevant first.
		var byRelevance []*entry
		for _, e := range entries {
			if !e.window {
				byRelevance = append(byRelevance, e)
			}
		}
		slices.SortStableFunc(byRelevance, func(a, b *entry) int {
			if c := cmp.Compare(a.msg.Score, b.msg.Score); c != 0 {
				return c
			}
			return a.msg.CreatedAt.Compare(b.msg.CreatedAt)
		})
		for _, e := range byRelevance {
			if total <= maxTokens {
				break
			}
			e.dropped = true
			total -= e.tokens
			out.DroppedRetrieved++
		}

		// The window alone is over budget: trim from the oldest end, never
		// below one entry. entries is chronological, so the first window
		// entries met are the oldest.
		remaining := out.WindowCount
		for _, e := range entries {
			if total <= maxTokens || remaining <= 1 {
				break
			}
			if !e.window {
				continue
			}
			e.dropped = true
			total -= e.tokens
			remaining--
			out.DroppedWindow++
		}
	}

	out.Messages = make([]ContextMessage, 0, len(entries)-out.DroppedRetrieved-out.DroppedWindow)
	for _, e := range entries {
		if !e.dropped {
			out.Messages = append(out.Messages, e.msg)
		}
	}
	out.WindowCount -= out.DroppedWindow
	out.RetrievedCount -= out.DroppedRetrieved
	out.EstimatedTokens = total
	return out
}
