package memory

import (
	"context"
	"errors"
	"math"
	"reflect"
	"slices"
	"testing"
	"time"
)

// The contract suites below run against every backend. Backends that
// persist across test runs pass a unique prefix so IDs never collide.

func runRecencyContract(t *testing.T, prefix string, open func(t *testing.T, r Retention) RecencyStore) {
	ctx := context.Background()
	id := func(s string) string { return prefix + s }

	t.Run("AppendAndRecent", func(t *testing.T) {
		s := open(t, Retention{})
		u := id("u1")
		for i, c := range []string{"a", "b", "c", "d"} {
			if _, err := s.Append(ctx, u, turnAt(id(c), u, "content "+c, at(i))); err != nil {
				t.Fatalf("Append %s: %v", c, err)
			}
		}
		got, err := s.Recent(ctx, u, 3)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if ids := turnIDsOf(got); !reflect.DeepEqual(ids, []string{id("b"), id("c"), id("d")}) {
			t.Fatalf("Recent(3) = %v", ids)
		}
		if got[2].Content != "content d" || got[2].Role != RoleUser || got[2].UserID != u {
			t.Errorf("turn fields not preserved: %+v", got[2])
		}
		if !got[2].CreatedAt.Equal(at(3)) {
			t.Errorf("CreatedAt = %v, want %v", got[2].CreatedAt, at(3))
		}
		all, err := s.Recent(ctx, u, 100)
		if err != nil || len(all) != 4 {
			t.Fatalf("Recent(100) = %d turns, err %v", len(all), err)
		}
	})

	t.Run("EmptyUser", func(t *testing.T) {
		s := open(t, Retention{})
		got, err := s.Recent(ctx, id("nobody"), 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("Recent = %v, want empty", got)
		}
	})

	t.Run("OutOfOrderAndTies", func(t *testing.T) {
		s := open(t, Retention{})
		u := id("u-order")
		appendAll(t, s, u,
			turnAt(id("late"), u, "x", at(5)),
			turnAt(id("early"), u, "x", at(1)),
			turnAt(id("tie-b"), u, "x", at(3)),
			turnAt(id("tie-a"), u, "x", at(3)),
		)
		got, err := s.Recent(ctx, u, 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		want := []string{id("early"), id("tie-a"), id("tie-b"), id("late")}
		if ids := turnIDsOf(got); !reflect.DeepEqual(ids, want) {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		s := open(t, Retention{})
		u := id("u-invalid")
		appendAll(t, s, u, turnAt(id("dup"), u, "x", at(1)))

		cases := map[string]struct {
			user string
			turn Turn
		}{
			"duplicate id":  {u, turnAt(id("dup"), u, "again", at(2))},
			"empty user":    {"", turnAt(id("e1"), "", "x", at(2))},
			"foreign user":  {u, turnAt(id("e2"), id("someone-else"), "x", at(2))},
			"empty content": {u, turnAt(id("e3"), u, "", at(2))},
			"bad role":      {u, Turn{ID: id("e4"), UserID: u, Role: "tool", Content: "x", CreatedAt: at(2)}},
		}
		for name, tc := range cases {
			if _, err := s.Append(ctx, tc.user, tc.turn); !errors.Is(err, ErrInvalidTurn) {
				t.Errorf("%s: err = %v, want ErrInvalidTurn", name, err)
			}
		}
		got, _ := s.Recent(ctx, u, 10)
		if len(got) != 1 || got[0].Content != "x" {
			t.Fatalf("log changed after rejected appends: %+v", got)
		}
	})

	t.Run("MaxTurnsEvictsOldest", func(t *testing.T) {
		s := open(t, Retention{MaxTurns: 2})
		u := id("u-evict")
		appendAll(t, s, u, turnAt(id("e1"), u, "x", at(1)), turnAt(id("e2"), u, "x", at(2)))
		evicted, err := s.Append(ctx, u, turnAt(id("e3"), u, "x", at(3)))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if !reflect.DeepEqual(evicted, []string{id("e1")}) {
			t.Fatalf("evicted = %v, want [%s]", evicted, id("e1"))
		}
		got, _ := s.Recent(ctx, u, 10)
		if ids := turnIDsOf(got); !reflect.DeepEqual(ids, []string{id("e2"), id("e3")}) {
			t.Fatalf("remaining = %v", ids)
		}
		if _, ok, _ := s.Get(ctx, u, id("e1")); ok {
			t.Error("evicted turn still retrievable")
		}
	})

	t.Run("Get", func(t *testing.T) {
		s := open(t, Retention{})
		u := id("u-get")
		appendAll(t, s, u, turnAt(id("g1"), u, "hello", at(1)))
		got, ok, err := s.Get(ctx, u, id("g1"))
		if err != nil || !ok || got.Content != "hello" {
			t.Fatalf("Get = %+v, %v, %v", got, ok, err)
		}
		if _, ok, err := s.Get(ctx, u, id("missing")); err != nil || ok {
			t.Fatalf("Get(missing) = %v, %v", ok, err)
		}
		if _, ok, err := s.Get(ctx, id("u-other"), id("g1")); err != nil || ok {
			t.Fatalf("Get from another user = %v, %v", ok, err)
		}
	})

	t.Run("Isolation", func(t *testing.T) {
		s := open(t, Retention{})
		a, b := id("iso-a"), id("iso-b")
		appendAll(t, s, a, turnAt(id("ia"), a, "alice", at(1)))
		appendAll(t, s, b, turnAt(id("ib"), b, "bob", at(2)))
		got, _ := s.Recent(ctx, a, 10)
		if len(got) != 1 || got[0].ID != id("ia") {
			t.Fatalf("Recent(a) = %+v", got)
		}
	})

	t.Run("PruneAndUsers", func(t *testing.T) {
		s := open(t, Retention{})
		u, v := id("prune-u"), id("prune-v")
		appendAll(t, s, u,
			turnAt(id("p1"), u, "x", at(1)),
			turnAt(id("p2"), u, "x", at(2)),
			turnAt(id("p3"), u, "x", at(3)),
		)
		appendAll(t, s, v, turnAt(id("p4"), v, "x", at(1)))

		users, err := s.Users(ctx)
		if err != nil {
			t.Fatalf("Users: %v", err)
		}
		if !slices.Contains(users, u) || !slices.Contains(users, v) {
			t.Fatalf("Users = %v, want %s and %s", users, u, v)
		}

		pruned, err := s.Prune(ctx, u, at(3))
		if err != nil {
			t.Fatalf("Prune: %v", err)
		}
		slices.Sort(pruned)
		if !reflect.DeepEqual(pruned, []string{id("p1"), id("p2")}) {
			t.Fatalf("pruned = %v", pruned)
		}
		got, _ := s.Recent(ctx, u, 10)
		if ids := turnIDsOf(got); !reflect.DeepEqual(ids, []string{id("p3")}) {
			t.Fatalf("remaining = %v", ids)
		}
		if rest, _ := s.Recent(ctx, v, 10); len(rest) != 1 {
			t.Fatalf("prune touched another user: %v", rest)
		}
	})
}

func appendAll(t *testing.T, s RecencyStore, userID string, turns ...Turn) {
	t.Helper()
	for _, turn := range turns {
		if _, err := s.Append(context.Background(), userID, turn); err != nil {
			t.Fatalf("Append %s: %v", turn.ID, err)
		}
	}
}

func turnIDsOf(turns []Turn) []string {
	ids := make([]string, len(turns))
	for i, t := range turns {
		ids[i] = t.ID
	}
	return ids
}

// contractDim is the embedding dimension the semantic contract uses.
const contractDim = 3

func runSemanticContract(t *testing.T, prefix string, open func(t *testing.T) SemanticStore) {
	ctx := context.Background()
	id := func(s string) string { return prefix + s }
	rec := func(turnID, userID string, minute int, vec ...float32) MemoryRecord {
		return MemoryRecord{
			TurnID:    id(turnID),
			UserID:    userID,
			Role:      RoleAssistant,
			Content:   "content of " + turnID,
			Embedding: vec,
			CreatedAt: at(minute),
		}
	}
	upsertAll := func(t *testing.T, s SemanticStore, recs ...MemoryRecord) {
		t.Helper()
		for _, r := range recs {
			if err := s.Upsert(ctx, r); err != nil {
				t.Fatalf("Upsert %s: %v", r.TurnID, err)
			}
		}
	}
	query := []float32{1, 0, 0}

	t.Run("SearchRanksAndFilters", func(t *testing.T) {
		s := open(t)
		u := id("s-rank")
		upsertAll(t, s,
			rec("exact", u, 1, 1, 0, 0),
			rec("close", u, 2, 0.9, 0.43589, 0),
			rec("far", u, 3, 0, 1, 0),
			rec("opposite", u, 4, -1, 0, 0),
		)
		hits, err := s.Search(ctx, u, query, 10, 0.7)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 2 || hits[0].TurnID != id("exact") || hits[1].TurnID != id("close") {
			t.Fatalf("hits = %+v", hits)
		}
		if math.Abs(hits[0].Score-1) > 1e-4 || math.Abs(hits[1].Score-0.9) > 1e-3 {
			t.Errorf("scores = %v, %v", hits[0].Score, hits[1].Score)
		}
		h := hits[1]
		if h.UserID != u || h.Role != RoleAssistant || h.Content != "content of close" || !h.CreatedAt.Equal(at(2)) {
			t.Errorf("record fields not preserved: %+v", h.MemoryRecord)
		}

		top, err := s.Search(ctx, u, query, 1, 0)
		if err != nil || len(top) != 1 || top[0].TurnID != id("exact") {
			t.Fatalf("Search k=1 = %+v, %v", top, err)
		}
	})

	t.Run("EqualScoresPreferNewer", func(t *testing.T) {
		s := open(t)
		u := id("s-tie")
		upsertAll(t, s, rec("old", u, 1, 1, 0, 0), rec("new", u, 9, 1, 0, 0))
		hits, err := s.Search(ctx, u, query, 2, 0.5)
		if err != nil || len(hits) != 2 {
			t.Fatalf("Search = %+v, %v", hits, err)
		}
		if hits[0].TurnID != id("new") {
			t.Fatalf("first hit = %s, want %s", hits[0].TurnID, id("new"))
		}
	})

	t.Run("Isolation", func(t *testing.T) {
		s := open(t)
		a, b := id("s-iso-a"), id("s-iso-b")
		upsertAll(t, s, rec("ra", a, 1, 1, 0, 0), rec("rb", b, 1, 1, 0, 0))
		hits, err := s.Search(ctx, a, query, 10, 0)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		for _, h := range hits {
			if h.UserID != a {
				t.Fatalf("search for %s returned %+v", a, h)
			}
		}
		if len(hits) != 1 {
			t.Fatalf("hits = %d, want 1", len(hits))
		}
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		s := open(t)
		u := id("s-replace")
		upsertAll(t, s, rec("r1", u, 1, 0, 1, 0))
		updated := rec("r1", u, 1, 1, 0, 0)
		updated.Content = "rewritten"
		upsertAll(t, s, updated)
		hits, err := s.Search(ctx, u, query, 10, 0.9)
		if err != nil || len(hits) != 1 || hits[0].Content != "rewritten" {
			t.Fatalf("Search = %+v, %v", hits, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t)
		u := id("s-delete")
		upsertAll(t, s, rec("d1", u, 1, 1, 0, 0), rec("d2", u, 2, 1, 0, 0))
		if err := s.Delete(ctx, u, id("d1"), id("never-existed")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		hits, err := s.Search(ctx, u, query, 10, 0)
		if err != nil || len(hits) != 1 || hits[0].TurnID != id("d2") {
			t.Fatalf("Search after delete = %+v, %v", hits, err)
		}
		if err := s.Delete(ctx, id("s-nobody"), id("d2")); err != nil {
			t.Fatalf("Delete for unknown user: %v", err)
		}
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		s := open(t)
		u := id("s-dim")
		if err := s.Upsert(ctx, rec("bad", u, 1, 1, 0)); !errors.Is(err, ErrDimensionMismatch) {
			t.Fatalf("Upsert err = %v, want ErrDimensionMismatch", err)
		}
		if _, err := s.Search(ctx, u, []float32{1, 0, 0, 0}, 5, 0); !errors.Is(err, ErrDimensionMismatch) {
			t.Fatalf("Search err = %v, want ErrDimensionMismatch", err)
		}
	})

	t.Run("EmptyUser", func(t *testing.T) {
		s := open(t)
		hits, err := s.Search(ctx, id("s-empty"), query, 5, 0)
		if err != nil || len(hits) != 0 {
			t.Fatalf("Search = %+v, %v", hits, err)
		}
	})
}

func TestMemoryRecencyStore_Contract(t *testing.T) {
	runRecencyContract(t, "", func(t *testing.T, r Retention) RecencyStore {
		return NewMemoryRecencyStore(r)
	})
}

func TestSQLiteRecencyStore_Contract(t *testing.T) {
	runRecencyContract(t, "", func(t *testing.T, r Retention) RecencyStore {
		return NewSQLiteRecencyStore(setupTestDB(t).DB(), r, nil)
	})
}

func TestMemorySemanticStore_Contract(t *testing.T) {
	runSemanticContract(t, "", func(t *testing.T) SemanticStore {
		return NewMemorySemanticStore(contractDim)
	})
}

func TestSQLiteSemanticStore_Contract(t *testing.T) {
	runSemanticContract(t, "", func(t *testing.T) SemanticStore {
		return NewSQLiteSemanticStore(setupTestDB(t).DB(), contractDim, nil)
	})
}

func TestChromemSemanticStore_Contract(t *testing.T) {
	runSemanticContract(t, "", func(t *testing.T) SemanticStore {
		s, err := NewChromemSemanticStore(ChromemConfig{Dimension: contractDim}, nil)
		if err != nil {
			t.Fatalf("NewChromemSemanticStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryRecencyStore_CanceledContext(t *testing.T) {
	s := NewMemoryRecencyStore(Retention{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Append(ctx, "u1", turnAt("t1", "u1", "x", time.Now()))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}
