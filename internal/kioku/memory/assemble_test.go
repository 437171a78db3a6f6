package memory

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"
)

// lenEstimator charges one token per byte of content, which keeps budgets
// easy to reason about.
var lenEstimator = EstimatorFunc(func(_, content string) int { return len(content) })

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minute int) time.Time { return t0.Add(time.Duration(minute) * time.Minute) }

func hit(id string, minute int, score float64, content string) ScoredRecord {
	return ScoredRecord{
		MemoryRecord: MemoryRecord{TurnID: id, UserID: "u1", Role: RoleAssistant, Content: content, CreatedAt: at(minute)},
		Score:        score,
	}
}

func TestAssemble_MergesChronologically(t *testing.T) {
	window := []Turn{
		turnAt("w1", "u1", "aaaa", at(10)),
		turnAt("w2", "u1", "bbbb", at(11)),
	}
	retrieved := []ScoredRecord{
		hit("r7", 7, 0.75, "cccc"),
		hit("r3", 3, 0.9, "dddd"),
	}

	got := assemble(window, retrieved, 1000, lenEstimator)

	want := []string{"r3", "r7", "w1", "w2"}
	if ids := turnIDs(got.Messages); !reflect.DeepEqual(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
	if got.WindowCount != 2 || got.RetrievedCount != 2 {
		t.Errorf("counts = %d/%d, want 2/2", got.WindowCount, got.RetrievedCount)
	}
	if got.EstimatedTokens != 16 {
		t.Errorf("tokens = %d, want 16", got.EstimatedTokens)
	}
	if got.Messages[0].Source != SourceRetrieved || got.Messages[3].Source != SourceWindow {
		t.Errorf("unexpected sources: %+v", got.Messages)
	}
}

func TestAssemble_DeduplicatesAgainstWindow(t *testing.T) {
	window := []Turn{turnAt("t5", "u1", "the deploy failed", at(5))}
	retrieved := []ScoredRecord{
		hit("t5", 5, 0.95, "the deploy failed"),
		hit("t2", 2, 0.8, "deploy notes"),
		hit("t2", 2, 0.8, "deploy notes"),
	}

	got := assemble(window, retrieved, 1000, lenEstimator)

	if ids := turnIDs(got.Messages); !reflect.DeepEqual(ids, []string{"t2", "t5"}) {
		t.Fatalf("ids = %v, want [t2 t5]", ids)
	}
	if got.Messages[1].Source != SourceWindow {
		t.Errorf("duplicated turn should keep its window entry, got %q", got.Messages[1].Source)
	}
}

func TestAssemble_DropsLeastRelevantRetrievedFirst(t *testing.T) {
	window := []Turn{
		turnAt("w1", "u1", strings.Repeat("a", 10), at(10)),
		turnAt("w2", "u1", strings.Repeat("b", 10), at(11)),
		turnAt("w3", "u1", strings.Repeat("c", 10), at(12)),
	}
	retrieved := []ScoredRecord{
		hit("hi", 1, 0.9, strings.Repeat("x", 10)),
		hit("lo", 2, 0.8, strings.Repeat("y", 10)),
	}

	got := assemble(window, retrieved, 45, lenEstimator)

	if ids := turnIDs(got.Messages); !reflect.DeepEqual(ids, []string{"hi", "w1", "w2", "w3"}) {
		t.Fatalf("ids = %v", ids)
	}
	if got.DroppedRetrieved != 1 || got.DroppedWindow != 0 {
		t.Errorf("dropped = %d retrieved / %d window, want 1/0", got.DroppedRetrieved, got.DroppedWindow)
	}
	if got.EstimatedTokens != 40 {
		t.Errorf("tokens = %d, want 40", got.EstimatedTokens)
	}
}

func TestAssemble_EqualScoresDropOlderFirst(t *testing.T) {
	window := []Turn{turnAt("w1", "u1", strings.Repeat("a", 10), at(10))}
	retrieved := []ScoredRecord{
		hit("newer", 5, 0.8, strings.Repeat("x", 10)),
		hit("older", 1, 0.8, strings.Repeat("y", 10)),
	}

	got := assemble(window, retrieved, 20, lenEstimator)

	if ids := turnIDs(got.Messages); !reflect.DeepEqual(ids, []string{"newer", "w1"}) {
		t.Fatalf("ids = %v, want [newer w1]", ids)
	}
}

func TestAssemble_WindowOverBudgetKeepsMostRecent(t *testing.T) {
	window := []Turn{
		turnAt("w1", "u1", strings.Repeat("a", 10), at(10)),
		turnAt("w2", "u1", strings.Repeat("b", 10), at(11)),
		turnAt("w3", "u1", strings.Repeat("c", 10), at(12)),
	}
	retrieved := []ScoredRecord{hit("r1", 1, 0.99, strings.Repeat("x", 10))}

	got := assemble(window, retrieved, 25, lenEstimator)

	if ids := turnIDs(got.Messages); !reflect.DeepEqual(ids, []string{"w2", "w3"}) {
		t.Fatalf("ids = %v, want [w2 w3]", ids)
	}
	if got.DroppedRetrieved != 1 || got.DroppedWindow != 1 {
		t.Errorf("dropped = %d retrieved / %d window, want 1/1", got.DroppedRetrieved, got.DroppedWindow)
	}
	if got.WindowCount != 2 || got.RetrievedCount != 0 {
		t.Errorf("counts = %d/%d, want 2/0", got.WindowCount, got.RetrievedCount)
	}
}

func TestAssemble_SingleOversizedEntryIsKept(t *testing.T) {
	window := []Turn{
		turnAt("w1", "u1", strings.Repeat("a", 50), at(1)),
		turnAt("w2", "u1", strings.Repeat("b", 100), at(2)),
	}

	got := assemble(window, nil, 10, lenEstimator)

	if ids := turnIDs(got.Messages); !reflect.DeepEqual(ids, []string{"w2"}) {
		t.Fatalf("ids = %v, want [w2]", ids)
	}
	if got.EstimatedTokens != 100 {
		t.Errorf("tokens = %d, want 100", got.EstimatedTokens)
	}
}

func TestAssemble_EqualTimestampsOrderByID(t *testing.T) {
	window := []Turn{turnAt("b", "u1", "x", at(1)), turnAt("c", "u1", "x", at(1))}
	retrieved := []ScoredRecord{hit("a", 1, 0.9, "x")}

	got := assemble(window, retrieved, 100, lenEstimator)

	if ids := turnIDs(got.Messages); !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Fatalf("ids = %v, want [a b c]", ids)
	}
}

func TestAssemble_Empty(t *testing.T) {
	got := assemble(nil, nil, 100, lenEstimator)
	if len(got.Messages) != 0 || got.EstimatedTokens != 0 {
		t.Fatalf("expected empty context, got %+v", got)
	}
}

func TestAssemble_BudgetAndOrderingHoldForRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 500; round++ {
		var window []Turn
		for i := 0; i < rng.Intn(12); i++ {
			window = append(window, turnAt(
				"w"+string(rune('a'+i)), "u1",
				strings.Repeat("w", 1+rng.Intn(40)),
				at(100+i),
			))
		}
		var retrieved []ScoredRecord
		for i := 0; i < rng.Intn(6); i++ {
			retrieved = append(retrieved, hit(
				"r"+string(rune('a'+i)), rng.Intn(100),
				0.7+rng.Float64()*0.3,
				strings.Repeat("r", 1+rng.Intn(40)),
			))
		}
		budget := 1 + rng.Intn(200)

		got := assemble(window, retrieved, budget, lenEstimator)

		sum := 0
		for i, m := range got.Messages {
			sum += len(m.Content)
			if i > 0 && got.Messages[i-1].CreatedAt.After(m.CreatedAt) {
				t.Fatalf("round %d: out of order at %d", round, i)
			}
		}
		if sum != got.EstimatedTokens {
			t.Fatalf("round %d: EstimatedTokens %d != actual %d", round, got.EstimatedTokens, sum)
		}
		if sum > budget {
			// Only allowed when a single window entry is left.
			if len(got.Messages) != 1 || got.Messages[0].Source != SourceWindow {
				t.Fatalf("round %d: %d tokens over budget %d with %d messages", round, sum, budget, len(got.Messages))
			}
		}
		// Window entries are never dropped while a retrieved one survives.
		if got.DroppedWindow > 0 && got.RetrievedCount > 0 {
			t.Fatalf("round %d: window trimmed while retrieved entries remain", round)
		}
		// The newest window turn always survives.
		if len(window) > 0 {
			last := got.Messages[len(got.Messages)-1]
			if last.TurnID != window[len(window)-1].ID {
				t.Fatalf("round %d: most recent window turn missing", round)
			}
		}
	}
}

func TestHeuristicEstimator(t *testing.T) {
	est := HeuristicEstimator{CharsPerToken: 4, MessageOverhead: 4}
	cases := map[string]int{
		"":         4,
		"abc":      5,
		"abcd":     5,
		"abcde":    6,
		"12345678": 6,
	}
	for content, want := range cases {
		if got := est.Estimate(RoleUser, content); got != want {
			t.Errorf("Estimate(%q) = %d, want %d", content, got, want)
		}
	}
	msgs := []ContextMessage{{Content: "abcd"}, {Content: "abcde"}}
	if got := EstimateMessages(est, msgs); got != 11 {
		t.Errorf("EstimateMessages = %d, want 11", got)
	}
}
