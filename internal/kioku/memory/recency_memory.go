package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryRecencyStore keeps turn logs in process memory. Each namespace has
// its own lock, so appends for one user never wait on another user.
type MemoryRecencyStore struct {
	retention Retention

	mu   sync.Mutex
	logs map[string]*turnLog
}

type turnLog struct {
	mu    sync.Mutex
	turns []Turn
	ids   map[string]struct{}
}

// NewMemoryRecencyStore creates an empty in-memory recency store.
func NewMemoryRecencyStore(retention Retention) *MemoryRecencyStore {
	return &MemoryRecencyStore{
		retention: retention,
		logs:      make(map[string]*turnLog),
	}
}

func (s *MemoryRecencyStore) log(userID string, create bool) *turnLog {
	ns := Namespace(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[ns]
	if !ok && create {
		l = &turnLog{ids: make(map[string]struct{})}
		s.logs[ns] = l
	}
	return l
}

// Append implements RecencyStore.
func (s *MemoryRecencyStore) Append(ctx context.Context, userID string, turn Turn) ([]string, error) {
	if err := validateAppend(userID, turn); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyStoreErr("recency memory: append", err)
	}
	turn.UserID = userID

	l := s.log(userID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.ids[turn.ID]; dup {
		return nil, invalidTurn("turn %s already recorded", turn.ID)
	}

	// Usually lands at the end; concurrent writers may arrive slightly out
	// of timestamp order.
	i := sort.Search(len(l.turns), func(i int) bool { return compareTurns(l.turns[i], turn) > 0 })
	l.turns = slices.Insert(l.turns, i, turn)
	l.ids[turn.ID] = struct{}{}

	var evicted []string
	if limit := s.retention.MaxTurns; limit > 0 && len(l.turns) > limit {
		n := len(l.turns) - limit
		for _, t := range l.turns[:n] {
			evicted = append(evicted, t.ID)
			delete(l.ids, t.ID)
		}
		l.turns = slices.Clone(l.turns[n:])
	}
	return evicted, nil
}

// Recent implements RecencyStore.
func (s *MemoryRecencyStore) Recent(ctx context.Context, userID string, n int) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyStoreErr("recency memory: recent", err)
	}
	l := s.log(userID, false)
	if l == nil || n <= 0 {
		return []Turn{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	start := max(len(l.turns)-n, 0)
	return slices.Clone(l.turns[start:]), nil
}

// Get implements RecencyStore.
func (s *MemoryRecencyStore) Get(ctx context.Context, userID, turnID string) (Turn, bool, error) {
	if err := ctx.Err(); err != nil {
		return Turn{}, false, classifyStoreErr("recency memory: get", err)
	}
	l := s.log(userID, false)
	if l == nil {
		return Turn{}, false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.turns {
		if t.ID == turnID {
			return t, true, nil
		}
	}
	return Turn{}, false, nil
}

// Prune implements RecencyStore.
func (s *MemoryRecencyStore) Prune(ctx context.Context, userID string, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyStoreErr("recency memory: prune", err)
	}
	l := s.log(userID, false)
	if l == nil {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := sort.Search(len(l.turns), func(i int) bool { return !l.turns[i].CreatedAt.Before(cutoff) })
	if n == 0 {
		return nil, nil
	}
	pruned := make([]string, 0, n)
	for _, t := range l.turns[:n] {
		pruned = append(pruned, t.ID)
		delete(l.ids, t.ID)
	}
	l.turns = slices.Clone(l.turns[n:])
	return pruned, nil
}

// Users implements RecencyStore.
func (s *MemoryRecencyStore) Users(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyStoreErr("recency memory: users", err)
	}
	s.mu.Lock()
	namespaces := make([]string, 0, len(s.logs))
	logs := make([]*turnLog, 0, len(s.logs))
	for ns, l := range s.logs {
		namespaces = append(namespaces, ns)
		logs = append(logs, l)
	}
	s.mu.Unlock()

	users := make([]string, 0, len(namespaces))
	for i, ns := range namespaces {
		logs[i].mu.Lock()
		empty := len(logs[i].turns) == 0
		logs[i].mu.Unlock()
		if !empty {
			users = append(users, userFromNamespace(ns))
		}
	}
	slices.Sort(users)
	return users, nil
}

// Close implements RecencyStore.
func (s *MemoryRecencyStore) Close() error { return nil }

var _ RecencyStore = (*MemoryRecencyStore)(nil)
