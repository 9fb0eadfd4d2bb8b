package runlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultHistoryLimit = 256

// InMemoryStore keeps run summaries in process memory for local/dev use.
type InMemoryStore struct {
	mu        sync.RWMutex
	summaries []Summary
	limit     int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{limit: defaultHistoryLimit}
}

func (s *InMemoryStore) SaveSummary(_ context.Context, summary Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.EndedAt.IsZero() {
		summary.EndedAt = time.Now().UTC()
	}
	s.summaries = append(s.summaries, summary)
	if len(s.summaries) > s.limit {
		s.summaries = append([]Summary(nil), s.summaries[len(s.summaries)-s.limit:]...)
	}
	return nil
}

func (s *InMemoryStore) RecentSummaries(_ context.Context, limit int) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.summaries) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(s.summaries) {
		limit = len(s.summaries)
	}
	out := make([]Summary, 0, limit)
	for i := len(s.summaries) - 1; i >= len(s.summaries)-limit; i-- {
		out = append(out, s.summaries[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
