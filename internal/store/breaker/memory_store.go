package breaker

import (
	"context"
	"sync"

	"github.com/hewenyu/meshkit/internal/core/model"
)

// MemoryHistoryStore 实现基于内存的熔断历史存储
type MemoryHistoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	transitions map[string][]*model.BreakerTransition
}

// NewMemoryHistoryStore 创建一个新的基于内存的熔断历史存储
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		nextID:      1,
		transitions: make(map[string][]*model.BreakerTransition),
	}
}

// Append 追加一条状态转换记录
func (s *MemoryHistoryStore) Append(ctx context.Context, transition *model.BreakerTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *transition
	cp.ID = s.nextID
	s.nextID++
	s.transitions[cp.BreakerName] = append(s.transitions[cp.BreakerName], &cp)
	return nil
}

// List 按时间顺序返回某个熔断器最近的转换记录
func (s *MemoryHistoryStore) List(ctx context.Context, breakerName string, limit int) ([]*model.BreakerTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transitions[breakerName]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	result := make([]*model.BreakerTransition, 0, len(all)-start)
	for _, t := range all[start:] {
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}
