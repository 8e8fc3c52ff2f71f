package event

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// MemoryStore 基于内存的事件存储
type MemoryStore struct {
	mu        sync.Mutex
	byAgg     map[string][]*model.AggregateEvent // 按EventVersion升序
	stream    []*model.AggregateEvent            // 按GlobalSequence升序
	snapshots map[string][]*model.AggregateSnapshot
	nextSeq   int64
}

// NewMemoryStore 创建内存事件存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAgg:     make(map[string][]*model.AggregateEvent),
		snapshots: make(map[string][]*model.AggregateSnapshot),
		nextSeq:   1,
	}
}

// AppendEvents 原子追加一批事件
func (s *MemoryStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*model.AggregateEvent) ([]*model.AggregateEvent, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: 事件批次不能为空", errs.ErrInvalidConfiguration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(0)
	existing := s.byAgg[aggregateID]
	if len(existing) > 0 {
		current = existing[len(existing)-1].EventVersion
	}
	if current != expectedVersion {
		return nil, fmt.Errorf("%w: 期望版本%d，当前版本%d", errs.ErrVersionConflict, expectedVersion, current)
	}
	for i, e := range events {
		want := expectedVersion + int64(i) + 1
		if e.EventVersion != want {
			return nil, fmt.Errorf("%w: 第%d条事件版本%d，期望%d",
				errs.ErrVersionConflict, i, e.EventVersion, want)
		}
	}

	stored := make([]*model.AggregateEvent, 0, len(events))
	for _, e := range events {
		cloned := cloneEvent(e)
		cloned.GlobalSequence = s.nextSeq
		s.nextSeq++
		s.byAgg[aggregateID] = append(s.byAgg[aggregateID], cloned)
		s.stream = append(s.stream, cloned)
		stored = append(stored, cloneEvent(cloned))
	}
	return stored, nil
}

// ListEvents 按版本升序返回聚合的事件
func (s *MemoryStore) ListEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*model.AggregateEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*model.AggregateEvent, 0)
	for _, e := range s.byAgg[aggregateID] {
		if e.EventVersion > fromVersion {
			result = append(result, cloneEvent(e))
		}
	}
	return result, nil
}

// CurrentVersion 返回聚合的当前版本
func (s *MemoryStore) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.byAgg[aggregateID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].EventVersion, nil
}

// ReadStream 按全局序号升序读取事件
func (s *MemoryStore) ReadStream(ctx context.Context, afterSequence int64, limit int) ([]*model.AggregateEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*model.AggregateEvent, 0)
	for _, e := range s.stream {
		if e.GlobalSequence <= afterSequence {
			continue
		}
		result = append(result, cloneEvent(e))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// SaveSnapshot 保存聚合快照
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snapshot *model.AggregateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cloned := *snapshot
	cloned.SnapshotData = append([]byte(nil), snapshot.SnapshotData...)
	s.snapshots[snapshot.AggregateID] = append(s.snapshots[snapshot.AggregateID], &cloned)
	sort.Slice(s.snapshots[snapshot.AggregateID], func(i, j int) bool {
		return s.snapshots[snapshot.AggregateID][i].SnapshotVersion < s.snapshots[snapshot.AggregateID][j].SnapshotVersion
	})
	return nil
}

// LatestSnapshot 返回版本不超过maxVersion的最新快照
func (s *MemoryStore) LatestSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*model.AggregateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.AggregateSnapshot
	for _, snap := range s.snapshots[aggregateID] {
		if maxVersion > 0 && snap.SnapshotVersion > maxVersion {
			continue
		}
		if latest == nil || snap.SnapshotVersion > latest.SnapshotVersion {
			latest = snap
		}
	}
	if latest == nil {
		return nil, nil
	}
	cloned := *latest
	cloned.SnapshotData = append([]byte(nil), latest.SnapshotData...)
	return &cloned, nil
}

func cloneEvent(e *model.AggregateEvent) *model.AggregateEvent {
	cloned := *e
	if e.EventData != nil {
		cloned.EventData = append([]byte(nil), e.EventData...)
	}
	return &cloned
}
