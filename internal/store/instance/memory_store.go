package instance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// MemoryStore 实现基于内存的服务实例存储
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*model.ServiceInstance // instanceID -> 实例
	keys      map[string]string                 // 唯一键 -> instanceID，只包含活跃实例
	byName    map[string]map[string]struct{}    // 服务名 -> instanceID集合
}

// NewMemoryStore 创建一个新的基于内存的服务实例存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*model.ServiceInstance),
		keys:      make(map[string]string),
		byName:    make(map[string]map[string]struct{}),
	}
}

// Create 写入新实例
func (s *MemoryStore) Create(ctx context.Context, inst *model.ServiceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inst.Key()
	if _, exists := s.keys[key]; exists {
		return errs.ErrDuplicateInstance
	}

	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}

	cp := cloneInstance(inst)
	s.instances[cp.ID] = cp
	s.keys[key] = cp.ID

	if s.byName[cp.Name] == nil {
		s.byName[cp.Name] = make(map[string]struct{})
	}
	s.byName[cp.Name][cp.ID] = struct{}{}

	return nil
}

// Get 获取实例信息
func (s *MemoryStore) Get(ctx context.Context, instanceID string) (*model.ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, errs.ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

// ListByName 获取某个服务的全部未注销实例
func (s *MemoryStore) ListByName(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byName[serviceName]
	result := make([]*model.ServiceInstance, 0, len(ids))
	for id := range ids {
		inst := s.instances[id]
		if inst != nil && inst.Active() {
			result = append(result, cloneInstance(inst))
		}
	}
	sortByRegistration(result)
	return result, nil
}

// ListAll 获取所有未注销的实例
func (s *MemoryStore) ListAll(ctx context.Context) ([]*model.ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.ServiceInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		if inst.Active() {
			result = append(result, cloneInstance(inst))
		}
	}
	sortByRegistration(result)
	return result, nil
}

// UpdateHealth 更新实例健康状态
func (s *MemoryStore) UpdateHealth(ctx context.Context, instanceID string, healthy bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok || !inst.Active() {
		return errs.ErrInstanceNotFound
	}

	inst.IsHealthy = healthy
	inst.LastHealthCheck = at
	return nil
}

// Deregister 软注销实例
func (s *MemoryStore) Deregister(ctx context.Context, instanceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deregisterLocked(instanceID, at)
}

// CleanupStale 注销健康检查长时间未更新的实例
func (s *MemoryStore) CleanupStale(ctx context.Context, before time.Time) ([]*model.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*model.ServiceInstance
	for id, inst := range s.instances {
		if inst.Active() && inst.LastHealthCheck.Before(before) {
			if err := s.deregisterLocked(id, time.Now()); err == nil {
				stale = append(stale, cloneInstance(inst))
			}
		}
	}
	return stale, nil
}

// deregisterLocked 在持有写锁的前提下注销实例
func (s *MemoryStore) deregisterLocked(instanceID string, at time.Time) error {
	inst, ok := s.instances[instanceID]
	if !ok || !inst.Active() {
		return errs.ErrInstanceNotFound
	}

	t := at
	inst.DeregisteredAt = &t
	// 释放唯一键，允许同一地址重新注册
	delete(s.keys, inst.Key())
	return nil
}

// cloneInstance 深拷贝实例，避免调用方拿到内部指针
func cloneInstance(inst *model.ServiceInstance) *model.ServiceInstance {
	cp := *inst
	if inst.Tags != nil {
		cp.Tags = append([]string(nil), inst.Tags...)
	}
	if inst.Metadata != nil {
		cp.Metadata = make(map[string]string, len(inst.Metadata))
		for k, v := range inst.Metadata {
			cp.Metadata[k] = v
		}
	}
	if inst.DeregisteredAt != nil {
		t := *inst.DeregisteredAt
		cp.DeregisteredAt = &t
	}
	return &cp
}

// sortByRegistration 按注册时间排序，时间相同按ID保证稳定
func sortByRegistration(instances []*model.ServiceInstance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].RegisteredAt.Equal(instances[j].RegisteredAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].RegisteredAt.Before(instances[j].RegisteredAt)
	})
}
