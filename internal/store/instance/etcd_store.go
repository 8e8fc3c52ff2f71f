package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	"github.com/hewenyu/meshkit/internal/store/etcd"
)

const (
	// 实例信息的前缀
	instancePrefix = "/mesh/instances/"
	// 唯一键索引的前缀，用于注册判重
	instanceKeyPrefix = "/mesh/instance-keys/"
	// 服务名索引的前缀
	instanceNamePrefix = "/mesh/instance-names/"
)

// EtcdStore 实现基于etcd的服务实例存储
type EtcdStore struct {
	client *etcd.Client
}

// NewEtcdStore 创建一个新的基于etcd的服务实例存储
func NewEtcdStore(client *etcd.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

// getInstanceKey 获取实例信息的存储键
func getInstanceKey(instanceID string) string {
	return instancePrefix + instanceID
}

// getUniqueIndexKey 获取唯一键索引的存储键
func getUniqueIndexKey(inst *model.ServiceInstance) string {
	return instanceKeyPrefix + strings.ReplaceAll(inst.Key(), "/", "|")
}

// getNameIndexKey 获取服务名索引的存储键
func getNameIndexKey(serviceName, instanceID string) string {
	return fmt.Sprintf("%s%s/%s", instanceNamePrefix, serviceName, instanceID)
}

// serviceNameFromIndexKey 从服务名索引键里解析出服务名
func serviceNameFromIndexKey(key string) string {
	rest := strings.TrimPrefix(key, instanceNamePrefix)
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return ""
}

// nameIndexTTL 服务名索引的租约时长
// 实例停止上报健康后，租约到期即从发现结果中消失
func nameIndexTTL(inst *model.ServiceInstance) time.Duration {
	return 3 * inst.HealthCheckInterval
}

// Create 写入新实例
func (s *EtcdStore) Create(ctx context.Context, inst *model.ServiceInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}

	// 先用事务占住唯一键索引，占用失败说明实例已注册
	created, err := s.client.CreateIfAbsent(ctx, getUniqueIndexKey(inst), []byte(inst.ID))
	if err != nil {
		return fmt.Errorf("写入唯一键索引失败: %w", err)
	}
	if !created {
		return errs.ErrDuplicateInstance
	}

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("序列化实例信息失败: %w", err)
	}

	if err := s.client.Put(ctx, getInstanceKey(inst.ID), data); err != nil {
		return fmt.Errorf("存储实例信息失败: %w", err)
	}

	// 服务名索引挂在租约上，健康上报负责续期
	if err := s.client.PutWithLease(ctx, getNameIndexKey(inst.Name, inst.ID), []byte(inst.ID), nameIndexTTL(inst)); err != nil {
		return fmt.Errorf("存储服务名索引失败: %w", err)
	}

	return nil
}

// Get 获取实例信息
func (s *EtcdStore) Get(ctx context.Context, instanceID string) (*model.ServiceInstance, error) {
	data, err := s.client.Get(ctx, getInstanceKey(instanceID))
	if err != nil {
		return nil, fmt.Errorf("获取实例信息失败: %w", err)
	}
	if data == nil {
		return nil, errs.ErrInstanceNotFound
	}

	var inst model.ServiceInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("解析实例信息失败: %w", err)
	}
	return &inst, nil
}

// ListByName 获取某个服务的全部未注销实例
func (s *EtcdStore) ListByName(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error) {
	entries, err := s.client.GetWithPrefix(ctx, instanceNamePrefix+serviceName+"/")
	if err != nil {
		return nil, fmt.Errorf("获取服务名索引失败: %w", err)
	}

	instances := make([]*model.ServiceInstance, 0, len(entries))
	for _, id := range entries {
		inst, err := s.Get(ctx, string(id))
		if err != nil {
			// 实例可能刚被删除
			continue
		}
		if inst.Active() {
			instances = append(instances, inst)
		}
	}
	sortByRegistration(instances)
	return instances, nil
}

// ListAll 获取所有未注销的实例
func (s *EtcdStore) ListAll(ctx context.Context) ([]*model.ServiceInstance, error) {
	entries, err := s.client.GetWithPrefix(ctx, instancePrefix)
	if err != nil {
		return nil, fmt.Errorf("获取实例列表失败: %w", err)
	}

	instances := make([]*model.ServiceInstance, 0, len(entries))
	for _, data := range entries {
		var inst model.ServiceInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			return nil, fmt.Errorf("解析实例信息失败: %w", err)
		}
		if inst.Active() {
			instances = append(instances, &inst)
		}
	}
	sortByRegistration(instances)
	return instances, nil
}

// UpdateHealth 更新实例健康状态
func (s *EtcdStore) UpdateHealth(ctx context.Context, instanceID string, healthy bool, at time.Time) error {
	inst, err := s.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Active() {
		return errs.ErrInstanceNotFound
	}

	inst.IsHealthy = healthy
	inst.LastHealthCheck = at

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("序列化实例信息失败: %w", err)
	}
	if err := s.client.Put(ctx, getInstanceKey(instanceID), data); err != nil {
		return fmt.Errorf("存储实例信息失败: %w", err)
	}

	// 用新租约重写服务名索引，相当于续期
	if err := s.client.PutWithLease(ctx, getNameIndexKey(inst.Name, inst.ID), []byte(inst.ID), nameIndexTTL(inst)); err != nil {
		return fmt.Errorf("续期服务名索引失败: %w", err)
	}
	return nil
}

// Deregister 软注销实例
func (s *EtcdStore) Deregister(ctx context.Context, instanceID string, at time.Time) error {
	inst, err := s.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Active() {
		return errs.ErrInstanceNotFound
	}

	t := at
	inst.DeregisteredAt = &t

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("序列化实例信息失败: %w", err)
	}
	if err := s.client.Put(ctx, getInstanceKey(instanceID), data); err != nil {
		return fmt.Errorf("存储实例信息失败: %w", err)
	}

	// 释放唯一键索引和服务名索引，允许同一地址重新注册
	if err := s.client.Delete(ctx, getUniqueIndexKey(inst)); err != nil {
		return fmt.Errorf("删除唯一键索引失败: %w", err)
	}
	if err := s.client.Delete(ctx, getNameIndexKey(inst.Name, inst.ID)); err != nil {
		return fmt.Errorf("删除服务名索引失败: %w", err)
	}
	return nil
}

// WatchNames 监听服务名索引的变化，推送发生变动的服务名
// 多个节点共享同一个etcd时，其他节点的注册、注销和租约过期
// 也会触发推送，调用方据此失效本地的发现缓存。ctx取消后通道关闭
func (s *EtcdStore) WatchNames(ctx context.Context) <-chan string {
	out := make(chan string)
	watch := s.client.WatchWithPrefix(ctx, instanceNamePrefix)

	go func() {
		defer close(out)
		for resp := range watch {
			for _, ev := range resp.Events {
				name := serviceNameFromIndexKey(string(ev.Kv.Key))
				if name == "" {
					continue
				}
				select {
				case out <- name:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// CleanupStale 注销健康检查长时间未更新的实例
func (s *EtcdStore) CleanupStale(ctx context.Context, before time.Time) ([]*model.ServiceInstance, error) {
	instances, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var stale []*model.ServiceInstance
	for _, inst := range instances {
		if inst.LastHealthCheck.Before(before) {
			if err := s.Deregister(ctx, inst.ID, time.Now()); err != nil {
				continue
			}
			stale = append(stale, inst)
		}
	}
	return stale, nil
}
