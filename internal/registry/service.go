package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	instanceStore "github.com/hewenyu/meshkit/internal/store/instance"
)

// Service 提供服务注册与发现相关的业务逻辑
type Service interface {
	// Register 注册服务实例
	Register(ctx context.Context, req *model.InstanceRegistrationRequest) (*model.InstanceRegistrationResponse, error)

	// Deregister 注销服务实例
	Deregister(ctx context.Context, instanceID string) error

	// ReportHealth 上报实例健康状态
	ReportHealth(ctx context.Context, instanceID string, healthy bool, latency time.Duration) error

	// Discover 返回满足条件的健康实例，结果带TTL缓存
	Discover(ctx context.Context, serviceName string, filter *model.DiscoveryFilter) ([]*model.ServiceInstance, error)

	// GetInstance 获取单个实例信息
	GetInstance(ctx context.Context, instanceID string) (*model.ServiceInstance, error)

	// ListAll 获取所有未注销的实例，管理API和DNS使用
	ListAll(ctx context.Context) ([]*model.ServiceInstance, error)

	// StartCleanup 启动过期实例清理任务
	StartCleanup(ctx context.Context)

	// StartWatch 订阅存储层的变更通知并失效对应的发现缓存
	// 存储层不支持推送时不做任何事
	StartWatch(ctx context.Context)
}

// Options 注册表运行参数
type Options struct {
	CacheTTL              time.Duration
	CleanupInterval       time.Duration
	DefaultHealthInterval time.Duration
	StaleThreshold        time.Duration
}

// cacheEntry 发现结果的缓存项
type cacheEntry struct {
	instances []*model.ServiceInstance
	expiresAt time.Time
}

// registryService 实现Service接口
type registryService struct {
	store  instanceStore.Store
	opts   Options
	logger config.Logger

	mu       sync.RWMutex
	cache    map[string]*cacheEntry         // 缓存键 -> 发现结果
	nameKeys map[string]map[string]struct{} // 服务名 -> 该服务名对应的缓存键集合
}

// NewService 创建一个新的注册表服务
func NewService(store instanceStore.Store, opts Options, logger config.Logger) Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 30 * time.Second
	}
	if opts.DefaultHealthInterval < model.MinHealthCheckInterval {
		opts.DefaultHealthInterval = 30 * time.Second
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 3 * opts.DefaultHealthInterval
	}

	return &registryService{
		store:    store,
		opts:     opts,
		logger:   logger,
		cache:    make(map[string]*cacheEntry),
		nameKeys: make(map[string]map[string]struct{}),
	}
}

// Register 注册服务实例
func (s *registryService) Register(ctx context.Context, req *model.InstanceRegistrationRequest) (*model.InstanceRegistrationResponse, error) {
	if req.Name == "" || req.Address == "" {
		return nil, fmt.Errorf("%w: 服务名和地址不能为空", errs.ErrInvalidConfiguration)
	}
	if req.Port <= 0 || req.Port > 65535 {
		return nil, fmt.Errorf("%w: 无效的端口 %d", errs.ErrInvalidConfiguration, req.Port)
	}
	if req.Weight < 0 {
		return nil, fmt.Errorf("%w: 权重不能为负数", errs.ErrInvalidConfiguration)
	}

	// 健康检查间隔有下限，未指定时用默认值
	interval := s.opts.DefaultHealthInterval
	if req.HealthCheckInterval != "" {
		parsed, err := time.ParseDuration(req.HealthCheckInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: 无效的健康检查间隔 %q", errs.ErrInvalidConfiguration, req.HealthCheckInterval)
		}
		interval = parsed
	}
	if interval < model.MinHealthCheckInterval {
		interval = model.MinHealthCheckInterval
	}

	now := time.Now()
	inst := &model.ServiceInstance{
		Name:                req.Name,
		Version:             req.Version,
		Address:             req.Address,
		Port:                req.Port,
		Protocol:            req.Protocol,
		IsHealthy:           true,
		HealthCheckInterval: interval,
		Weight:              req.Weight,
		Tags:                req.Tags,
		Metadata:            req.Metadata,
		RegisteredAt:        now,
		LastHealthCheck:     now,
	}
	if inst.Protocol == "" {
		inst.Protocol = "http"
	}
	if inst.Weight == 0 {
		inst.Weight = 1
	}
	if inst.Version == "" {
		inst.Version = "v1"
	}

	if err := s.store.Create(ctx, inst); err != nil {
		return nil, err
	}

	s.invalidate(inst.Name)
	s.logger.Info("服务实例已注册",
		zap.String("service", inst.Name),
		zap.String("version", inst.Version),
		zap.String("instance_id", inst.ID))

	return &model.InstanceRegistrationResponse{
		InstanceID:   inst.ID,
		RegisteredAt: inst.RegisteredAt,
	}, nil
}

// Deregister 注销服务实例
func (s *registryService) Deregister(ctx context.Context, instanceID string) error {
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	if err := s.store.Deregister(ctx, instanceID, time.Now()); err != nil {
		return err
	}

	s.invalidate(inst.Name)
	s.logger.Info("服务实例已注销",
		zap.String("service", inst.Name),
		zap.String("instance_id", instanceID))
	return nil
}

// ReportHealth 上报实例健康状态
func (s *registryService) ReportHealth(ctx context.Context, instanceID string, healthy bool, latency time.Duration) error {
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	if err := s.store.UpdateHealth(ctx, instanceID, healthy, time.Now()); err != nil {
		return err
	}

	// 健康状态变化会影响发现结果，需要失效缓存
	if inst.IsHealthy != healthy {
		s.invalidate(inst.Name)
	}

	s.logger.Debug("健康状态已更新",
		zap.String("instance_id", instanceID),
		zap.Bool("healthy", healthy),
		zap.Duration("latency", latency))
	return nil
}

// Discover 返回满足条件的健康实例
func (s *registryService) Discover(ctx context.Context, serviceName string, filter *model.DiscoveryFilter) ([]*model.ServiceInstance, error) {
	key := cacheKey(serviceName, filter)

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.instances, nil
	}

	all, err := s.store.ListByName(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	instances := make([]*model.ServiceInstance, 0, len(all))
	for _, inst := range all {
		if inst.IsHealthy && filter.Matches(inst) {
			instances = append(instances, inst)
		}
	}

	s.mu.Lock()
	s.cache[key] = &cacheEntry{
		instances: instances,
		expiresAt: time.Now().Add(s.opts.CacheTTL),
	}
	if s.nameKeys[serviceName] == nil {
		s.nameKeys[serviceName] = make(map[string]struct{})
	}
	s.nameKeys[serviceName][key] = struct{}{}
	s.mu.Unlock()

	return instances, nil
}

// GetInstance 获取单个实例信息
func (s *registryService) GetInstance(ctx context.Context, instanceID string) (*model.ServiceInstance, error) {
	return s.store.Get(ctx, instanceID)
}

// ListAll 获取所有未注销的实例
func (s *registryService) ListAll(ctx context.Context) ([]*model.ServiceInstance, error) {
	return s.store.ListAll(ctx)
}

// StartCleanup 启动过期实例清理任务，ctx取消时退出
func (s *registryService) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupOnce(ctx)
			}
		}
	}()
}

// StartWatch 订阅存储层的变更通知并失效对应的发现缓存
func (s *registryService) StartWatch(ctx context.Context) {
	watcher, ok := s.store.(instanceStore.ChangeWatcher)
	if !ok {
		return
	}

	ch := watcher.WatchNames(ctx)
	go func() {
		for name := range ch {
			s.invalidate(name)
			s.logger.Debug("存储层实例变更，失效发现缓存", zap.String("service", name))
		}
	}()
}

// cleanupOnce 执行一轮过期实例清理
func (s *registryService) cleanupOnce(ctx context.Context) {
	before := time.Now().Add(-s.opts.StaleThreshold)
	stale, err := s.store.CleanupStale(ctx, before)
	if err != nil {
		s.logger.Error("清理过期实例失败", zap.Error(err))
		return
	}

	for _, inst := range stale {
		s.invalidate(inst.Name)
		s.logger.Warn("实例健康检查超时，已自动注销",
			zap.String("service", inst.Name),
			zap.String("instance_id", inst.ID),
			zap.Time("last_health_check", inst.LastHealthCheck))
	}
}

// invalidate 失效某个服务名的所有发现缓存
func (s *registryService) invalidate(serviceName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.nameKeys[serviceName] {
		delete(s.cache, key)
	}
	delete(s.nameKeys, serviceName)
}

// cacheKey 根据服务名和筛选条件计算缓存键
func cacheKey(serviceName string, filter *model.DiscoveryFilter) string {
	h := fnv.New64a()
	h.Write([]byte(serviceName))
	if filter != nil {
		data, _ := json.Marshal(filter)
		h.Write(data)
	}
	return fmt.Sprintf("%s/%x", serviceName, h.Sum64())
}
