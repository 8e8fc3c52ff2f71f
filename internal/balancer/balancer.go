package balancer

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	"github.com/hewenyu/meshkit/internal/registry"
)

// connTable 每个实例的连接计数
type connTable struct {
	mu       sync.Mutex
	counters map[string]*instanceCounters
}

type instanceCounters struct {
	current int64
	total   int64
}

func newConnTable() *connTable {
	return &connTable{counters: make(map[string]*instanceCounters)}
}

func (t *connTable) acquire(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counters[instanceID]
	if c == nil {
		c = &instanceCounters{}
		t.counters[instanceID] = c
	}
	c.current++
	c.total++
}

func (t *connTable) release(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.counters[instanceID]; c != nil && c.current > 0 {
		c.current--
	}
}

func (t *connTable) current(instanceID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.counters[instanceID]; c != nil {
		return c.current
	}
	return 0
}

func (t *connTable) snapshot(instanceID string) (current, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.counters[instanceID]; c != nil {
		return c.current, c.total
	}
	return 0, 0
}

// Balancer 在服务的健康实例之间做负载均衡
// 策略在创建时一次性解析，运行期不再按名称分发
type Balancer struct {
	registry   registry.Service
	logger     config.Logger
	conns      *connTable
	strategies map[Algorithm]Strategy

	mu     sync.Mutex
	rnd    *rand.Rand
	splits map[string]*model.TrafficSplitRule // 服务名 -> 分流规则
}

// Option Balancer可选参数
type Option func(*Balancer)

// WithRand 注入随机源，测试用
func WithRand(rnd *rand.Rand) Option {
	return func(b *Balancer) {
		b.rnd = rnd
	}
}

// New 创建一个新的负载均衡器
func New(reg registry.Service, logger config.Logger, opts ...Option) *Balancer {
	b := &Balancer{
		registry: reg,
		logger:   logger,
		conns:    newConnTable(),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		splits:   make(map[string]*model.TrafficSplitRule),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.strategies = map[Algorithm]Strategy{
		AlgorithmRoundRobin:       newRoundRobinStrategy(),
		AlgorithmWeighted:         newWeightedStrategy(b.rnd),
		AlgorithmLeastConnections: newLeastConnectionsStrategy(b.conns),
		AlgorithmIPHash:           ipHashStrategy{},
	}
	return b
}

// Select 为逻辑服务名选择一个健康实例并占用一个连接
// 调用完成后必须用Release归还连接计数
func (b *Balancer) Select(ctx context.Context, serviceName string, algo Algorithm, clientKey string) (*model.ServiceInstance, error) {
	strategy, ok := b.strategies[algo]
	if !ok {
		return nil, fmt.Errorf("%w: 未知的负载均衡算法 %q", errs.ErrInvalidConfiguration, algo)
	}

	instances, err := b.registry.Discover(ctx, serviceName, nil)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", errs.ErrServiceNotFound, serviceName)
	}

	// 有分流规则时先按版本权重抽取，再在版本内做负载均衡
	if rule := b.activeSplit(serviceName); rule != nil {
		instances = b.drawVersion(rule, instances)
		if len(instances) == 0 {
			return nil, fmt.Errorf("%w: %s", errs.ErrServiceNotFound, serviceName)
		}
	}

	chosen := strategy.Pick(serviceName, instances, clientKey)
	b.conns.acquire(chosen.ID)
	return chosen, nil
}

// Release 归还连接计数，调用完成后必须执行
func (b *Balancer) Release(instanceID string) {
	b.conns.release(instanceID)
}

// ConnectionStats 返回实例的当前连接数和累计请求数
func (b *Balancer) ConnectionStats(instanceID string) (current, total int64) {
	return b.conns.snapshot(instanceID)
}

// ApplyTrafficSplit 为服务设置版本分流规则
// 权重必须非负且总和为100
func (b *Balancer) ApplyTrafficSplit(serviceName, ruleName string, weights map[string]int) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: 分流规则不能为空", errs.ErrInvalidConfiguration)
	}

	sum := 0
	for version, w := range weights {
		if w < 0 {
			return fmt.Errorf("%w: 版本 %s 的权重不能为负数", errs.ErrInvalidConfiguration, version)
		}
		sum += w
	}
	if sum != 100 {
		return fmt.Errorf("%w: 分流权重总和必须为100，当前为%d", errs.ErrInvalidConfiguration, sum)
	}

	rule := &model.TrafficSplitRule{
		ServiceName: serviceName,
		RuleName:    ruleName,
		Weights:     weights,
		CreatedAt:   time.Now(),
	}

	b.mu.Lock()
	b.splits[serviceName] = rule
	b.mu.Unlock()

	b.logger.Info("分流规则已生效",
		zap.String("service", serviceName),
		zap.String("rule", ruleName))
	return nil
}

// RemoveTrafficSplit 移除服务的分流规则
func (b *Balancer) RemoveTrafficSplit(serviceName string) {
	b.mu.Lock()
	delete(b.splits, serviceName)
	b.mu.Unlock()
}

// activeSplit 获取服务当前生效的分流规则
func (b *Balancer) activeSplit(serviceName string) *model.TrafficSplitRule {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.splits[serviceName]
}

// drawVersion 按规则权重抽取一个版本，返回该版本的实例
// 只在有实例的版本之间抽取，避免把流量分给空版本
func (b *Balancer) drawVersion(rule *model.TrafficSplitRule, instances []*model.ServiceInstance) []*model.ServiceInstance {
	byVersion := make(map[string][]*model.ServiceInstance)
	for _, inst := range instances {
		byVersion[inst.Version] = append(byVersion[inst.Version], inst)
	}

	type versionWeight struct {
		version string
		weight  int
	}
	var candidates []versionWeight
	total := 0
	for version, w := range rule.Weights {
		if w > 0 && len(byVersion[version]) > 0 {
			candidates = append(candidates, versionWeight{version, w})
			total += w
		}
	}
	if total == 0 {
		return nil
	}
	// map遍历顺序不定，排序保证同一随机数落在同一版本
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].version < candidates[j].version
	})

	b.mu.Lock()
	n := b.rnd.Intn(total)
	b.mu.Unlock()

	for _, c := range candidates {
		n -= c.weight
		if n < 0 {
			return byVersion[c.version]
		}
	}
	return byVersion[candidates[len(candidates)-1].version]
}
