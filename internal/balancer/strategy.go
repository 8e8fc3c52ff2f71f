package balancer

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// Algorithm 负载均衡算法枚举
type Algorithm string

const (
	// AlgorithmRoundRobin 轮询
	AlgorithmRoundRobin Algorithm = "round_robin"
	// AlgorithmWeighted 按权重随机
	AlgorithmWeighted Algorithm = "weighted"
	// AlgorithmLeastConnections 最少连接数
	AlgorithmLeastConnections Algorithm = "least_connections"
	// AlgorithmIPHash 按调用方标识哈希
	AlgorithmIPHash Algorithm = "ip_hash"
)

// ParseAlgorithm 解析算法名称，配置期调用一次，之后不再按名称分发
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case AlgorithmRoundRobin, AlgorithmWeighted, AlgorithmLeastConnections, AlgorithmIPHash:
		return Algorithm(name), nil
	default:
		return "", fmt.Errorf("%w: 未知的负载均衡算法 %q", errs.ErrInvalidConfiguration, name)
	}
}

// Strategy 负载均衡策略接口，每种算法一个实现
// instances 按注册顺序传入且非空，平局时取靠前的实例
type Strategy interface {
	Pick(serviceName string, instances []*model.ServiceInstance, clientKey string) *model.ServiceInstance
}

// roundRobinStrategy 轮询策略，每个服务维护独立的游标
type roundRobinStrategy struct {
	mu   sync.Mutex
	next map[string]int
}

func newRoundRobinStrategy() *roundRobinStrategy {
	return &roundRobinStrategy{next: make(map[string]int)}
}

func (s *roundRobinStrategy) Pick(serviceName string, instances []*model.ServiceInstance, clientKey string) *model.ServiceInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.next[serviceName] % len(instances)
	s.next[serviceName] = idx + 1
	return instances[idx]
}

// weightedStrategy 按load_balancing_weight的概率随机选择
type weightedStrategy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newWeightedStrategy(rnd *rand.Rand) *weightedStrategy {
	return &weightedStrategy{rnd: rnd}
}

func (s *weightedStrategy) Pick(serviceName string, instances []*model.ServiceInstance, clientKey string) *model.ServiceInstance {
	total := 0
	for _, inst := range instances {
		if inst.Weight > 0 {
			total += inst.Weight
		}
	}
	if total <= 0 {
		return instances[0]
	}

	s.mu.Lock()
	n := s.rnd.Intn(total)
	s.mu.Unlock()

	for _, inst := range instances {
		if inst.Weight <= 0 {
			continue
		}
		n -= inst.Weight
		if n < 0 {
			return inst
		}
	}
	return instances[len(instances)-1]
}

// leastConnectionsStrategy 选择当前连接数最少的实例
type leastConnectionsStrategy struct {
	conns *connTable
}

func newLeastConnectionsStrategy(conns *connTable) *leastConnectionsStrategy {
	return &leastConnectionsStrategy{conns: conns}
}

func (s *leastConnectionsStrategy) Pick(serviceName string, instances []*model.ServiceInstance, clientKey string) *model.ServiceInstance {
	best := instances[0]
	bestConns := s.conns.current(best.ID)
	for _, inst := range instances[1:] {
		if c := s.conns.current(inst.ID); c < bestConns {
			best = inst
			bestConns = c
		}
	}
	return best
}

// ipHashStrategy 用调用方标识的哈希做确定性路由
type ipHashStrategy struct{}

func (ipHashStrategy) Pick(serviceName string, instances []*model.ServiceInstance, clientKey string) *model.ServiceInstance {
	h := fnv.New32a()
	h.Write([]byte(clientKey))
	return instances[int(h.Sum32())%len(instances)]
}
