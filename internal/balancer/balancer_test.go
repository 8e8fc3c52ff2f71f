package balancer

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	"github.com/hewenyu/meshkit/internal/registry"
	instanceStore "github.com/hewenyu/meshkit/internal/store/instance"
)

func newTestRegistry(t *testing.T) registry.Service {
	t.Helper()
	return registry.NewService(instanceStore.NewMemoryStore(),
		registry.Options{CacheTTL: time.Millisecond}, config.NewNopLogger())
}

func register(t *testing.T, reg registry.Service, name, version, address string, port, weight int) string {
	t.Helper()
	resp, err := reg.Register(context.Background(), &model.InstanceRegistrationRequest{
		Name:    name,
		Version: version,
		Address: address,
		Port:    port,
		Weight:  weight,
	})
	require.NoError(t, err)
	return resp.InstanceID
}

func TestParseAlgorithm(t *testing.T) {
	for _, name := range []string{"round_robin", "weighted", "least_connections", "ip_hash"} {
		algo, err := ParseAlgorithm(name)
		require.NoError(t, err, "已知算法应能解析")
		assert.Equal(t, Algorithm(name), algo)
	}

	_, err := ParseAlgorithm("random")
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration, "未知算法应返回ErrInvalidConfiguration")
}

func TestBalancer_SelectNoInstances(t *testing.T) {
	b := New(newTestRegistry(t), config.NewNopLogger())

	_, err := b.Select(context.Background(), "ghost-service", AlgorithmRoundRobin, "")
	assert.ErrorIs(t, err, errs.ErrServiceNotFound, "无实例时应返回ErrServiceNotFound")
}

func TestBalancer_RoundRobin(t *testing.T) {
	reg := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		register(t, reg, "user-service", "v1", "10.0.0.1", 8080+i, 1)
	}
	b := New(reg, config.NewNopLogger())
	ctx := context.Background()

	var ports []int
	for i := 0; i < 6; i++ {
		inst, err := b.Select(ctx, "user-service", AlgorithmRoundRobin, "")
		require.NoError(t, err)
		ports = append(ports, inst.Port)
		b.Release(inst.ID)
	}

	// 按注册顺序循环
	assert.Equal(t, []int{8080, 8081, 8082, 8080, 8081, 8082}, ports)
}

func TestBalancer_LeastConnections(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "user-service", "v1", "10.0.0.1", 8080, 1)
	register(t, reg, "user-service", "v1", "10.0.0.2", 8080, 1)
	b := New(reg, config.NewNopLogger())
	ctx := context.Background()

	// 第一次选中注册最早的实例且不归还连接
	first, err := b.Select(ctx, "user-service", AlgorithmLeastConnections, "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", first.Address)

	// 第一个实例有在途连接，应选第二个
	second, err := b.Select(ctx, "user-service", AlgorithmLeastConnections, "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", second.Address)

	// 归还第一个连接后平局，按注册顺序取第一个
	b.Release(first.ID)
	b.Release(second.ID)
	third, err := b.Select(ctx, "user-service", AlgorithmLeastConnections, "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", third.Address)
}

func TestBalancer_IPHashDeterministic(t *testing.T) {
	reg := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		register(t, reg, "user-service", "v1", "10.0.0.1", 8080+i, 1)
	}
	b := New(reg, config.NewNopLogger())
	ctx := context.Background()

	var last *model.ServiceInstance
	for i := 0; i < 5; i++ {
		inst, err := b.Select(ctx, "user-service", AlgorithmIPHash, "client-42")
		require.NoError(t, err)
		if last != nil {
			assert.Equal(t, last.ID, inst.ID, "同一调用方应始终路由到同一实例")
		}
		last = inst
		b.Release(inst.ID)
	}
}

func TestBalancer_ConnectionCounters(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "user-service", "v1", "10.0.0.1", 8080, 1)
	b := New(reg, config.NewNopLogger())
	ctx := context.Background()

	inst, err := b.Select(ctx, "user-service", AlgorithmRoundRobin, "")
	require.NoError(t, err)

	current, total := b.ConnectionStats(inst.ID)
	assert.Equal(t, int64(1), current, "选择后当前连接数应为1")
	assert.Equal(t, int64(1), total, "累计请求数应为1")

	b.Release(inst.ID)
	current, total = b.ConnectionStats(inst.ID)
	assert.Equal(t, int64(0), current, "归还后当前连接数应为0")
	assert.Equal(t, int64(1), total, "累计请求数不变")
}

func TestBalancer_TrafficSplitValidation(t *testing.T) {
	b := New(newTestRegistry(t), config.NewNopLogger())

	err := b.ApplyTrafficSplit("user-service", "canary", map[string]int{"v1": -10, "v2": 110})
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration, "负权重应被拒绝")

	err = b.ApplyTrafficSplit("user-service", "canary", map[string]int{"v1": 50, "v2": 40})
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration, "权重总和不为100应被拒绝")

	err = b.ApplyTrafficSplit("user-service", "canary", map[string]int{"v1": 80, "v2": 20})
	assert.NoError(t, err)
}

func TestBalancer_TrafficSplitProportions(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "user-service", "v1", "10.0.0.1", 8080, 1)
	register(t, reg, "user-service", "v2", "10.0.0.2", 8080, 1)

	// 固定随机种子保证统计结果可复现
	b := New(reg, config.NewNopLogger(), WithRand(rand.New(rand.NewSource(42))))
	require.NoError(t, b.ApplyTrafficSplit("user-service", "canary", map[string]int{"v1": 80, "v2": 20}))
	ctx := context.Background()

	counts := map[string]int{}
	const rounds = 1000
	for i := 0; i < rounds; i++ {
		inst, err := b.Select(ctx, "user-service", AlgorithmRoundRobin, "")
		require.NoError(t, err)
		counts[inst.Version]++
		b.Release(inst.ID)
	}

	// 80/20分流，允许±5%偏差
	assert.InDelta(t, 800, counts["v1"], 50, "v1流量应接近八成")
	assert.InDelta(t, 200, counts["v2"], 50, "v2流量应接近两成")
}

func TestBalancer_TrafficSplitRemoved(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "user-service", "v1", "10.0.0.1", 8080, 1)
	register(t, reg, "user-service", "v2", "10.0.0.2", 8080, 1)
	b := New(reg, config.NewNopLogger())
	require.NoError(t, b.ApplyTrafficSplit("user-service", "canary", map[string]int{"v1": 100, "v2": 0}))
	ctx := context.Background()

	// 全部流量落在v1
	for i := 0; i < 4; i++ {
		inst, err := b.Select(ctx, "user-service", AlgorithmRoundRobin, "")
		require.NoError(t, err)
		assert.Equal(t, "v1", inst.Version)
		b.Release(inst.ID)
	}

	// 移除规则后恢复正常轮询
	b.RemoveTrafficSplit("user-service")
	versions := map[string]bool{}
	for i := 0; i < 4; i++ {
		inst, err := b.Select(ctx, "user-service", AlgorithmRoundRobin, "")
		require.NoError(t, err)
		versions[inst.Version] = true
		b.Release(inst.ID)
	}
	assert.Len(t, versions, 2, "移除分流规则后两个版本都应收到流量")
}
