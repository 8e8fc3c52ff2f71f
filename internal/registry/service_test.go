package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	instanceStore "github.com/hewenyu/meshkit/internal/store/instance"
)

func newTestService(opts Options) Service {
	return NewService(instanceStore.NewMemoryStore(), opts, config.NewNopLogger())
}

func registerInstance(t *testing.T, svc Service, name, version, address string, port int) string {
	t.Helper()
	resp, err := svc.Register(context.Background(), &model.InstanceRegistrationRequest{
		Name:    name,
		Version: version,
		Address: address,
		Port:    port,
	})
	require.NoError(t, err, "注册实例应该成功")
	return resp.InstanceID
}

// watchableStore 包装内存存储，手动推送变更通知
type watchableStore struct {
	instanceStore.Store
	ch chan string
}

func (s *watchableStore) WatchNames(ctx context.Context) <-chan string {
	return s.ch
}

func TestService_StartWatchInvalidatesCache(t *testing.T) {
	mem := instanceStore.NewMemoryStore()
	ws := &watchableStore{Store: mem, ch: make(chan string, 1)}
	svc := NewService(ws, Options{CacheTTL: time.Hour}, config.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartWatch(ctx)

	id := registerInstance(t, svc, "pay-service", "v1", "10.0.0.1", 8080)

	instances, err := svc.Discover(ctx, "pay-service", nil)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	// 绕过服务直接改存储，模拟另一个节点注销了实例
	require.NoError(t, mem.Deregister(ctx, id, time.Now()))

	// 没有推送时缓存继续返回旧结果
	instances, err = svc.Discover(ctx, "pay-service", nil)
	require.NoError(t, err)
	assert.Len(t, instances, 1, "缓存未失效前返回旧结果")

	ws.ch <- "pay-service"
	assert.Eventually(t, func() bool {
		instances, err := svc.Discover(ctx, "pay-service", nil)
		return err == nil && len(instances) == 0
	}, 3*time.Second, 20*time.Millisecond, "收到变更推送后缓存应失效")
}

func TestService_StartWatchWithoutWatcherIsNoop(t *testing.T) {
	svc := newTestService(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 内存存储不支持推送，StartWatch不应有任何副作用
	svc.StartWatch(ctx)
	registerInstance(t, svc, "pay-service", "v1", "10.0.0.1", 8080)

	instances, err := svc.Discover(ctx, "pay-service", nil)
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestService_RegisterValidation(t *testing.T) {
	svc := newTestService(Options{})
	ctx := context.Background()

	_, err := svc.Register(ctx, &model.InstanceRegistrationRequest{Name: "", Address: "10.0.0.1", Port: 80})
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration, "空服务名应被拒绝")

	_, err = svc.Register(ctx, &model.InstanceRegistrationRequest{Name: "svc", Address: "10.0.0.1", Port: 0})
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration, "非法端口应被拒绝")

	_, err = svc.Register(ctx, &model.InstanceRegistrationRequest{Name: "svc", Address: "10.0.0.1", Port: 80, Weight: -1})
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration, "负权重应被拒绝")
}

func TestService_HealthIntervalFloor(t *testing.T) {
	svc := newTestService(Options{})
	ctx := context.Background()

	resp, err := svc.Register(ctx, &model.InstanceRegistrationRequest{
		Name:                "svc",
		Address:             "10.0.0.1",
		Port:                80,
		HealthCheckInterval: "1s",
	})
	require.NoError(t, err)

	inst, err := svc.GetInstance(ctx, resp.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.MinHealthCheckInterval, inst.HealthCheckInterval,
		"健康检查间隔应被提升到下限")
}

func TestService_DiscoverFiltersUnhealthy(t *testing.T) {
	svc := newTestService(Options{CacheTTL: time.Millisecond})
	ctx := context.Background()

	healthy := registerInstance(t, svc, "user-service", "v1", "10.0.0.1", 8080)
	unhealthy := registerInstance(t, svc, "user-service", "v1", "10.0.0.2", 8080)

	require.NoError(t, svc.ReportHealth(ctx, unhealthy, false, 0))
	time.Sleep(5 * time.Millisecond) // 等缓存过期

	instances, err := svc.Discover(ctx, "user-service", nil)
	require.NoError(t, err)
	require.Len(t, instances, 1, "不健康的实例应被过滤")
	assert.Equal(t, healthy, instances[0].ID)
}

func TestService_DiscoverVersionFilter(t *testing.T) {
	svc := newTestService(Options{})
	ctx := context.Background()

	registerInstance(t, svc, "user-service", "v1", "10.0.0.1", 8080)
	registerInstance(t, svc, "user-service", "v2", "10.0.0.2", 8080)

	instances, err := svc.Discover(ctx, "user-service", &model.DiscoveryFilter{Version: "v2"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "v2", instances[0].Version)
}

func TestService_DiscoverCacheInvalidation(t *testing.T) {
	svc := newTestService(Options{CacheTTL: time.Hour}) // 缓存不会自然过期
	ctx := context.Background()

	registerInstance(t, svc, "user-service", "v1", "10.0.0.1", 8080)

	instances, err := svc.Discover(ctx, "user-service", nil)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	// 注册新实例会失效缓存，即使TTL还没到
	registerInstance(t, svc, "user-service", "v1", "10.0.0.2", 8080)

	instances, err = svc.Discover(ctx, "user-service", nil)
	require.NoError(t, err)
	assert.Len(t, instances, 2, "注册新实例后发现结果应立即更新")
}

func TestService_DiscoverCacheInvalidationOnHealthChange(t *testing.T) {
	svc := newTestService(Options{CacheTTL: time.Hour})
	ctx := context.Background()

	id := registerInstance(t, svc, "user-service", "v1", "10.0.0.1", 8080)

	instances, err := svc.Discover(ctx, "user-service", nil)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	// 健康状态变化同样失效缓存
	require.NoError(t, svc.ReportHealth(ctx, id, false, 50*time.Millisecond))

	instances, err = svc.Discover(ctx, "user-service", nil)
	require.NoError(t, err)
	assert.Empty(t, instances, "实例变为不健康后发现结果应立即更新")
}

func TestService_DeregisterExcludedFromDiscovery(t *testing.T) {
	svc := newTestService(Options{})
	ctx := context.Background()

	id := registerInstance(t, svc, "user-service", "v1", "10.0.0.1", 8080)
	require.NoError(t, svc.Deregister(ctx, id))

	instances, err := svc.Discover(ctx, "user-service", nil)
	require.NoError(t, err)
	assert.Empty(t, instances, "注销后的实例不应被发现")
}
