package eventstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	eventStore "github.com/hewenyu/meshkit/internal/store/event"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	return NewService(eventStore.NewMemoryStore(), config.NewNopLogger(), Options{
		SubscribeBatch: 10,
		PollInterval:   10 * time.Millisecond,
	})
}

func inputs(types ...string) []EventInput {
	result := make([]EventInput, 0, len(types))
	for _, t := range types {
		result = append(result, EventInput{EventType: t, Data: []byte(`{}`)})
	}
	return result
}

func TestAppendBuildsContiguousVersions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stored, err := svc.Append(ctx, "order-1", "order", 0, inputs("created", "paid"))
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(1), stored[0].EventVersion)
	assert.Equal(t, int64(2), stored[1].EventVersion)
	assert.NotEmpty(t, stored[0].ID)

	stored, err = svc.Append(ctx, "order-1", "order", 2, inputs("shipped"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored[0].EventVersion, "版本应从当前版本继续连续递增")
}

func TestAppendValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, "", "order", 0, inputs("created"))
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration)

	_, err = svc.Append(ctx, "order-1", "order", 0, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration)

	_, err = svc.Append(ctx, "order-1", "order", 0, []EventInput{{Data: []byte(`{}`)}})
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration, "缺少事件类型应被拒绝")
}

func TestVersionConflictLeavesLogUnchanged(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, "order-1", "order", 0, inputs("created"))
	require.NoError(t, err)

	// 两个写入方基于同一个旧版本竞争，只有一个成功
	_, err = svc.Append(ctx, "order-1", "order", 1, inputs("paid"))
	require.NoError(t, err)
	_, err = svc.Append(ctx, "order-1", "order", 1, inputs("cancelled"))
	assert.ErrorIs(t, err, errs.ErrVersionConflict)

	state, err := svc.LoadAggregate(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.CurrentVersion, "冲突失败不应改变日志")
	require.Len(t, state.Events, 2)
	assert.Equal(t, "paid", state.Events[1].EventType)
}

func TestConcurrentAppendsSerializePerAggregate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// 并发写不同聚合互不干扰，每个聚合各自版本连续
	var wg sync.WaitGroup
	for _, agg := range []string{"order-1", "order-2", "order-3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			version := int64(0)
			for i := 0; i < 20; i++ {
				stored, err := svc.Append(ctx, id, "order", version, inputs("tick"))
				assert.NoError(t, err)
				version = stored[0].EventVersion
			}
		}(agg)
	}
	wg.Wait()

	for _, agg := range []string{"order-1", "order-2", "order-3"} {
		state, err := svc.LoadAggregate(ctx, agg)
		require.NoError(t, err)
		assert.Equal(t, int64(20), state.CurrentVersion)
		for i, e := range state.Events {
			assert.Equal(t, int64(i+1), e.EventVersion)
		}
	}
}

func TestLoadAggregateUsesSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.LoadAggregate(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrAggregateNotFound)

	version := int64(0)
	for i := 0; i < 10; i++ {
		stored, err := svc.Append(ctx, "order-1", "order", version, inputs("tick"))
		require.NoError(t, err)
		version = stored[0].EventVersion
	}

	snapData, _ := json.Marshal(map[string]int{"count": 7})
	require.NoError(t, svc.SaveSnapshot(ctx, "order-1", 7, snapData))

	state, err := svc.LoadAggregate(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, state.Snapshot)
	assert.Equal(t, int64(7), state.Snapshot.SnapshotVersion)
	require.Len(t, state.Events, 3, "只回放快照之后的事件")
	assert.Equal(t, int64(8), state.Events[0].EventVersion)
	assert.Equal(t, int64(10), state.CurrentVersion)
}

func TestSnapshotDueAfterConfiguredFrequency(t *testing.T) {
	svc := NewService(eventStore.NewMemoryStore(), config.NewNopLogger(), Options{
		SubscribeBatch:    10,
		PollInterval:      10 * time.Millisecond,
		SnapshotFrequency: 3,
	})
	ctx := context.Background()

	version := int64(0)
	for i := 0; i < 2; i++ {
		stored, err := svc.Append(ctx, "order-1", "order", version, inputs("tick"))
		require.NoError(t, err)
		version = stored[0].EventVersion
	}

	state, err := svc.LoadAggregate(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, state.SnapshotDue, "未到快照频率不提示")

	_, err = svc.Append(ctx, "order-1", "order", version, inputs("tick"))
	require.NoError(t, err)

	state, err = svc.LoadAggregate(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, state.SnapshotDue, "快照后事件数达到频率时提示")

	snapData, _ := json.Marshal(map[string]int{"count": 3})
	require.NoError(t, svc.SaveSnapshot(ctx, "order-1", 3, snapData))

	state, err = svc.LoadAggregate(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, state.SnapshotDue, "保存快照后重置")
}

func TestSaveSnapshotValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.SaveSnapshot(ctx, "missing", 1, nil), errs.ErrAggregateNotFound)

	_, err := svc.Append(ctx, "order-1", "order", 0, inputs("created"))
	require.NoError(t, err)

	assert.ErrorIs(t, svc.SaveSnapshot(ctx, "order-1", 0, nil), errs.ErrInvalidConfiguration)
	assert.ErrorIs(t, svc.SaveSnapshot(ctx, "order-1", 5, nil), errs.ErrInvalidConfiguration,
		"快照版本不能超过聚合当前版本")
	assert.NoError(t, svc.SaveSnapshot(ctx, "order-1", 1, []byte(`{}`)))
}

func TestSubscribeCatchUpThenLive(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := svc.Append(ctx, "order-1", "order", 0, inputs("created", "paid"))
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, 0, nil)
	require.NoError(t, err)

	// 先收到历史事件
	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, "created", first.EventType)
	assert.Equal(t, "paid", second.EventType)

	select {
	case <-sub.CaughtUp:
	case <-time.After(3 * time.Second):
		t.Fatal("投递完历史事件后应标记追平")
	}

	// 追平后继续收到新事件
	_, err = svc.Append(ctx, "order-1", "order", 2, inputs("shipped"))
	require.NoError(t, err)

	select {
	case live := <-sub.Events:
		assert.Equal(t, "shipped", live.EventType)
	case <-time.After(3 * time.Second):
		t.Fatal("追平后的新事件应被持续投递")
	}

	cancel()
	_, open := <-sub.Events
	assert.False(t, open, "取消订阅后通道应关闭")
}

func TestSubscribeFiltersEventTypes(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := svc.Append(ctx, "order-1", "order", 0, inputs("created", "audited", "paid"))
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, 0, []string{"created", "paid"})
	require.NoError(t, err)

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, "created", first.EventType)
	assert.Equal(t, "paid", second.EventType, "未命中类型的事件应被跳过")
}

func TestProjectionCatchUpEndsAtStreamHead(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	version := int64(0)
	for i := 0; i < 5; i++ {
		stored, err := svc.Append(ctx, "order-1", "order", version, inputs("tick"))
		require.NoError(t, err)
		version = stored[0].EventVersion
	}

	// 第一条事件之后的处理都卡在gate上，把投影按在回放中段
	gate := make(chan struct{})
	var mu sync.Mutex
	applied := 0
	runner := NewProjectionRunner(svc, config.NewNopLogger(), "gated", nil, 0,
		func(ctx context.Context, e *model.AggregateEvent) error {
			mu.Lock()
			n := applied
			mu.Unlock()
			if n >= 1 {
				<-gate
			}
			mu.Lock()
			applied++
			mu.Unlock()
			return nil
		})
	require.NoError(t, runner.Start(ctx))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return applied == 1
	}, 3*time.Second, 20*time.Millisecond)

	status := runner.Status()
	assert.Equal(t, int64(1), status.LastProcessedVersion)
	assert.True(t, status.IsCatchingUp, "流头在5、进度在1时仍处于回放中")

	close(gate)
	assert.Eventually(t, func() bool {
		st := runner.Status()
		return st.LastProcessedVersion == 5 && !st.IsCatchingUp
	}, 3*time.Second, 20*time.Millisecond, "消费完历史事件后才报告追平")
}

func TestProjectionRunnerReplaysIdempotently(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	version := int64(0)
	for i := 0; i < 5; i++ {
		stored, err := svc.Append(ctx, "order-1", "order", version, inputs("tick"))
		require.NoError(t, err)
		version = stored[0].EventVersion
	}

	// 幂等投影：按事件ID去重计数
	var mu sync.Mutex
	seen := make(map[string]bool)
	runner := NewProjectionRunner(svc, config.NewNopLogger(), "counter", nil, 0,
		func(ctx context.Context, e *model.AggregateEvent) error {
			mu.Lock()
			seen[e.ID] = true
			mu.Unlock()
			return nil
		})
	require.NoError(t, runner.Start(ctx))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 3*time.Second, 20*time.Millisecond)

	status := runner.Status()
	assert.Equal(t, "counter", status.Name)
	assert.Equal(t, int64(5), status.LastProcessedVersion)

	// 从断点续传不应重复投递
	cancel()
	runner.Wait()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	delivered := 0
	resumed := NewProjectionRunner(svc, config.NewNopLogger(), "counter", nil, status.LastProcessedVersion,
		func(ctx context.Context, e *model.AggregateEvent) error {
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	require.NoError(t, resumed.Start(ctx2))

	_, err := svc.Append(ctx2, "order-1", "order", 5, inputs("final"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, 3*time.Second, 20*time.Millisecond, "断点之后只应投递新事件")
}
