package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	"github.com/hewenyu/meshkit/internal/store/sqlite"
)

// 两个实现共用同一套契约测试
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "queue_test.db"))
	require.NoError(t, err, "打开sqlite不应失败")
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSqliteStore(db),
	}
}

func testQueue(name string) *model.Queue {
	return &model.Queue{
		Name:       name,
		Durable:    true,
		MaxSize:    100,
		MessageTTL: time.Hour,
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testMessage(queueName string, priority int, now time.Time) *model.QueueMessage {
	return &model.QueueMessage{
		ID:           uuid.New().String(),
		QueueName:    queueName,
		Payload:      []byte(`{"order_id":42}`),
		Headers:      map[string]string{"source": "test"},
		Priority:     priority,
		Status:       model.MessagePending,
		ScheduledFor: now,
		EnqueuedAt:   now,
	}
}

func TestQueueLifecycle(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.CreateQueue(ctx, testQueue("orders")))
			assert.ErrorIs(t, store.CreateQueue(ctx, testQueue("orders")), errs.ErrQueueExists, "重复创建应失败")

			queue, err := store.GetQueue(ctx, "orders")
			require.NoError(t, err)
			assert.Equal(t, 100, queue.MaxSize)
			assert.Equal(t, time.Hour, queue.MessageTTL)

			_, err = store.GetQueue(ctx, "missing")
			assert.ErrorIs(t, err, errs.ErrQueueNotFound)

			require.NoError(t, store.CreateQueue(ctx, testQueue("payments")))
			queues, err := store.ListQueues(ctx)
			require.NoError(t, err)
			require.Len(t, queues, 2)
			assert.Equal(t, "orders", queues[0].Name, "队列列表应按名称排序")

			require.NoError(t, store.DeleteQueue(ctx, "payments"))
			assert.ErrorIs(t, store.DeleteQueue(ctx, "payments"), errs.ErrQueueNotFound)
		})
	}
}

func TestEnqueueAndCapacity(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.CreateQueue(ctx, testQueue("orders")))

			assert.ErrorIs(t, store.Enqueue(ctx, testMessage("missing", 0, now), 10), errs.ErrQueueNotFound)

			require.NoError(t, store.Enqueue(ctx, testMessage("orders", 0, now), 2))
			require.NoError(t, store.Enqueue(ctx, testMessage("orders", 0, now), 2))
			assert.ErrorIs(t, store.Enqueue(ctx, testMessage("orders", 0, now), 2), errs.ErrQueueFull, "达到容量上限应拒绝")

			count, err := store.CountActive(ctx, "orders")
			require.NoError(t, err)
			assert.Equal(t, 2, count)
		})
	}
}

func TestClaimOrderAndAtomicity(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.CreateQueue(ctx, testQueue("orders")))

			low := testMessage("orders", 1, now)
			high := testMessage("orders", 9, now.Add(time.Millisecond))
			future := testMessage("orders", 10, now)
			future.ScheduledFor = now.Add(time.Hour)
			require.NoError(t, store.Enqueue(ctx, low, 0))
			require.NoError(t, store.Enqueue(ctx, high, 0))
			require.NoError(t, store.Enqueue(ctx, future, 0))

			// 高优先级先被认领，未到调度时间的消息不可见
			claimed, err := store.Claim(ctx, "orders", "worker-1", now.Add(time.Second))
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, high.ID, claimed.ID)
			assert.Equal(t, model.MessageProcessing, claimed.Status)
			assert.Equal(t, "worker-1", claimed.ClaimedBy)

			claimed, err = store.Claim(ctx, "orders", "worker-2", now.Add(time.Second))
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, low.ID, claimed.ID)

			claimed, err = store.Claim(ctx, "orders", "worker-3", now.Add(time.Second))
			require.NoError(t, err)
			assert.Nil(t, claimed, "无可消费消息时应返回nil")
		})
	}
}

func TestMessageStateTransitions(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.CreateQueue(ctx, testQueue("orders")))

			msg := testMessage("orders", 0, now)
			require.NoError(t, store.Enqueue(ctx, msg, 0))

			// 未认领的消息不能直接完成
			assert.ErrorIs(t, store.MarkCompleted(ctx, msg.ID, "worker-1", now), errs.ErrInvalidStateTransition)

			claimed, err := store.Claim(ctx, "orders", "worker-1", now)
			require.NoError(t, err)
			require.NotNil(t, claimed)

			// 其他worker不能替认领者结算
			assert.ErrorIs(t, store.MarkCompleted(ctx, msg.ID, "worker-2", now), errs.ErrInvalidStateTransition)

			require.NoError(t, store.MarkRetry(ctx, msg.ID, "worker-1", "下游超时", now.Add(10*time.Second)))
			got, err := store.GetMessage(ctx, msg.ID)
			require.NoError(t, err)
			assert.Equal(t, model.MessageFailed, got.Status)
			assert.Equal(t, 1, got.RetryCount)
			assert.Equal(t, "下游超时", got.LastError)
			assert.Empty(t, got.ClaimedBy)

			// failed消息到调度时间后可被再次认领
			claimed, err = store.Claim(ctx, "orders", "worker-2", now.Add(11*time.Second))
			require.NoError(t, err)
			require.NotNil(t, claimed)
			require.NoError(t, store.MarkCompleted(ctx, msg.ID, "worker-2", now.Add(12*time.Second)))

			got, err = store.GetMessage(ctx, msg.ID)
			require.NoError(t, err)
			assert.Equal(t, model.MessageCompleted, got.Status)
			require.NotNil(t, got.CompletedAt)

			// 终态不可再转换
			assert.ErrorIs(t, store.MarkDeadLetter(ctx, msg.ID, "x", now), errs.ErrInvalidStateTransition)
			assert.ErrorIs(t, store.MarkCompleted(ctx, "missing", "worker-1", now), errs.ErrMessageNotFound)
		})
	}
}

func TestExpirePending(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.CreateQueue(ctx, testQueue("orders")))

			old := testMessage("orders", 0, now.Add(-2*time.Hour))
			fresh := testMessage("orders", 0, now)
			require.NoError(t, store.Enqueue(ctx, old, 0))
			require.NoError(t, store.Enqueue(ctx, fresh, 0))

			expired, err := store.ExpirePending(ctx, "orders", now.Add(-time.Hour), now)
			require.NoError(t, err)
			require.Len(t, expired, 1, "只有超过TTL的pending消息被过期")
			assert.Equal(t, old.ID, expired[0].ID)
			assert.Equal(t, model.MessageDeadLetter, expired[0].Status)

			got, err := store.GetMessage(ctx, fresh.ID)
			require.NoError(t, err)
			assert.Equal(t, model.MessagePending, got.Status)
		})
	}
}

func TestListMessagesByStatus(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.CreateQueue(ctx, testQueue("orders")))

			first := testMessage("orders", 0, now)
			second := testMessage("orders", 0, now.Add(time.Millisecond))
			require.NoError(t, store.Enqueue(ctx, first, 0))
			require.NoError(t, store.Enqueue(ctx, second, 0))

			claimed, err := store.Claim(ctx, "orders", "worker-1", now.Add(time.Second))
			require.NoError(t, err)
			require.NotNil(t, claimed)

			pending, err := store.ListMessages(ctx, "orders", model.MessagePending, 10)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, second.ID, pending[0].ID)

			all, err := store.ListMessages(ctx, "orders", "", 10)
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.Equal(t, map[string]string{"source": "test"}, all[0].Headers, "消息头应完整往返")
		})
	}
}
