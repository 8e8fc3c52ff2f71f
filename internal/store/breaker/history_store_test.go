package breaker

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/meshkit/internal/core/model"
	"github.com/hewenyu/meshkit/internal/store/sqlite"
)

// 两个实现共用同一套契约测试
func storeImpls(t *testing.T) map[string]HistoryStore {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "breaker_test.db"))
	require.NoError(t, err, "打开sqlite不应失败")
	t.Cleanup(func() { db.Close() })

	return map[string]HistoryStore{
		"memory": NewMemoryHistoryStore(),
		"sqlite": NewSqliteHistoryStore(db),
	}
}

func testTransition(name string, seq int, now time.Time) *model.BreakerTransition {
	return &model.BreakerTransition{
		BreakerName:   name,
		PreviousState: model.BreakerClosed,
		NewState:      model.BreakerOpen,
		TriggerEvent:  fmt.Sprintf("failure_threshold_%d", seq),
		FailureCount:  seq,
		SuccessCount:  0,
		OccurredAt:    now.Add(time.Duration(seq) * time.Second),
	}
}

func TestAppendAndListTransitions(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			for i := 1; i <= 5; i++ {
				require.NoError(t, store.Append(ctx, testTransition("payment-api", i, now)))
			}
			require.NoError(t, store.Append(ctx, testTransition("order-api", 1, now)))

			list, err := store.List(ctx, "payment-api", 0)
			require.NoError(t, err)
			require.Len(t, list, 5, "不限制条数时返回全部记录")
			for i, tr := range list {
				assert.Equal(t, "payment-api", tr.BreakerName)
				assert.Equal(t, i+1, tr.FailureCount, "记录按时间顺序返回")
				assert.NotZero(t, tr.ID)
			}
		})
	}
}

func TestListTransitionsKeepsLatestWithinLimit(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			for i := 1; i <= 10; i++ {
				require.NoError(t, store.Append(ctx, testTransition("payment-api", i, now)))
			}

			list, err := store.List(ctx, "payment-api", 3)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, 8, list[0].FailureCount, "限制条数时保留最新的记录")
			assert.Equal(t, 10, list[2].FailureCount)
		})
	}
}

func TestListUnknownBreakerReturnsEmpty(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			list, err := store.List(context.Background(), "missing", 10)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}
