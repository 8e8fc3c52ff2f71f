package event

import (
	"context"
	"fmt"
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

func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "event_test.db"))
	require.NoError(t, err, "打开sqlite不应失败")
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSqliteStore(db),
	}
}

func makeEvents(aggregateID string, fromVersion int64, count int) []*model.AggregateEvent {
	now := time.Now().UTC().Truncate(time.Millisecond)
	events := make([]*model.AggregateEvent, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, &model.AggregateEvent{
			ID:            uuid.New().String(),
			AggregateID:   aggregateID,
			AggregateType: "order",
			EventType:     fmt.Sprintf("event-%d", fromVersion+int64(i)),
			EventVersion:  fromVersion + int64(i),
			EventData:     []byte(`{"amount":1}`),
			CreatedAt:     now,
		})
	}
	return events
}

func TestAppendAssignsContiguousVersions(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			stored, err := store.AppendEvents(ctx, "order-1", 0, makeEvents("order-1", 1, 3))
			require.NoError(t, err)
			require.Len(t, stored, 3)
			for i, e := range stored {
				assert.Equal(t, int64(i+1), e.EventVersion, "版本应从1开始连续")
				assert.Positive(t, e.GlobalSequence, "全局序号应已分配")
			}

			version, err := store.CurrentVersion(ctx, "order-1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), version)

			version, err = store.CurrentVersion(ctx, "missing")
			require.NoError(t, err)
			assert.Equal(t, int64(0), version, "不存在的聚合版本为0")
		})
	}
}

func TestAppendVersionConflictLeavesLogUnchanged(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.AppendEvents(ctx, "order-1", 0, makeEvents("order-1", 1, 2))
			require.NoError(t, err)

			// 过期的期望版本应整批失败
			_, err = store.AppendEvents(ctx, "order-1", 1, makeEvents("order-1", 2, 2))
			assert.ErrorIs(t, err, errs.ErrVersionConflict)

			// 批内版本不连续也应整批失败
			broken := makeEvents("order-1", 3, 2)
			broken[1].EventVersion = 9
			_, err = store.AppendEvents(ctx, "order-1", 2, broken)
			assert.ErrorIs(t, err, errs.ErrVersionConflict)

			// 失败的追加不能留下任何事件
			events, err := store.ListEvents(ctx, "order-1", 0)
			require.NoError(t, err)
			require.Len(t, events, 2, "冲突失败后日志应保持原样")
			assert.Equal(t, int64(2), events[1].EventVersion)
		})
	}
}

func TestReadStreamFollowsCommitOrder(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.AppendEvents(ctx, "order-1", 0, makeEvents("order-1", 1, 2))
			require.NoError(t, err)
			_, err = store.AppendEvents(ctx, "order-2", 0, makeEvents("order-2", 1, 1))
			require.NoError(t, err)
			_, err = store.AppendEvents(ctx, "order-1", 2, makeEvents("order-1", 3, 1))
			require.NoError(t, err)

			all, err := store.ReadStream(ctx, 0, 10)
			require.NoError(t, err)
			require.Len(t, all, 4)
			for i := 1; i < len(all); i++ {
				assert.Greater(t, all[i].GlobalSequence, all[i-1].GlobalSequence, "全局序号应严格递增")
			}
			assert.Equal(t, "order-2", all[2].AggregateID, "全局顺序应按提交顺序交错")

			// 从中间续读
			tail, err := store.ReadStream(ctx, all[1].GlobalSequence, 10)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, all[2].GlobalSequence, tail[0].GlobalSequence)
		})
	}
}

func TestSnapshotSelection(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			snap, err := store.LatestSnapshot(ctx, "order-1", 0)
			require.NoError(t, err)
			assert.Nil(t, snap, "无快照时应返回nil")

			for _, v := range []int64{5, 10, 15} {
				require.NoError(t, store.SaveSnapshot(ctx, &model.AggregateSnapshot{
					AggregateID:     "order-1",
					SnapshotVersion: v,
					SnapshotData:    []byte(fmt.Sprintf(`{"v":%d}`, v)),
					CreatedAt:       now,
				}))
			}

			snap, err = store.LatestSnapshot(ctx, "order-1", 0)
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.Equal(t, int64(15), snap.SnapshotVersion, "不限版本时取最新快照")

			snap, err = store.LatestSnapshot(ctx, "order-1", 12)
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.Equal(t, int64(10), snap.SnapshotVersion, "限定版本时取不超过上限的最新快照")
		})
	}
}
