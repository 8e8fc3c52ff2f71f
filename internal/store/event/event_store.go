package event

import (
	"context"

	"github.com/hewenyu/meshkit/internal/core/model"
)

// Store 事件日志存储接口
// 乐观并发由存储层保证：同一聚合的 (aggregate_id, event_version)
// 唯一，竞争写入中落败的一方得到 ErrVersionConflict 且日志不变
type Store interface {
	// AppendEvents 原子追加一批事件
	// expectedVersion为追加前聚合的当前版本，不一致时返回 ErrVersionConflict；
	// 事件的EventVersion必须从expectedVersion+1开始连续。
	// 返回写入后的事件（GlobalSequence已填充）
	AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*model.AggregateEvent) ([]*model.AggregateEvent, error)

	// ListEvents 按版本升序返回聚合在 (fromVersion, ∞) 内的事件
	ListEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*model.AggregateEvent, error)

	// CurrentVersion 返回聚合的当前版本，聚合不存在时返回0
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)

	// ReadStream 按全局序号升序读取 afterSequence 之后的至多limit条事件
	ReadStream(ctx context.Context, afterSequence int64, limit int) ([]*model.AggregateEvent, error)

	// SaveSnapshot 保存聚合快照
	SaveSnapshot(ctx context.Context, snapshot *model.AggregateSnapshot) error

	// LatestSnapshot 返回聚合版本不超过maxVersion的最新快照
	// maxVersion为0时不限制；无快照时返回 (nil, nil)
	LatestSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*model.AggregateSnapshot, error)
}
