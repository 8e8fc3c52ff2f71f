package breaker

import (
	"context"

	"github.com/hewenyu/meshkit/internal/core/model"
)

// HistoryStore 表示熔断器状态转换历史的存储接口
// 历史只追加，从不修改或删除
type HistoryStore interface {
	// Append 追加一条状态转换记录
	Append(ctx context.Context, transition *model.BreakerTransition) error

	// List 按时间顺序返回某个熔断器最近的转换记录
	List(ctx context.Context, breakerName string, limit int) ([]*model.BreakerTransition, error)
}
