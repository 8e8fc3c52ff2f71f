package instance

import (
	"context"
	"time"

	"github.com/hewenyu/meshkit/internal/core/model"
)

// Store 表示服务实例存储接口
type Store interface {
	// Create 写入新实例，(name, version, address, port)重复时返回ErrDuplicateInstance
	Create(ctx context.Context, inst *model.ServiceInstance) error

	// Get 获取实例信息，不存在时返回ErrInstanceNotFound
	Get(ctx context.Context, instanceID string) (*model.ServiceInstance, error)

	// ListByName 获取某个服务的全部实例（包含不健康的，不包含已注销的）
	ListByName(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error)

	// ListAll 获取所有未注销的实例
	ListAll(ctx context.Context) ([]*model.ServiceInstance, error)

	// UpdateHealth 更新实例健康状态和最近检查时间
	UpdateHealth(ctx context.Context, instanceID string, healthy bool, at time.Time) error

	// Deregister 软注销实例，之后不再出现在发现结果中
	Deregister(ctx context.Context, instanceID string, at time.Time) error

	// CleanupStale 注销健康检查长时间未更新的实例，返回被注销的实例
	CleanupStale(ctx context.Context, before time.Time) ([]*model.ServiceInstance, error)
}

// ChangeWatcher 存储层的可选扩展：推送实例发生变化的服务名
// 共享后端的多个节点靠它感知彼此的写入
type ChangeWatcher interface {
	// WatchNames 返回变更通知通道，ctx取消后关闭
	WatchNames(ctx context.Context) <-chan string
}
