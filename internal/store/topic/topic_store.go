package topic

import (
	"context"
	"time"

	"github.com/hewenyu/meshkit/internal/core/model"
)

// Store 主题日志存储接口
// offset由存储在发布时原子分配，从1开始在主题内严格连续递增
type Store interface {
	// CreateTopic 创建主题，同名主题已存在时返回 ErrTopicExists
	CreateTopic(ctx context.Context, topic *model.Topic) error

	// GetTopic 按名称查询主题
	GetTopic(ctx context.Context, name string) (*model.Topic, error)

	// ListTopics 返回所有主题，按名称排序
	ListTopics(ctx context.Context) ([]*model.Topic, error)

	// DeleteTopic 删除主题及其日志和订阅
	DeleteTopic(ctx context.Context, name string) error

	// Append 把消息追加到主题日志并分配offset
	// 返回写入后的消息（Offset已填充）
	Append(ctx context.Context, msg *model.PublishedMessage) (*model.PublishedMessage, error)

	// Read 从fromOffset开始按offset升序读取至多limit条消息
	Read(ctx context.Context, topicName string, fromOffset int64, limit int) ([]*model.PublishedMessage, error)

	// Bounds 返回主题日志的边界
	// earliest为仍保留的最小offset，next为下一条将分配的offset；
	// 日志为空时earliest等于next
	Bounds(ctx context.Context, topicName string) (earliest, next int64, err error)

	// UpsertSubscription 创建或更新订阅
	UpsertSubscription(ctx context.Context, sub *model.TopicSubscription) error

	// GetSubscription 查询订阅进度
	GetSubscription(ctx context.Context, topicName, subscriberID string) (*model.TopicSubscription, error)

	// ListSubscriptions 返回主题的所有订阅
	ListSubscriptions(ctx context.Context, topicName string) ([]*model.TopicSubscription, error)

	// DeleteSubscription 删除订阅
	DeleteSubscription(ctx context.Context, topicName, subscriberID string) error

	// CommitOffset 推进订阅的消费进度，只前进不后退
	// 提交落后于当前进度时为幂等空操作
	CommitOffset(ctx context.Context, topicName, subscriberID string, offset int64) error

	// Prune 删除发布时间早于cutoff的消息，返回删除条数
	Prune(ctx context.Context, topicName string, cutoff time.Time) (int, error)
}
