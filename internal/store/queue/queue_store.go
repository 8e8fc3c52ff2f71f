package queue

import (
	"context"
	"time"

	"github.com/hewenyu/meshkit/internal/core/model"
)

// Store 队列存储接口
// 认领和状态变更必须是原子的条件操作，
// 内存实现用互斥锁保证，sqlite实现用条件UPDATE保证
type Store interface {
	// CreateQueue 创建队列，同名队列已存在时返回 ErrQueueExists
	CreateQueue(ctx context.Context, queue *model.Queue) error

	// GetQueue 按名称查询队列配置
	GetQueue(ctx context.Context, name string) (*model.Queue, error)

	// ListQueues 返回所有队列，按名称排序
	ListQueues(ctx context.Context) ([]*model.Queue, error)

	// DeleteQueue 删除队列及其全部消息
	DeleteQueue(ctx context.Context, name string) error

	// Enqueue 消息入队
	// maxSize大于零时原子检查队列内未完结消息数，超限返回 ErrQueueFull
	Enqueue(ctx context.Context, msg *model.QueueMessage, maxSize int) error

	// GetMessage 按ID查询消息
	GetMessage(ctx context.Context, id string) (*model.QueueMessage, error)

	// Claim 原子认领一条可消费消息并置为processing
	// 候选为 pending/failed 且 scheduled_for 不晚于 now 的消息，
	// 按优先级降序、调度时间升序选取；无可消费消息时返回 (nil, nil)
	Claim(ctx context.Context, queueName, workerID string, now time.Time) (*model.QueueMessage, error)

	// MarkCompleted 把processing中的消息置为completed
	// 消息不处于processing或认领者不符时返回 ErrInvalidStateTransition
	MarkCompleted(ctx context.Context, id, workerID string, now time.Time) error

	// MarkRetry 处理失败后把消息置为failed等待重试
	// retry_count加一，scheduled_for设为下次可消费时间
	MarkRetry(ctx context.Context, id, workerID, lastError string, scheduledFor time.Time) error

	// MarkDeadLetter 把消息置为dead_letter终态
	MarkDeadLetter(ctx context.Context, id, lastError string, now time.Time) error

	// ListMessages 按状态查询队列内消息，status为空时不过滤
	ListMessages(ctx context.Context, queueName string, status model.MessageStatus, limit int) ([]*model.QueueMessage, error)

	// ExpirePending 把入队时间早于cutoff的pending消息批量置为dead_letter
	// 返回被过期的消息，供上层镜像到死信队列
	ExpirePending(ctx context.Context, queueName string, cutoff, now time.Time) ([]*model.QueueMessage, error)

	// CountActive 统计队列内未完结（pending/processing/failed）消息数
	CountActive(ctx context.Context, queueName string) (int, error)
}
