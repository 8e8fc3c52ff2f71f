package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	queueStore "github.com/hewenyu/meshkit/internal/store/queue"
)

// 死信镜像消息携带的头部
const (
	HeaderOriginQueue = "x-origin-queue"
	HeaderDeadReason  = "x-dead-reason"
)

// EnqueueOptions 入队时的可选参数
type EnqueueOptions struct {
	Headers       map[string]string
	Priority      int
	Delay         time.Duration
	CorrelationID string
	CausationID   string
}

// QueueStats 单个队列的消息分布
type QueueStats struct {
	QueueName  string `json:"queue_name"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	DeadLetter int    `json:"dead_letter"`
}

// Service 点对点消息队列服务接口
type Service interface {
	// CreateQueue 创建队列，零值字段回填默认配置
	CreateQueue(ctx context.Context, queue *model.Queue) (*model.Queue, error)

	// GetQueue 查询队列配置
	GetQueue(ctx context.Context, name string) (*model.Queue, error)

	// ListQueues 返回所有队列
	ListQueues(ctx context.Context) ([]*model.Queue, error)

	// DeleteQueue 删除队列及其消息
	DeleteQueue(ctx context.Context, name string) error

	// Enqueue 消息入队，队列已满时直接拒绝
	Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) (*model.QueueMessage, error)

	// Claim 认领一条可消费消息，无消息时返回 (nil, nil)
	Claim(ctx context.Context, queueName, workerID string) (*model.QueueMessage, error)

	// Ack 确认消息处理成功
	Ack(ctx context.Context, messageID, workerID string) error

	// Nack 报告消息处理失败
	// 重试次数未耗尽时按指数退避调度重试，否则进入死信并镜像到死信队列
	Nack(ctx context.Context, messageID, workerID, reason string) error

	// GetMessage 按ID查询消息
	GetMessage(ctx context.Context, messageID string) (*model.QueueMessage, error)

	// ListMessages 按状态查询队列内消息
	ListMessages(ctx context.Context, queueName string, status model.MessageStatus, limit int) ([]*model.QueueMessage, error)

	// Stats 统计队列内各状态消息数
	Stats(ctx context.Context, queueName string) (*QueueStats, error)

	// StartSweeper 启动TTL清扫循环，ctx取消时退出
	StartSweeper(ctx context.Context)
}

// Options 队列服务的默认配置
type Options struct {
	// DefaultMaxSize 队列未指定容量时的默认上限
	DefaultMaxSize int
	// DefaultMessageTTL 队列未指定TTL时的默认值
	DefaultMessageTTL time.Duration
	// DefaultMaxRetries 队列未指定重试上限时的默认值
	DefaultMaxRetries int
	// DefaultRetryDelay 指数退避的基础间隔
	DefaultRetryDelay time.Duration
	// SweepInterval TTL清扫间隔
	SweepInterval time.Duration
}

type service struct {
	store  queueStore.Store
	logger config.Logger
	opts   Options
	now    func() time.Time
}

// ServiceOption 服务的可选参数
type ServiceOption func(*service)

// WithClock 注入时钟，仅测试使用
func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		s.now = now
	}
}

// NewService 创建队列服务
func NewService(store queueStore.Store, logger config.Logger, opts Options, serviceOpts ...ServiceOption) Service {
	if opts.DefaultMaxSize <= 0 {
		opts.DefaultMaxSize = 10000
	}
	if opts.DefaultMessageTTL <= 0 {
		opts.DefaultMessageTTL = 24 * time.Hour
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.DefaultRetryDelay <= 0 {
		opts.DefaultRetryDelay = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	s := &service{
		store:  store,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
	for _, opt := range serviceOpts {
		opt(s)
	}
	return s
}

// CreateQueue 创建队列
func (s *service) CreateQueue(ctx context.Context, queue *model.Queue) (*model.Queue, error) {
	if queue == nil || queue.Name == "" {
		return nil, fmt.Errorf("%w: 队列名称不能为空", errs.ErrInvalidConfiguration)
	}
	if queue.MaxSize < 0 || queue.MaxRetries < 0 || queue.MessageTTL < 0 || queue.RetryDelay < 0 {
		return nil, fmt.Errorf("%w: 队列参数不能为负数", errs.ErrInvalidConfiguration)
	}
	if queue.DeadLetterQueue == queue.Name {
		return nil, fmt.Errorf("%w: 死信队列不能指向自身", errs.ErrInvalidConfiguration)
	}

	cloned := *queue
	if cloned.MaxSize == 0 {
		cloned.MaxSize = s.opts.DefaultMaxSize
	}
	if cloned.MessageTTL == 0 {
		cloned.MessageTTL = s.opts.DefaultMessageTTL
	}
	if cloned.MaxRetries == 0 {
		cloned.MaxRetries = s.opts.DefaultMaxRetries
	}
	if cloned.RetryDelay == 0 {
		cloned.RetryDelay = s.opts.DefaultRetryDelay
	}
	cloned.CreatedAt = s.now().UTC()

	if cloned.DeadLetterQueue != "" {
		if _, err := s.store.GetQueue(ctx, cloned.DeadLetterQueue); err != nil {
			return nil, fmt.Errorf("死信队列不可用: %w", err)
		}
	}

	if err := s.store.CreateQueue(ctx, &cloned); err != nil {
		return nil, err
	}
	s.logger.Info("创建队列",
		zap.String("queue", cloned.Name),
		zap.Int("max_size", cloned.MaxSize),
		zap.String("dead_letter_queue", cloned.DeadLetterQueue))
	return &cloned, nil
}

// GetQueue 查询队列配置
func (s *service) GetQueue(ctx context.Context, name string) (*model.Queue, error) {
	return s.store.GetQueue(ctx, name)
}

// ListQueues 返回所有队列
func (s *service) ListQueues(ctx context.Context) ([]*model.Queue, error) {
	return s.store.ListQueues(ctx)
}

// DeleteQueue 删除队列
func (s *service) DeleteQueue(ctx context.Context, name string) error {
	if err := s.store.DeleteQueue(ctx, name); err != nil {
		return err
	}
	s.logger.Info("删除队列", zap.String("queue", name))
	return nil
}

// Enqueue 消息入队
func (s *service) Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) (*model.QueueMessage, error) {
	queue, err := s.store.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if opts.Delay < 0 {
		return nil, fmt.Errorf("%w: 延迟时间不能为负数", errs.ErrInvalidConfiguration)
	}

	now := s.now().UTC()
	msg := &model.QueueMessage{
		ID:            uuid.New().String(),
		QueueName:     queueName,
		Payload:       payload,
		Headers:       opts.Headers,
		Priority:      opts.Priority,
		Status:        model.MessagePending,
		ScheduledFor:  now.Add(opts.Delay),
		CorrelationID: opts.CorrelationID,
		CausationID:   opts.CausationID,
		EnqueuedAt:    now,
	}
	if err := s.store.Enqueue(ctx, msg, queue.MaxSize); err != nil {
		return nil, err
	}
	return msg, nil
}

// Claim 认领一条可消费消息
func (s *service) Claim(ctx context.Context, queueName, workerID string) (*model.QueueMessage, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker标识不能为空", errs.ErrInvalidConfiguration)
	}
	return s.store.Claim(ctx, queueName, workerID, s.now().UTC())
}

// Ack 确认消息处理成功
func (s *service) Ack(ctx context.Context, messageID, workerID string) error {
	return s.store.MarkCompleted(ctx, messageID, workerID, s.now().UTC())
}

// Nack 报告消息处理失败
func (s *service) Nack(ctx context.Context, messageID, workerID, reason string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	queue, err := s.store.GetQueue(ctx, msg.QueueName)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if msg.RetryCount >= queue.MaxRetries {
		// 重试耗尽，进入死信终态
		if err := s.store.MarkDeadLetter(ctx, messageID, reason, now); err != nil {
			return err
		}
		s.logger.Warn("消息重试耗尽进入死信",
			zap.String("queue", msg.QueueName),
			zap.String("message_id", messageID),
			zap.Int("retry_count", msg.RetryCount),
			zap.String("reason", reason))
		s.mirrorToDeadLetter(ctx, queue, msg, reason)
		return nil
	}

	// 指数退避：第n次重试延迟为 retry_delay * 2^(n-1)
	delay := queue.RetryDelay << uint(msg.RetryCount)
	if err := s.store.MarkRetry(ctx, messageID, workerID, reason, now.Add(delay)); err != nil {
		return err
	}
	s.logger.Debug("消息调度重试",
		zap.String("queue", msg.QueueName),
		zap.String("message_id", messageID),
		zap.Int("retry_count", msg.RetryCount+1),
		zap.Duration("delay", delay))
	return nil
}

// GetMessage 按ID查询消息
func (s *service) GetMessage(ctx context.Context, messageID string) (*model.QueueMessage, error) {
	return s.store.GetMessage(ctx, messageID)
}

// ListMessages 按状态查询队列内消息
func (s *service) ListMessages(ctx context.Context, queueName string, status model.MessageStatus, limit int) ([]*model.QueueMessage, error) {
	if _, err := s.store.GetQueue(ctx, queueName); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, queueName, status, limit)
}

// Stats 统计队列内各状态消息数
func (s *service) Stats(ctx context.Context, queueName string) (*QueueStats, error) {
	if _, err := s.store.GetQueue(ctx, queueName); err != nil {
		return nil, err
	}
	stats := &QueueStats{QueueName: queueName}
	messages, err := s.store.ListMessages(ctx, queueName, "", 0)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		switch msg.Status {
		case model.MessagePending:
			stats.Pending++
		case model.MessageProcessing:
			stats.Processing++
		case model.MessageCompleted:
			stats.Completed++
		case model.MessageFailed:
			stats.Failed++
		case model.MessageDeadLetter:
			stats.DeadLetter++
		}
	}
	return stats, nil
}

// StartSweeper 启动TTL清扫循环
func (s *service) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("TTL清扫循环退出")
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
}

// sweepOnce 执行一轮TTL清扫
func (s *service) sweepOnce(ctx context.Context) {
	queues, err := s.store.ListQueues(ctx)
	if err != nil {
		s.logger.Error("TTL清扫查询队列失败", zap.Error(err))
		return
	}
	now := s.now().UTC()
	for _, queue := range queues {
		if queue.MessageTTL <= 0 {
			continue
		}
		expired, err := s.store.ExpirePending(ctx, queue.Name, now.Add(-queue.MessageTTL), now)
		if err != nil {
			s.logger.Error("TTL清扫失败",
				zap.String("queue", queue.Name),
				zap.Error(err))
			continue
		}
		for _, msg := range expired {
			s.mirrorToDeadLetter(ctx, queue, msg, "message ttl expired")
		}
		if len(expired) > 0 {
			s.logger.Warn("消息超过TTL进入死信",
				zap.String("queue", queue.Name),
				zap.Int("count", len(expired)))
		}
	}
}

// mirrorToDeadLetter 把死信消息镜像到配置的死信队列
// 镜像失败只记录日志，原消息的dead_letter状态已落盘
func (s *service) mirrorToDeadLetter(ctx context.Context, queue *model.Queue, msg *model.QueueMessage, reason string) {
	if queue.DeadLetterQueue == "" {
		return
	}
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderOriginQueue] = queue.Name
	headers[HeaderDeadReason] = reason

	now := s.now().UTC()
	mirror := &model.QueueMessage{
		ID:            uuid.New().String(),
		QueueName:     queue.DeadLetterQueue,
		Payload:       msg.Payload,
		Headers:       headers,
		Priority:      msg.Priority,
		Status:        model.MessagePending,
		ScheduledFor:  now,
		CorrelationID: msg.CorrelationID,
		CausationID:   msg.ID,
		EnqueuedAt:    now,
	}
	if err := s.store.Enqueue(ctx, mirror, 0); err != nil {
		s.logger.Error("镜像死信消息失败",
			zap.String("queue", queue.Name),
			zap.String("dead_letter_queue", queue.DeadLetterQueue),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}
