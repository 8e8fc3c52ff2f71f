package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// Handler 消费者的业务处理函数
// 返回nil确认消息，返回错误触发重试调度
type Handler func(ctx context.Context, msg *model.QueueMessage) error

// Consumer 队列消费者，固定数量的worker轮询认领消息
type Consumer struct {
	service   Service
	queueName string
	handler   Handler
	logger    config.Logger

	workers      int
	pollInterval time.Duration

	wg sync.WaitGroup
}

// ConsumerOptions 消费者配置
type ConsumerOptions struct {
	// Workers 并发worker数，默认1
	Workers int
	// PollInterval 队列为空时的轮询间隔，默认1秒
	PollInterval time.Duration
}

// NewConsumer 创建消费者
func NewConsumer(service Service, queueName string, handler Handler, logger config.Logger, opts ConsumerOptions) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Consumer{
		service:      service,
		queueName:    queueName,
		handler:      handler,
		logger:       logger,
		workers:      opts.Workers,
		pollInterval: opts.PollInterval,
	}
}

// Start 启动所有worker，ctx取消后停止认领新消息
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", c.queueName, i)
		c.wg.Add(1)
		go c.runWorker(ctx, workerID)
	}
	c.logger.Info("启动队列消费者",
		zap.String("queue", c.queueName),
		zap.Int("workers", c.workers))
}

// Wait 阻塞等待所有worker退出
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// runWorker 单个worker的认领-处理循环
// 在途消息处理完并结算后才退出，保证不留下悬挂的processing消息
func (c *Consumer) runWorker(ctx context.Context, workerID string) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := c.service.Claim(ctx, c.queueName, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("认领消息失败",
				zap.String("queue", c.queueName),
				zap.String("worker", workerID),
				zap.Error(err))
			c.sleep(ctx)
			continue
		}
		if msg == nil {
			c.sleep(ctx)
			continue
		}

		c.process(ctx, workerID, msg)
	}
}

// process 处理并结算一条消息
func (c *Consumer) process(ctx context.Context, workerID string, msg *model.QueueMessage) {
	// 结算使用独立的context，worker停止时在途消息仍要落盘
	settleCtx := context.Background()

	if err := c.handler(ctx, msg); err != nil {
		if nackErr := c.service.Nack(settleCtx, msg.ID, workerID, err.Error()); nackErr != nil {
			c.logger.Error("消息Nack失败",
				zap.String("message_id", msg.ID),
				zap.Error(nackErr))
		}
		return
	}
	if err := c.service.Ack(settleCtx, msg.ID, workerID); err != nil {
		c.logger.Error("消息Ack失败",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.pollInterval):
	}
}
