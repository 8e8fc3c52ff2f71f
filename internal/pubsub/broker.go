package pubsub

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	topicStore "github.com/hewenyu/meshkit/internal/store/topic"
)

// 订阅的起始位置
const (
	// FromEarliest 从仍保留的最早消息开始消费
	FromEarliest = "earliest"
	// FromLatest 只消费订阅之后发布的消息
	FromLatest = "latest"
	// FromOffset 从指定offset开始消费
	FromOffset = "offset"
)

// SubscribeOptions 订阅参数
type SubscribeOptions struct {
	// From 起始位置，空值等同于FromEarliest
	From string
	// StartOffset From为FromOffset时生效，从该offset（含）开始消费
	StartOffset int64
	// Filter header键值匹配，全部命中的消息才会投递
	Filter map[string]string
}

// PollResult 一次拉取的结果
type PollResult struct {
	// Messages 通过筛选的消息，按offset升序
	Messages []*model.PublishedMessage `json:"messages"`
	// Watermark 本次扫描到的最高offset，处理完成后应提交该值
	// 被筛选掉的消息也计入扫描进度，避免卡在不匹配的消息上
	Watermark int64 `json:"watermark"`
}

// Broker 发布订阅服务接口
// 投递语义为至少一次：消费者从已提交进度之后重新拉取，可能重复收到消息
type Broker interface {
	// CreateTopic 创建主题，零值字段回填默认配置
	CreateTopic(ctx context.Context, topic *model.Topic) (*model.Topic, error)

	// GetTopic 查询主题
	GetTopic(ctx context.Context, name string) (*model.Topic, error)

	// ListTopics 返回所有主题
	ListTopics(ctx context.Context) ([]*model.Topic, error)

	// DeleteTopic 删除主题及其日志和订阅
	DeleteTopic(ctx context.Context, name string) error

	// Publish 向主题发布消息
	// key非空时按key哈希选择分区，保证同key消息落在同一分区；
	// key为空时在分区间轮转
	Publish(ctx context.Context, topicName, key string, payload []byte, headers map[string]string) (*model.PublishedMessage, error)

	// Subscribe 创建或重置订阅
	Subscribe(ctx context.Context, topicName, subscriberID string, opts SubscribeOptions) (*model.TopicSubscription, error)

	// Unsubscribe 删除订阅
	Unsubscribe(ctx context.Context, topicName, subscriberID string) error

	// Poll 从订阅的已提交进度之后拉取至多batch条消息
	// 进度落后于保留窗口时返回 ErrOffsetOutOfRange
	Poll(ctx context.Context, topicName, subscriberID string, batch int) (*PollResult, error)

	// Commit 提交消费进度，幂等且只前进不后退
	Commit(ctx context.Context, topicName, subscriberID string, offset int64) error

	// ListSubscriptions 返回主题的所有订阅
	ListSubscriptions(ctx context.Context, topicName string) ([]*model.TopicSubscription, error)

	// StartSweeper 启动保留期清理循环，ctx取消时退出
	StartSweeper(ctx context.Context)
}

// Options 发布订阅服务的默认配置
type Options struct {
	// DefaultPartitions 主题未指定分区数时的默认值
	DefaultPartitions int
	// DefaultRetention 主题未指定保留期时的默认值
	DefaultRetention time.Duration
	// DefaultBatch Poll未指定batch时的默认值
	DefaultBatch int
	// SweepInterval 保留期清理间隔
	SweepInterval time.Duration
}

type broker struct {
	store  topicStore.Store
	logger config.Logger
	opts   Options
	now    func() time.Time

	// 无key消息的分区轮转游标
	mu      sync.Mutex
	cursors map[string]int
}

// BrokerOption 服务的可选参数
type BrokerOption func(*broker)

// WithClock 注入时钟，仅测试使用
func WithClock(now func() time.Time) BrokerOption {
	return func(b *broker) {
		b.now = now
	}
}

// NewBroker 创建发布订阅服务
func NewBroker(store topicStore.Store, logger config.Logger, opts Options, brokerOpts ...BrokerOption) Broker {
	if opts.DefaultPartitions <= 0 {
		opts.DefaultPartitions = 1
	}
	if opts.DefaultRetention <= 0 {
		opts.DefaultRetention = 168 * time.Hour
	}
	if opts.DefaultBatch <= 0 {
		opts.DefaultBatch = 100
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	b := &broker{
		store:   store,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		cursors: make(map[string]int),
	}
	for _, opt := range brokerOpts {
		opt(b)
	}
	return b
}

// CreateTopic 创建主题
func (b *broker) CreateTopic(ctx context.Context, topic *model.Topic) (*model.Topic, error) {
	if topic == nil || topic.Name == "" {
		return nil, fmt.Errorf("%w: 主题名称不能为空", errs.ErrInvalidConfiguration)
	}
	if topic.PartitionCount < 0 || topic.RetentionPeriod < 0 {
		return nil, fmt.Errorf("%w: 主题参数不能为负数", errs.ErrInvalidConfiguration)
	}

	cloned := *topic
	if cloned.PartitionCount == 0 {
		cloned.PartitionCount = b.opts.DefaultPartitions
	}
	if cloned.RetentionPeriod == 0 {
		cloned.RetentionPeriod = b.opts.DefaultRetention
	}
	cloned.CreatedAt = b.now().UTC()

	if err := b.store.CreateTopic(ctx, &cloned); err != nil {
		return nil, err
	}
	b.logger.Info("创建主题",
		zap.String("topic", cloned.Name),
		zap.Int("partitions", cloned.PartitionCount),
		zap.Duration("retention", cloned.RetentionPeriod))
	return &cloned, nil
}

// GetTopic 查询主题
func (b *broker) GetTopic(ctx context.Context, name string) (*model.Topic, error) {
	return b.store.GetTopic(ctx, name)
}

// ListTopics 返回所有主题
func (b *broker) ListTopics(ctx context.Context) ([]*model.Topic, error) {
	return b.store.ListTopics(ctx)
}

// DeleteTopic 删除主题
func (b *broker) DeleteTopic(ctx context.Context, name string) error {
	if err := b.store.DeleteTopic(ctx, name); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.cursors, name)
	b.mu.Unlock()
	b.logger.Info("删除主题", zap.String("topic", name))
	return nil
}

// Publish 向主题发布消息
func (b *broker) Publish(ctx context.Context, topicName, key string, payload []byte, headers map[string]string) (*model.PublishedMessage, error) {
	topic, err := b.store.GetTopic(ctx, topicName)
	if err != nil {
		return nil, err
	}

	msg := &model.PublishedMessage{
		Topic:       topicName,
		Partition:   b.pickPartition(topicName, key, topic.PartitionCount),
		Payload:     payload,
		Headers:     headers,
		PublishedAt: b.now().UTC(),
	}
	return b.store.Append(ctx, msg)
}

// Subscribe 创建或重置订阅
func (b *broker) Subscribe(ctx context.Context, topicName, subscriberID string, opts SubscribeOptions) (*model.TopicSubscription, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("%w: 订阅者标识不能为空", errs.ErrInvalidConfiguration)
	}

	_, next, err := b.store.Bounds(ctx, topicName)
	if err != nil {
		return nil, err
	}

	var last int64
	switch opts.From {
	case "", FromEarliest:
		last = 0
	case FromLatest:
		last = next - 1
	case FromOffset:
		if opts.StartOffset < 1 || opts.StartOffset > next {
			return nil, fmt.Errorf("%w: 起始offset %d 不在 [1, %d] 内",
				errs.ErrOffsetOutOfRange, opts.StartOffset, next)
		}
		last = opts.StartOffset - 1
	default:
		return nil, fmt.Errorf("%w: 未知的起始位置 %q", errs.ErrInvalidConfiguration, opts.From)
	}

	sub := &model.TopicSubscription{
		Topic:               topicName,
		SubscriberID:        subscriberID,
		LastProcessedOffset: last,
		Filter:              opts.Filter,
		CreatedAt:           b.now().UTC(),
	}
	if err := b.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	b.logger.Info("创建订阅",
		zap.String("topic", topicName),
		zap.String("subscriber", subscriberID),
		zap.Int64("last_processed_offset", last))
	return sub, nil
}

// Unsubscribe 删除订阅
func (b *broker) Unsubscribe(ctx context.Context, topicName, subscriberID string) error {
	return b.store.DeleteSubscription(ctx, topicName, subscriberID)
}

// Poll 拉取消息
func (b *broker) Poll(ctx context.Context, topicName, subscriberID string, batch int) (*PollResult, error) {
	sub, err := b.store.GetSubscription(ctx, topicName, subscriberID)
	if err != nil {
		return nil, err
	}
	if batch <= 0 {
		batch = b.opts.DefaultBatch
	}

	resume := sub.LastProcessedOffset + 1
	earliest, next, err := b.store.Bounds(ctx, topicName)
	if err != nil {
		return nil, err
	}
	// 续读位置已被保留期清理吞掉，消费者必须显式重置订阅
	if resume < earliest && resume < next {
		return nil, fmt.Errorf("%w: 订阅进度%d已落后于保留窗口起点%d",
			errs.ErrOffsetOutOfRange, resume, earliest)
	}

	scanned, err := b.store.Read(ctx, topicName, resume, batch)
	if err != nil {
		return nil, err
	}

	result := &PollResult{Watermark: sub.LastProcessedOffset}
	for _, msg := range scanned {
		result.Watermark = msg.Offset
		if sub.FilterMatches(msg) {
			result.Messages = append(result.Messages, msg)
		}
	}
	return result, nil
}

// Commit 提交消费进度
func (b *broker) Commit(ctx context.Context, topicName, subscriberID string, offset int64) error {
	return b.store.CommitOffset(ctx, topicName, subscriberID, offset)
}

// ListSubscriptions 返回主题的所有订阅
func (b *broker) ListSubscriptions(ctx context.Context, topicName string) ([]*model.TopicSubscription, error) {
	return b.store.ListSubscriptions(ctx, topicName)
}

// StartSweeper 启动保留期清理循环
func (b *broker) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("保留期清理循环退出")
				return
			case <-ticker.C:
				b.sweepOnce(ctx)
			}
		}
	}()
}

// sweepOnce 执行一轮保留期清理
func (b *broker) sweepOnce(ctx context.Context) {
	topics, err := b.store.ListTopics(ctx)
	if err != nil {
		b.logger.Error("保留期清理查询主题失败", zap.Error(err))
		return
	}
	now := b.now().UTC()
	for _, topic := range topics {
		if topic.RetentionPeriod <= 0 {
			continue
		}
		removed, err := b.store.Prune(ctx, topic.Name, now.Add(-topic.RetentionPeriod))
		if err != nil {
			b.logger.Error("保留期清理失败",
				zap.String("topic", topic.Name),
				zap.Error(err))
			continue
		}
		if removed > 0 {
			b.logger.Info("清理过期消息",
				zap.String("topic", topic.Name),
				zap.Int("removed", removed))
		}
	}
}

// pickPartition 选择消息分区
func (b *broker) pickPartition(topicName, key string, partitionCount int) int {
	if partitionCount <= 1 {
		return 0
	}
	if key != "" {
		h := fnv.New32a()
		h.Write([]byte(key))
		return int(h.Sum32() % uint32(partitionCount))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	partition := b.cursors[topicName] % partitionCount
	b.cursors[topicName]++
	return partition
}
