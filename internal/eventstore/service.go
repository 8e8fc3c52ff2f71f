package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	eventStore "github.com/hewenyu/meshkit/internal/store/event"
)

// EventInput 追加事件时的输入
type EventInput struct {
	EventType     string `json:"event_type"`
	Data          []byte `json:"data"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

// Service 事件溯源服务接口
type Service interface {
	// Append 以乐观并发追加一批事件
	// expectedVersion与聚合当前版本不一致时返回 ErrVersionConflict，
	// 冲突时日志保持原样，调用方重新加载后重试
	Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, inputs []EventInput) ([]*model.AggregateEvent, error)

	// LoadAggregate 加载聚合：最近的快照加其后的全部事件
	// 聚合不存在返回 ErrAggregateNotFound；
	// 事件版本出现空洞返回 ErrEventStreamGap；
	// 快照后的事件数达到快照频率时 SnapshotDue 为真
	LoadAggregate(ctx context.Context, aggregateID string) (*model.AggregateState, error)

	// SaveSnapshot 保存聚合某个版本的物化快照
	// 版本必须不超过聚合当前版本
	SaveSnapshot(ctx context.Context, aggregateID string, version int64, data []byte) error

	// ReadStream 按全局提交顺序读取事件，用于消费方自行分页
	ReadStream(ctx context.Context, afterSequence int64, limit int) ([]*model.AggregateEvent, error)

	// Subscribe 订阅全局事件流
	// 先追赶afterSequence之后的历史事件，追平后持续投递新事件；
	// eventTypes非空时只投递命中的类型。ctx取消后事件通道关闭
	Subscribe(ctx context.Context, afterSequence int64, eventTypes []string) (*Subscription, error)
}

// Subscription 全局事件流的订阅
type Subscription struct {
	// Events 按全局序号升序投递事件
	Events <-chan *model.AggregateEvent
	// CaughtUp 订阅消费完历史事件、进入实时投递后关闭
	CaughtUp <-chan struct{}
}

// Options 事件溯源服务配置
type Options struct {
	// SubscribeBatch 订阅追赶时单次拉取的事件数
	SubscribeBatch int
	// PollInterval 订阅追平后的轮询间隔
	PollInterval time.Duration
	// SnapshotFrequency 建议快照的事件间隔，0表示不提示
	SnapshotFrequency int
}

type service struct {
	store  eventStore.Store
	logger config.Logger
	opts   Options
	now    func() time.Time

	// 同一聚合的追加串行化，跨聚合互不阻塞
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ServiceOption 服务的可选参数
type ServiceOption func(*service)

// WithClock 注入时钟，仅测试使用
func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		s.now = now
	}
}

// NewService 创建事件溯源服务
func NewService(store eventStore.Store, logger config.Logger, opts Options, serviceOpts ...ServiceOption) Service {
	if opts.SubscribeBatch <= 0 {
		opts.SubscribeBatch = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	s := &service{
		store:  store,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range serviceOpts {
		opt(s)
	}
	return s
}

// Append 以乐观并发追加一批事件
func (s *service) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, inputs []EventInput) ([]*model.AggregateEvent, error) {
	if aggregateID == "" || aggregateType == "" {
		return nil, fmt.Errorf("%w: 聚合标识和类型不能为空", errs.ErrInvalidConfiguration)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: 事件批次不能为空", errs.ErrInvalidConfiguration)
	}
	if expectedVersion < 0 {
		return nil, fmt.Errorf("%w: 期望版本不能为负数", errs.ErrInvalidConfiguration)
	}
	for i, in := range inputs {
		if in.EventType == "" {
			return nil, fmt.Errorf("%w: 第%d条事件缺少类型", errs.ErrInvalidConfiguration, i)
		}
	}

	lock := s.aggregateLock(aggregateID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now().UTC()
	events := make([]*model.AggregateEvent, 0, len(inputs))
	for i, in := range inputs {
		events = append(events, &model.AggregateEvent{
			ID:            uuid.New().String(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     in.EventType,
			EventVersion:  expectedVersion + int64(i) + 1,
			EventData:     in.Data,
			CorrelationID: in.CorrelationID,
			CausationID:   in.CausationID,
			CreatedAt:     now,
		})
	}

	stored, err := s.store.AppendEvents(ctx, aggregateID, expectedVersion, events)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("追加事件",
		zap.String("aggregate_id", aggregateID),
		zap.Int("count", len(stored)),
		zap.Int64("new_version", stored[len(stored)-1].EventVersion))
	return stored, nil
}

// LoadAggregate 加载聚合状态
func (s *service) LoadAggregate(ctx context.Context, aggregateID string) (*model.AggregateState, error) {
	snapshot, err := s.store.LatestSnapshot(ctx, aggregateID, 0)
	if err != nil {
		return nil, err
	}
	var base int64
	if snapshot != nil {
		base = snapshot.SnapshotVersion
	}

	events, err := s.store.ListEvents(ctx, aggregateID, base)
	if err != nil {
		return nil, err
	}
	if snapshot == nil && len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", errs.ErrAggregateNotFound, aggregateID)
	}

	// 快照之后的事件必须版本连续，空洞说明日志损坏
	expected := base + 1
	for _, e := range events {
		if e.EventVersion != expected {
			return nil, fmt.Errorf("%w: 聚合%s在版本%d后缺失（读到%d）",
				errs.ErrEventStreamGap, aggregateID, expected-1, e.EventVersion)
		}
		expected++
	}

	state := &model.AggregateState{
		AggregateID:    aggregateID,
		CurrentVersion: base,
		Snapshot:       snapshot,
		Events:         events,
	}
	if len(events) > 0 {
		state.CurrentVersion = events[len(events)-1].EventVersion
	}
	// 快照里的数据由调用方物化，这里只提示该做快照了
	if s.opts.SnapshotFrequency > 0 && len(events) >= s.opts.SnapshotFrequency {
		state.SnapshotDue = true
	}
	return state, nil
}

// SaveSnapshot 保存聚合快照
func (s *service) SaveSnapshot(ctx context.Context, aggregateID string, version int64, data []byte) error {
	if version < 1 {
		return fmt.Errorf("%w: 快照版本必须为正数", errs.ErrInvalidConfiguration)
	}
	current, err := s.store.CurrentVersion(ctx, aggregateID)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("%w: %s", errs.ErrAggregateNotFound, aggregateID)
	}
	if version > current {
		return fmt.Errorf("%w: 快照版本%d超过聚合当前版本%d", errs.ErrInvalidConfiguration, version, current)
	}
	return s.store.SaveSnapshot(ctx, &model.AggregateSnapshot{
		AggregateID:     aggregateID,
		SnapshotVersion: version,
		SnapshotData:    data,
		CreatedAt:       s.now().UTC(),
	})
}

// ReadStream 按全局提交顺序读取事件
func (s *service) ReadStream(ctx context.Context, afterSequence int64, limit int) ([]*model.AggregateEvent, error) {
	return s.store.ReadStream(ctx, afterSequence, limit)
}

// Subscribe 订阅全局事件流
func (s *service) Subscribe(ctx context.Context, afterSequence int64, eventTypes []string) (*Subscription, error) {
	if afterSequence < 0 {
		return nil, fmt.Errorf("%w: 起始序号不能为负数", errs.ErrInvalidConfiguration)
	}

	wanted := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = true
	}

	out := make(chan *model.AggregateEvent)
	caughtUp := make(chan struct{})
	go func() {
		defer close(out)
		cursor := afterSequence
		live := false
		for {
			batch, err := s.store.ReadStream(ctx, cursor, s.opts.SubscribeBatch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("订阅拉取事件失败", zap.Error(err))
			}
			for _, e := range batch {
				cursor = e.GlobalSequence
				if len(wanted) > 0 && !wanted[e.EventType] {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
			// 历史事件全部投递完才算追平，之后降级为轮询等待新事件
			if len(batch) < s.opts.SubscribeBatch {
				if !live {
					live = true
					close(caughtUp)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.opts.PollInterval):
				}
			}
		}
	}()
	return &Subscription{Events: out, CaughtUp: caughtUp}, nil
}

// aggregateLock 返回聚合专属的互斥锁
func (s *service) aggregateLock(aggregateID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[aggregateID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[aggregateID] = lock
	}
	return lock
}
