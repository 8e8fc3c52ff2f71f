package eventstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// ProjectionHandler 投影的事件应用函数
// 同一事件可能被重复投递，实现必须幂等
type ProjectionHandler func(ctx context.Context, event *model.AggregateEvent) error

// ProjectionRunner 驱动一个投影从全局事件流追赶并保持同步
type ProjectionRunner struct {
	service Service
	logger  config.Logger
	handler ProjectionHandler

	mu    sync.Mutex
	state model.Projection

	done chan struct{}
}

// NewProjectionRunner 创建投影运行器
// eventTypes非空时只投递命中的类型；fromSequence为断点续传的起点
func NewProjectionRunner(service Service, logger config.Logger, name string, eventTypes []string, fromSequence int64, handler ProjectionHandler) *ProjectionRunner {
	return &ProjectionRunner{
		service: service,
		logger:  logger,
		handler: handler,
		state: model.Projection{
			Name:                 name,
			EventTypes:           eventTypes,
			LastProcessedVersion: fromSequence,
			IsCatchingUp:         true,
		},
		done: make(chan struct{}),
	}
}

// Start 启动投影循环，ctx取消后退出
func (r *ProjectionRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	from := r.state.LastProcessedVersion
	types := r.state.EventTypes
	name := r.state.Name
	r.mu.Unlock()

	sub, err := r.service.Subscribe(ctx, from, types)
	if err != nil {
		return err
	}

	go func() {
		defer close(r.done)
		caughtUp := sub.CaughtUp
		for {
			select {
			case <-caughtUp:
				r.mu.Lock()
				r.state.IsCatchingUp = false
				r.state.UpdatedAt = time.Now().UTC()
				r.mu.Unlock()
				caughtUp = nil
			case event, ok := <-sub.Events:
				if !ok {
					r.logger.Info("投影循环退出", zap.String("projection", name))
					return
				}
				r.apply(ctx, event)
			}
		}
	}()
	return nil
}

// Wait 阻塞等待投影循环退出
func (r *ProjectionRunner) Wait() {
	<-r.done
}

// Status 返回投影的运行状态
func (r *ProjectionRunner) Status() model.Projection {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state
	state.EventTypes = append([]string(nil), r.state.EventTypes...)
	return state
}

// apply 把一条事件交给投影处理
// 处理失败只记录并重试投递，进度不前进，保证事件不被跳过
func (r *ProjectionRunner) apply(ctx context.Context, event *model.AggregateEvent) {
	for {
		err := r.handler(ctx, event)
		if err == nil {
			break
		}
		r.logger.Error("投影处理事件失败",
			zap.String("projection", r.state.Name),
			zap.Int64("global_sequence", event.GlobalSequence),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}

	r.mu.Lock()
	r.state.LastProcessedVersion = event.GlobalSequence
	r.state.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()
}
