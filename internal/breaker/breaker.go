package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	historyStore "github.com/hewenyu/meshkit/internal/store/breaker"
)

// MinRecoveryTimeout 恢复超时的下限，避免熔断器频繁抖动
const MinRecoveryTimeout = 5 * time.Second

// Fn 被熔断器包裹的调用
type Fn func(ctx context.Context) (interface{}, error)

// Fallback 调用被拒绝或失败时的降级逻辑
// 降级结果不影响熔断器计数
type Fallback func(ctx context.Context, cause error) (interface{}, error)

// Config 单个熔断器的配置
type Config struct {
	Timeout            time.Duration `json:"timeout"`
	FailureThreshold   int           `json:"failure_threshold"`
	SuccessThreshold   int           `json:"success_threshold"`
	RecoveryTimeout    time.Duration `json:"recovery_timeout"`
	MaxConcurrentCalls int           `json:"max_concurrent_calls"`
	FallbackEnabled    bool          `json:"fallback_enabled"`
	StatsWindow        time.Duration `json:"stats_window"`
}

// Validate 校验配置，所有数值必须为正且恢复超时不低于下限
func (c Config) Validate() error {
	if c.Timeout <= 0 || c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 ||
		c.RecoveryTimeout <= 0 || c.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("%w: 熔断器配置必须为正数", errs.ErrInvalidConfiguration)
	}
	if c.RecoveryTimeout < MinRecoveryTimeout {
		return fmt.Errorf("%w: 恢复超时不能低于%s", errs.ErrInvalidConfiguration, MinRecoveryTimeout)
	}
	return nil
}

// StatsRecorder 熔断器的指标上报接口，由metrics包实现
type StatsRecorder interface {
	RecordBreakerCall(breakerName, outcome string, latency time.Duration)
	RecordBreakerState(breakerName string, state model.BreakerState)
}

// statsWindow 统计窗口内的聚合计数
type statsWindow struct {
	start      time.Time
	total      int64
	success    int64
	failed     int64
	rejected   int64
	timeout    int64
	fallback   int64
	latencySum time.Duration
}

// Breaker 单个熔断器
// 状态和两个计数器只在持有mu时读写，保证并发调用不会交错出不一致状态
type Breaker struct {
	name     string
	cfg      Config
	history  historyStore.HistoryStore
	logger   config.Logger
	recorder StatsRecorder
	now      func() time.Time

	// 舱壁：限制在途调用数，与熔断状态无关
	sem chan struct{}

	mu            sync.Mutex
	state         model.BreakerState
	failureCount  int
	successCount  int
	lastFailure   time.Time
	nextRetry     time.Time
	probeInFlight bool
	stats         statsWindow
}

// newBreaker 创建一个熔断器，配置必须已通过校验
func newBreaker(name string, cfg Config, history historyStore.HistoryStore, recorder StatsRecorder, logger config.Logger, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		history:  history,
		logger:   logger,
		recorder: recorder,
		now:      now,
		sem:      make(chan struct{}, cfg.MaxConcurrentCalls),
		state:    model.BreakerClosed,
		stats:    statsWindow{start: now()},
	}
}

// Execute 通过熔断器执行调用
// 返回下游结果，或熔断/舱壁/超时对应的类型化错误
func (b *Breaker) Execute(ctx context.Context, fn Fn, fallback Fallback) (interface{}, error) {
	// 舱壁先于熔断状态检查，超限不计入熔断失败
	select {
	case b.sem <- struct{}{}:
	default:
		b.recordRejection()
		return b.reject(ctx, errs.ErrRejectedBulkheadFull, fallback)
	}
	defer func() { <-b.sem }()

	isProbe, err := b.admit()
	if err != nil {
		b.recordRejection()
		return b.reject(ctx, err, fallback)
	}

	start := b.now()
	result, callErr := b.dispatch(ctx, fn)
	latency := b.now().Sub(start)

	b.afterCall(isProbe, callErr == nil, callErr, latency)

	if callErr != nil {
		return b.reject(ctx, callErr, fallback)
	}
	return result, nil
}

// Snapshot 返回熔断器当前状态
func (b *Breaker) Snapshot() model.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.BreakerSnapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailure,
		NextRetryTime:   b.nextRetry,
	}
}

// Stats 返回当前统计窗口的聚合指标
func (b *Breaker) Stats() model.BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := model.BreakerStats{
		WindowStart:   b.stats.start,
		TotalCalls:    b.stats.total,
		SuccessCalls:  b.stats.success,
		FailedCalls:   b.stats.failed,
		RejectedCalls: b.stats.rejected,
		TimeoutCalls:  b.stats.timeout,
		FallbackCalls: b.stats.fallback,
	}
	completed := b.stats.success + b.stats.failed
	if completed > 0 {
		s.AverageLatency = b.stats.latencySum / time.Duration(completed)
		s.FailureRate = float64(b.stats.failed) / float64(completed)
	}
	return s
}

// admit 判定调用是否放行，必要时先完成OPEN→HALF_OPEN转换
// 返回该调用是否占用了半开探测槽
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.BreakerClosed:
		return false, nil

	case model.BreakerOpen:
		if b.now().Before(b.nextRetry) {
			return false, errs.ErrCircuitOpen
		}
		// 恢复超时已到，当前调用作为探测请求放行
		b.transitionLocked(model.BreakerHalfOpen, model.TriggerRecoveryTimeout)
		b.probeInFlight = true
		return true, nil

	case model.BreakerHalfOpen:
		if b.probeInFlight {
			return false, errs.ErrCircuitOpen
		}
		b.probeInFlight = true
		return true, nil
	}
	return false, errs.ErrCircuitOpen
}

// dispatch 带超时执行下游调用
func (b *Breaker) dispatch(ctx context.Context, fn Fn) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(callCtx)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-callCtx.Done():
		// 超时或上游取消都视为失败，并立即释放并发槽位
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCallTimeout, ctx.Err())
		}
		return nil, errs.ErrCallTimeout
	}
}

// afterCall 根据调用结果推进状态机
func (b *Breaker) afterCall(isProbe, success bool, callErr error, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindowLocked()
	b.stats.total++
	b.stats.latencySum += latency
	if success {
		b.stats.success++
	} else {
		b.stats.failed++
		if callErr != nil && isTimeout(callErr) {
			b.stats.timeout++
		}
	}

	if isProbe {
		b.probeInFlight = false
	}

	outcome := "failure"
	if success {
		outcome = "success"
	}
	if b.recorder != nil {
		b.recorder.RecordBreakerCall(b.name, outcome, latency)
	}

	switch b.state {
	case model.BreakerClosed:
		if success {
			b.failureCount = 0
			return
		}
		b.failureCount++
		b.lastFailure = b.now()
		if b.failureCount >= b.cfg.FailureThreshold {
			b.nextRetry = b.now().Add(b.cfg.RecoveryTimeout)
			b.transitionLocked(model.BreakerOpen, model.TriggerFailureThreshold)
		}

	case model.BreakerHalfOpen:
		if success {
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				// 先记录转换再清零，历史里留下触发关闭时的计数
				b.transitionLocked(model.BreakerClosed, model.TriggerSuccessThreshold)
				b.failureCount = 0
				b.successCount = 0
			}
			return
		}
		// 半开状态下任何失败立即重新打开
		b.successCount = 0
		b.lastFailure = b.now()
		b.nextRetry = b.now().Add(b.cfg.RecoveryTimeout)
		b.transitionLocked(model.BreakerOpen, model.TriggerProbeFailed)

	case model.BreakerOpen:
		// 调用在CLOSED时放行、完成时已被其他调用触发熔断，不再计数
	}
}

// transitionLocked 执行状态转换并同步写入历史
// 历史写入是转换函数自身的一部分，保证转换和记录不可分离
func (b *Breaker) transitionLocked(to model.BreakerState, trigger string) {
	from := b.state
	b.state = to

	transition := &model.BreakerTransition{
		BreakerName:   b.name,
		PreviousState: from,
		NewState:      to,
		TriggerEvent:  trigger,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		OccurredAt:    b.now(),
	}
	if err := b.history.Append(context.Background(), transition); err != nil {
		b.logger.Error("写入熔断历史失败",
			zap.String("breaker", b.name),
			zap.Error(err))
	}

	if b.recorder != nil {
		b.recorder.RecordBreakerState(b.name, to)
	}

	b.logger.Warn("熔断器状态转换",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", trigger))
}

// recordRejection 记录被拒绝的调用
func (b *Breaker) recordRejection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindowLocked()
	b.stats.total++
	b.stats.rejected++
	if b.recorder != nil {
		b.recorder.RecordBreakerCall(b.name, "rejected", 0)
	}
}

// reject 调用失败或被拒绝时的统一出口，按配置执行降级
func (b *Breaker) reject(ctx context.Context, cause error, fallback Fallback) (interface{}, error) {
	if fallback != nil && b.cfg.FallbackEnabled {
		b.mu.Lock()
		b.stats.fallback++
		b.mu.Unlock()
		if b.recorder != nil {
			b.recorder.RecordBreakerCall(b.name, "fallback", 0)
		}
		return fallback(ctx, cause)
	}
	return nil, cause
}

// rollWindowLocked 统计窗口到期后滚动清零
func (b *Breaker) rollWindowLocked() {
	if b.cfg.StatsWindow <= 0 {
		return
	}
	if b.now().Sub(b.stats.start) >= b.cfg.StatsWindow {
		b.stats = statsWindow{start: b.now()}
	}
}

// isTimeout 判断错误是否为调用超时
func isTimeout(err error) bool {
	return errors.Is(err, errs.ErrCallTimeout)
}
