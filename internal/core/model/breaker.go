package model

import "time"

// BreakerState 熔断器状态枚举
type BreakerState string

const (
	// BreakerClosed 关闭状态，请求正常通过
	BreakerClosed BreakerState = "CLOSED"
	// BreakerOpen 打开状态，请求被快速失败
	BreakerOpen BreakerState = "OPEN"
	// BreakerHalfOpen 半开状态，放行探测请求
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// 状态转换的触发事件
const (
	TriggerFailureThreshold = "failure_threshold_reached"
	TriggerRecoveryTimeout  = "recovery_timeout"
	TriggerSuccessThreshold = "success_threshold_reached"
	TriggerProbeFailed      = "probe_failed"
)

// BreakerTransition 熔断器状态转换记录，只追加不修改
type BreakerTransition struct {
	ID            int64        `json:"id"`
	BreakerName   string       `json:"breaker_name"`
	PreviousState BreakerState `json:"previous_state"`
	NewState      BreakerState `json:"new_state"`
	TriggerEvent  string       `json:"trigger_event"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

// BreakerSnapshot 熔断器当前状态的快照，用于管理API展示
type BreakerSnapshot struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	NextRetryTime   time.Time    `json:"next_retry_time,omitempty"`
}

// BreakerStats 熔断器在当前统计窗口内的聚合指标
type BreakerStats struct {
	WindowStart    time.Time     `json:"window_start"`
	TotalCalls     int64         `json:"total_calls"`
	SuccessCalls   int64         `json:"success_calls"`
	FailedCalls    int64         `json:"failed_calls"`
	RejectedCalls  int64         `json:"rejected_calls"`
	TimeoutCalls   int64         `json:"timeout_calls"`
	FallbackCalls  int64         `json:"fallback_calls"`
	AverageLatency time.Duration `json:"average_latency"`
	FailureRate    float64       `json:"failure_rate"`
}
