package errs

import "errors"

// 通信基础设施的错误分类
// 各存储实现负责把底层错误翻译成这里定义的哨兵错误，
// 上层通过 errors.Is 判断错误类型
var (
	// ErrDuplicateInstance 同一 (name, version, address, port) 的实例已注册
	ErrDuplicateInstance = errors.New("service instance already registered")
	// ErrInstanceNotFound 实例不存在或已注销
	ErrInstanceNotFound = errors.New("service instance not found")
	// ErrServiceNotFound 服务没有任何健康实例
	ErrServiceNotFound = errors.New("no healthy instance for service")
	// ErrInvalidConfiguration 配置不合法（例如权重非正数）
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrCircuitOpen 熔断器处于打开状态，请求被快速失败
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrRejectedBulkheadFull 并发舱壁已满，请求被拒绝
	ErrRejectedBulkheadFull = errors.New("bulkhead is full")
	// ErrCallTimeout 调用超过单次超时时间
	ErrCallTimeout = errors.New("call timed out")

	// ErrQueueNotFound 队列不存在
	ErrQueueNotFound = errors.New("queue not found")
	// ErrQueueExists 同名队列已存在
	ErrQueueExists = errors.New("queue already exists")
	// ErrQueueFull 队列已达到最大容量
	ErrQueueFull = errors.New("queue is full")
	// ErrMessageNotFound 消息不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidStateTransition 消息状态转换不合法
	ErrInvalidStateTransition = errors.New("invalid message state transition")
	// ErrMaxRetriesExceeded 消息重试次数已耗尽
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrTopicNotFound 主题不存在
	ErrTopicNotFound = errors.New("topic not found")
	// ErrTopicExists 同名主题已存在
	ErrTopicExists = errors.New("topic already exists")
	// ErrSubscriptionNotFound 订阅不存在
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrOffsetOutOfRange 订阅偏移量落后于保留窗口
	ErrOffsetOutOfRange = errors.New("offset out of range")

	// ErrVersionConflict 乐观并发冲突，期望版本与当前版本不一致
	ErrVersionConflict = errors.New("aggregate version conflict")
	// ErrAggregateNotFound 聚合不存在
	ErrAggregateNotFound = errors.New("aggregate not found")
	// ErrEventStreamGap 事件流出现版本空洞，说明数据已损坏
	ErrEventStreamGap = errors.New("event stream has a version gap")
)
