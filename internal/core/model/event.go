package model

import "time"

// AggregateEvent 聚合的一条领域事件，写入后不可变
// EventVersion 在聚合内从1开始连续递增
// GlobalSequence 是全局提交顺序，用于流式订阅
type AggregateEvent struct {
	ID             string    `json:"id"`
	AggregateID    string    `json:"aggregate_id"`
	AggregateType  string    `json:"aggregate_type"`
	EventType      string    `json:"event_type"`
	EventVersion   int64     `json:"event_version"`
	GlobalSequence int64     `json:"global_sequence"`
	EventData      []byte    `json:"event_data"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	CausationID    string    `json:"causation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AggregateSnapshot 聚合的某个版本的物化快照，用于缩短回放
type AggregateSnapshot struct {
	AggregateID     string    `json:"aggregate_id"`
	SnapshotVersion int64     `json:"snapshot_version"`
	SnapshotData    []byte    `json:"snapshot_data"`
	CreatedAt       time.Time `json:"created_at"`
}

// AggregateState 加载聚合的结果：最近的快照加其后的事件
type AggregateState struct {
	AggregateID    string             `json:"aggregate_id"`
	CurrentVersion int64              `json:"current_version"`
	Snapshot       *AggregateSnapshot `json:"snapshot,omitempty"`
	Events         []*AggregateEvent  `json:"events"`
	// SnapshotDue 自上次快照以来的事件数达到了配置的快照频率
	SnapshotDue bool `json:"snapshot_due"`
}

// Projection 投影的运行状态
type Projection struct {
	Name                 string    `json:"name"`
	EventTypes           []string  `json:"event_types"`
	LastProcessedVersion int64     `json:"last_processed_version"` // 全局序号
	IsCatchingUp         bool      `json:"is_catching_up"`
	UpdatedAt            time.Time `json:"updated_at"`
}
