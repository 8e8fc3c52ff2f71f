package event

// 事件存储使用的SQL语句
const (
	// (aggregate_id, event_version)的唯一约束承担乐观并发检查，
	// 竞争写入的落败方触发约束冲突
	queryInsertEvent = `
INSERT INTO aggregate_events
    (id, aggregate_id, aggregate_type, event_type, event_version, event_data,
     correlation_id, causation_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryCurrentVersion = `
SELECT COALESCE(MAX(event_version), 0) FROM aggregate_events WHERE aggregate_id = ?`

	queryListEvents = `
SELECT global_sequence, id, aggregate_id, aggregate_type, event_type, event_version,
       event_data, correlation_id, causation_id, created_at
FROM aggregate_events
WHERE aggregate_id = ? AND event_version > ?
ORDER BY event_version ASC`

	queryReadStream = `
SELECT global_sequence, id, aggregate_id, aggregate_type, event_type, event_version,
       event_data, correlation_id, causation_id, created_at
FROM aggregate_events
WHERE global_sequence > ?
ORDER BY global_sequence ASC
LIMIT ?`

	queryGetBySequence = `
SELECT global_sequence, id, aggregate_id, aggregate_type, event_type, event_version,
       event_data, correlation_id, causation_id, created_at
FROM aggregate_events
WHERE aggregate_id = ? AND event_version = ?`

	queryInsertSnapshot = `
INSERT INTO aggregate_snapshots (aggregate_id, snapshot_version, snapshot_data, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (aggregate_id, snapshot_version)
DO UPDATE SET snapshot_data = excluded.snapshot_data, created_at = excluded.created_at`

	queryLatestSnapshot = `
SELECT aggregate_id, snapshot_version, snapshot_data, created_at
FROM aggregate_snapshots
WHERE aggregate_id = ? AND (? = 0 OR snapshot_version <= ?)
ORDER BY snapshot_version DESC
LIMIT 1`
)
