package queue

// 队列存储使用的SQL语句
const (
	queryInsertQueue = `
INSERT INTO queues (name, durable, max_size, message_ttl_ms, dead_letter_queue, max_retries, retry_delay_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetQueue = `
SELECT name, durable, max_size, message_ttl_ms, dead_letter_queue, max_retries, retry_delay_ms, created_at
FROM queues WHERE name = ?`

	queryListQueues = `
SELECT name, durable, max_size, message_ttl_ms, dead_letter_queue, max_retries, retry_delay_ms, created_at
FROM queues ORDER BY name ASC`

	queryDeleteQueue         = `DELETE FROM queues WHERE name = ?`
	queryDeleteQueueMessages = `DELETE FROM queue_messages WHERE queue_name = ?`

	queryCountActive = `
SELECT COUNT(1) FROM queue_messages
WHERE queue_name = ? AND status IN ('pending', 'processing', 'failed')`

	queryInsertMessage = `
INSERT INTO queue_messages
    (id, queue_name, payload, headers, priority, status, retry_count, scheduled_for,
     claimed_by, correlation_id, causation_id, last_error, enqueued_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetMessage = `
SELECT id, queue_name, payload, headers, priority, status, retry_count, scheduled_for,
       claimed_by, claimed_at, correlation_id, causation_id, last_error, enqueued_at, completed_at
FROM queue_messages WHERE id = ?`

	// 认领候选：可消费且已到调度时间，按优先级降序、调度时间升序
	// failed是退避中的pending，到点后两者同样可被认领
	querySelectClaimable = `
SELECT id FROM queue_messages
WHERE queue_name = ? AND status IN ('pending', 'failed') AND scheduled_for <= ?
ORDER BY priority DESC, scheduled_for ASC, enqueued_at ASC
LIMIT 1`

	// 条件UPDATE保证同一条消息只会被一个worker认领成功
	queryClaimMessage = `
UPDATE queue_messages
SET status = 'processing', claimed_by = ?, claimed_at = ?
WHERE id = ? AND status IN ('pending', 'failed') AND scheduled_for <= ?`

	queryMarkCompleted = `
UPDATE queue_messages
SET status = 'completed', completed_at = ?, claimed_by = '', claimed_at = NULL
WHERE id = ? AND status = 'processing' AND claimed_by = ?`

	queryMarkRetry = `
UPDATE queue_messages
SET status = 'failed', retry_count = retry_count + 1, last_error = ?, scheduled_for = ?,
    claimed_by = '', claimed_at = NULL
WHERE id = ? AND status = 'processing' AND claimed_by = ?`

	queryMarkDeadLetter = `
UPDATE queue_messages
SET status = 'dead_letter', last_error = ?, completed_at = ?, claimed_by = '', claimed_at = NULL
WHERE id = ? AND status NOT IN ('completed', 'dead_letter')`

	queryListMessages = `
SELECT id, queue_name, payload, headers, priority, status, retry_count, scheduled_for,
       claimed_by, claimed_at, correlation_id, causation_id, last_error, enqueued_at, completed_at
FROM queue_messages
WHERE queue_name = ? AND (? = '' OR status = ?)
ORDER BY enqueued_at ASC, id ASC
LIMIT ?`

	querySelectExpired = `
SELECT id, queue_name, payload, headers, priority, status, retry_count, scheduled_for,
       claimed_by, claimed_at, correlation_id, causation_id, last_error, enqueued_at, completed_at
FROM queue_messages
WHERE queue_name = ? AND status = 'pending' AND enqueued_at < ?
ORDER BY id ASC`

	queryExpireMessage = `
UPDATE queue_messages
SET status = 'dead_letter', last_error = 'message ttl expired', completed_at = ?
WHERE id = ? AND status = 'pending'`
)
