package topic

// 主题存储使用的SQL语句
const (
	queryInsertTopic = `
INSERT INTO topics (name, partition_count, retention_ms, durable, next_offset, created_at)
VALUES (?, ?, ?, ?, 1, ?)`

	queryGetTopic = `
SELECT name, partition_count, retention_ms, durable, created_at
FROM topics WHERE name = ?`

	queryListTopics = `
SELECT name, partition_count, retention_ms, durable, created_at
FROM topics ORDER BY name ASC`

	queryDeleteTopic         = `DELETE FROM topics WHERE name = ?`
	queryDeleteTopicMessages = `DELETE FROM topic_messages WHERE topic = ?`
	queryDeleteTopicSubs     = `DELETE FROM topic_subscriptions WHERE topic = ?`

	// offset分配和写入在同一事务内完成
	querySelectNextOffset = `SELECT next_offset FROM topics WHERE name = ?`
	queryBumpNextOffset   = `UPDATE topics SET next_offset = next_offset + 1 WHERE name = ?`

	queryInsertMessage = `
INSERT INTO topic_messages (topic, msg_offset, partition_no, payload, headers, published_at)
VALUES (?, ?, ?, ?, ?, ?)`

	queryReadMessages = `
SELECT topic, msg_offset, partition_no, payload, headers, published_at
FROM topic_messages
WHERE topic = ? AND msg_offset >= ?
ORDER BY msg_offset ASC
LIMIT ?`

	queryEarliestOffset = `
SELECT COALESCE(MIN(msg_offset), 0) FROM topic_messages WHERE topic = ?`

	queryUpsertSubscription = `
INSERT INTO topic_subscriptions (topic, subscriber_id, last_processed_offset, filter, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (topic, subscriber_id)
DO UPDATE SET last_processed_offset = excluded.last_processed_offset, filter = excluded.filter`

	queryGetSubscription = `
SELECT topic, subscriber_id, last_processed_offset, filter, created_at
FROM topic_subscriptions WHERE topic = ? AND subscriber_id = ?`

	queryListSubscriptions = `
SELECT topic, subscriber_id, last_processed_offset, filter, created_at
FROM topic_subscriptions WHERE topic = ? ORDER BY subscriber_id ASC`

	queryDeleteSubscription = `
DELETE FROM topic_subscriptions WHERE topic = ? AND subscriber_id = ?`

	// 只前进不后退，落后的提交是空操作
	queryCommitOffset = `
UPDATE topic_subscriptions
SET last_processed_offset = ?
WHERE topic = ? AND subscriber_id = ? AND last_processed_offset < ?`

	queryPruneMessages = `
DELETE FROM topic_messages WHERE topic = ? AND published_at < ?`
)
