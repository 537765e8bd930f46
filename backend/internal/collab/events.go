package collab

import (
	"time"

	"educollab/backend/internal/ot"
)

// DocOpEvent 发往 Kafka 的已提交操作事件，周边系统（通知、审计）消费。
type DocOpEvent struct {
	EventType   string       `json:"eventType"` // 固定 "OP_APPLIED"
	DocType     string       `json:"docType"`
	DocID       string       `json:"docId"`
	OperationID string       `json:"operationId"`
	Version     uint64       `json:"version"`
	AuthorID    uint64       `json:"authorId"`
	Op          ot.Operation `json:"op"`
	AppliedAt   time.Time    `json:"appliedAt"`
}
