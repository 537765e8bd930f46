package ot

import (
	"errors"
	"time"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindRetain  Kind = "retain"
	KindReplace Kind = "replace"
)

var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation 一次已定型的编辑。提交时 Version = 客户端基准版本 + 1，
// 落库（提交进操作日志）后被重新赋值为本次操作实际产生的版本号。
type Operation struct {
	ID        string    `json:"operationId,omitempty"`
	Kind      Kind      `json:"type"` // "insert" / "delete" / "retain" / "replace"
	Position  int       `json:"position"`
	Content   string    `json:"content,omitempty"` // insert/replace 必填
	Length    int       `json:"length,omitempty"`  // delete/replace 必填
	UserID    uint64    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
	Version   uint64    `json:"version"`
}

// Validate 只拦结构性问题，位置越界不在这里拒绝（Apply 统一 clamp）。
func (op Operation) Validate() error {
	if op.Position < 0 {
		return ErrInvalidOperation
	}
	switch op.Kind {
	case KindInsert:
		if op.Content == "" {
			return ErrInvalidOperation
		}
	case KindDelete:
		if op.Length <= 0 {
			return ErrInvalidOperation
		}
	case KindReplace:
		if op.Content == "" || op.Length <= 0 {
			return ErrInvalidOperation
		}
	case KindRetain:
		// no-op 占位，协议对称性保留
	default:
		return ErrInvalidOperation
	}
	return nil
}

// CursorPosition 行/列/绝对偏移三元组，不持久化。
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
	Offset int `json:"offset"`
}

// SelectionRange 不保证 Start <= End，调用方可能交换两端。
type SelectionRange struct {
	Start CursorPosition `json:"start"`
	End   CursorPosition `json:"end"`
}
