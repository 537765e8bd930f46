package collab

import (
	"errors"

	"educollab/backend/internal/ot"
)

var (
	ErrNotFound  = errors.New("NOT_FOUND")
	ErrForbidden = errors.New("FORBIDDEN")
	// ErrInvalidOperation 结构性校验失败（缺少该变体必填字段）
	ErrInvalidOperation = ot.ErrInvalidOperation
)
