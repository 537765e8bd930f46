package store

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"

	"educollab/backend/internal/collab"
)

// Collaborator 文档协作人授权行（owner 之外被邀请的编辑者）
type Collaborator struct {
	DocType string `gorm:"column:doc_type"`
	DocID   string `gorm:"column:doc_id"`
	UserID  uint64 `gorm:"column:user_id"`
}

func (Collaborator) TableName() string { return "document_collaborators" }

type AccessVerifier struct{ db *gorm.DB }

func NewAccessVerifier(db *gorm.DB) *AccessVerifier {
	return &AccessVerifier{db: db}
}

// CanAccess owner 或协作人行存在即放行；文档不存在返回 ErrNotFound。
func (v *AccessVerifier) CanAccess(ctx context.Context, userID uint64, docType, docID string) (bool, error) {
	f, ok := docFields[docType]
	if !ok {
		return false, collab.ErrNotFound
	}
	var owner uint64
	row := v.db.WithContext(ctx).
		Raw("SELECT "+f.ownerColumn+" FROM "+f.table+" WHERE "+f.idColumn+" = ?", docID).
		Row()
	if err := row.Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, collab.ErrNotFound
		}
		return false, err
	}
	if owner == userID {
		return true, nil
	}
	var n int64
	err := v.db.WithContext(ctx).Model(&Collaborator{}).
		Where("doc_type = ? AND doc_id = ? AND user_id = ?", docType, docID, userID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
