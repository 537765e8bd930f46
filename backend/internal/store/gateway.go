package store

import (
	"database/sql"
	"errors"

	"context"

	"gorm.io/gorm"

	"educollab/backend/internal/collab"
)

// docField 把 documentType 映射到承载可协作文本的表/列。
// 这张策略表归周边 CRUD 系统所有，协作核心只消费。
type docField struct {
	table         string
	idColumn      string
	ownerColumn   string
	contentColumn string
}

var docFields = map[string]docField{
	"lesson_plan":      {table: "lesson_plans", idColumn: "id", ownerColumn: "teacher_id", contentColumn: "notes"},
	"assignment":       {table: "assignments", idColumn: "id", ownerColumn: "teacher_id", contentColumn: "description"},
	"quiz":             {table: "quizzes", idColumn: "id", ownerColumn: "teacher_id", contentColumn: "instructions"},
	"homepage_section": {table: "homepage_sections", idColumn: "id", ownerColumn: "editor_id", contentColumn: "body"},
}

type DocumentGateway struct{ db *gorm.DB }

func NewDocumentGateway(db *gorm.DB) *DocumentGateway {
	return &DocumentGateway{db: db}
}

func (g *DocumentGateway) Load(ctx context.Context, docType, docID string) (string, error) {
	f, ok := docFields[docType]
	if !ok {
		return "", collab.ErrNotFound
	}
	var content sql.NullString
	// 列名来自固定策略表，不拼接外部输入
	row := g.db.WithContext(ctx).
		Raw("SELECT "+f.contentColumn+" FROM "+f.table+" WHERE "+f.idColumn+" = ?", docID).
		Row()
	if err := row.Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", collab.ErrNotFound
		}
		return "", err
	}
	return content.String, nil
}

func (g *DocumentGateway) Save(ctx context.Context, docType, docID, content string) error {
	f, ok := docFields[docType]
	if !ok {
		return collab.ErrNotFound
	}
	res := g.db.WithContext(ctx).
		Exec("UPDATE "+f.table+" SET "+f.contentColumn+" = ? WHERE "+f.idColumn+" = ?", content, docID)
	// MySQL 对值未变化的 UPDATE 也报 0 行受影响，RowsAffected==0 不能当 not found
	return res.Error
}
