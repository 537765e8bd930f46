package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveDocumentSnapshot 每 N 次提交写一条持久化检查点。
// 同版本重复写入（1062）视为已存在，不算错误。
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docType, docID string, version uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (doc_type, document_id, version, content)
		VALUES (?, ?, ?, ?)`,
		docType,
		docID,
		version,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
