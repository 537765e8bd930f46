package store

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"
)

type UserStore struct{ db *gorm.DB }

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// DisplayName 查不到用户时返回空串，调用方自行兜底展示名。
func (s *UserStore) DisplayName(ctx context.Context, userID uint64) (string, error) {
	var name string
	row := s.db.WithContext(ctx).
		Raw(`SELECT username FROM users WHERE id = ?`, userID).
		Row()
	if err := row.Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return name, nil
}
