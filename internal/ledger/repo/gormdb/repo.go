package gormdb

import (
	"context"

	"predictex.com/internal/ledger/repo"
	"predictex.com/internal/ledger/repo/model"
	"predictex.com/pkg/orm"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

var _ repo.Repo = (*Repo)(nil)

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

// Models 需要迁移的表
func Models() []any {
	return []any{&model.UserBalance{}, &model.AuditLogEntry{}}
}

func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return orm.Transaction(ctx, r.db, fn)
}

func (r *Repo) getDb(ctx context.Context) *gorm.DB {
	return orm.DB(ctx, r.db)
}
