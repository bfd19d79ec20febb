package gormdb

import (
	"context"

	"predictex.com/internal/ledger/repo/model"
)

func (r *Repo) AppendAudit(ctx context.Context, e *model.AuditLogEntry) error {
	return r.getDb(ctx).Create(e).Error
}

func (r *Repo) ListAudit(ctx context.Context, address string, limit int) ([]model.AuditLogEntry, error) {
	var rows []model.AuditLogEntry
	q := r.getDb(ctx).Where("user_address = ?", address).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}
