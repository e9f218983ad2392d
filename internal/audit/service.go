// Package audit maintains the append-only trail of every config mutation.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/confhub/confhub/pkg/models"
)

// Service writes and queries audit records. Records are written inside the
// caller's transaction so the mutation and its audit record commit together.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates an audit service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{db: db, logger: logger}
}

// Record appends one audit record using tx, which must be the transaction of
// the mutation being audited.
func (s *Service) Record(tx *gorm.DB, rec *models.AuditLog) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ResourceType == "" {
		rec.ResourceType = "config"
	}
	if rec.OperationStatus == "" {
		rec.OperationStatus = "success"
	}
	if rec.OperationTime.IsZero() {
		rec.OperationTime = time.Now().UTC()
	}
	return tx.Create(rec).Error
}

// Filter narrows an audit query. Zero values are ignored.
type Filter struct {
	ServiceName   string
	Environment   string
	Operator      string
	OperationType string
	StartTime     *time.Time
	EndTime       *time.Time
}

// Query returns a page of audit records matching the filter, newest first.
func (s *Service) Query(ctx context.Context, f Filter, page, pageSize int) (*models.PagedResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	q := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if f.ServiceName != "" {
		q = q.Where("service_name = ?", f.ServiceName)
	}
	if f.Environment != "" {
		q = q.Where("environment = ?", f.Environment)
	}
	if f.Operator != "" {
		q = q.Where("operator = ?", f.Operator)
	}
	if f.OperationType != "" {
		q = q.Where("operation_type = ?", f.OperationType)
	}
	if f.StartTime != nil {
		q = q.Where("operation_time >= ?", *f.StartTime)
	}
	if f.EndTime != nil {
		q = q.Where("operation_time <= ?", *f.EndTime)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}

	var items []models.AuditLog
	err := q.Order("operation_time DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	return &models.PagedResult{Total: total, Items: items, Page: page, PageSize: pageSize}, nil
}
