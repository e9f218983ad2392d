package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/confhub/confhub/internal/audit"
	"github.com/confhub/confhub/pkg/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.AuditLog{}))
	return db
}

func record(t *testing.T, svc *audit.Service, db *gorm.DB, rec *models.AuditLog) {
	require.NoError(t, svc.Record(db, rec))
}

func TestRecordFillsDefaults(t *testing.T) {
	db := setupTestDB(t)
	svc := audit.NewService(zap.NewNop(), db)

	rec := &models.AuditLog{
		OperationType: models.ChangeTypeCreate,
		ServiceName:   "orders",
		Environment:   "dev",
		ConfigKey:     "database.host",
		Operator:      "alice",
	}
	record(t, svc, db, rec)

	var stored models.AuditLog
	require.NoError(t, db.First(&stored).Error)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", stored.ID.String())
	assert.Equal(t, "config", stored.ResourceType)
	assert.Equal(t, "success", stored.OperationStatus)
	assert.False(t, stored.OperationTime.IsZero())
}

func TestQueryFiltersAndOrdering(t *testing.T) {
	db := setupTestDB(t)
	svc := audit.NewService(zap.NewNop(), db)

	base := time.Now().UTC().Add(-time.Hour)
	record(t, svc, db, &models.AuditLog{
		OperationType: models.ChangeTypeCreate, ServiceName: "orders", Environment: "dev",
		Operator: "alice", OperationTime: base,
	})
	record(t, svc, db, &models.AuditLog{
		OperationType: models.ChangeTypeUpdate, ServiceName: "orders", Environment: "dev",
		Operator: "bob", OperationTime: base.Add(time.Minute),
	})
	record(t, svc, db, &models.AuditLog{
		OperationType: models.ChangeTypeUpdate, ServiceName: "billing", Environment: "prod",
		Operator: "alice", OperationTime: base.Add(2 * time.Minute),
	})

	page, err := svc.Query(context.Background(), audit.Filter{ServiceName: "orders"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	items := page.Items.([]models.AuditLog)
	require.Len(t, items, 2)
	// newest first
	assert.Equal(t, "bob", items[0].Operator)

	page, err = svc.Query(context.Background(), audit.Filter{Operator: "alice"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)

	page, err = svc.Query(context.Background(), audit.Filter{OperationType: models.ChangeTypeUpdate}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
}

func TestQueryTimeWindow(t *testing.T) {
	db := setupTestDB(t)
	svc := audit.NewService(zap.NewNop(), db)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		record(t, svc, db, &models.AuditLog{
			OperationType: models.ChangeTypeUpdate, ServiceName: "orders", Environment: "dev",
			Operator: "alice", OperationTime: base.Add(time.Duration(i) * time.Minute),
		})
	}

	start := base.Add(30 * time.Second)
	end := base.Add(90 * time.Second)
	page, err := svc.Query(context.Background(), audit.Filter{StartTime: &start, EndTime: &end}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestQueryPagination(t *testing.T) {
	db := setupTestDB(t)
	svc := audit.NewService(zap.NewNop(), db)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		record(t, svc, db, &models.AuditLog{
			OperationType: models.ChangeTypeUpdate, ServiceName: "orders", Environment: "dev",
			Operator: "alice", OperationTime: base.Add(time.Duration(i) * time.Minute),
		})
	}

	page, err := svc.Query(context.Background(), audit.Filter{}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	items := page.Items.([]models.AuditLog)
	assert.Len(t, items, 2)
}
