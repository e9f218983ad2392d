// Package configsvc is the transactional core of the config center: versioned
// writes, point-in-time rollback, audit, and batch reads.
package configsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/confhub/confhub/internal/audit"
	"github.com/confhub/confhub/internal/cache"
	"github.com/confhub/confhub/internal/secrets"
	"github.com/confhub/confhub/internal/validator"
	cerrors "github.com/confhub/confhub/pkg/errors"
	"github.com/confhub/confhub/pkg/models"
)

// Notifier receives committed changes for fan-out to subscribers. Delivery is
// decoupled from the write transaction; a notification failure never fails
// the write.
type Notifier interface {
	Publish(ctx context.Context, event *models.ChangeEvent)
}

// errStaleVersion signals a lost version-checked write; the operation reloads
// and retries so every writer's intent lands as its own version.
var errStaleVersion = fmt.Errorf("stale version")

const writeRetries = 3

// Service orchestrates store, history, audit, cache and notifier for every
// config operation.
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	validator validator.Gateway
	cipher    secrets.ValueCipher
	audit     *audit.Service
	notifier  Notifier
	cache     *cache.ConfigCache
}

// NewService creates the config service.
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	gateway validator.Gateway,
	cipher secrets.ValueCipher,
	auditSvc *audit.Service,
	notifier Notifier,
	configCache *cache.ConfigCache,
) *Service {
	return &Service{
		logger:    logger,
		db:        db,
		validator: gateway,
		cipher:    cipher,
		audit:     auditSvc,
		notifier:  notifier,
		cache:     configCache,
	}
}

// Create inserts a new entry at version 1, with its first snapshot and an
// audit record, then publishes the change.
func (s *Service) Create(ctx context.Context, req *models.CreateConfigRequest, actor models.Actor) (*models.ConfigEntry, error) {
	valueType := req.ValueType
	if valueType == "" {
		valueType = models.ValueTypeString
	}

	if len(req.ValidatorRules) > 0 {
		if result := s.validator.Validate(req.ConfigValue, valueType, req.ValidatorRules); !result.Valid {
			return nil, validationError(result)
		}
	}

	stored := req.ConfigValue
	if req.IsEncrypted {
		enc, err := s.cipher.Encrypt(req.ConfigValue)
		if err != nil {
			return nil, cerrors.Internal.Explain("failed to encrypt value").Wrap(err)
		}
		stored = enc
	}

	now := time.Now().UTC()
	entry := &models.ConfigEntry{
		ID:             uuid.New(),
		ServiceName:    req.ServiceName,
		Environment:    req.Environment,
		ConfigKey:      req.ConfigKey,
		ConfigValue:    stored,
		ValueType:      valueType,
		Description:    req.Description,
		ValidatorRules: string(req.ValidatorRules),
		IsEncrypted:    req.IsEncrypted,
		Version:        1,
		CreatedBy:      actor.Operator,
		UpdatedBy:      actor.Operator,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ConfigEntry{}).
			Where("service_name = ? AND environment = ? AND config_key = ?",
				req.ServiceName, req.Environment, req.ConfigKey).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return cerrors.Conflict.Explain("config %q already exists in %s/%s",
				req.ConfigKey, req.ServiceName, req.Environment)
		}

		if err := tx.Create(entry).Error; err != nil {
			if isDuplicateKey(err) {
				return cerrors.Conflict.Explain("config %q already exists in %s/%s",
					req.ConfigKey, req.ServiceName, req.Environment)
			}
			return err
		}

		if err := s.writeSnapshot(tx, entry, models.ChangeTypeCreate, "", actor.Operator); err != nil {
			return err
		}
		if err := s.bumpScopeVersion(tx, entry.ServiceName, entry.Environment); err != nil {
			return err
		}
		return s.audit.Record(tx, &models.AuditLog{
			OperationType: models.ChangeTypeCreate,
			ResourceID:    entry.ID.String(),
			ServiceName:   entry.ServiceName,
			Environment:   entry.Environment,
			ConfigKey:     entry.ConfigKey,
			AfterValue:    &entry.ConfigValue,
			Operator:      actor.Operator,
			OperatorIP:    actor.IP,
			UserAgent:     actor.UserAgent,
		})
	})
	if err != nil {
		return nil, wrapStoreErr(err, "create config")
	}

	s.afterCommit(ctx, entry, models.ChangeTypeCreate, actor)
	return entry, nil
}

// Update commits a new value at version+1 with a snapshot and audit record.
// Concurrent writers are resolved by a version-checked write: a loser reloads
// and retries, so no writer's intent is lost from history, only superseded.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req *models.UpdateConfigRequest, actor models.Actor) (*models.ConfigEntry, error) {
	for attempt := 0; attempt < writeRetries; attempt++ {
		entry, err := s.loadEntry(ctx, id)
		if err != nil {
			return nil, err
		}

		if entry.ValidatorRules != "" {
			result := s.validator.Validate(req.ConfigValue, entry.ValueType, json.RawMessage(entry.ValidatorRules))
			if !result.Valid {
				return nil, validationError(result)
			}
		}

		stored := req.ConfigValue
		if entry.IsEncrypted {
			enc, encErr := s.cipher.Encrypt(req.ConfigValue)
			if encErr != nil {
				return nil, cerrors.Internal.Explain("failed to encrypt value").Wrap(encErr)
			}
			stored = enc
		}

		before := entry.ConfigValue
		newVersion := entry.Version + 1
		now := time.Now().UTC()

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.ConfigEntry{}).
				Where("id = ? AND version = ?", entry.ID, entry.Version).
				Updates(map[string]interface{}{
					"config_value": stored,
					"version":      newVersion,
					"updated_by":   actor.Operator,
					"updated_at":   now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errStaleVersion
			}

			entry.ConfigValue = stored
			entry.Version = newVersion
			entry.UpdatedBy = actor.Operator
			entry.UpdatedAt = now

			if err := s.writeSnapshot(tx, entry, models.ChangeTypeUpdate, req.ChangeDescription, actor.Operator); err != nil {
				return err
			}
			if err := s.bumpScopeVersion(tx, entry.ServiceName, entry.Environment); err != nil {
				return err
			}
			return s.audit.Record(tx, &models.AuditLog{
				OperationType:     models.ChangeTypeUpdate,
				ResourceID:        entry.ID.String(),
				ServiceName:       entry.ServiceName,
				Environment:       entry.Environment,
				ConfigKey:         entry.ConfigKey,
				BeforeValue:       &before,
				AfterValue:        &entry.ConfigValue,
				ChangeDescription: req.ChangeDescription,
				Operator:          actor.Operator,
				OperatorIP:        actor.IP,
				UserAgent:         actor.UserAgent,
			})
		})
		if err == errStaleVersion {
			continue
		}
		if err != nil {
			return nil, wrapStoreErr(err, "update config")
		}

		s.afterCommit(ctx, entry, models.ChangeTypeUpdate, actor)
		return entry, nil
	}
	return nil, cerrors.Conflict.Explain("config %s is being updated concurrently, retry", id)
}

// Delete removes the entry. Version history is retained for audit; a final
// snapshot records the deletion at version+1. The delete is version-checked
// like every other write, so a concurrent update that lands first is loaded
// on retry and the tombstone version never collides with its snapshot.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor models.Actor) error {
	for attempt := 0; attempt < writeRetries; attempt++ {
		entry, err := s.loadEntry(ctx, id)
		if err != nil {
			return err
		}

		before := entry.ConfigValue
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Where("id = ? AND version = ?", entry.ID, entry.Version).
				Delete(&models.ConfigEntry{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errStaleVersion
			}

			tombstone := *entry
			tombstone.Version = entry.Version + 1
			if err := s.writeSnapshot(tx, &tombstone, models.ChangeTypeDelete, "", actor.Operator); err != nil {
				return err
			}
			if err := s.bumpScopeVersion(tx, entry.ServiceName, entry.Environment); err != nil {
				return err
			}
			return s.audit.Record(tx, &models.AuditLog{
				OperationType: models.ChangeTypeDelete,
				ResourceID:    entry.ID.String(),
				ServiceName:   entry.ServiceName,
				Environment:   entry.Environment,
				ConfigKey:     entry.ConfigKey,
				BeforeValue:   &before,
				Operator:      actor.Operator,
				OperatorIP:    actor.IP,
				UserAgent:     actor.UserAgent,
			})
		})
		if err == errStaleVersion {
			continue
		}
		if err != nil {
			return wrapStoreErr(err, "delete config")
		}

		s.cache.Invalidate(ctx, entry.ServiceName, entry.Environment, entry.ConfigKey)
		s.notifier.Publish(ctx, &models.ChangeEvent{
			ServiceName: entry.ServiceName,
			Environment: entry.Environment,
			ConfigKey:   entry.ConfigKey,
			ConfigValue: nil,
			Version:     entry.Version + 1,
			ChangeType:  models.ChangeTypeDelete,
			Operator:    actor.Operator,
		})
		return nil
	}
	return cerrors.Conflict.Explain("config %s is being updated concurrently, retry", id)
}

// Rollback re-applies the value of targetVersion as a new version. The
// version counter keeps incrementing; history is never rewound or truncated.
func (s *Service) Rollback(ctx context.Context, id uuid.UUID, targetVersion int64, reason string, actor models.Actor) (*models.ConfigEntry, error) {
	for attempt := 0; attempt < writeRetries; attempt++ {
		entry, err := s.loadEntry(ctx, id)
		if err != nil {
			return nil, err
		}

		var target models.ConfigVersion
		err = s.db.WithContext(ctx).
			Where("config_id = ? AND version = ?", id, targetVersion).
			First(&target).Error
		if err == gorm.ErrRecordNotFound {
			return nil, cerrors.NotFound.Explain("version %d not found for config %s", targetVersion, id)
		}
		if err != nil {
			return nil, wrapStoreErr(err, "load target version")
		}

		desc := fmt.Sprintf("rollback to version %d", targetVersion)
		if reason != "" {
			desc += ": " + reason
		}

		before := entry.ConfigValue
		newVersion := entry.Version + 1
		now := time.Now().UTC()

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.ConfigEntry{}).
				Where("id = ? AND version = ?", entry.ID, entry.Version).
				Updates(map[string]interface{}{
					"config_value": target.ConfigValue,
					"version":      newVersion,
					"updated_by":   actor.Operator,
					"updated_at":   now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errStaleVersion
			}

			entry.ConfigValue = target.ConfigValue
			entry.Version = newVersion
			entry.UpdatedBy = actor.Operator
			entry.UpdatedAt = now

			if err := s.writeSnapshot(tx, entry, models.ChangeTypeRollback, desc, actor.Operator); err != nil {
				return err
			}
			if err := s.bumpScopeVersion(tx, entry.ServiceName, entry.Environment); err != nil {
				return err
			}
			return s.audit.Record(tx, &models.AuditLog{
				OperationType:     models.ChangeTypeRollback,
				ResourceID:        entry.ID.String(),
				ServiceName:       entry.ServiceName,
				Environment:       entry.Environment,
				ConfigKey:         entry.ConfigKey,
				BeforeValue:       &before,
				AfterValue:        &entry.ConfigValue,
				ChangeDescription: desc,
				Operator:          actor.Operator,
				OperatorIP:        actor.IP,
				UserAgent:         actor.UserAgent,
			})
		})
		if err == errStaleVersion {
			continue
		}
		if err != nil {
			return nil, wrapStoreErr(err, "rollback config")
		}

		// subscribers see a rollback as a plain value update
		s.afterCommit(ctx, entry, models.ChangeTypeUpdate, actor)
		return entry, nil
	}
	return nil, cerrors.Conflict.Explain("config %s is being updated concurrently, retry", id)
}

// Get returns one entry by ID with its value decrypted for the caller.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.ConfigEntry, error) {
	entry, err := s.loadEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decrypted(entry)
}

// GetByKey returns one entry by scope and key, served from cache when hot.
func (s *Service) GetByKey(ctx context.Context, service, env, key string) (*models.ConfigEntry, error) {
	if cached, ok := s.cache.GetEntry(ctx, service, env, key); ok {
		return s.decrypted(cached)
	}

	var entry models.ConfigEntry
	err := s.db.WithContext(ctx).
		Where("service_name = ? AND environment = ? AND config_key = ?", service, env, key).
		First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, cerrors.NotFound.Explain("config %q not found in %s/%s", key, service, env)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get config by key")
	}

	s.cache.SetEntry(ctx, &entry)
	return s.decrypted(&entry)
}

// List returns a page of entries for a scope, most recently updated first.
func (s *Service) List(ctx context.Context, service, env string, page, pageSize int) (*models.PagedResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	q := s.db.WithContext(ctx).Model(&models.ConfigEntry{}).
		Where("service_name = ? AND environment = ?", service, env)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, wrapStoreErr(err, "count configs")
	}

	var items []models.ConfigEntry
	err := q.Order("updated_at DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&items).Error
	if err != nil {
		return nil, wrapStoreErr(err, "list configs")
	}

	return &models.PagedResult{Total: total, Items: items, Page: page, PageSize: pageSize}, nil
}

// BatchGet returns current typed values for a scope (or the named subset)
// plus the scope's monotonic version. Unknown keys are simply absent.
func (s *Service) BatchGet(ctx context.Context, service, env string, keys []string) (*models.BatchGetResponse, error) {
	if len(keys) == 0 {
		if cached, ok := s.cache.GetScope(ctx, service, env); ok {
			return cached, nil
		}
	}

	q := s.db.WithContext(ctx).Model(&models.ConfigEntry{}).
		Where("service_name = ? AND environment = ?", service, env)
	if len(keys) > 0 {
		q = q.Where("config_key IN ?", keys)
	}

	var entries []models.ConfigEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, wrapStoreErr(err, "batch get configs")
	}

	configs := make(map[string]interface{}, len(entries))
	for i := range entries {
		entry, err := s.decrypted(&entries[i])
		if err != nil {
			s.logger.Error("failed to decrypt config value, skipping",
				zap.String("config_key", entries[i].ConfigKey), zap.Error(err))
			continue
		}
		configs[entry.ConfigKey] = ParseValue(entry.ConfigValue, entry.ValueType)
	}

	resp := &models.BatchGetResponse{
		ServiceName: service,
		Environment: env,
		Version:     s.scopeVersion(ctx, service, env),
		Configs:     configs,
	}
	if len(keys) == 0 {
		s.cache.SetScope(ctx, resp)
	}
	return resp, nil
}

// History returns a page of version snapshots for an entry, newest first.
// Snapshots survive deletion of the entry itself.
func (s *Service) History(ctx context.Context, id uuid.UUID, page, pageSize int) (*models.PagedResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	q := s.db.WithContext(ctx).Model(&models.ConfigVersion{}).Where("config_id = ?", id)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, wrapStoreErr(err, "count versions")
	}
	if total == 0 {
		return nil, cerrors.NotFound.Explain("config %s not found", id)
	}

	var items []models.ConfigVersion
	err := q.Order("version DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&items).Error
	if err != nil {
		return nil, wrapStoreErr(err, "list versions")
	}

	return &models.PagedResult{Total: total, Items: items, Page: page, PageSize: pageSize}, nil
}

// afterCommit runs the non-transactional side effects of a committed write:
// cache invalidation and subscriber notification.
func (s *Service) afterCommit(ctx context.Context, entry *models.ConfigEntry, changeType string, actor models.Actor) {
	s.cache.Invalidate(ctx, entry.ServiceName, entry.Environment, entry.ConfigKey)

	plain := entry.ConfigValue
	if entry.IsEncrypted {
		dec, err := s.cipher.Decrypt(entry.ConfigValue)
		if err != nil {
			s.logger.Error("failed to decrypt value for notification",
				zap.String("config_key", entry.ConfigKey), zap.Error(err))
			return
		}
		plain = dec
	}

	s.notifier.Publish(ctx, &models.ChangeEvent{
		ServiceName: entry.ServiceName,
		Environment: entry.Environment,
		ConfigKey:   entry.ConfigKey,
		ConfigValue: ParseValue(plain, entry.ValueType),
		Version:     entry.Version,
		ChangeType:  changeType,
		Operator:    actor.Operator,
	})
}

func (s *Service) loadEntry(ctx context.Context, id uuid.UUID) (*models.ConfigEntry, error) {
	var entry models.ConfigEntry
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, cerrors.NotFound.Explain("config %s not found", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "load config")
	}
	return &entry, nil
}

// decrypted returns a copy of the entry with its value decrypted.
func (s *Service) decrypted(entry *models.ConfigEntry) (*models.ConfigEntry, error) {
	if !entry.IsEncrypted {
		return entry, nil
	}
	plain, err := s.cipher.Decrypt(entry.ConfigValue)
	if err != nil {
		return nil, cerrors.Internal.Explain("failed to decrypt value").Wrap(err)
	}
	out := *entry
	out.ConfigValue = plain
	return &out, nil
}

func (s *Service) writeSnapshot(tx *gorm.DB, entry *models.ConfigEntry, changeType, description, operator string) error {
	return tx.Create(&models.ConfigVersion{
		ID:                uuid.New(),
		ConfigID:          entry.ID,
		ServiceName:       entry.ServiceName,
		Environment:       entry.Environment,
		ConfigKey:         entry.ConfigKey,
		ConfigValue:       entry.ConfigValue,
		ValueType:         entry.ValueType,
		Version:           entry.Version,
		ChangeType:        changeType,
		ChangeDescription: description,
		CreatedBy:         operator,
		CreatedAt:         time.Now().UTC(),
	}).Error
}

// bumpScopeVersion advances the scope's monotonic counter inside the write's
// own transaction.
func (s *Service) bumpScopeVersion(tx *gorm.DB, service, env string) error {
	now := time.Now().UTC()
	res := tx.Model(&models.ScopeVersion{}).
		Where("service_name = ? AND environment = ?", service, env).
		Updates(map[string]interface{}{
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return tx.Create(&models.ScopeVersion{
			ServiceName: service,
			Environment: env,
			Version:     1,
			UpdatedAt:   now,
		}).Error
	}
	return nil
}

func (s *Service) scopeVersion(ctx context.Context, service, env string) int64 {
	var sv models.ScopeVersion
	err := s.db.WithContext(ctx).
		Where("service_name = ? AND environment = ?", service, env).
		First(&sv).Error
	if err != nil {
		return 0
	}
	return sv.Version
}

// ParseValue renders a stored string value as its declared type. Unparseable
// values fall back to the raw string rather than failing the read.
func ParseValue(value, valueType string) interface{} {
	switch valueType {
	case models.ValueTypeInt:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	case models.ValueTypeBool:
		return value == "true"
	case models.ValueTypeJSON:
		var parsed interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			return parsed
		}
	}
	return value
}

func validationError(result validator.Result) error {
	fields := make([]cerrors.FieldError, 0, len(result.Errors))
	for _, msg := range result.Errors {
		fields = append(fields, cerrors.FieldError{Message: msg})
	}
	return cerrors.ValidationFailed.Explain("config value failed validation").WithFields(fields)
}

func wrapStoreErr(err error, op string) error {
	var e *cerrors.Error
	if cerrors.As(err, &e) {
		return err
	}
	return cerrors.Internal.Explain("%s failed", op).Wrap(err)
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if cerrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
