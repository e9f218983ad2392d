package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Value types understood by the store and the validator.
const (
	ValueTypeString = "string"
	ValueTypeInt    = "int"
	ValueTypeBool   = "bool"
	ValueTypeJSON   = "json"
)

// Change types recorded in version history and pushed to subscribers.
const (
	ChangeTypeCreate   = "create"
	ChangeTypeUpdate   = "update"
	ChangeTypeDelete   = "delete"
	ChangeTypeRollback = "rollback"
)

// ConfigEntry is the current value of one configuration key within a scope.
// The (service_name, environment, config_key) tuple is unique; Version starts
// at 1 on create and increases by exactly 1 on every committed mutation.
type ConfigEntry struct {
	ID             uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ServiceName    string    `json:"service_name" gorm:"uniqueIndex:idx_scope_key;size:128;not null"`
	Environment    string    `json:"environment" gorm:"uniqueIndex:idx_scope_key;size:64;not null"`
	ConfigKey      string    `json:"config_key" gorm:"uniqueIndex:idx_scope_key;size:255;not null"`
	ConfigValue    string    `json:"config_value" gorm:"type:text"`
	ValueType      string    `json:"value_type" gorm:"size:16;default:string"`
	Description    string    `json:"description" gorm:"size:512"`
	ValidatorRules string    `json:"validator_rules,omitempty" gorm:"type:text"`
	IsEncrypted    bool      `json:"is_encrypted"`
	Version        int64     `json:"version"`
	CreatedBy      string    `json:"created_by" gorm:"size:128"`
	UpdatedBy      string    `json:"updated_by" gorm:"size:128"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" gorm:"index"`
}

// ConfigVersion is an immutable snapshot of an entry at a specific version.
// For a given ConfigID the snapshots form a gap-free increasing sequence.
type ConfigVersion struct {
	ID                uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ConfigID          uuid.UUID `json:"config_id" gorm:"type:uuid;uniqueIndex:idx_config_version"`
	ServiceName       string    `json:"service_name" gorm:"size:128"`
	Environment       string    `json:"environment" gorm:"size:64"`
	ConfigKey         string    `json:"config_key" gorm:"size:255"`
	ConfigValue       string    `json:"config_value" gorm:"type:text"`
	ValueType         string    `json:"value_type" gorm:"size:16"`
	Version           int64     `json:"version" gorm:"uniqueIndex:idx_config_version"`
	ChangeType        string    `json:"change_type" gorm:"size:16"`
	ChangeDescription string    `json:"change_description" gorm:"size:512"`
	CreatedBy         string    `json:"created_by" gorm:"size:128"`
	CreatedAt         time.Time `json:"created_at"`
}

// AuditLog is one append-only record of a mutating operation. Written in the
// same transaction as the store mutation; never updated or deleted.
type AuditLog struct {
	ID                uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	OperationType     string    `json:"operation_type" gorm:"size:16;index"`
	ResourceType      string    `json:"resource_type" gorm:"size:32;default:config"`
	ResourceID        string    `json:"resource_id" gorm:"size:64;index"`
	ServiceName       string    `json:"service_name" gorm:"size:128;index"`
	Environment       string    `json:"environment" gorm:"size:64;index"`
	ConfigKey         string    `json:"config_key" gorm:"size:255"`
	BeforeValue       *string   `json:"before_value,omitempty" gorm:"type:text"`
	AfterValue        *string   `json:"after_value,omitempty" gorm:"type:text"`
	ChangeDescription string    `json:"change_description,omitempty" gorm:"size:512"`
	Operator          string    `json:"operator" gorm:"size:128;index"`
	OperatorIP        string    `json:"operator_ip" gorm:"size:64"`
	UserAgent         string    `json:"user_agent" gorm:"size:512"`
	OperationStatus   string    `json:"operation_status" gorm:"size:16;default:success"`
	ErrorMessage      string    `json:"error_message,omitempty" gorm:"size:512"`
	OperationTime     time.Time `json:"operation_time" gorm:"index"`
}

// ScopeVersion is the monotonic per-scope counter bumped on any mutation
// within (service_name, environment); clients use it for cheap staleness
// checks on batch fetches.
type ScopeVersion struct {
	ServiceName string    `json:"service_name" gorm:"primaryKey;size:128"`
	Environment string    `json:"environment" gorm:"primaryKey;size:64"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Actor identifies who performed a mutating operation, for the audit trail.
type Actor struct {
	Operator  string
	IP        string
	UserAgent string
}

// ChangeEvent is a committed mutation handed to the change notifier for
// fan-out to subscribed sessions. ConfigValue carries the typed
// (already parsed, already decrypted) value; nil for deletes.
type ChangeEvent struct {
	Origin      string      `json:"origin,omitempty"`
	ServiceName string      `json:"serviceName"`
	Environment string      `json:"environment"`
	ConfigKey   string      `json:"configKey"`
	ConfigValue interface{} `json:"configValue"`
	Version     int64       `json:"version"`
	ChangeType  string      `json:"changeType"`
	Operator    string      `json:"operator,omitempty"`
}

// CreateConfigRequest is the body of POST /api/v1/configs.
type CreateConfigRequest struct {
	ServiceName    string          `json:"service_name" binding:"required,max=128"`
	Environment    string          `json:"environment" binding:"required,max=64"`
	ConfigKey      string          `json:"config_key" binding:"required,max=255"`
	ConfigValue    string          `json:"config_value"`
	ValueType      string          `json:"value_type" binding:"omitempty,oneof=string int bool json"`
	Description    string          `json:"description" binding:"omitempty,max=512"`
	ValidatorRules json.RawMessage `json:"validator_rules,omitempty"`
	IsEncrypted    bool            `json:"is_encrypted"`
}

// UpdateConfigRequest is the body of PUT /api/v1/configs/:id.
type UpdateConfigRequest struct {
	ConfigValue       string `json:"config_value"`
	ChangeDescription string `json:"change_description" binding:"omitempty,max=512"`
}

// RollbackRequest is the body of POST /api/v1/configs/:id/rollback.
type RollbackRequest struct {
	TargetVersion  int64  `json:"target_version" binding:"required,min=1"`
	RollbackReason string `json:"rollback_reason" binding:"omitempty,max=512"`
}

// BatchGetRequest is the body of POST /api/v1/configs/batch.
type BatchGetRequest struct {
	ServiceName string   `json:"service_name" binding:"required,max=128"`
	Environment string   `json:"environment" binding:"required,max=64"`
	Keys        []string `json:"keys,omitempty"`
}

// BatchGetResponse carries every current value for a scope plus the scope's
// monotonic version.
type BatchGetResponse struct {
	ServiceName string                 `json:"service_name"`
	Environment string                 `json:"environment"`
	Version     int64                  `json:"version"`
	Configs     map[string]interface{} `json:"configs"`
}

// PagedResult wraps a page of items with the total row count.
type PagedResult struct {
	Total    int64       `json:"total"`
	Items    interface{} `json:"items"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}
