package validator_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/confhub/confhub/internal/validator"
	"github.com/confhub/confhub/pkg/models"
)

func TestValidateEmptyRulesAlwaysPass(t *testing.T) {
	v := validator.New()
	result := v.Validate("anything", models.ValueTypeString, nil)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidateStringRules(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name  string
		value string
		rules string
		valid bool
	}{
		{"min length ok", "hello", `{"minLength":3}`, true},
		{"min length too short", "hi", `{"minLength":3}`, false},
		{"max length exceeded", "toolongvalue", `{"maxLength":5}`, false},
		{"pattern match", "db-primary", `{"pattern":"^db-"}`, true},
		{"pattern mismatch", "cache-1", `{"pattern":"^db-"}`, false},
		{"enum hit", "info", `{"enum":["debug","info","warn"]}`, true},
		{"enum miss", "loudest", `{"enum":["debug","info","warn"]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.value, models.ValueTypeString, json.RawMessage(tt.rules))
			assert.Equal(t, tt.valid, result.Valid, "errors: %v", result.Errors)
		})
	}
}

func TestValidateIntRules(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name  string
		value string
		rules string
		valid bool
	}{
		{"within range", "50", `{"min":1,"max":100}`, true},
		{"below min", "0", `{"min":1}`, false},
		{"above max", "500", `{"max":100}`, false},
		{"multiple of", "15", `{"multipleOf":5}`, true},
		{"not multiple of", "17", `{"multipleOf":5}`, false},
		{"not an integer", "abc", `{"min":1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.value, models.ValueTypeInt, json.RawMessage(tt.rules))
			assert.Equal(t, tt.valid, result.Valid, "errors: %v", result.Errors)
		})
	}
}

func TestValidateBoolType(t *testing.T) {
	v := validator.New()
	assert.True(t, v.Validate("true", models.ValueTypeBool, json.RawMessage(`{}`)).Valid)
	assert.True(t, v.Validate("false", models.ValueTypeBool, json.RawMessage(`{}`)).Valid)
	assert.False(t, v.Validate("yes", models.ValueTypeBool, json.RawMessage(`{}`)).Valid)
}

func TestValidateJSONRules(t *testing.T) {
	v := validator.New()

	result := v.Validate(`{"host":"db1","port":5432}`, models.ValueTypeJSON,
		json.RawMessage(`{"required":["host","port"]}`))
	assert.True(t, result.Valid)

	result = v.Validate(`{"host":"db1"}`, models.ValueTypeJSON,
		json.RawMessage(`{"required":["host","port"]}`))
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors[0], "port")

	result = v.Validate(`[1,2]`, models.ValueTypeJSON, json.RawMessage(`{"minItems":3}`))
	assert.False(t, result.Valid)

	result = v.Validate(`not json`, models.ValueTypeJSON, json.RawMessage(`{}`))
	assert.False(t, result.Valid)
}

func TestValidateCollectsAllRuleFailures(t *testing.T) {
	v := validator.New()
	result := v.Validate("x", models.ValueTypeString,
		json.RawMessage(`{"minLength":3,"enum":["alpha","beta"]}`))
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 2)
}

func TestValidateMalformedRuleSet(t *testing.T) {
	v := validator.New()
	result := v.Validate("x", models.ValueTypeString, json.RawMessage(`{broken`))
	assert.False(t, result.Valid)
}
