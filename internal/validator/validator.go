// Package validator evaluates declared rule sets against candidate config
// values before a write is accepted.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/confhub/confhub/pkg/models"
)

// Result is the outcome of validating one candidate value.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Gateway validates a candidate value against an opaque rule set.
type Gateway interface {
	Validate(value, valueType string, rules json.RawMessage) Result
}

// ruleSet is the declared rule vocabulary. Unknown fields are ignored so rule
// sets stay forward compatible.
type ruleSet struct {
	// string rules
	MinLength *int     `json:"minLength"`
	MaxLength *int     `json:"maxLength"`
	Pattern   string   `json:"pattern"`
	Enum      []string `json:"enum"`

	// int rules
	Min        *float64 `json:"min"`
	Max        *float64 `json:"max"`
	MultipleOf *int64   `json:"multipleOf"`

	// json rules
	MinItems *int     `json:"minItems"`
	MaxItems *int     `json:"maxItems"`
	Required []string `json:"required"`
}

// Service is the default Gateway implementation.
type Service struct{}

// New creates a rule evaluator.
func New() *Service {
	return &Service{}
}

// Validate checks the value against its declared type, then against the
// type-specific rules. An empty rule set always passes.
func (s *Service) Validate(value, valueType string, rules json.RawMessage) Result {
	if len(rules) == 0 {
		return Result{Valid: true, Errors: []string{}}
	}

	var rs ruleSet
	if err := json.Unmarshal(rules, &rs); err != nil {
		return Result{Valid: false, Errors: []string{fmt.Sprintf("invalid rule set: %v", err)}}
	}

	if msg := checkType(value, valueType); msg != "" {
		return Result{Valid: false, Errors: []string{msg}}
	}

	var errs []string
	switch valueType {
	case models.ValueTypeInt:
		errs = checkInt(value, &rs)
	case models.ValueTypeBool:
		// bool has no additional rules
	case models.ValueTypeJSON:
		errs = checkJSON(value, &rs)
	default:
		errs = checkString(value, &rs)
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkType(value, valueType string) string {
	if value == "" {
		return ""
	}
	switch valueType {
	case models.ValueTypeInt:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return "value must be an integer"
		}
	case models.ValueTypeBool:
		if value != "true" && value != "false" {
			return "value must be a boolean (true/false)"
		}
	case models.ValueTypeJSON:
		if !json.Valid([]byte(value)) {
			return "value must be valid JSON"
		}
	}
	return ""
}

func checkString(value string, rs *ruleSet) []string {
	var errs []string
	if rs.MinLength != nil && len(value) < *rs.MinLength {
		errs = append(errs, fmt.Sprintf("string length must be at least %d", *rs.MinLength))
	}
	if rs.MaxLength != nil && len(value) > *rs.MaxLength {
		errs = append(errs, fmt.Sprintf("string length must not exceed %d", *rs.MaxLength))
	}
	if rs.Pattern != "" {
		re, err := regexp.Compile(rs.Pattern)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid pattern: %s", rs.Pattern))
		} else if !re.MatchString(value) {
			errs = append(errs, fmt.Sprintf("value does not match pattern: %s", rs.Pattern))
		}
	}
	if len(rs.Enum) > 0 {
		found := false
		for _, v := range rs.Enum {
			if v == value {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("value must be one of: %v", rs.Enum))
		}
	}
	return errs
}

func checkInt(value string, rs *ruleSet) []string {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return []string{"value must be an integer"}
	}
	var errs []string
	if rs.Min != nil && float64(n) < *rs.Min {
		errs = append(errs, fmt.Sprintf("value must be at least %v", *rs.Min))
	}
	if rs.Max != nil && float64(n) > *rs.Max {
		errs = append(errs, fmt.Sprintf("value must not exceed %v", *rs.Max))
	}
	if rs.MultipleOf != nil && *rs.MultipleOf != 0 && n%*rs.MultipleOf != 0 {
		errs = append(errs, fmt.Sprintf("value must be a multiple of %d", *rs.MultipleOf))
	}
	return errs
}

func checkJSON(value string, rs *ruleSet) []string {
	var parsed interface{}
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		return []string{"invalid JSON format"}
	}
	var errs []string
	if arr, ok := parsed.([]interface{}); ok {
		if rs.MinItems != nil && len(arr) < *rs.MinItems {
			errs = append(errs, fmt.Sprintf("array must have at least %d items", *rs.MinItems))
		}
		if rs.MaxItems != nil && len(arr) > *rs.MaxItems {
			errs = append(errs, fmt.Sprintf("array must not exceed %d items", *rs.MaxItems))
		}
	}
	if obj, ok := parsed.(map[string]interface{}); ok {
		for _, field := range rs.Required {
			if _, present := obj[field]; !present {
				errs = append(errs, fmt.Sprintf("required field missing: %s", field))
			}
		}
	}
	return errs
}
