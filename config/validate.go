package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks structural constraints on the configuration. A limiter
// ceiling above the pool size is allowed; the store's deadlock watchdog
// reports it at runtime if it actually bites.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			return newValidationError(fieldErrors)
		}
		return err
	}
	return nil
}

// ValidationError aggregates per-field configuration failures.
type ValidationError struct {
	Fields []FieldError
}

// FieldError describes one invalid configuration field.
type FieldError struct {
	Field   string
	Message string
}

func newValidationError(errs validator.ValidationErrors) *ValidationError {
	fields := make([]FieldError, 0, len(errs))
	for _, fe := range errs {
		fields = append(fields, FieldError{
			Field:   strings.ToLower(fe.Namespace()),
			Message: fieldMessage(fe),
		})
	}
	return &ValidationError{Fields: fields}
}

func (ve *ValidationError) Error() string {
	if len(ve.Fields) == 1 {
		return fmt.Sprintf("config validation failed: %s: %s", ve.Fields[0].Field, ve.Fields[0].Message)
	}
	return fmt.Sprintf("config validation failed: %d invalid fields", len(ve.Fields))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gtefield":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
