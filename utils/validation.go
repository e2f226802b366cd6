package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateStruct validates a struct using go-playground/validator
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return NewValidationError(validationErrors)
		}
		return err
	}
	return nil
}

// ValidationError wraps validation errors with structured details
type ValidationError struct {
	Message string
	Fields  map[string]string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a ValidationError from validator.ValidationErrors
func NewValidationError(errs validator.ValidationErrors) *ValidationError {
	fields := make(map[string]string)
	for _, err := range errs {
		tag := err.Tag()
		key := fieldKey(err)

		switch tag {
		case "required":
			fields[key] = fmt.Sprintf("%s is required", key)
		case "min":
			fields[key] = fmt.Sprintf("%s must be at least %s", key, err.Param())
		case "max":
			fields[key] = fmt.Sprintf("%s must be at most %s", key, err.Param())
		case "gt":
			fields[key] = fmt.Sprintf("%s must be greater than %s", key, err.Param())
		case "gte":
			fields[key] = fmt.Sprintf("%s must be greater than or equal to %s", key, err.Param())
		case "lt":
			fields[key] = fmt.Sprintf("%s must be less than %s", key, err.Param())
		case "lte":
			fields[key] = fmt.Sprintf("%s must be less than or equal to %s", key, err.Param())
		case "oneof":
			fields[key] = fmt.Sprintf("%s must be one of: %s", key, err.Param())
		default:
			fields[key] = fmt.Sprintf("%s validation failed on '%s' tag", key, tag)
		}
	}

	return &ValidationError{
		Message: "Validation failed",
		Fields:  fields,
	}
}

// fieldKey is the namespace without the root struct, e.g. Messages[2].Role,
// so errors on repeated nested fields do not overwrite each other
func fieldKey(err validator.FieldError) string {
	ns := err.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return err.Field()
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// GetValidationFields extracts field errors from a ValidationError
func GetValidationFields(err error) map[string]string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Fields
	}
	return nil
}
