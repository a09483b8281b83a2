package api

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"notifier/internal/types"
)

// identifierPattern bounds tenant and business identifiers used in paths
// and cache keys.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator with the identifier tag and JSON
// field names in reported errors.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the custom tags registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	return &Validator{validate: v}
}

// ValidateStruct checks s against its validate tags. A missing required
// field is reported as validation_missing_required_field; any other failure
// uses invalid. The per-field errors go in the validation_errors detail.
func (v *Validator) ValidateStruct(s any, invalid types.ErrorCode) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewAppError(invalid, "request failed validation", err)
	}

	details := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: describe(fe),
		})
	}

	code := invalid
	if fieldErrs[0].Tag() == "required" {
		code = types.ErrCodeValidationMissingField
	}
	return types.NewAppErrorWithDetails(code, details[0].Message, nil,
		map[string]any{"validation_errors": details})
}

// ValidateIdentifier checks a path identifier such as a tenant, reporting
// a malformed value with code.
func (v *Validator) ValidateIdentifier(name, value string, code types.ErrorCode) error {
	if value == "" {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			name+" is required", nil, map[string]any{"field": name})
	}
	if err := v.validate.Var(value, "identifier"); err != nil {
		return types.NewAppErrorWithDetails(code,
			name+" must be 1-64 letters, digits, '.', '_' or '-'", nil, map[string]any{"field": name})
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "identifier":
		return fe.Field() + " must be 1-64 letters, digits, '.', '_' or '-'"
	default:
		return fe.Field() + " failed the " + fe.Tag() + " check"
	}
}
