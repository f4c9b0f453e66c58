// Package validation checks request payloads against struct tags and reports
// failures as field-level errors.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/pxm/model"
)

// Field error codes.
const (
	CodeRequired      = "REQUIRED"
	CodeInvalidFormat = "INVALID_FORMAT"
	CodeTooShort      = "TOO_SHORT"
	CodeTooLong       = "TOO_LONG"
	CodeInvalid       = "INVALID"
)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonFieldName)
	})
	return validate
}

// jsonFieldName reports fields by their JSON name so details match the
// request body the client sent.
func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

// Fields validates v and returns one FieldError per failed constraint, or
// nil when v is valid.
func Fields(v any) []model.FieldError {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []model.FieldError{{Field: "", Code: CodeInvalid, Message: err.Error()}}
	}

	out := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, toFieldError(fe))
	}
	return out
}

// Struct validates v and returns a VALIDATION_ERROR envelope, or nil.
func Struct(v any) error {
	if details := Fields(v); len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func toFieldError(fe validator.FieldError) model.FieldError {
	field := fe.Namespace()
	// Drop the top-level struct name.
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required", "required_without", "required_with":
		return model.FieldError{Field: field, Code: CodeRequired, Message: fmt.Sprintf("%s is required", field)}
	case "email":
		return model.FieldError{Field: field, Code: CodeInvalidFormat, Message: "must be a valid email address"}
	case "min":
		return model.FieldError{Field: field, Code: CodeTooShort, Message: fmt.Sprintf("must be at least %s characters", fe.Param())}
	case "max":
		return model.FieldError{Field: field, Code: CodeTooLong, Message: fmt.Sprintf("must be at most %s characters", fe.Param())}
	case "oneof":
		return model.FieldError{Field: field, Code: CodeInvalid, Message: fmt.Sprintf("must be one of [%s]", fe.Param())}
	default:
		return model.FieldError{Field: field, Code: CodeInvalid, Message: fmt.Sprintf("failed %q validation", fe.Tag())}
	}
}
