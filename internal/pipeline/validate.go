package pipeline

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/albapepper/hush/internal/outcome"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names so callers see the field they sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check validates v and converts the first failure into an
// outcome.ValidationError. Values are never echoed back; they may be
// message text.
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &outcome.ValidationError{Msg: "malformed request"}
	}
	fe := verrs[0]
	return &outcome.ValidationError{Field: fe.Field(), Msg: ruleMessage(fe)}
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "exceeds maximum of " + fe.Param()
	case "min", "gte":
		return "below minimum of " + fe.Param()
	case "lte":
		return "above maximum of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// blank rejects whitespace-only text, which "required" lets through.
func blank(field, s string) error {
	if strings.TrimSpace(s) == "" {
		return &outcome.ValidationError{Field: field, Msg: "is required"}
	}
	return nil
}
