package utils

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their json names so clients can map errors to inputs
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return v
}

// ValidateStruct returns field -> messages, or nil when s is valid
func ValidateStruct(s interface{}) map[string][]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string][]string{"_": {err.Error()}}
	}

	out := make(map[string][]string)
	for _, fe := range verrs {
		field := fe.Field()
		param := fe.Param()

		var msg string
		switch fe.Tag() {
		case "required":
			msg = field + " is required"
		case "min":
			msg = field + " must be at least " + param + " characters"
		case "max":
			msg = field + " must be at most " + param + " characters"
		case "email":
			msg = field + " must be a valid email"
		case "gt":
			msg = field + " must be greater than " + param
		default:
			msg = field + " is invalid"
		}
		out[field] = append(out[field], msg)
	}
	return out
}
