package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs struct tag validation and flattens the failures into
// a single readable error.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	var msgs []string
	for _, fe := range fieldErrs {
		field := strings.ToLower(fe.Field())
		param := fe.Param()

		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "required_with":
			msgs = append(msgs, field+" is required when "+strings.ToLower(param)+" is set")
		case "required_without":
			msgs = append(msgs, field+" is required when "+strings.ToLower(param)+" is missing")
		case "oneof":
			msgs = append(msgs, field+" must be one of: "+param)
		case "min":
			msgs = append(msgs, field+" must be at least "+param)
		case "max":
			msgs = append(msgs, field+" must be at most "+param)
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "len":
			msgs = append(msgs, field+" must be exactly "+param+" characters")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}

	return errors.New(strings.Join(msgs, ", "))
}
