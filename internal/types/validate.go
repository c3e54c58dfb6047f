package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var customValidations = map[string]validator.Func{
	"role": func(fl validator.FieldLevel) bool {
		return Role(fl.Field().String()).Valid()
	},
}

// NewValidator returns a validator that also understands the "role" tag.
// It panics if a custom tag cannot be registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidations(v, customValidations); err != nil {
		panic(err)
	}
	return v
}

func registerValidations(v *validator.Validate, fns map[string]validator.Func) error {
	for tag, fn := range fns {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %q validation: %w", tag, err)
		}
	}
	return nil
}
