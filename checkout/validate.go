package checkout

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"storefront/models"
)

const maxIdempotencyKey = 128

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateAddress expects a normalized address and reports the first field
// that fails, in declaration order.
func validateAddress(v *validator.Validate, addr models.Address) error {
	err := v.Struct(addr)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "address", Reason: err.Error()}
	}
	fe := fieldErrs[0]
	reason := "is invalid"
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "email":
		reason = "must be a valid email address"
	}
	return &ValidationError{Field: fe.Field(), Reason: reason}
}

func validateIdempotencyKey(key string) error {
	if len(key) > maxIdempotencyKey {
		return &ValidationError{Field: "Idempotency-Key", Reason: "must be at most 128 characters"}
	}
	return nil
}
