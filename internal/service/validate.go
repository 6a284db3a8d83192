package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared; validator caches struct metadata per type.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("dotted_domain", func(fl validator.FieldLevel) bool {
		_, domain, ok := strings.Cut(fl.Field().String(), "@")
		if !ok {
			return false
		}
		dot := strings.LastIndexByte(domain, '.')
		return dot > 0 && dot < len(domain)-1
	})
	return v
}

// RegisterInput is the profile submitted at registration.
type RegisterInput struct {
	Email     string `json:"email" validate:"required,min=5,max=255,email,dotted_domain"`
	FirstName string `json:"fname" validate:"required,min=1,max=100"`
	LastName  string `json:"lname" validate:"required,min=1,max=100"`
	Password  string `json:"password" validate:"required,min=8,max=128"`
}

// LoginInput carries login credentials. The upper bound on the password
// keeps a single request from hashing arbitrarily large input.
type LoginInput struct {
	Email    string `json:"email" validate:"required,max=255"`
	Password string `json:"password" validate:"required,max=128"`
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeRole trims and upper-cases a role name.
func NormalizeRole(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// NormalizePermission trims and lower-cases a permission name.
func NormalizePermission(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (in *RegisterInput) normalize() {
	in.Email = NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
}

// validateStruct runs the tag rules and converts failures into a
// *ValidationError keyed by JSON field name.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: map[string]string{"_": err.Error()}}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "email", "dotted_domain":
		return "must be a valid email address"
	default:
		return "is invalid"
	}
}
