package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"

	"hydroflow/internal/thresholds"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("resolution_table", validateResolutionTable)
		_ = validate.RegisterValidation("glob", validateGlob)
	})
	return validate
}

// validateResolutionTable accepts threshold tables whose fixed values and
// every resolution and threshold are positive.
func validateResolutionTable(fl validator.FieldLevel) bool {
	tables, ok := fl.Field().Interface().(map[string]thresholds.Table)
	if !ok {
		return false
	}
	for _, t := range tables {
		if t.Fixed != nil && *t.Fixed <= 0 {
			return false
		}
		for res, v := range t.ByResolution {
			if res <= 0 || v <= 0 {
				return false
			}
		}
	}
	return true
}

func validateGlob(fl validator.FieldLevel) bool {
	return doublestar.ValidatePattern(fl.Field().String())
}

// Validate checks the struct tags and reports every violation.
func (c *Config) Validate() error {
	err := validatorInstance().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fieldError(fe))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "resolution_table":
		return fmt.Errorf("%s: thresholds and resolutions must be positive", field)
	case "glob":
		return fmt.Errorf("%s: invalid glob pattern %q", field, fe.Value())
	default:
		if fe.Param() != "" {
			return fmt.Errorf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("%s failed %s (got %v)", field, fe.Tag(), fe.Value())
	}
}
