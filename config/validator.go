package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate runs the struct tag rules. Rules that span sections live in
// crossSectionErrors, where the tags cannot express them.
var validate = validator.New()

// ConfigError reports one invalid field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid field so operators see all
// problems in one run instead of fixing them one restart at a time.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails checks cfg against the tag rules and the
// cross-section rules, returning every violation.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range validationErrors {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}

	details = append(details, crossSectionErrors(cfg)...)
	if len(details) > 0 {
		return details
	}
	return nil
}

// crossSectionErrors enforces rules between config sections.
func crossSectionErrors(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if cfg.Storage.Type == "badger" && cfg.Storage.Badger.Path == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Storage.Badger.Path",
			Message: "path is required when storage type is badger",
			Value:   "",
		})
	}

	if cfg.Redis.Enabled && cfg.Redis.Address == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Redis.Address",
			Message: "address is required when redis is enabled",
			Value:   "",
		})
	}

	if cfg.Outbox.BackoffBase > cfg.Outbox.BackoffMax && cfg.Outbox.BackoffMax > 0 {
		errs = append(errs, ConfigError{
			Field:   "Config.Outbox.BackoffBase",
			Message: fmt.Sprintf("must not exceed backoff_max (%s)", cfg.Outbox.BackoffMax),
			Value:   cfg.Outbox.BackoffBase,
		})
	}

	if cfg.Engine.DegradedThreshold > cfg.Engine.UnhealthyThreshold && cfg.Engine.UnhealthyThreshold > 0 {
		errs = append(errs, ConfigError{
			Field:   "Config.Engine.DegradedThreshold",
			Message: fmt.Sprintf("must not exceed unhealthy_threshold (%s)", cfg.Engine.UnhealthyThreshold),
			Value:   cfg.Engine.DegradedThreshold,
		})
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Tracing.Endpoint",
			Message: "endpoint is required when tracing is enabled",
			Value:   "",
		})
	}

	return errs
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
