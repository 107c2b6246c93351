package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance.
var validate = validator.New()

// Validate checks struct tags, then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if cfg.StrayGracePeriod != "" {
		d, err := time.ParseDuration(cfg.StrayGracePeriod)
		if err != nil {
			return fmt.Errorf("stray_grace_period: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("stray_grace_period: must not be negative")
		}
	}

	seen := make(map[string]bool)
	for i, mt := range cfg.AllowedMimeTypes {
		if seen[mt] {
			return fmt.Errorf("allowed_mime_types[%d]: duplicate %q", i, mt)
		}
		seen[mt] = true
	}

	return nil
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
