package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator wraps go-playground/validator/v10 with the struct-tag
// validation already declared on Config's fields, plus the few
// cross-field checks tags can't express.
type Validator struct {
	v *validator.Validate
}

// NewValidator builds a Validator with a fresh validator.Validate
// instance, the same way the teacher constructs one per validation run.
func NewValidator() *Validator {
	return &Validator{v: validator.New()}
}

// ValidateAll runs struct-tag validation over the whole config tree and
// the cross-field checks that depend on more than one field.
func (vd *Validator) ValidateAll(cfg *Config) error {
	if err := vd.v.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	if cfg.Investigator.Backend == "remote_http" && cfg.Investigator.RemoteBackendURL == "" {
		return NewValidationError("investigator", "backend", "remote_backend_url",
			fmt.Errorf("%w: remote_backend_url required when backend is remote_http", ErrMissingRequiredField))
	}

	if cfg.Investigator.EmergencyTimeout > cfg.Investigator.NormalTimeout {
		return NewValidationError("investigator", "timeouts", "emergency_timeout",
			fmt.Errorf("%w: emergency_timeout must not exceed normal_timeout", ErrInvalidValue))
	}

	if cfg.Regulator.BaselineDelay > cfg.Regulator.MaxDelay {
		return NewValidationError("regulator", "delay", "baseline_delay",
			fmt.Errorf("%w: baseline_delay must not exceed max_delay", ErrInvalidValue))
	}

	return nil
}
