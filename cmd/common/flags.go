package common

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// CommonFlags contains flags that are shared across the gatekeeper commands
type CommonFlags struct {
	ConfigFile *string
	EnvFile    *string
	Version    *bool
}

// RegisterCommonFlags registers common flags on fs, or the default flag set when fs is nil
func RegisterCommonFlags(fs *flag.FlagSet) *CommonFlags {
	if fs == nil {
		fs = flag.CommandLine
	}
	return &CommonFlags{
		ConfigFile: fs.String("config", "configs/gatekeeper.yaml", "Gatekeeper YAML config path"),
		EnvFile:    fs.String("env", ".env", "Environment file path"),
		Version:    fs.Bool("version", false, "Show version information"),
	}
}

// FlagValidator provides flag validation utilities
type FlagValidator struct {
	errors []string
}

// NewFlagValidator creates a new flag validator
func NewFlagValidator() *FlagValidator {
	return &FlagValidator{
		errors: make([]string, 0),
	}
}

// ValidateInt validates an int flag value
func (v *FlagValidator) ValidateInt(name string, value int, min, max int) *FlagValidator {
	if value < min || value > max {
		v.errors = append(v.errors, fmt.Sprintf("%s must be between %d and %d, got: %d", name, min, max, value))
	}
	return v
}

// ValidateChoice validates that a string is one of the allowed choices
func (v *FlagValidator) ValidateChoice(name, value string, choices []string) *FlagValidator {
	for _, choice := range choices {
		if value == choice {
			return v
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of [%s], got: %s", name, strings.Join(choices, ", "), value))
	return v
}

// ValidateRequired validates that a string flag is set
func (v *FlagValidator) ValidateRequired(name, value string) *FlagValidator {
	if strings.TrimSpace(value) == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", name))
	}
	return v
}

// ValidateFile validates that a file exists
func (v *FlagValidator) ValidateFile(name, path string, required bool) *FlagValidator {
	if path == "" {
		if required {
			v.errors = append(v.errors, fmt.Sprintf("%s is required", name))
		}
		return v
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		v.errors = append(v.errors, fmt.Sprintf("%s file does not exist: %s", name, path))
	}
	return v
}

// AddError adds a custom validation error
func (v *FlagValidator) AddError(message string) *FlagValidator {
	v.errors = append(v.errors, message)
	return v
}

// HasErrors returns true if there are validation errors
func (v *FlagValidator) HasErrors() bool {
	return len(v.errors) > 0
}

// GetError returns a formatted error message with all validation errors
func (v *FlagValidator) GetError() error {
	if len(v.errors) == 0 {
		return nil
	}

	if len(v.errors) == 1 {
		return fmt.Errorf("validation error: %s", v.errors[0])
	}

	return fmt.Errorf("validation errors:\n  - %s", strings.Join(v.errors, "\n  - "))
}
