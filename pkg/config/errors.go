package config

import (
	"fmt"
	"strings"

	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/bderrors"
)

// ErrMissingSection reports a section that does not exist.
func ErrMissingSection(section string) error {
	return bderrors.ConfigError(fmt.Sprintf("Section '%s' not found", section))
}

// ErrMissingOption reports an option with no value and no fallback.
func ErrMissingOption(section, option string) error {
	return bderrors.ConfigError(
		fmt.Sprintf("Option '%s' in section '%s' must be specified", option, section))
}

// ErrInvalidValue reports an option that failed type conversion.
func ErrInvalidValue(section, option, value, wanted string) error {
	return bderrors.ConfigError(
		fmt.Sprintf("Unable to parse option '%s' in section '%s': '%s' is not a valid %s",
			option, section, value, wanted))
}

// ErrOutOfRange reports an option outside its validation bounds.
func ErrOutOfRange(section, option string, value float64, reason string) error {
	return bderrors.ConfigError(
		fmt.Sprintf("Option '%s' in section '%s' %s (got %g)",
			option, section, reason, value))
}

// ErrInvalidChoice reports an option not among the valid choices.
func ErrInvalidChoice(section, option, value string, choices []string) error {
	return bderrors.ConfigError(
		fmt.Sprintf("Choice '%s' for option '%s' in section '%s' is not a valid choice (valid: %s)",
			value, option, section, strings.Join(choices, ", ")))
}
