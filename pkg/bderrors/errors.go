// Unified error handling for the bed distance sensor host.
//
// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package bderrors

import "fmt"

// Code represents the category of error
type Code string

const (
	// ErrHomingPrecondition is raised when an axis must be homed first
	ErrHomingPrecondition Code = "HOMING_PRECONDITION"

	// ErrSensorFault is raised on connection errors and out-of-range readings
	ErrSensorFault Code = "SENSOR_FAULT"

	// ErrTolerance is raised when sample spread exceeds the accuracy bound
	// after exhausting the retry budget
	ErrTolerance Code = "TOLERANCE"

	// ErrMounting is raised on mount-height violations during calibration
	ErrMounting Code = "MOUNTING"

	// ErrConfig is raised on invalid option values or insufficient probe points
	ErrConfig Code = "CONFIG"

	// ErrMotionAbort is raised when the toolhead moved unexpectedly during
	// an activate/deactivate script
	ErrMotionAbort Code = "MOTION_ABORT"
)

// HostError is the unified error type for the probing engine
type HostError struct {
	// Code is the error category
	Code Code

	// Message is a human-readable error description carrying the
	// offending measured value where one exists
	Message string

	// Value is the measured value that triggered the error, if any
	Value float64

	// HasValue records whether Value is meaningful
	HasValue bool

	// Err wraps the underlying error
	Err error
}

// Error implements the error interface
func (e *HostError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// New creates a new HostError
func New(code Code, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// Wrap wraps an existing error with a category and message
func Wrap(err error, code Code, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// WithValue attaches the offending measured value to the error
func (e *HostError) WithValue(v float64) *HostError {
	e.Value = v
	e.HasValue = true
	return e
}

// Is checks if the error matches the given error code
func Is(err error, code Code) bool {
	if hostErr, ok := err.(*HostError); ok {
		return hostErr.Code == code
	}
	return false
}

// MustHomeError creates a homing precondition error
func MustHomeError() *HostError {
	return New(ErrHomingPrecondition, "Must home before probe")
}

// ConnectionError creates a sensor wiring/connection fault carrying the
// calibrated distance that signalled it
func ConnectionError(distance float64) *HostError {
	return New(ErrSensorFault,
		fmt.Sprintf("Bed Distance Sensor data error:%.2f", distance)).
		WithValue(distance)
}

// OutOfRangeError creates a sensor out-of-measurable-range fault
func OutOfRangeError(distance float64) *HostError {
	return New(ErrSensorFault,
		fmt.Sprintf("Bed Distance Sensor, out of range.:%.2f", distance)).
		WithValue(distance)
}

// ToleranceError creates a tolerance-exceeded error
func ToleranceError(spread, tolerance float64) *HostError {
	return New(ErrTolerance,
		fmt.Sprintf("Probe samples exceed samples_tolerance (range=%.6f, tolerance=%.6f)",
			spread, tolerance)).
		WithValue(spread)
}

// MountingError creates a mount-height fault carrying the raw code
func MountingError(raw int, message string) *HostError {
	return New(ErrMounting, message).WithValue(float64(raw))
}

// ConfigError creates a configuration error
func ConfigError(message string) *HostError {
	return New(ErrConfig, message)
}

// MotionAbortError creates a toolhead-moved-during-script error
func MotionAbortError(script string) *HostError {
	return New(ErrMotionAbort,
		fmt.Sprintf("Toolhead moved during probe %s script", script))
}
