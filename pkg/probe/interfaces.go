// Collaborator interfaces for the probing engine.
//
// The engine takes typed handles to its collaborators at construction
// time; it never looks anything up at runtime.
//
// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package probe

import "github.com/CognitiveFeline/Bed-Distance-sensor/pkg/reactor"

// MotionController is the motion/toolhead collaborator. Positions are
// [x, y, z] in machine coordinates; ManualMove treats NaN entries as
// "leave this axis unchanged".
type MotionController interface {
	GetPosition() []float64
	ManualMove(coord []float64, speed float64) error
	WaitMoves() error
	Dwell(seconds float64)
	GetLastMoveTime() float64

	// PrintTime returns the end time of the motion queue's lookahead.
	PrintTime() float64
	// EstimatedPrintTime estimates elapsed machine time at eventtime.
	EstimatedPrintTime(eventtime float64) float64
	// FlushLookahead pushes queued moves into the lookahead so
	// PrintTime reflects them.
	FlushLookahead() error
	SpecialQueuingState() bool
	CanPause() bool

	// HomedAxes returns the homed axis letters, e.g. "xyz".
	HomedAxes() string
	// ProbingMove performs a homing-style move toward pos that halts on
	// the endstop trigger and returns the trigger position.
	ProbingMove(endstop HomingEndstop, pos []float64, speed float64) ([]float64, error)
	// SetZPosition forces the machine's reported Z coordinate to z
	// without motion.
	SetZPosition(z float64) error

	GetKinematics() Kinematics
}

// Kinematics exposes the machine's steppers.
type Kinematics interface {
	GetSteppers() []Stepper
}

// Stepper is one motor axis handle.
type Stepper interface {
	Name() string
	IsActiveAxis(axis byte) bool
	Enable() error
	// ForceMove steps the motor by dist at the given speed and accel,
	// outside normal kinematics.
	ForceMove(dist, speed, accel float64) error
}

// HomingEndstop is the generic MCU endstop primitive the virtual endstop
// wraps for trigger dispatch during homing moves.
type HomingEndstop interface {
	HomeStart(printTime, sampleTime float64, sampleCount int, restTime float64, triggered bool) *reactor.Completion
	HomeWait(homeEndTime float64) (float64, error)
	AddStepper(s Stepper)
	GetSteppers() []Stepper
}

// TimingControl adjusts the controller's probe polling interval register.
// Optional; a nil TimingControl is ignored.
type TimingControl interface {
	SetRestTicks(ticks int) error
}

// Responder is the command-response text surface.
type Responder interface {
	RespondInfo(msg string)
	RespondRaw(msg string)
}

// StatusSink is an optional display surface for the last calibrated
// distance or error string.
type StatusSink interface {
	Message(msg string)
}
