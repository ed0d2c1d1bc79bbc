// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sensor

import "fmt"

// Status classifies a calibrated sensor reading.
type Status int

const (
	// StatusValid is an ordinary in-range distance.
	StatusValid Status = iota

	// StatusConnectionError means the sensor returned its wiring-error
	// sentinel; the value is not a distance.
	StatusConnectionError

	// StatusOutOfRange means the target is beyond the measurable band.
	StatusOutOfRange
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusConnectionError:
		return "connection_error"
	case StatusOutOfRange:
		return "out_of_range"
	default:
		return "unknown"
	}
}

// Reading is one calibrated sensor measurement. Immutable once produced;
// always freshly read, never cached across probe attempts.
type Reading struct {
	// Raw is the integer code returned by the protocol.
	Raw int

	// Distance is the calibrated value in millimeters (Raw / 100).
	Distance float64

	// Status classifies the reading.
	Status Status
}

// Decode calibrates a raw code into a Reading.
func Decode(raw int) Reading {
	dist := float64(raw) / rawScale
	status := StatusValid
	if dist >= DistConnectionErr {
		status = StatusConnectionError
	} else if dist > DistOutOfRange {
		status = StatusOutOfRange
	}
	return Reading{Raw: raw, Distance: dist, Status: status}
}

// DisplayString renders the reading for a status/telemetry sink.
func (r Reading) DisplayString() string {
	switch r.Status {
	case StatusConnectionError:
		return "BDsensor:Connection Error"
	case StatusOutOfRange:
		return "BDsensor:Out of measure Range"
	default:
		return fmt.Sprintf("%.2fmm", r.Distance)
	}
}
