// Sensor channel for the bed distance sensor.
//
// The sensor hangs off a slow virtual two-wire bus on the machine's
// controller. Requests and responses are small integer codes; this
// package owns the request/response round trips, the retry on malformed
// reads, and the calibration of raw codes to distances.
//
// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sensor

import (
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/bderrors"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/log"
)

// Transport is the queued command channel to the sensor's controller.
// Send is fire-and-forget; Query is a blocking round trip returning the
// sensor's integer response code.
type Transport interface {
	Send(data string) error
	Query(data string) (int, error)
}

// Mode-switching commands understood by the sensor firmware. The numeric
// strings are part of the wire protocol and must not change.
const (
	cmdFinishReading   = "1018"
	cmdStartCalibrate  = "1019"
	cmdReadCalibration = "1017"
	cmdReadVersion     = "1016"
	cmdEndCalibrate    = "1021"
	cmdReboot          = "1022"

	queryDistance    = "32"
	queryCalibration = "3"
)

// Protocol thresholds. Raw codes scale to millimeters at raw/100.
const (
	// rawRetryThreshold marks a stale or garbage echo; one extra query
	// is issued before the value is accepted.
	rawRetryThreshold = 1024

	rawScale = 100.0

	// DistConnectionErr is the calibrated distance that signals a
	// wiring/connection error.
	DistConnectionErr = 10.24

	// DistOutOfRange is the upper bound of the measurable band; values
	// above it (and below DistConnectionErr) mean the target is out of
	// range.
	DistOutOfRange = 3.8

	// Mount-height diagnostic thresholds on raw calibration codes.
	RawMountTooHigh  = 1015
	RawMountHighBand = 550
	RawMountTooClose = 45
)

// ReadMode selects how Read treats error statuses.
type ReadMode int

const (
	// ReadDefault fails on both connection errors and out-of-range
	// readings. Used by mechanical probe attempts.
	ReadDefault ReadMode = iota

	// ReadForced first commands a fresh conversion and accepts any
	// status. Used by the continuous scan loop and diagnostics.
	ReadForced

	// ReadHoming commands a fresh conversion and fails only on
	// connection errors; an out-of-range reading during a homing
	// approach simply means "not there yet".
	ReadHoming
)

// Channel owns the request/response protocol to one sensor.
type Channel struct {
	tr     Transport
	logger *log.Logger
}

// NewChannel creates a sensor channel over the given transport.
func NewChannel(tr Transport, logger *log.Logger) *Channel {
	if logger == nil {
		logger = log.Default().WithPrefix("sensor")
	}
	return &Channel{tr: tr, logger: logger}
}

// QueryRaw performs one distance round trip. A raw code at or above the
// retry threshold is re-queried exactly once; the second value is
// accepted as-is.
func (c *Channel) QueryRaw() (int, error) {
	raw, err := c.tr.Query(queryDistance)
	if err != nil {
		return 0, err
	}
	if raw >= rawRetryThreshold {
		raw, err = c.tr.Query(queryDistance)
		if err != nil {
			return 0, err
		}
	}
	return raw, nil
}

// Read performs a distance read in the given mode and converts error
// statuses to faults per the mode's policy. Forced and homing modes
// first command a fresh conversion; default mode reads whatever the
// sensor last converted.
func (c *Channel) Read(mode ReadMode) (Reading, error) {
	if mode == ReadForced || mode == ReadHoming {
		if err := c.tr.Send(cmdFinishReading); err != nil {
			return Reading{}, err
		}
	}
	raw, err := c.QueryRaw()
	if err != nil {
		return Reading{}, err
	}
	r := Decode(raw)

	switch mode {
	case ReadDefault:
		if r.Status == StatusConnectionError {
			c.logger.Errorf("sensor data error: %.2f", r.Distance)
			return r, bderrors.ConnectionError(r.Distance)
		}
		if r.Status == StatusOutOfRange {
			c.logger.Warnf("sensor out of range: %.2f", r.Distance)
			return r, bderrors.OutOfRangeError(r.Distance)
		}
	case ReadHoming:
		if r.Status == StatusConnectionError {
			c.logger.Errorf("sensor data error: %.2f", r.Distance)
			return r, bderrors.ConnectionError(r.Distance)
		}
	}
	return r, nil
}

// SendFinish notifies the sensor that reading is done.
func (c *Channel) SendFinish() error {
	return c.tr.Send(cmdFinishReading)
}

// SendStartCalibrate switches the sensor into calibration mode.
func (c *Channel) SendStartCalibrate() error {
	return c.tr.Send(cmdStartCalibrate)
}

// SendEndCalibrate commits calibration data on the sensor.
func (c *Channel) SendEndCalibrate() error {
	return c.tr.Send(cmdEndCalibrate)
}

// SendReadCalibration switches the sensor into raw calibration dump mode.
func (c *Channel) SendReadCalibration() error {
	return c.tr.Send(cmdReadCalibration)
}

// SendReadVersion switches the sensor into firmware version read mode.
func (c *Channel) SendReadVersion() error {
	return c.tr.Send(cmdReadVersion)
}

// SendReboot reboots the sensor. Fire-and-forget.
func (c *Channel) SendReboot() error {
	return c.tr.Send(cmdReboot)
}

// SendCalibrateIndex notifies the sensor of the current calibration step.
func (c *Channel) SendCalibrateIndex(index string) error {
	return c.tr.Send(index)
}

// QueryCalibrationByte reads one raw calibration/diagnostic byte.
func (c *Channel) QueryCalibrationByte() (int, error) {
	return c.tr.Query(queryCalibration)
}
