// Sensor diagnostic and calibration sequences.
//
// These are the maintenance commands behind the numeric selectors of
// the M102 gcode: full-range calibration sweep, calibration data dump
// with mount-height checks, firmware version read, forced distance
// read and sensor reboot.
//
// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package diag

import (
	"strconv"

	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/bderrors"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/log"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/probe"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/sensor"
)

// Selector values accepted by Run. They mirror the S argument of the
// M102 maintenance gcode.
const (
	SelCalibrate    = -6
	SelDumpRawData  = -5
	SelReadVersion  = -1
	SelReadDistance = -2
	SelReboot       = -8
)

// Calibration sweep geometry. The bed starts at the zero position and
// the Z axis is raised in fixed steps until the full measurable band
// is covered.
const (
	calibrateSteps    = 40
	calibrateStepDist = 0.1
	calibrateSpeed    = 5.0
	calibrateAccel    = 1000.0
)

// Motion is the subset of toolhead control the sequences need.
type Motion interface {
	Dwell(seconds float64)
	WaitMoves() error
	GetKinematics() probe.Kinematics
}

// Sequencer runs the diagnostic sequences against one sensor.
type Sequencer struct {
	channel   *sensor.Channel
	motion    Motion
	responder probe.Responder
	logger    *log.Logger
}

// NewSequencer creates a diagnostic sequencer.
func NewSequencer(channel *sensor.Channel, motion Motion, responder probe.Responder, logger *log.Logger) *Sequencer {
	if logger == nil {
		logger = log.Default().WithPrefix("diag")
	}
	return &Sequencer{
		channel:   channel,
		motion:    motion,
		responder: responder,
		logger:    logger,
	}
}

// Run executes the sequence for the given selector. Unknown selectors
// are ignored. Whatever mode the sensor was left in, reading is
// finished afterwards so distance polling can resume.
func (s *Sequencer) Run(selector int) error {
	var err error
	switch selector {
	case SelCalibrate:
		err = s.calibrate()
	case SelDumpRawData:
		err = s.dumpRawData()
	case SelReadVersion:
		err = s.readVersion()
	case SelReadDistance:
		err = s.readDistance()
	case SelReboot:
		err = s.channel.SendReboot()
	default:
		return nil
	}

	// Always return the sensor to normal mode, even on a failed
	// sequence. The command is repeated; the bus is slow and the
	// firmware tolerates duplicates.
	if ferr := s.channel.SendFinish(); ferr != nil && err == nil {
		err = ferr
	}
	if ferr := s.channel.SendFinish(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// calibrate sweeps the Z axis from the zero position upward in 0.1mm
// steps, letting the sensor record one calibration entry per step.
func (s *Sequencer) calibrate() error {
	s.responder.RespondInfo("Calibrating from 0.0mm to 3.9mm, don't power off the printer")
	if err := s.channel.SendStartCalibrate(); err != nil {
		return err
	}
	if err := s.channel.SendStartCalibrate(); err != nil {
		return err
	}

	kin := s.motion.GetKinematics()
	for _, stepper := range kin.GetSteppers() {
		if err := stepper.Enable(); err != nil {
			return err
		}
		if err := s.motion.WaitMoves(); err != nil {
			return err
		}
	}

	s.responder.RespondInfo("Please Waiting... ")
	s.motion.Dwell(0.8)

	for ncount := 0; ncount < calibrateSteps; ncount++ {
		// The step index is repeated; the sensor latches the last
		// consistent value.
		idx := strconv.Itoa(ncount)
		for i := 0; i < 4; i++ {
			if err := s.channel.SendCalibrateIndex(idx); err != nil {
				return err
			}
		}
		s.motion.Dwell(0.2)
		for _, stepper := range kin.GetSteppers() {
			if !stepper.IsActiveAxis('z') {
				continue
			}
			if err := stepper.ForceMove(calibrateStepDist, calibrateSpeed, calibrateAccel); err != nil {
				return err
			}
		}
		if err := s.motion.WaitMoves(); err != nil {
			return err
		}
		s.motion.Dwell(0.2)
	}

	if err := s.channel.SendEndCalibrate(); err != nil {
		return err
	}
	s.motion.Dwell(1)
	s.responder.RespondInfo("Calibrate Finished!")
	s.responder.RespondInfo("You can send M102 S-5 to check the calibration data")
	return nil
}

// dumpRawData streams the stored calibration entries and checks the
// first few against the mount-height limits.
func (s *Sequencer) dumpRawData() error {
	if err := s.channel.SendReadCalibration(); err != nil {
		return err
	}
	if err := s.channel.SendReadCalibration(); err != nil {
		return err
	}
	for ncount := 0; ncount < 40; ncount++ {
		raw, err := s.channel.QueryCalibrationByte()
		if err != nil {
			return err
		}
		s.responder.RespondRaw(strconv.Itoa(raw))
		if ncount <= 3 && raw > sensor.RawMountHighBand {
			if raw >= sensor.RawMountTooHigh {
				msg := "BDSensor mounted too close or too high!  0.4mm to 2.4mm from BED at zero position is recommended"
				s.responder.RespondRaw(msg)
				return bderrors.MountingError(raw, msg)
			}
			s.responder.RespondRaw("BDSensor mounted too high!  0.4mm to 2.4mm from BED at zero position is recommended")
			return nil
		}
		if raw < sensor.RawMountTooClose {
			s.responder.RespondRaw("BDSensor mounted too close! please mount the BDsensor 0.2~0.4mm higher")
			return nil
		}
		s.motion.Dwell(0.1)
	}
	return nil
}

// readVersion reads the 20-byte firmware version string. Bytes are
// clamped to printable ASCII so a flaky bus cannot corrupt the console.
func (s *Sequencer) readVersion() error {
	if err := s.channel.SendReadVersion(); err != nil {
		return err
	}
	if err := s.channel.SendReadVersion(); err != nil {
		return err
	}
	version := make([]byte, 0, 20)
	for i := 0; i < 20; i++ {
		raw, err := s.channel.QueryCalibrationByte()
		if err != nil {
			return err
		}
		if raw > 0x7F {
			raw = 0x7F
		}
		if raw < 0x20 {
			raw = 0x20
		}
		version = append(version, byte(raw))
		s.motion.Dwell(0.1)
	}
	if err := s.channel.SendFinish(); err != nil {
		return err
	}
	s.responder.RespondRaw(string(version))
	return nil
}

// readDistance forces a fresh conversion and reports the distance, or
// the error state, as display text.
func (s *Sequencer) readDistance() error {
	r, err := s.channel.Read(sensor.ReadForced)
	if err != nil {
		return err
	}
	s.responder.RespondRaw(r.DisplayString())
	s.logger.Debugf("forced read: raw=%d distance=%.2f status=%s", r.Raw, r.Distance, r.Status)
	return nil
}
