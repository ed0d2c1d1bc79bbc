// Virtual Z endstop backed by the bed distance sensor.
//
// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package probe

import (
	"fmt"
	"sync"

	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/bderrors"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/config"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/log"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/reactor"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/sensor"
)

// EndstopState is the binary trigger state consumed by a homing state
// machine. No history is kept; it is recomputed on every query.
type EndstopState int

const (
	StateOpen EndstopState = iota
	StateTriggered
)

func (s EndstopState) String() string {
	if s == StateTriggered {
		return "TRIGGERED"
	}
	return "open"
}

// MultiState tracks the multi-probe batch lifecycle.
type MultiState int

const (
	MultiOff MultiState = iota
	MultiFirst
	MultiOn
)

// endstopRestTime is the polling rest interval ceiling while homing
// against the sensor.
const endstopRestTime = 0.001

// rest-tick register values while a probing move is active / finished.
const (
	restTicksProbing  = 5
	restTicksFinished = 100
)

// EndstopDeps are the injected collaborators for an Endstop.
type EndstopDeps struct {
	Channel    *sensor.Channel
	MCUEndstop HomingEndstop
	Motion     MotionController
	Timing     TimingControl // optional
	Reactor    *reactor.Reactor
	Responder  Responder
	Status     StatusSink // optional
	Logger     *log.Logger

	// Activate and Deactivate are the probe deploy/stow hooks. Either
	// may be nil.
	Activate   func() error
	Deactivate func() error
}

// Endstop turns polled sensor distances into a virtual endstop and owns
// the multi-probe session state.
type Endstop struct {
	channel    *sensor.Channel
	mcuEndstop HomingEndstop
	motion     MotionController
	timing     TimingControl
	reactor    *reactor.Reactor
	responder  Responder
	status     StatusSink
	logger     *log.Logger
	activate   func() error
	deactivate func() error

	positionEndstop  float64
	stowOnEachSample bool
	noStopProbe      bool

	multi       MultiState
	homing      bool
	lastReading sensor.Reading

	finishHome  *reactor.Completion
	waitTrigger *reactor.Completion

	mu        sync.Mutex
	homingErr error
}

// NewEndstop creates the virtual endstop from its config section.
// position_endstop must satisfy 0 <= value < 2.5 mm.
func NewEndstop(sec *config.Section, deps EndstopDeps) (*Endstop, error) {
	minPos, belowPos := 0.0, 2.5
	positionEndstop, err := sec.GetFloatWithBounds("position_endstop",
		config.FloatBounds{MinVal: &minPos, Below: &belowPos}, 0.0)
	if err != nil {
		return nil, err
	}
	stow, err := sec.GetBool("deactivate_on_each_sample", true)
	if err != nil {
		return nil, err
	}
	// Non-stop reading is a capability flag resolved here, not probed
	// for at runtime.
	noStop, err := sec.GetBool("no_stop_probe", false)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("bdsensor")
	}
	return &Endstop{
		channel:          deps.Channel,
		mcuEndstop:       deps.MCUEndstop,
		motion:           deps.Motion,
		timing:           deps.Timing,
		reactor:          deps.Reactor,
		responder:        deps.Responder,
		status:           deps.Status,
		logger:           logger,
		activate:         deps.Activate,
		deactivate:       deps.Deactivate,
		positionEndstop:  positionEndstop,
		stowOnEachSample: stow,
		noStopProbe:      noStop,
		multi:            MultiOff,
	}, nil
}

// Channel returns the sensor channel.
func (e *Endstop) Channel() *sensor.Channel {
	return e.channel
}

// PositionEndstop returns the configured trigger threshold.
func (e *Endstop) PositionEndstop() float64 {
	return e.positionEndstop
}

// NoStopCapable reports whether the sensor supports non-stop reading
// for continuous scanning.
func (e *Endstop) NoStopCapable() bool {
	return e.noStopProbe
}

// LastReading returns the most recent sensor reading taken by this
// endstop.
func (e *Endstop) LastReading() sensor.Reading {
	return e.lastReading
}

// MultiState returns the current batch state.
func (e *Endstop) MultiState() MultiState {
	return e.multi
}

func (e *Endstop) readSensor(mode sensor.ReadMode) (sensor.Reading, error) {
	r, err := e.channel.Read(mode)
	if err != nil {
		return r, err
	}
	e.lastReading = r
	if e.status != nil {
		e.status.Message(r.DisplayString())
	}
	return r, nil
}

// QueryEndstop reads the sensor once and derives the trigger state.
// A connection error is fatal; homing must never mistake it for a state.
func (e *Endstop) QueryEndstop() (EndstopState, error) {
	r, err := e.readSensor(sensor.ReadHoming)
	if err != nil {
		return StateOpen, err
	}
	if r.Distance > e.positionEndstop {
		return StateOpen, nil
	}
	return StateTriggered, nil
}

// HomeStart begins a homing watch. The rest interval is clamped to the
// sensor's polling ceiling, the wrapped MCU endstop starts its blocking
// watch, and the trigger-wait callback is scheduled.
func (e *Endstop) HomeStart(printTime, sampleTime float64, sampleCount int, restTime float64, triggered bool) *reactor.Completion {
	e.homing = true
	if restTime > endstopRestTime {
		restTime = endstopRestTime
	}
	e.finishHome = e.mcuEndstop.HomeStart(printTime, sampleTime, sampleCount, restTime, triggered)
	e.waitTrigger = e.reactor.RegisterCallback(e.waitForTrigger, reactor.NOW)
	return e.finishHome
}

// HomeWait waits for the homing move to finish. A sensor fault recorded
// by the trigger watch fails the move even when the MCU wait succeeds.
func (e *Endstop) HomeWait(homeEndTime float64) (float64, error) {
	trigTime, err := e.mcuEndstop.HomeWait(homeEndTime)
	if err != nil {
		return trigTime, err
	}
	return trigTime, e.takeHomingErr()
}

func (e *Endstop) setHomingErr(err error) {
	e.mu.Lock()
	e.homingErr = err
	e.mu.Unlock()
}

func (e *Endstop) takeHomingErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.homingErr
	e.homingErr = nil
	return err
}

// AddStepper registers a stepper with the wrapped endstop.
func (e *Endstop) AddStepper(s Stepper) {
	e.mcuEndstop.AddStepper(s)
}

// GetSteppers returns the steppers registered with the wrapped endstop.
func (e *Endstop) GetSteppers() []Stepper {
	return e.mcuEndstop.GetSteppers()
}

func (e *Endstop) waitForTrigger(eventtime float64) interface{} {
	if _, err := e.readSensor(sensor.ReadHoming); err != nil {
		// Abort the homing wait; the fault is re-raised from HomeWait.
		e.logger.Errorf("trigger wait read failed: %v", err)
		e.setHomingErr(err)
		e.finishHome.Complete(err)
		return nil
	}
	if e.timing != nil {
		if err := e.timing.SetRestTicks(restTicksProbing); err != nil {
			e.logger.Errorf("set rest ticks failed: %v", err)
		}
	}
	e.finishHome.WaitUntil(reactor.NEVER, nil)
	if e.multi == MultiOff {
		if err := e.raiseProbe(); err != nil {
			e.logger.Errorf("raise probe failed: %v", err)
		}
	}
	return nil
}

// ProbePrepare brackets the start of one discrete probing move. The
// probe is lowered only when entering a batch's first point or when not
// batched.
func (e *Endstop) ProbePrepare() error {
	if e.multi == MultiOff || e.multi == MultiFirst {
		if err := e.lowerProbe(); err != nil {
			return err
		}
		if e.multi == MultiFirst {
			e.multi = MultiOn
		}
	}
	return nil
}

// ProbeFinish brackets the end of one discrete probing move.
func (e *Endstop) ProbeFinish() error {
	if err := e.channel.SendFinish(); err != nil {
		return err
	}
	if e.multi == MultiOff {
		if err := e.raiseProbe(); err != nil {
			return err
		}
	}
	if e.timing != nil {
		return e.timing.SetRestTicks(restTicksFinished)
	}
	return nil
}

// MultiProbeBegin opens a batch. When the configuration stows the probe
// on every sample this is a no-op and the state stays off.
func (e *Endstop) MultiProbeBegin() {
	if e.stowOnEachSample {
		return
	}
	e.multi = MultiFirst
}

// MultiProbeEnd closes a batch. If a homing move completed under this
// session, the last sensor distance is fused into the reported Z
// coordinate exactly once. The batch state is always reset and the
// probe stowed, even when the Z correction fails.
func (e *Endstop) MultiProbeEnd() error {
	var firstErr error
	if err := e.channel.SendFinish(); err != nil {
		e.logger.Errorf("finish reading failed: %v", err)
	}
	if e.homing {
		e.homing = false
		firstErr = e.correctHomedZ()
	}
	if !e.stowOnEachSample {
		if err := e.raiseProbe(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.multi = MultiOff
	}
	return firstErr
}

// correctHomedZ replaces the kinematic Z with the sensor's measured
// distance after a homing move.
func (e *Endstop) correctHomedZ() error {
	r, err := e.readSensor(sensor.ReadDefault)
	if err != nil {
		return err
	}
	if err := e.motion.WaitMoves(); err != nil {
		return err
	}
	e.motion.Dwell(0.004)
	if err := e.motion.SetZPosition(r.Distance); err != nil {
		return err
	}
	msg := fmt.Sprintf("The actually triggered position of Z is %.3f mm", r.Distance)
	e.responder.RespondInfo(msg)
	e.logger.Infof("%s", msg)
	return nil
}

// raiseProbe stows the physical probe via the deactivate hook and
// verifies the toolhead did not move.
func (e *Endstop) raiseProbe() error {
	return e.runScript(e.deactivate, "deactivate")
}

// lowerProbe deploys the physical probe via the activate hook and
// verifies the toolhead did not move.
func (e *Endstop) lowerProbe() error {
	return e.runScript(e.activate, "activate")
}

func (e *Endstop) runScript(script func() error, name string) error {
	if script == nil {
		return nil
	}
	start := e.motion.GetPosition()
	if err := script(); err != nil {
		return err
	}
	end := e.motion.GetPosition()
	for i := 0; i < 3; i++ {
		if start[i] != end[i] {
			return bderrors.MotionAbortError(name)
		}
	}
	return nil
}
