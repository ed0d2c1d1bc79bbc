// Probe sample acquisition for the bed distance sensor.
//
// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package probe

import (
	"fmt"
	"math"
	"strings"

	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/bderrors"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/config"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/log"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/sensor"
)

// hintTimeout is appended to endstop homing timeouts during probing.
const hintTimeout = `
If the probe did not move far enough to trigger, then
consider reducing the Z axis minimum position so the probe
can travel further (the Z minimum position can be negative).
`

// Commands whose point probing may take the fast direct-read path.
const (
	CmdBedMeshCalibrate = "BED_MESH_CALIBRATE"
	CmdQuadGantryLevel  = "QUAD_GANTRY_LEVEL"
)

// Aggregation modes.
const (
	ResultAverage = "average"
	ResultMedian  = "median"
)

// Params holds one probing call's parameters. All fields are per-call
// overridable; defaults come from configuration.
type Params struct {
	Speed       float64
	LiftSpeed   float64
	SampleCount int
	RetractDist float64
	Tolerance   float64
	Retries     int
	Result      string

	// Command is the originating command name; it gates the fast
	// direct-read path during mesh/tilt calibration.
	Command string
}

// Probe drives per-point stop-and-sample acquisition against the
// virtual endstop.
type Probe struct {
	name      string
	endstop   *Endstop
	motion    MotionController
	responder Responder
	logger    *log.Logger

	speed       float64
	liftSpeed   float64
	xOffset     float64
	yOffset     float64
	zOffset     float64
	zPosition   float64
	sampleCount int
	retractDist float64
	tolerance   float64
	retries     int
	result      string

	multiProbePending bool
	probeCalibrateZ   float64
	lastState         EndstopState
	lastZResult       float64
}

// NewProbe creates a probe from its config section. The minimum Z for
// probing moves comes from stepper_z position_min when present, else
// from printer minimum_z_position.
func NewProbe(cfg *config.Config, sec *config.Section, endstop *Endstop,
	motion MotionController, responder Responder, logger *log.Logger) (*Probe, error) {

	zero := 0.0
	speed, err := sec.GetFloatWithBounds("speed", config.FloatBounds{Above: &zero}, 5.0)
	if err != nil {
		return nil, err
	}
	liftSpeed, err := sec.GetFloatWithBounds("lift_speed", config.FloatBounds{Above: &zero}, speed)
	if err != nil {
		return nil, err
	}
	xOffset, err := sec.GetFloat("x_offset", 0.0)
	if err != nil {
		return nil, err
	}
	yOffset, err := sec.GetFloat("y_offset", 0.0)
	if err != nil {
		return nil, err
	}
	zOffset, err := sec.GetFloat("z_offset", 0.0)
	if err != nil {
		return nil, err
	}

	zPosition := 0.0
	if zsec := cfg.GetSectionOptional("stepper_z"); zsec != nil {
		zPosition, err = zsec.GetFloat("position_min", 0.0)
	} else if psec := cfg.GetSectionOptional("printer"); psec != nil {
		zPosition, err = psec.GetFloat("minimum_z_position", 0.0)
	}
	if err != nil {
		return nil, err
	}

	one := 1
	samples, err := sec.GetIntWithBounds("samples", &one, nil, 1)
	if err != nil {
		return nil, err
	}
	retractDist, err := sec.GetFloatWithBounds("sample_retract_dist", config.FloatBounds{Above: &zero}, 2.0)
	if err != nil {
		return nil, err
	}
	result, err := sec.GetChoice("samples_result", []string{ResultAverage, ResultMedian}, ResultAverage)
	if err != nil {
		return nil, err
	}
	tolerance, err := sec.GetFloatWithBounds("samples_tolerance", config.FloatBounds{MinVal: &zero}, 0.100)
	if err != nil {
		return nil, err
	}
	zeroInt := 0
	retries, err := sec.GetIntWithBounds("samples_tolerance_retries", &zeroInt, nil, 0)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Default().WithPrefix("probe")
	}
	return &Probe{
		name:        sec.GetName(),
		endstop:     endstop,
		motion:      motion,
		responder:   responder,
		logger:      logger,
		speed:       speed,
		liftSpeed:   liftSpeed,
		xOffset:     xOffset,
		yOffset:     yOffset,
		zOffset:     zOffset,
		zPosition:   zPosition,
		sampleCount: samples,
		retractDist: retractDist,
		tolerance:   tolerance,
		retries:     retries,
		result:      result,
	}, nil
}

// Name returns the probe's config section name.
func (p *Probe) Name() string {
	return p.name
}

// Endstop returns the virtual endstop this probe drives.
func (p *Probe) Endstop() *Endstop {
	return p.endstop
}

// GetOffsets returns the probe offsets (x, y, z).
func (p *Probe) GetOffsets() (float64, float64, float64) {
	return p.xOffset, p.yOffset, p.zOffset
}

// GetLiftSpeed returns the lift speed, optionally overridden by args.
func (p *Probe) GetLiftSpeed(args map[string]string) float64 {
	if v, ok := floatArg(args, "LIFT_SPEED"); ok && v > 0 {
		return v
	}
	return p.liftSpeed
}

// GetParams builds the probing parameters for one call, applying
// per-call overrides over configured defaults.
func (p *Probe) GetParams(command string, args map[string]string) *Params {
	params := &Params{
		Speed:       p.speed,
		LiftSpeed:   p.GetLiftSpeed(args),
		SampleCount: p.sampleCount,
		RetractDist: p.retractDist,
		Tolerance:   p.tolerance,
		Retries:     p.retries,
		Result:      p.result,
		Command:     command,
	}
	if v, ok := floatArg(args, "PROBE_SPEED"); ok && v > 0 {
		params.Speed = v
	}
	if v, ok := intArg(args, "SAMPLES"); ok && v >= 1 {
		params.SampleCount = v
	}
	if v, ok := floatArg(args, "SAMPLE_RETRACT_DIST"); ok && v > 0 {
		params.RetractDist = v
	}
	if v, ok := floatArg(args, "SAMPLES_TOLERANCE"); ok && v >= 0 {
		params.Tolerance = v
	}
	if v, ok := intArg(args, "SAMPLES_TOLERANCE_RETRIES"); ok && v >= 0 {
		params.Retries = v
	}
	if v, ok := args["SAMPLES_RESULT"]; ok && v != "" {
		params.Result = strings.ToLower(v)
	}
	return params
}

// MultiProbeBegin opens a multi-probe batch.
func (p *Probe) MultiProbeBegin() {
	p.endstop.MultiProbeBegin()
	p.multiProbePending = true
}

// MultiProbeEnd closes a multi-probe batch. Idempotent: calling it with
// no batch pending is a safe no-op.
func (p *Probe) MultiProbeEnd() error {
	if !p.multiProbePending {
		return nil
	}
	p.multiProbePending = false
	return p.endstop.MultiProbeEnd()
}

// OnCommandError is the best-effort cleanup hook run on any
// command-processing error; failures are logged, never re-raised.
func (p *Probe) OnCommandError() {
	if err := p.MultiProbeEnd(); err != nil {
		p.logger.Errorf("multi-probe end: %v", err)
	}
}

// probeOnce commands one mechanical probing move toward the configured
// minimum Z and returns the trigger position.
func (p *Probe) probeOnce(speed float64) ([]float64, error) {
	pos := p.motion.GetPosition()
	pos[2] = p.zPosition
	epos, err := p.motion.ProbingMove(p.endstop, pos, speed)
	if err != nil {
		if strings.Contains(err.Error(), "Timeout during endstop homing") {
			return nil, fmt.Errorf("%s%s", err.Error(), hintTimeout)
		}
		return nil, err
	}
	p.responder.RespondInfo(fmt.Sprintf("probe at %.3f,%.3f is z=%.6f",
		epos[0], epos[1], epos[2]))
	return epos[:3], nil
}

// fastApproxProbe takes a direct sensor reading at the current position
// instead of a mechanical probing move. Used only as a fast
// approximation during mesh/tilt calibration; the caller falls back to
// the mechanical probe on any error.
func (p *Probe) fastApproxProbe() ([]float64, error) {
	if err := p.motion.WaitMoves(); err != nil {
		return nil, err
	}
	p.motion.Dwell(0.004)
	pos := p.motion.GetPosition()
	r, err := p.endstop.Channel().Read(sensor.ReadDefault)
	if err != nil {
		return nil, err
	}
	pos[2] -= r.Distance
	p.responder.RespondInfo(fmt.Sprintf("probe at %.3f,%.3f is z=%.6f",
		pos[0], pos[1], pos[2]))
	return pos[:3], nil
}

// checkTolerance validates the spread of the samples collected so far.
// On a violation it either consumes a retry (clearing the set) or fails.
func (p *Probe) checkTolerance(positions [][]float64, retries *int, params *Params) ([][]float64, error) {
	spread := zSpread(positions)
	if spread <= params.Tolerance {
		return positions, nil
	}
	if *retries >= params.Retries {
		return nil, bderrors.ToleranceError(spread, params.Tolerance)
	}
	p.responder.RespondInfo("Probe samples exceed tolerance. Retrying...")
	*retries++
	return nil, nil
}

// RunProbe collects params.SampleCount accepted samples at the current
// XY and aggregates them. The multi-probe session is auto-managed when
// no batch is pending.
func (p *Probe) RunProbe(params *Params) (pos []float64, err error) {
	if !strings.Contains(p.motion.HomedAxes(), "z") {
		return nil, bderrors.MustHomeError()
	}
	if !p.multiProbePending {
		p.MultiProbeBegin()
		defer func() {
			if endErr := p.MultiProbeEnd(); endErr != nil && err == nil {
				err = endErr
			}
		}()
	}

	cur := p.motion.GetPosition()
	probeXY := []float64{cur[0], cur[1]}
	fastPath := params.Command == CmdBedMeshCalibrate || params.Command == CmdQuadGantryLevel

	retries := 0
	var positions [][]float64
	for len(positions) < params.SampleCount {
		if fastPath {
			sample, fastErr := p.fastApproxProbe()
			if fastErr == nil {
				positions = append(positions, sample)
				positions, err = p.checkTolerance(positions, &retries, params)
				if err != nil {
					return nil, err
				}
				continue
			}
			// Direct reads are an approximation only; fall back to
			// the mechanical probe for this sample.
			p.responder.RespondInfo(fastErr.Error())
		}

		sample, probeErr := p.probeOnce(params.Speed)
		if probeErr != nil {
			return nil, probeErr
		}
		positions = append(positions, sample)
		positions, err = p.checkTolerance(positions, &retries, params)
		if err != nil {
			return nil, err
		}

		if len(positions) < params.SampleCount {
			lift := []float64{probeXY[0], probeXY[1], sample[2] + params.RetractDist}
			if moveErr := p.motion.ManualMove(lift, params.LiftSpeed); moveErr != nil {
				return nil, moveErr
			}
		}
	}

	if params.Result == ResultMedian {
		return calcMedian(positions), nil
	}
	return calcMean(positions), nil
}

// CommandProbe performs a single probe and reports the result.
func (p *Probe) CommandProbe(params *Params) error {
	pos, err := p.RunProbe(params)
	if err != nil {
		return err
	}
	p.responder.RespondInfo(fmt.Sprintf("Result is z=%.6f", pos[2]))
	p.lastZResult = pos[2]
	return nil
}

// QueryProbe reports the current endstop state.
func (p *Probe) QueryProbe() (EndstopState, error) {
	state, err := p.endstop.QueryEndstop()
	if err != nil {
		return state, err
	}
	p.lastState = state
	p.responder.RespondInfo(fmt.Sprintf("probe: %s", state))
	return state, nil
}

// Calibrate runs an initial probe, records the trigger height, and
// positions the nozzle over the probed point. The returned finalize
// callback computes the new z_offset from the manually found position.
func (p *Probe) Calibrate(params *Params) (func(kinPos []float64) (float64, bool), error) {
	liftSpeed := params.LiftSpeed
	curpos, err := p.RunProbe(params)
	if err != nil {
		return nil, err
	}
	p.probeCalibrateZ = curpos[2]

	// Move away from the bed, then the nozzle over the probe point.
	curpos[2] += 5.0
	if err := p.motion.ManualMove(curpos, liftSpeed); err != nil {
		return nil, err
	}
	curpos[0] += p.xOffset
	curpos[1] += p.yOffset
	if err := p.motion.ManualMove(curpos, p.speed); err != nil {
		return nil, err
	}
	return p.calibrateFinalize, nil
}

func (p *Probe) calibrateFinalize(kinPos []float64) (float64, bool) {
	if kinPos == nil {
		return 0, false
	}
	zOffset := p.probeCalibrateZ - kinPos[2]
	p.responder.RespondInfo(fmt.Sprintf(
		"%s: z_offset: %.3f\n"+
			"The SAVE_CONFIG command will update the printer config file\n"+
			"with the above and restart the printer.", p.name, zOffset))
	return zOffset, true
}

// ApplyZOffset folds a live homing-origin Z adjustment into the saved
// z_offset. Returns the new offset and whether there was anything to do.
func (p *Probe) ApplyZOffset(homingOriginZ float64) (float64, bool) {
	if homingOriginZ == 0 {
		p.responder.RespondInfo("Nothing to do: Z Offset is 0")
		return p.zOffset, false
	}
	newCalibrate := p.zOffset - homingOriginZ
	p.responder.RespondInfo(fmt.Sprintf(
		"%s: z_offset: %.3f\n"+
			"The SAVE_CONFIG command will update the printer config file\n"+
			"with the above and restart the printer.", p.name, newCalibrate))
	return newCalibrate, true
}

// Status is the probe's status snapshot.
type Status struct {
	Name        string
	LastQuery   bool
	LastZResult float64
}

// GetStatus returns the probe status snapshot.
func (p *Probe) GetStatus() Status {
	return Status{
		Name:        p.name,
		LastQuery:   p.lastState == StateTriggered,
		LastZResult: p.lastZResult,
	}
}

// zSpread returns max(z) - min(z) over the positions.
func zSpread(positions [][]float64) float64 {
	if len(positions) == 0 {
		return 0
	}
	minZ, maxZ := math.Inf(1), math.Inf(-1)
	for _, pos := range positions {
		minZ = math.Min(minZ, pos[2])
		maxZ = math.Max(maxZ, pos[2])
	}
	return maxZ - minZ
}
