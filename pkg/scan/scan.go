// Motion-synchronized continuous scanning.
//
// Instead of stopping at every mesh point, the toolhead sweeps each
// axis-aligned line of points in one uninterrupted move while the
// sensor is sampled against the move's predicted timeline.
//
// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package scan

import (
	"fmt"
	"math"

	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/bderrors"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/config"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/log"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/probe"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/reactor"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/sensor"
)

// pollInterval is the bounded yield between timeline checks, so motion
// queue flushing is never starved.
const pollInterval = 0.001

// FinalizeResult is the batch callback's verdict.
type FinalizeResult int

const (
	// Done accepts the batch.
	Done FinalizeResult = iota

	// Retry discards the results and restarts the batch.
	Retry
)

// FinalizeFunc receives the probe offsets and all recorded positions
// once every point has been probed.
type FinalizeFunc func(offsets [3]float64, results [][]float64) FinalizeResult

// Timing strategies for subdividing a line move.
const (
	// TimingEqualTime samples at equal time subdivisions of the move.
	TimingEqualTime = "time"

	// TimingEqualDistance weights the subdivisions by X spacing.
	TimingEqualDistance = "distance"
)

// PointsHelper probes a series of points and reports the position at
// each, continuously when the probe supports it.
type PointsHelper struct {
	name      string
	prb       *probe.Probe
	motion    probe.MotionController
	channel   *sensor.Channel
	rtr       *reactor.Reactor
	responder probe.Responder
	logger    *log.Logger
	finalize  FinalizeFunc

	points          [][2]float64
	speed           float64
	horizontalMoveZ float64
	timing          string
	useOffsets      bool

	liftSpeed    float64
	probeOffsets [3]float64
	results      [][]float64
}

// NewPointsHelper creates a points helper from its config section.
// Points come from the section's "points" option when present, else
// from defaultPoints.
func NewPointsHelper(sec *config.Section, prb *probe.Probe, motion probe.MotionController,
	rtr *reactor.Reactor, responder probe.Responder, logger *log.Logger,
	finalize FinalizeFunc, defaultPoints [][2]float64) (*PointsHelper, error) {

	points := defaultPoints
	if points == nil || sec.HasOption("points") {
		var err error
		points, err = sec.GetPointList("points")
		if err != nil {
			return nil, err
		}
	}
	moveZ, err := sec.GetFloat("horizontal_move_z", 5.0)
	if err != nil {
		return nil, err
	}
	zero := 0.0
	speed, err := sec.GetFloatWithBounds("speed", config.FloatBounds{Above: &zero}, 50.0)
	if err != nil {
		return nil, err
	}
	timing, err := sec.GetChoice("scan_timing", []string{TimingEqualTime, TimingEqualDistance}, TimingEqualTime)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Default().WithPrefix("scan")
	}
	return &PointsHelper{
		name:            sec.GetName(),
		prb:             prb,
		motion:          motion,
		channel:         prb.Endstop().Channel(),
		rtr:             rtr,
		responder:       responder,
		logger:          logger,
		finalize:        finalize,
		points:          points,
		speed:           speed,
		horizontalMoveZ: moveZ,
		timing:          timing,
		liftSpeed:       speed,
	}, nil
}

// MinimumPoints validates that at least n probe points are configured.
func (h *PointsHelper) MinimumPoints(n int) error {
	if len(h.points) < n {
		return bderrors.ConfigError(fmt.Sprintf(
			"Need at least %d probe points for %s", n, h.name))
	}
	return nil
}

// UpdatePoints replaces the probe points.
func (h *PointsHelper) UpdatePoints(points [][2]float64, minPoints int) error {
	h.points = points
	return h.MinimumPoints(minPoints)
}

// UseXYOffsets selects whether the probe's XY offsets are subtracted
// from each target.
func (h *PointsHelper) UseXYOffsets(use bool) {
	h.useOffsets = use
}

// SetHorizontalMoveZ overrides the travel height between points.
func (h *PointsHelper) SetHorizontalMoveZ(z float64) {
	h.horizontalMoveZ = z
}

func (h *PointsHelper) target(idx int) []float64 {
	pt := h.points[idx]
	x, y := pt[0], pt[1]
	if h.useOffsets {
		x -= h.probeOffsets[0]
		y -= h.probeOffsets[1]
	}
	return []float64{x, y, math.NaN()}
}

// Start probes every configured point and invokes the finalize
// callback. The continuous path is taken when the probe exposes the
// non-stop capability and the batch is a mesh calibration; any failure
// there degrades to per-point probing for the remaining points.
func (h *PointsHelper) Start(params *probe.Params) error {
	h.results = nil

	xo, yo, zo := h.prb.GetOffsets()
	h.probeOffsets = [3]float64{xo, yo, zo}
	h.liftSpeed = h.prb.GetLiftSpeed(nil)
	if h.horizontalMoveZ < zo {
		return bderrors.ConfigError(
			"horizontal_move_z can't be less than probe's z_offset")
	}

	h.prb.MultiProbeBegin()
	defer h.prb.OnCommandError()

	if params.Command == probe.CmdBedMeshCalibrate && h.prb.Endstop().NoStopCapable() {
		err := h.fastProbe()
		if err == nil {
			return h.prb.MultiProbeEnd()
		}
		h.logger.Warnf("continuous scan failed (%v); falling back to per-point probing", err)
	}

	for {
		done, err := h.moveNext()
		if err != nil {
			return err
		}
		if done {
			break
		}
		pos, err := h.prb.RunProbe(params)
		if err != nil {
			return err
		}
		h.results = append(h.results, pos)
	}
	return h.prb.MultiProbeEnd()
}

// moveNext lifts the toolhead, finalizes when all points are probed,
// and otherwise travels to the next XY target.
func (h *PointsHelper) moveNext() (bool, error) {
	speed := h.liftSpeed
	if len(h.results) == 0 {
		speed = h.speed
	}
	lift := []float64{math.NaN(), math.NaN(), h.horizontalMoveZ}
	if err := h.motion.ManualMove(lift, speed); err != nil {
		return false, err
	}

	if len(h.results) >= len(h.points) {
		h.motion.GetLastMoveTime()
		if h.finalize(h.probeOffsets, h.results) != Retry {
			return true, nil
		}
		h.results = nil
	}

	if err := h.motion.ManualMove(h.target(len(h.results)), h.speed); err != nil {
		return false, err
	}
	return false, nil
}

// fastProbe scans every line without stopping, then finalizes the
// batch, restarting it when the callback requests a retry.
func (h *PointsHelper) fastProbe() error {
	lift := []float64{math.NaN(), math.NaN(), h.horizontalMoveZ}
	if err := h.motion.ManualMove(lift, h.speed); err != nil {
		return err
	}
	for {
		h.results = nil
		for len(h.results) < len(h.points) {
			if err := h.scanLine(); err != nil {
				return err
			}
		}
		res := h.finalize(h.probeOffsets, h.results)
		h.results = nil
		if res != Retry {
			return nil
		}
	}
}

// lineOf returns the contiguous run of points sharing the y of
// points[from].
func lineOf(points [][2]float64, from int) [][2]float64 {
	y := points[from][1]
	end := from
	for end < len(points) && points[end][1] == y {
		end++
	}
	return points[from:end]
}

// subdivisionTime returns the elapsed-time offset at which column k of
// an n-point line spanning lineTime seconds should be sampled.
func (h *PointsHelper) subdivisionTime(line [][2]float64, k int, lineTime float64) float64 {
	n := len(line)
	if k <= 0 {
		return 0
	}
	if h.timing == TimingEqualDistance {
		total := line[n-1][0] - line[0][0]
		if total != 0 {
			return lineTime * (line[k][0] - line[0][0]) / total
		}
	}
	return float64(k) * lineTime / float64(n-1)
}

// scanLine sweeps one line of points in a single move, sampling the
// sensor as the predicted timeline crosses each column. Samples are
// committed only when the whole line completes.
func (h *PointsHelper) scanLine() error {
	line := lineOf(h.points, len(h.results))
	if len(line) <= 1 {
		return bderrors.ConfigError(fmt.Sprintf(
			"Seems the mesh direction is not X, points count on x is %d", len(line)))
	}

	start := []float64{line[0][0], line[0][1], math.NaN()}
	end := []float64{line[len(line)-1][0], line[len(line)-1][1], math.NaN()}
	if h.useOffsets {
		start[0] -= h.probeOffsets[0]
		start[1] -= h.probeOffsets[1]
		end[0] -= h.probeOffsets[0]
		end[1] -= h.probeOffsets[1]
	}

	if err := h.motion.ManualMove(start, h.speed); err != nil {
		return err
	}
	if err := h.motion.WaitMoves(); err != nil {
		return err
	}
	if err := h.motion.ManualMove(end, h.speed); err != nil {
		return err
	}
	if err := h.motion.FlushLookahead(); err != nil {
		return err
	}

	curtime := h.rtr.Monotonic()
	est := h.motion.EstimatedPrintTime(curtime)
	lineTime := h.motion.PrintTime() - est
	startTime := est

	var samples [][]float64
	k := 0
	for !h.motion.SpecialQueuingState() || h.motion.PrintTime() >= est {
		if !h.motion.CanPause() {
			break
		}
		est = h.motion.EstimatedPrintTime(curtime)
		if est-startTime >= h.subdivisionTime(line, k, lineTime) {
			r, err := h.channel.Read(sensor.ReadForced)
			if err != nil {
				return err
			}
			// A fault sentinel must never enter the mesh as a height;
			// aborting the line degrades the batch to per-point probing.
			switch r.Status {
			case sensor.StatusConnectionError:
				return bderrors.ConnectionError(r.Distance)
			case sensor.StatusOutOfRange:
				return bderrors.OutOfRangeError(r.Distance)
			}
			pos := h.motion.GetPosition()
			pos[0] = line[k][0]
			pos[1] = line[k][1]
			pos[2] -= r.Distance
			h.responder.RespondInfo(fmt.Sprintf("probe at %.3f,%.3f is z=%.6f",
				pos[0], pos[1], pos[2]))
			samples = append(samples, pos[:3])
			k++
			if k >= len(line) {
				break
			}
		}
		curtime = h.rtr.Pause(curtime + pollInterval)
	}

	if k < len(line) {
		return fmt.Errorf("scan line ended after %d of %d columns", k, len(line))
	}
	h.results = append(h.results, samples...)
	return nil
}
