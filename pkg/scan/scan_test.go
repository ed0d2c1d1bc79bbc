package scan

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/bderrors"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/config"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/probe"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/reactor"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/sensor"
)

type fakeTransport struct {
	mu      sync.Mutex
	raw     int
	queries int
	sends   []string
}

func (f *fakeTransport) Send(data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, data)
	return nil
}

func (f *fakeTransport) Query(data string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.raw, nil
}

// scanMotion models a toolhead whose estimated print time advances a
// fixed step on every query, against a fixed lookahead end time.
type scanMotion struct {
	pos       []float64
	est       float64
	estStep   float64
	printTime float64
	probeZ    float64
	probeIdx  int
	moves     [][]float64
}

func newScanMotion() *scanMotion {
	return &scanMotion{
		pos:       []float64{0, 0, 5, 0},
		estStep:   0.1,
		printTime: 2.0,
		probeZ:    1.0,
	}
}

func (m *scanMotion) GetPosition() []float64 {
	out := make([]float64, len(m.pos))
	copy(out, m.pos)
	return out
}

func (m *scanMotion) ManualMove(coord []float64, speed float64) error {
	rec := make([]float64, len(coord))
	copy(rec, coord)
	m.moves = append(m.moves, rec)
	for i, v := range coord {
		if !math.IsNaN(v) {
			m.pos[i] = v
		}
	}
	return nil
}

func (m *scanMotion) WaitMoves() error { return nil }

func (m *scanMotion) Dwell(seconds float64) {}

func (m *scanMotion) GetLastMoveTime() float64 { return m.printTime }

func (m *scanMotion) PrintTime() float64 { return m.printTime }

func (m *scanMotion) EstimatedPrintTime(eventtime float64) float64 {
	v := m.est
	m.est += m.estStep
	return v
}

func (m *scanMotion) FlushLookahead() error { return nil }

func (m *scanMotion) SpecialQueuingState() bool { return false }

func (m *scanMotion) CanPause() bool { return true }

func (m *scanMotion) HomedAxes() string { return "xyz" }

func (m *scanMotion) ProbingMove(endstop probe.HomingEndstop, pos []float64, speed float64) ([]float64, error) {
	m.probeIdx++
	m.pos[2] = m.probeZ
	return []float64{m.pos[0], m.pos[1], m.probeZ, 0}, nil
}

func (m *scanMotion) SetZPosition(z float64) error { return nil }

func (m *scanMotion) GetKinematics() probe.Kinematics { return nil }

type fakeMCUEndstop struct {
	completion *reactor.Completion
}

func (f *fakeMCUEndstop) HomeStart(printTime, sampleTime float64, sampleCount int, restTime float64, triggered bool) *reactor.Completion {
	return f.completion
}
func (f *fakeMCUEndstop) HomeWait(homeEndTime float64) (float64, error) { return homeEndTime, nil }

func (f *fakeMCUEndstop) AddStepper(s probe.Stepper) {}

func (f *fakeMCUEndstop) GetSteppers() []probe.Stepper { return nil }

type fakeResponder struct {
	mu   sync.Mutex
	info []string
	raw  []string
}

func (r *fakeResponder) RespondInfo(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = append(r.info, msg)
}

func (r *fakeResponder) RespondRaw(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw = append(r.raw, msg)
}

type scanRig struct {
	transport *fakeTransport
	motion    *scanMotion
	responder *fakeResponder
	probe     *probe.Probe
	helper    *PointsHelper

	mu        sync.Mutex
	finalized [][][]float64
	verdicts  []FinalizeResult
}

func (rig *scanRig) finalize(offsets [3]float64, results [][]float64) FinalizeResult {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	snapshot := make([][]float64, len(results))
	copy(snapshot, results)
	rig.finalized = append(rig.finalized, snapshot)
	if len(rig.verdicts) == 0 {
		return Done
	}
	v := rig.verdicts[0]
	rig.verdicts = rig.verdicts[1:]
	return v
}

func newScanRig(t *testing.T, cfgText string) *scanRig {
	t.Helper()
	cfg, err := config.LoadString(cfgText)
	require.NoError(t, err)
	sec, err := cfg.GetSection("bdsensor")
	require.NoError(t, err)
	meshSec, err := cfg.GetSection("bed_mesh")
	require.NoError(t, err)

	tr := &fakeTransport{raw: 100}
	motion := newScanMotion()
	responder := &fakeResponder{}
	r := reactor.New()
	t.Cleanup(r.End)

	endstop, err := probe.NewEndstop(sec, probe.EndstopDeps{
		Channel:    sensor.NewChannel(tr, nil),
		MCUEndstop: &fakeMCUEndstop{completion: r.Completion()},
		Motion:     motion,
		Reactor:    r,
		Responder:  responder,
	})
	require.NoError(t, err)
	prb, err := probe.NewProbe(cfg, sec, endstop, motion, responder, nil)
	require.NoError(t, err)

	rig := &scanRig{
		transport: tr,
		motion:    motion,
		responder: responder,
		probe:     prb,
	}
	helper, err := NewPointsHelper(meshSec, prb, motion, r, responder, nil,
		rig.finalize, nil)
	require.NoError(t, err)
	rig.helper = helper
	return rig
}

const scanCfg = `
[bdsensor]
position_endstop: 1.0
no_stop_probe: true
samples: 1
samples_tolerance: 1.0

[stepper_z]
position_min: -3

[bed_mesh]
speed: 100
horizontal_move_z: 5
points:
    10, 20
    20, 20
    30, 20
    40, 20
    50, 20
`

func TestContinuousScanLine(t *testing.T) {
	rig := newScanRig(t, scanCfg)

	params := rig.probe.GetParams(probe.CmdBedMeshCalibrate, nil)
	require.NoError(t, rig.helper.Start(params))

	require.Len(t, rig.finalized, 1)
	results := rig.finalized[0]
	require.Len(t, results, 5)
	for i, want := range [][2]float64{{10, 20}, {20, 20}, {30, 20}, {40, 20}, {50, 20}} {
		assert.Equal(t, want[0], results[i][0], "point %d x", i)
		assert.Equal(t, want[1], results[i][1], "point %d y", i)
		// Commanded z 5.0 minus the 1.00mm reading.
		assert.InDelta(t, 4.0, results[i][2], 1e-9, "point %d z", i)
	}
	// No mechanical probing moves on the continuous path.
	assert.Equal(t, 0, rig.motion.probeIdx)
}

func TestContinuousScanRetryRestartsBatch(t *testing.T) {
	rig := newScanRig(t, scanCfg)
	rig.verdicts = []FinalizeResult{Retry, Done}

	params := rig.probe.GetParams(probe.CmdBedMeshCalibrate, nil)
	require.NoError(t, rig.helper.Start(params))

	require.Len(t, rig.finalized, 2)
	require.Len(t, rig.finalized[1], 5)
}

func TestScanRequiresMultiplePointsPerLine(t *testing.T) {
	rig := newScanRig(t, `
[bdsensor]
position_endstop: 1.0
no_stop_probe: true
samples: 1
samples_tolerance: 1.0

[stepper_z]
position_min: -3

[bed_mesh]
points:
    10, 20
    10, 30
`)
	// Columns stacked on Y: the continuous path rejects the layout and
	// the helper falls back to per-point probing of both points.
	params := rig.probe.GetParams(probe.CmdBedMeshCalibrate, nil)
	require.NoError(t, rig.helper.Start(params))

	require.Len(t, rig.finalized, 1)
	results := rig.finalized[0]
	require.Len(t, results, 2)
	assert.Equal(t, 10.0, results[0][0])
	assert.Equal(t, 20.0, results[0][1])
	assert.Equal(t, 30.0, results[1][1])
}

func TestDiscretePathWhenNotCapable(t *testing.T) {
	rig := newScanRig(t, `
[bdsensor]
position_endstop: 1.0
samples: 1
samples_tolerance: 1.0

[stepper_z]
position_min: -3

[bed_mesh]
points:
    10, 20
    20, 20
`)
	params := rig.probe.GetParams(probe.CmdBedMeshCalibrate, nil)
	require.NoError(t, rig.helper.Start(params))

	require.Len(t, rig.finalized, 1)
	results := rig.finalized[0]
	require.Len(t, results, 2)
	// Direct-read approximation at travel height: 5.0 - 1.00mm reading.
	assert.InDelta(t, 4.0, results[0][2], 1e-9)
	assert.Equal(t, 0, rig.motion.probeIdx)
}

func TestScanAbortsOnSensorFault(t *testing.T) {
	// A wiring-error or out-of-range sentinel during the sweep must
	// never be committed as a mesh height; the line aborts and the
	// batch degrades to per-point probing.
	for _, raw := range []int{1100, 500} {
		rig := newScanRig(t, scanCfg)
		rig.transport.raw = raw
		rig.motion.probeZ = 1.0

		params := rig.probe.GetParams(probe.CmdBedMeshCalibrate, nil)
		require.NoError(t, rig.helper.Start(params))

		require.Len(t, rig.finalized, 1, "raw=%d", raw)
		results := rig.finalized[0]
		require.Len(t, results, 5, "raw=%d", raw)
		for i := range results {
			// Mechanical trigger height, not commandedZ minus the
			// sentinel distance.
			assert.InDelta(t, 1.0, results[i][2], 1e-9, "raw=%d point %d", raw, i)
		}
		assert.Equal(t, 5, rig.motion.probeIdx, "raw=%d", raw)
	}
}

func TestMinimumPoints(t *testing.T) {
	rig := newScanRig(t, scanCfg)
	require.NoError(t, rig.helper.MinimumPoints(3))
	err := rig.helper.MinimumPoints(6)
	require.Error(t, err)
	assert.True(t, bderrors.Is(err, bderrors.ErrConfig))
}

func TestHorizontalMoveZBelowOffset(t *testing.T) {
	rig := newScanRig(t, `
[bdsensor]
position_endstop: 1.0
z_offset: 6.0
samples: 1

[stepper_z]
position_min: -3

[bed_mesh]
horizontal_move_z: 5
points:
    10, 20
    20, 20
`)
	params := rig.probe.GetParams(probe.CmdBedMeshCalibrate, nil)
	err := rig.helper.Start(params)
	require.Error(t, err)
	assert.True(t, bderrors.Is(err, bderrors.ErrConfig))
}

func TestSubdivisionStrategies(t *testing.T) {
	rig := newScanRig(t, scanCfg)
	line := [][2]float64{{0, 0}, {10, 0}, {40, 0}}

	// Equal time: 2.0s over 2 gaps.
	rig.helper.timing = TimingEqualTime
	assert.InDelta(t, 0.0, rig.helper.subdivisionTime(line, 0, 2.0), 1e-9)
	assert.InDelta(t, 1.0, rig.helper.subdivisionTime(line, 1, 2.0), 1e-9)
	assert.InDelta(t, 2.0, rig.helper.subdivisionTime(line, 2, 2.0), 1e-9)

	// Distance weighted: column 1 sits a quarter of the way along X.
	rig.helper.timing = TimingEqualDistance
	assert.InDelta(t, 0.5, rig.helper.subdivisionTime(line, 1, 2.0), 1e-9)
	assert.InDelta(t, 2.0, rig.helper.subdivisionTime(line, 2, 2.0), 1e-9)
}
