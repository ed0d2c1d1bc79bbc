package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/bderrors"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/sensor"
)

func TestQueryEndstopStates(t *testing.T) {
	tests := []struct {
		name string
		raw  int
		want EndstopState
	}{
		{"below threshold", 80, StateTriggered},
		{"at threshold", 100, StateTriggered},
		{"above threshold", 150, StateOpen},
		{"far from bed", 500, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t, basicCfg, []int{tc.raw})
			state, err := rig.endstop.QueryEndstop()
			require.NoError(t, err)
			assert.Equal(t, tc.want, state)
		})
	}
}

func TestQueryEndstopConnectionError(t *testing.T) {
	rig := newTestRig(t, basicCfg, []int{1024, 1024})
	_, err := rig.endstop.QueryEndstop()
	require.Error(t, err)
}

func TestEndstopStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "TRIGGERED", StateTriggered.String())
}

func TestMultiProbeTransitions(t *testing.T) {
	rig := newTestRig(t, `
[bdsensor]
position_endstop: 1.0
deactivate_on_each_sample: false
`, []int{100})
	e := rig.endstop

	require.Equal(t, MultiOff, e.MultiState())
	e.MultiProbeBegin()
	require.Equal(t, MultiFirst, e.MultiState())

	// First prepare deploys and arms the batch.
	require.NoError(t, e.ProbePrepare())
	require.Equal(t, MultiOn, e.MultiState())

	// Later prepares and finishes leave the batch armed.
	require.NoError(t, e.ProbeFinish())
	require.NoError(t, e.ProbePrepare())
	require.Equal(t, MultiOn, e.MultiState())

	require.NoError(t, e.MultiProbeEnd())
	require.Equal(t, MultiOff, e.MultiState())
}

func TestMultiProbeBeginStowEachSample(t *testing.T) {
	rig := newTestRig(t, basicCfg, []int{100})
	rig.endstop.MultiProbeBegin()
	assert.Equal(t, MultiOff, rig.endstop.MultiState())
}

func TestHomingZCorrection(t *testing.T) {
	rig := newTestRig(t, basicCfg, []int{80})

	// Let the homing move complete immediately.
	rig.endstop.mcuEndstop.(*fakeMCUEndstop).completion.Complete(nil)
	rig.endstop.HomeStart(0, 0.001, 1, 0.005, true)

	// Drain the trigger-wait callback before asserting.
	rig.reactor.End()

	require.NoError(t, rig.endstop.MultiProbeEnd())
	require.True(t, rig.motion.zSetOK)
	assert.InDelta(t, 0.80, rig.motion.zSet, 1e-9)
	assert.Contains(t, rig.responder.messages(),
		"The actually triggered position of Z is 0.800 mm")
}

func TestHomingSurfacesSensorFault(t *testing.T) {
	// A wiring fault while arming the trigger watch must fail the homing
	// move instead of being logged and forgotten.
	rig := newTestRig(t, basicCfg, []int{1100, 1100})

	c := rig.endstop.HomeStart(0, 0.001, 1, 0.005, true)
	// The watch aborts the homing wait on its own.
	res := c.Wait(5*time.Second, nil)
	require.NotNil(t, res)

	_, err := rig.endstop.HomeWait(1.0)
	require.Error(t, err)
	assert.True(t, bderrors.Is(err, bderrors.ErrSensorFault))

	// The fault is consumed; a later homing move starts clean.
	_, err = rig.endstop.HomeWait(1.0)
	require.NoError(t, err)
}

func TestMultiProbeEndResetsOnCorrectionFault(t *testing.T) {
	rig := newTestRig(t, `
[bdsensor]
position_endstop: 1.0
deactivate_on_each_sample: false
`, []int{80, 1100, 1100})
	e := rig.endstop

	raised := 0
	e.deactivate = func() error {
		raised++
		return nil
	}

	e.MultiProbeBegin()
	require.NoError(t, e.ProbePrepare())
	require.Equal(t, MultiOn, e.MultiState())

	// Homing completes, then the Z-correction read hits a wiring fault.
	rig.endstop.mcuEndstop.(*fakeMCUEndstop).completion.Complete(nil)
	e.HomeStart(0, 0.001, 1, 0.005, true)
	rig.reactor.End()

	err := e.MultiProbeEnd()
	require.Error(t, err)
	assert.True(t, bderrors.Is(err, bderrors.ErrSensorFault))
	// The batch is torn down despite the error: state reset, probe stowed.
	assert.Equal(t, MultiOff, e.MultiState())
	assert.Equal(t, 1, raised)
}

func TestProbeScriptsMustNotMoveToolhead(t *testing.T) {
	cfg := basicCfg
	rig := newTestRig(t, cfg, []int{100})

	moved := false
	rig.endstop.deactivate = func() error {
		if !moved {
			moved = true
			rig.motion.pos[2] += 1.0
		}
		return nil
	}
	err := rig.endstop.raiseProbe()
	require.Error(t, err)

	// Position restored and script well-behaved: no error.
	require.NoError(t, rig.endstop.raiseProbe())
}

func TestLastReadingTracksSensor(t *testing.T) {
	rig := newTestRig(t, basicCfg, []int{123})
	_, err := rig.endstop.QueryEndstop()
	require.NoError(t, err)
	r := rig.endstop.LastReading()
	assert.Equal(t, 123, r.Raw)
	assert.InDelta(t, 1.23, r.Distance, 1e-9)
	assert.Equal(t, sensor.StatusValid, r.Status)
}
