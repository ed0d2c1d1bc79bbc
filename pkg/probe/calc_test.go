package probe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAccuracy(t *testing.T) {
	rig := newTestRig(t, basicCfg, []int{100})
	rig.motion.probeZ = []float64{1.00, 1.02, 1.04, 1.02, 1.02}

	params := rig.probe.GetParams("PROBE_ACCURACY", nil)
	res, err := rig.probe.RunAccuracy(params, 5)
	require.NoError(t, err)

	assert.InDelta(t, 1.04, res.Maximum, 1e-9)
	assert.InDelta(t, 1.00, res.Minimum, 1e-9)
	assert.InDelta(t, 0.04, res.Range, 1e-9)
	assert.InDelta(t, 1.02, res.Average, 1e-9)
	assert.InDelta(t, 1.02, res.Median, 1e-9)
	// Population deviation over [1.00 1.02 1.04 1.02 1.02].
	assert.InDelta(t, 0.01264911, res.Sigma, 1e-6)

	// Five samples means five lift moves.
	require.Len(t, rig.motion.moves, 5)

	var header, results bool
	for _, msg := range rig.responder.messages() {
		if strings.HasPrefix(msg, "PROBE_ACCURACY at X:") {
			header = true
		}
		if strings.HasPrefix(msg, "probe accuracy results: maximum") {
			results = true
		}
	}
	assert.True(t, header)
	assert.True(t, results)
}

func TestCalcMean(t *testing.T) {
	positions := [][]float64{{1, 2, 3}, {3, 4, 5}}
	got := calcMean(positions)
	assert.Equal(t, []float64{2, 3, 4}, got)
}
