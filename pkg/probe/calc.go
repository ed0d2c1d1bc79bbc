// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package probe

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// calcMean returns the arithmetic average per axis.
func calcMean(positions [][]float64) []float64 {
	count := float64(len(positions))
	result := make([]float64, 3)
	for _, pos := range positions {
		for i := 0; i < 3; i++ {
			result[i] += pos[i]
		}
	}
	for i := 0; i < 3; i++ {
		result[i] /= count
	}
	return result
}

// calcMedian returns the middle sample by z for an odd count, else the
// elementwise mean of the two middle samples by z.
func calcMedian(positions [][]float64) []float64 {
	zSorted := make([][]float64, len(positions))
	copy(zSorted, positions)
	sort.SliceStable(zSorted, func(i, j int) bool {
		return zSorted[i][2] < zSorted[j][2]
	})
	middle := len(zSorted) / 2
	if len(zSorted)%2 == 1 {
		return zSorted[middle]
	}
	return calcMean(zSorted[middle-1 : middle+1])
}

// AccuracyResult holds the statistics of an accuracy run.
type AccuracyResult struct {
	Maximum float64
	Minimum float64
	Range   float64
	Average float64
	Median  float64
	Sigma   float64
}

// RunAccuracy probes sampleCount times at the current XY and reports
// max/min/range/mean/median/standard deviation of the trigger heights.
func (p *Probe) RunAccuracy(params *Params, sampleCount int) (*AccuracyResult, error) {
	pos := p.motion.GetPosition()
	p.responder.RespondInfo(fmt.Sprintf(
		"PROBE_ACCURACY at X:%.3f Y:%.3f Z:%.3f"+
			" (samples=%d retract=%.3f speed=%.1f lift_speed=%.1f)\n",
		pos[0], pos[1], pos[2],
		sampleCount, params.RetractDist, params.Speed, params.LiftSpeed))

	p.MultiProbeBegin()
	defer p.OnCommandError()

	var positions [][]float64
	for len(positions) < sampleCount {
		sample, err := p.probeOnce(params.Speed)
		if err != nil {
			return nil, err
		}
		positions = append(positions, sample)
		lift := []float64{math.NaN(), math.NaN(), sample[2] + params.RetractDist}
		if err := p.motion.ManualMove(lift, params.LiftSpeed); err != nil {
			return nil, err
		}
	}
	if err := p.MultiProbeEnd(); err != nil {
		return nil, err
	}

	zValues := make([]float64, len(positions))
	for i, s := range positions {
		zValues[i] = s[2]
	}
	maxVal, minVal := zValues[0], zValues[0]
	for _, z := range zValues {
		maxVal = math.Max(maxVal, z)
		minVal = math.Min(minVal, z)
	}
	avg := stat.Mean(zValues, nil)
	median := calcMedian(positions)[2]

	// Population sigma: the reported deviation uses the n divisor.
	deviationSum := 0.0
	for _, z := range zValues {
		deviationSum += (z - avg) * (z - avg)
	}
	sigma := math.Sqrt(deviationSum / float64(len(zValues)))

	res := &AccuracyResult{
		Maximum: maxVal,
		Minimum: minVal,
		Range:   maxVal - minVal,
		Average: avg,
		Median:  median,
		Sigma:   sigma,
	}
	p.responder.RespondInfo(fmt.Sprintf(
		"probe accuracy results: maximum %.6f, minimum %.6f, range %.6f, "+
			"average %.6f, median %.6f, standard deviation %.6f",
		res.Maximum, res.Minimum, res.Range, res.Average, res.Median, res.Sigma))
	return res, nil
}

func floatArg(args map[string]string, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func intArg(args map[string]string, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}
