// Package predict turns raw model scores into a ranked percentage breakdown.
package predict

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrShapeMismatch is returned when the score vector and label set disagree in length.
var ErrShapeMismatch = errors.New("score/label shape mismatch")

// Prediction is one label with its share of the total score, in percent.
type Prediction struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Result is ordered by Value, highest first. It covers every label exactly once.
type Result []Prediction

// Normalize clamps scores that are not positive and finite to zero, pairs them with
// labels by index, sorts descending and rescales to percentages.
// Equal scores keep their label-set order. When no score is positive every
// value is zero.
func Normalize(scores []float32, labels []string) (Result, error) {
	if len(scores) != len(labels) {
		return nil, fmt.Errorf("%w: %d scores for %d labels", ErrShapeMismatch, len(scores), len(labels))
	}

	out := make(Result, len(scores))
	var total float64
	for i, s := range scores {
		v := float64(s)
		// NaN fails the comparison as well; +Inf would poison the total
		if !(v > 0) || math.IsInf(v, 1) {
			v = 0
		}
		out[i] = Prediction{Label: labels[i], Value: v}
		total += v
	}

	slices.SortStableFunc(out, func(a, b Prediction) int {
		switch {
		case a.Value > b.Value:
			return -1
		case a.Value < b.Value:
			return 1
		}
		return 0
	})

	for i := range out {
		if total > 0 {
			out[i].Value = out[i].Value / total * 100
		} else {
			out[i].Value = 0
		}
	}
	return out, nil
}

// Top returns the highest ranked prediction.
func (r Result) Top() (Prediction, bool) {
	if len(r) == 0 {
		return Prediction{}, false
	}
	return r[0], true
}

// Sum adds up all percentages.
func (r Result) Sum() float64 {
	var s float64
	for _, p := range r {
		s += p.Value
	}
	return s
}
