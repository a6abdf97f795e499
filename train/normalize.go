// Copyright 2023 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package train

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/saroudant/DNAscent/kmer"
)

// maxQualityScore is the hard rejection threshold on a read's normalisation
// quality score.  Reads whose score exceeds it in magnitude are dropped
// before alignment.
const maxQualityScore = 1.0

// eventData is a read's raw signal rescaled into the baseline model's pA
// space, plus the fit-discrepancy score of the rescaling.
type eventData struct {
	events       []float64
	qualityScore float64
}

// normalizeEvents moment-matches the raw samples against the baseline levels
// the mapped window implies: the (shift, scale) transform is chosen so the
// transformed samples have the mean and spread of the expected levels.  The
// quality score is the residual disagreement of the medians after the
// transform, in units of the expected spread; the moments are matched by
// construction, so a large median residual indicates a read whose signal
// shape does not fit the window at all.
func normalizeEvents(raw []float64, window string, model kmer.Model) (eventData, error) {
	levels, err := model.Levels(window)
	if err != nil {
		return eventData{}, err
	}
	expected := make([]float64, len(levels))
	for i, level := range levels {
		expected[i] = level.Mean
	}

	rawMean, rawStdv := stat.Mean(raw, nil), stat.StdDev(raw, nil)
	expMean, expStdv := stat.Mean(expected, nil), stat.StdDev(expected, nil)
	if rawStdv == 0 || expStdv == 0 || math.IsNaN(rawStdv) || math.IsNaN(expStdv) {
		return eventData{}, errors.Errorf("normalize: degenerate signal (%d samples over %d levels)", len(raw), len(expected))
	}

	scale := expStdv / rawStdv
	shift := expMean - scale*rawMean
	events := make([]float64, len(raw))
	for i, x := range raw {
		events[i] = scale*x + shift
	}

	quality := (median(events) - median(expected)) / expStdv
	if math.IsNaN(quality) || math.IsInf(quality, 0) {
		return eventData{}, errors.Errorf("normalize: non-finite quality score")
	}
	return eventData{events: events, qualityScore: quality}, nil
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
