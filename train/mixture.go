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
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrDegenerateFit signals a numerically degenerate mixture fit: some
// observation's pooled density underflowed to zero, so the regularised
// objective would need the log of a non-positive quantity.  The position is
// skipped; the error is never fatal.
var ErrDegenerateFit = errors.New("train: degenerate mixture fit")

const (
	// emTolerance is the relative objective change below which EM stops.
	emTolerance = 1e-4
	// emMaxIterations caps EM regardless of convergence.
	emMaxIterations = 100
	// emPriorStrength is the pseudo-observation mass pulling each
	// component toward its seed parameters.  It keeps a component's
	// variance from collapsing onto a sparse cluster and anchors the fit
	// when a position has almost no observations.
	emPriorStrength = 1.0
)

// mixture is a two-component Gaussian mixture.
type mixture struct {
	weight1, mean1, stdv1 float64
	weight2, mean2, stdv2 float64
}

// fitMixture runs expectation-maximisation seeded from seed, with a prior
// toward the seed parameters.  The M-step is the MAP update: component
// weights are Laplace-smoothed, and means/variances are responsibility-
// weighted moments shrunk toward the seed by emPriorStrength
// pseudo-observations, which bounds every variance away from zero.
func fitMixture(seed mixture, events []float64) (mixture, error) {
	fit := seed
	resp1 := make([]float64, len(events))
	prevObj := math.Inf(-1)

	for iter := 0; iter < emMaxIterations; iter++ {
		logW1 := math.Log(fit.weight1)
		logW2 := math.Log(fit.weight2)
		d1 := distuv.Normal{Mu: fit.mean1, Sigma: fit.stdv1}
		d2 := distuv.Normal{Mu: fit.mean2, Sigma: fit.stdv2}

		// E-step, in the log domain.
		obj := 0.0
		for i, x := range events {
			lp := [2]float64{logW1 + d1.LogProb(x), logW2 + d2.LogProb(x)}
			lse := floats.LogSumExp(lp[:])
			if math.IsInf(lse, -1) || math.IsNaN(lse) {
				return mixture{}, ErrDegenerateFit
			}
			resp1[i] = math.Exp(lp[0] - lse)
			obj += lse
		}

		// M-step with the seed prior.
		var n1, sum1, sum2 float64
		for i, x := range events {
			n1 += resp1[i]
			sum1 += resp1[i] * x
			sum2 += (1 - resp1[i]) * x
		}
		n2 := float64(len(events)) - n1

		fit.weight1 = (n1 + 1) / (float64(len(events)) + 2)
		fit.weight2 = 1 - fit.weight1
		fit.mean1 = (sum1 + emPriorStrength*seed.mean1) / (n1 + emPriorStrength)
		fit.mean2 = (sum2 + emPriorStrength*seed.mean2) / (n2 + emPriorStrength)

		var ss1, ss2 float64
		for i, x := range events {
			ss1 += resp1[i] * (x - fit.mean1) * (x - fit.mean1)
			ss2 += (1 - resp1[i]) * (x - fit.mean2) * (x - fit.mean2)
		}
		var1 := (ss1 + emPriorStrength*seed.stdv1*seed.stdv1) / (n1 + emPriorStrength)
		var2 := (ss2 + emPriorStrength*seed.stdv2*seed.stdv2) / (n2 + emPriorStrength)
		if var1 <= 0 || var2 <= 0 {
			return mixture{}, ErrDegenerateFit
		}
		fit.stdv1 = math.Sqrt(var1)
		fit.stdv2 = math.Sqrt(var2)

		if math.Abs(obj-prevObj) <= emTolerance*math.Max(1, math.Abs(prevObj)) {
			break
		}
		prevObj = obj
	}
	return fit, nil
}
