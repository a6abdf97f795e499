package hmm

import (
	"errors"
	"math"
)

// ErrNoPath is returned when no finite-probability path through the model
// consumes the whole event sequence, e.g. when the sequence is shorter than
// the model can absorb.
var ErrNoPath = errors.New("hmm: no viterbi path through model")

// Viterbi decodes events against the model and returns the log-likelihood
// of the best path together with one (position, kind) label per consumed
// sample; len(path) == len(events) always holds on success.  Non-emitting
// states are traversed silently and contribute no label.
//
// Decoding is deterministic: the score is a pure function of the model and
// the events, and ties between predecessors break toward the earliest-wired
// transition.
func (m *Model) Viterbi(events []float64) (float64, []PathState, error) {
	ns := m.numStates()
	nT := len(events)

	prev := make([]float64, ns)
	cur := make([]float64, ns)
	// back[t][s]: for an emitting s, the predecessor holding the score
	// after t-1 samples; for a silent s, the predecessor at the same
	// sample count.
	back := make([][]int32, nT+1)
	for t := range back {
		back[t] = make([]int32, ns)
		for s := range back[t] {
			back[t][s] = -1
		}
	}

	for s := range prev {
		prev[s] = math.Inf(-1)
	}
	prev[m.start] = 0
	m.propagateSilent(prev, back[0])

	for t := 0; t < nT; t++ {
		x := events[t]
		for s := range m.States {
			state := &m.States[s]
			if !state.Kind.Emits() {
				continue
			}
			best := math.Inf(-1)
			bestSrc := int32(-1)
			for _, e := range m.in[s] {
				if score := prev[e.src] + e.logWeight; score > best {
					best = score
					bestSrc = e.src
				}
			}
			cur[s] = best + state.Dist.LogProb(x)
			back[t+1][s] = bestSrc
		}
		cur[m.start] = math.Inf(-1)
		m.propagateSilent(cur, back[t+1])
		prev, cur = cur, prev
	}

	score := prev[m.end]
	if math.IsInf(score, -1) || math.IsNaN(score) {
		return score, nil, ErrNoPath
	}

	path := make([]PathState, nT)
	state := m.end
	for t := nT; state != m.start; {
		src := back[t][state]
		if state != m.end && m.States[state].Kind.Emits() {
			t--
			path[t] = PathState{Pos: m.States[state].Pos, Kind: m.States[state].Kind}
		}
		state = int(src)
	}
	return score, path, nil
}

// propagateSilent folds scores through the non-emitting states in
// topological order, so a sample-free hop across the whole Delete chain is
// resolved within one step.
func (m *Model) propagateSilent(scores []float64, backRow []int32) {
	for _, s := range m.silentOrder {
		if s == m.start {
			continue
		}
		best := math.Inf(-1)
		bestSrc := int32(-1)
		for _, e := range m.in[s] {
			if score := scores[e.src] + e.logWeight; score > best {
				best = score
				bestSrc = e.src
			}
		}
		scores[s] = best
		backRow[s] = bestSrc
	}
}
