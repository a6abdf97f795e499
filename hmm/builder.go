package hmm

import (
	"fmt"
	"math"

	"github.com/saroudant/DNAscent/kmer"
	"gonum.org/v1/gonum/stat/distuv"
)

// Model is a per-read state machine over a reference window.  A fresh Model
// is built for every read and discarded after decoding; nothing is shared
// between reads.
//
// The machine has 4*(len(window)-5) position states plus silent start/end
// nodes.  Insert and the two match kinds self-loop, so the state graph is
// cyclic at the position level while remaining acyclic across positions;
// the loops model repeated observations of a single reference position.
type Model struct {
	// States holds the position states in (position, kind) order:
	// States[4*i+int(kind)] is the state of that kind at window offset i.
	States []State

	start, end int
	// in[dst] lists the incoming transitions of dst, with log weights.
	in [][]edge
	// silentOrder is a topological order of the non-emitting states
	// (start, the Delete chain, end); silent transitions only ever point
	// forward in it.
	silentOrder []int
}

type edge struct {
	src       int32
	logWeight float64
}

func (m *Model) numStates() int { return len(m.States) + 2 }

func (m *Model) stateIndex(i int, k Kind) int { return 4*i + int(k) }

func (m *Model) addTransition(src, dst int, weight float64) {
	m.in[dst] = append(m.in[dst], edge{src: int32(src), logWeight: math.Log(weight)})
}

// Build constructs the state machine for one read's reference window.
// refOffset is the reference coordinate of window[0]; states are labelled
// with absolute reference positions.  The window must be at least 6 bases so
// that the machine has at least one position.
func Build(window string, refOffset int, model kmer.Model) (*Model, error) {
	if len(window) < kmer.K+1 {
		return nil, fmt.Errorf("hmm.Build: window length %d < %d", len(window), kmer.K+1)
	}
	levels, err := model.Levels(window)
	if err != nil {
		return nil, err
	}
	// The last K-1 bases have no complete k-mer of their own.
	n := len(window) - kmer.K
	levels = levels[:n]

	m := &Model{States: make([]State, 4*n)}
	m.start = 4 * n
	m.end = 4*n + 1
	m.in = make([][]edge, m.numStates())

	insertDist := distuv.Uniform{Min: insertEmissionMin, Max: insertEmissionMax}
	for i, level := range levels {
		pos := refOffset + i
		m.States[m.stateIndex(i, Delete)] = State{Kind: Delete, Pos: pos}
		m.States[m.stateIndex(i, Insert)] = State{Kind: Insert, Pos: pos, Dist: insertDist}
		m.States[m.stateIndex(i, MatchNarrow)] = State{
			Kind: MatchNarrow, Pos: pos,
			Dist: distuv.Normal{Mu: level.Mean, Sigma: level.Stdv},
		}
		m.States[m.stateIndex(i, MatchWide)] = State{
			Kind: MatchWide, Pos: pos,
			Dist: distuv.Normal{Mu: level.Mean, Sigma: 2 * level.Stdv},
		}
	}

	// Transitions internal to one position.  Delete has none.
	for i := 0; i < n; i++ {
		ins := m.stateIndex(i, Insert)
		m1 := m.stateIndex(i, MatchNarrow)
		m2 := m.stateIndex(i, MatchWide)

		m.addTransition(ins, ins, internalI2I)
		m.addTransition(ins, m1, internalI2SS*internalSS2M1)
		m.addTransition(ins, m2, internalI2SS*internalSS2M2)

		m.addTransition(m1, m1, internalM12M1)
		m.addTransition(m1, ins, internalM12SE*internalSE2I)

		m.addTransition(m2, m2, internalM22M2)
		m.addTransition(m2, ins, internalM22SE*internalSE2I)
	}

	// Transitions between adjacent positions.
	for i := 0; i < n-1; i++ {
		del, ins := m.stateIndex(i, Delete), m.stateIndex(i, Insert)
		m1, m2 := m.stateIndex(i, MatchNarrow), m.stateIndex(i, MatchWide)
		nextDel := m.stateIndex(i+1, Delete)
		nextM1 := m.stateIndex(i+1, MatchNarrow)
		nextM2 := m.stateIndex(i+1, MatchWide)

		m.addTransition(del, nextDel, externalD2D)
		m.addTransition(del, nextM1, externalD2SS*internalSS2M1)
		m.addTransition(del, nextM2, externalD2SS*internalSS2M2)

		m.addTransition(ins, nextM1, externalI2SS*internalSS2M1)
		m.addTransition(ins, nextM2, externalI2SS*internalSS2M2)

		m.addTransition(m1, nextDel, internalM12SE*externalSE2D)
		m.addTransition(m1, nextM1, internalM12SE*externalSE2SS*internalSS2M1)
		m.addTransition(m1, nextM2, internalM12SE*externalSE2SS*internalSS2M2)

		m.addTransition(m2, nextDel, internalM22SE*externalSE2D)
		m.addTransition(m2, nextM1, internalM22SE*externalSE2SS*internalSS2M1)
		m.addTransition(m2, nextM2, internalM22SE*externalSE2SS*internalSS2M2)
	}

	m.addTransition(m.start, m.stateIndex(0, Insert), 0.5)
	m.addTransition(m.start, m.stateIndex(0, MatchNarrow), 0.5*internalSS2M1)
	m.addTransition(m.start, m.stateIndex(0, MatchWide), 0.5*internalSS2M2)

	// Exit weights bundle the continue/exit routes a state would split
	// between position n and the (nonexistent) position n+1.
	last := n - 1
	m.addTransition(m.stateIndex(last, Delete), m.end, externalD2D+externalD2SS)
	m.addTransition(m.stateIndex(last, Insert), m.end, externalI2SS)
	m.addTransition(m.stateIndex(last, MatchNarrow), m.end, internalM12SE*(externalSE2SS+externalSE2D))
	m.addTransition(m.stateIndex(last, MatchWide), m.end, internalM22SE*(externalSE2SS+externalSE2D))

	m.silentOrder = make([]int, 0, n+2)
	m.silentOrder = append(m.silentOrder, m.start)
	for i := 0; i < n; i++ {
		m.silentOrder = append(m.silentOrder, m.stateIndex(i, Delete))
	}
	m.silentOrder = append(m.silentOrder, m.end)
	return m, nil
}
