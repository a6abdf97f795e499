package hmm

// Kind is the role a state plays at its reference position.
type Kind uint8

const (
	// Delete skips the position without consuming a signal sample.
	Delete Kind = iota
	// Insert consumes a sample that belongs to no position.
	Insert
	// MatchNarrow consumes a sample drawn from the baseline level.
	MatchNarrow
	// MatchWide consumes a sample from a doubled-stdv copy of the baseline
	// level, absorbing outliers that would otherwise derail the alignment.
	MatchWide

	nKind
)

// Emits reports whether traversing a state of this kind consumes a sample.
func (k Kind) Emits() bool { return k != Delete }

// Match reports whether the kind is one of the two match roles.  The two are
// a single semantic "match" event downstream; only the emission width
// differs.
func (k Kind) Match() bool { return k == MatchNarrow || k == MatchWide }

func (k Kind) String() string {
	switch k {
	case Delete:
		return "D"
	case Insert:
		return "I"
	case MatchNarrow:
		return "M1"
	case MatchWide:
		return "M2"
	}
	return "?"
}

// LogProber is an emission distribution.  distuv.Normal and distuv.Uniform
// both satisfy it.
type LogProber interface {
	LogProb(x float64) float64
}

// State is one node of a built model.  Dist is nil for non-emitting kinds.
type State struct {
	Kind Kind
	// Pos is the reference coordinate of the state (window offset plus the
	// read's reference-interval start).
	Pos  int
	Dist LogProber
}

// PathState labels one consumed signal sample of a decoded path.
type PathState struct {
	Pos  int
	Kind Kind
}
