package hmm

// Pore-specific transition coefficients.  "Internal" coefficients weight
// transitions between the states of a single reference position, "external"
// coefficients weight transitions into the next position.  SS and SE are the
// silent entry/exit junctions of a position; products of coefficients below
// are the collapsed weights of paths through those junctions.
//
// The table is fixed for the pore chemistry and is never mutated; every
// state's outgoing mass sums to 1.

const (
	internalI2I   = 0.50
	internalI2SS  = 0.25
	internalSS2M1 = 0.965
	internalSS2M2 = 0.035
	internalM12M1 = 0.51
	internalM12SE = 0.49
	internalM22M2 = 0.51
	internalM22SE = 0.49
	internalSE2I  = 0.10
)

const (
	externalD2D   = 0.35
	externalD2SS  = 0.65
	externalI2SS  = 0.25
	externalSE2D  = 0.085
	externalSE2SS = 0.815
)

// Insert states emit from a flat distribution spanning the plausible
// normalised signal range, in pA.
const (
	insertEmissionMin = 50.0
	insertEmissionMax = 150.0
)
