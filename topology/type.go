// Package topology defines the eight VNA error-term topologies and resolves
// each (topology, measurement shape) pair into an error-term layout: the
// named term groups, their offsets into the per-frequency error-term
// vector, and the indices fixed by the reference normalization.
package topology

// Type identifies one of the eight structurally distinct error-term models.
//
// T-side topologies (T8, TE10, T16) require detector ports ≤ generator
// ports; U-side topologies (U8, UE10, U16, UE14, E12) require the reverse.
// TE10, UE10, UE14 and E12 model an explicit leakage term per unconnected
// port pair; the remaining topologies assume zero leakage.
type Type uint8

const (
	// T8 is the 8-term T-parameter model (diagonal error boxes, no leakage).
	T8 Type = iota + 1
	// U8 is the 8-term U-parameter model (diagonal error boxes, no leakage).
	U8
	// TE10 is T8 extended with explicit off-diagonal leakage terms.
	TE10
	// UE10 is U8 extended with explicit off-diagonal leakage terms.
	UE10
	// T16 is the full 16-term T-parameter model with cross-coupling.
	T16
	// U16 is the full 16-term U-parameter model with cross-coupling.
	U16
	// UE14 carries an independent U-parameter error model per detector
	// column, plus leakage.
	UE14
	// E12 is the classic 12-term model (directivity, tracking, port match
	// and leakage per detector column), evaluated in closed form.
	E12
)

func (t Type) String() string {
	switch t {
	case T8:
		return "T8"
	case U8:
		return "U8"
	case TE10:
		return "TE10"
	case UE10:
		return "UE10"
	case T16:
		return "T16"
	case U16:
		return "U16"
	case UE14:
		return "UE14"
	case E12:
		return "E12"
	default:
		return "Unknown"
	}
}

// Valid reports whether t is one of the eight defined topologies.
func (t Type) Valid() bool {
	return t >= T8 && t <= E12
}

// TSide reports whether t uses the T-parameter orientation (M·A = B).
// U-side topologies use the A·M = B orientation instead.
func (t Type) TSide() bool {
	switch t {
	case T8, TE10, T16:
		return true
	default:
		return false
	}
}

// HasLeakage reports whether t models explicit per-port-pair leakage terms.
func (t Type) HasLeakage() bool {
	switch t {
	case TE10, UE10, UE14, E12:
		return true
	default:
		return false
	}
}

// PerColumn reports whether t partitions its non-leakage groups into an
// independent block per detector column.
func (t Type) PerColumn() bool {
	return t == UE14 || t == E12
}

// Group names one term group within an error-term layout.
type Group uint8

const (
	// GroupTs scales the true S-parameters on the detector side (T models).
	GroupTs Group = iota + 1
	// GroupTi is the directivity-like additive group of the T models.
	GroupTi
	// GroupTx couples the measurement back through the S-matrix (T models).
	GroupTx
	// GroupTm scales the raw measurement (T models); holds the unity term.
	GroupTm
	// GroupUm scales the raw measurement (U models); holds the unity term.
	GroupUm
	// GroupUi is the directivity-like additive group of the U models.
	GroupUi
	// GroupUx couples the S-matrix into the measurement (U models).
	GroupUx
	// GroupUs scales the true S-parameters (U models).
	GroupUs
	// GroupEl holds leakage terms (and, for E12, column directivity).
	GroupEl
	// GroupEr holds the E12 reflection-tracking diagonal per column.
	GroupEr
	// GroupEm holds the E12 port-match diagonal per column.
	GroupEm
)

func (g Group) String() string {
	switch g {
	case GroupTs:
		return "Ts"
	case GroupTi:
		return "Ti"
	case GroupTx:
		return "Tx"
	case GroupTm:
		return "Tm"
	case GroupUm:
		return "Um"
	case GroupUi:
		return "Ui"
	case GroupUx:
		return "Ux"
	case GroupUs:
		return "Us"
	case GroupEl:
		return "El"
	case GroupEr:
		return "Er"
	case GroupEm:
		return "Em"
	default:
		return "Unknown"
	}
}
