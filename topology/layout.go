package topology

import (
	"fmt"

	"github.com/arloliu/vnacal/errs"
)

// Span describes one contiguous term group inside an error-term vector.
type Span struct {
	Group  Group
	Column int // detector column for per-column topologies, -1 otherwise
	Offset int // index of the group's first term
	Size   int // number of terms in the group
}

// Layout is the resolved error-term layout for one (topology, measurement
// shape) pair: ordered group spans, the total term count, and the unity
// indices fixed by the reference normalization.
//
// A Layout is immutable once created and safe for concurrent reads.
type Layout struct {
	typ   Type
	mRows int
	mCols int
	ports int
	spans []Span
	unity []int
	total int
}

type spanKey struct {
	group  Group
	column int
}

// NewLayout resolves the error-term layout for topology t at measurement
// shape mRows × mCols.
//
// T-side topologies require mRows ≤ mCols, U-side topologies mRows ≥ mCols;
// a violation returns errs.ErrInvalidDimensions and is never coerced.
func NewLayout(t Type, mRows, mCols int) (*Layout, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", errs.ErrInvalidTopology, uint8(t))
	}
	if mRows < 1 || mCols < 1 {
		return nil, fmt.Errorf("%w: %dx%d", errs.ErrInvalidDimensions, mRows, mCols)
	}
	if t.TSide() && mRows > mCols {
		return nil, fmt.Errorf("%w: %s requires detector ports <= generator ports, got %dx%d",
			errs.ErrInvalidDimensions, t, mRows, mCols)
	}
	if !t.TSide() && mRows < mCols {
		return nil, fmt.Errorf("%w: %s requires detector ports >= generator ports, got %dx%d",
			errs.ErrInvalidDimensions, t, mRows, mCols)
	}

	l := &Layout{
		typ:   t,
		mRows: mRows,
		mCols: mCols,
		ports: max(mRows, mCols),
	}

	r, c := mRows, mCols
	d := min(r, c)

	switch t {
	case T8, TE10:
		l.addSpan(GroupTs, -1, d)
		l.addSpan(GroupTi, -1, d)
		l.addSpan(GroupTx, -1, c)
		unity := l.addSpan(GroupTm, -1, c)
		l.unity = []int{unity}
		if t == TE10 {
			l.addSpan(GroupEl, -1, r*c-d)
		}

	case T16:
		l.addSpan(GroupTs, -1, r*c)
		l.addSpan(GroupTi, -1, r*c)
		l.addSpan(GroupTx, -1, c*c)
		unity := l.addSpan(GroupTm, -1, c*c)
		l.unity = []int{unity}

	case U8, UE10:
		unity := l.addSpan(GroupUm, -1, r)
		l.addSpan(GroupUi, -1, c)
		l.addSpan(GroupUx, -1, r)
		l.addSpan(GroupUs, -1, c)
		l.unity = []int{unity}
		if t == UE10 {
			l.addSpan(GroupEl, -1, r*c-d)
		}

	case U16:
		unity := l.addSpan(GroupUm, -1, r*r)
		l.addSpan(GroupUi, -1, r*c)
		l.addSpan(GroupUx, -1, r*r)
		l.addSpan(GroupUs, -1, r*c)
		l.unity = []int{unity}

	case UE14:
		// One independent error model per detector column. The unity term
		// of column j is um[j], the measurement-scale entry of the driven
		// port itself.
		l.unity = make([]int, 0, c)
		for j := range c {
			umOff := l.addSpan(GroupUm, j, r)
			l.addSpan(GroupUi, j, 1)
			l.addSpan(GroupUx, j, r)
			l.addSpan(GroupUs, j, 1)
			l.addSpan(GroupEl, j, r-1)
			l.unity = append(l.unity, umOff+j)
		}

	case E12:
		// E12 carries no literal unity term: it is solved in UE14 form and
		// the per-column normalization is absorbed by the conversion.
		for j := range c {
			l.addSpan(GroupEl, j, r)
			l.addSpan(GroupEr, j, r)
			l.addSpan(GroupEm, j, r)
		}
	}

	return l, nil
}

// addSpan appends a group span and returns its offset.
func (l *Layout) addSpan(g Group, col, size int) int {
	off := l.total
	l.spans = append(l.spans, Span{Group: g, Column: col, Offset: off, Size: size})
	l.total += size

	return off
}

// Type returns the topology this layout was resolved for.
func (l *Layout) Type() Type { return l.typ }

// MRows returns the measurement row count (detector ports).
func (l *Layout) MRows() int { return l.mRows }

// MCols returns the measurement column count (generator ports).
func (l *Layout) MCols() int { return l.mCols }

// Ports returns the square dimension of the fully expanded S-matrix,
// max(MRows, MCols).
func (l *Layout) Ports() int { return l.ports }

// Terms returns the total error-term count for this layout.
func (l *Layout) Terms() int { return l.total }

// Spans returns the ordered group spans. The returned slice must not be
// modified.
func (l *Layout) Spans() []Span { return l.spans }

// Span returns the span of group g. For per-column topologies col selects
// the detector column; otherwise col must be -1.
func (l *Layout) Span(g Group, col int) (Span, bool) {
	for _, s := range l.spans {
		if s.Group == g && s.Column == col {
			return s, true
		}
	}

	return Span{}, false
}

// UnityIndices returns the indices fixed at 1+0i by the reference
// normalization, one per per-column block. E12 layouts return an empty
// slice. The returned slice must not be modified.
func (l *Layout) UnityIndices() []int { return l.unity }

// IsUnity reports whether term index idx is a normalization term.
func (l *Layout) IsUnity(idx int) bool {
	for _, u := range l.unity {
		if u == idx {
			return true
		}
	}

	return false
}

// LeakageIndex returns the term index of the leakage term for measurement
// cell (row, col), row != col. The second return is false when the layout
// has no leakage terms or the cell lies on the principal diagonal.
func (l *Layout) LeakageIndex(row, col int) (int, bool) {
	if !l.typ.HasLeakage() || row == col {
		return 0, false
	}

	switch {
	case l.typ.PerColumn() && l.typ == E12:
		span, _ := l.Span(GroupEl, col)
		return span.Offset + row, true
	case l.typ.PerColumn():
		span, _ := l.Span(GroupEl, col)
		// Column block skips the diagonal cell.
		k := row
		if row > col {
			k--
		}

		return span.Offset + k, true
	default:
		span, _ := l.Span(GroupEl, -1)
		// Row-major over off-diagonal cells of the measurement matrix.
		k := 0
		for i := range l.mRows {
			for j := range l.mCols {
				if i == j {
					continue
				}
				if i == row && j == col {
					return span.Offset + k, true
				}
				k++
			}
		}

		return 0, false
	}
}

// String implements fmt.Stringer for diagnostics.
func (l *Layout) String() string {
	return fmt.Sprintf("%s %dx%d (%d terms)", l.typ, l.mRows, l.mCols, l.total)
}
