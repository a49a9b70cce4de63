package cal

import (
	"fmt"

	"github.com/arloliu/vnacal/errs"
	"github.com/arloliu/vnacal/internal/cmat"
)

// Synthesize generates the raw measurement a perfect instrument with the
// given error terms would record for a standard, one mRows × mCols matrix
// per session frequency. terms holds one published-layout term vector per
// frequency, as produced by Result.ErrorTerms or constructed directly.
//
// Correlated parameters resolve to their base plus a fresh Gaussian draw,
// and unconstrained cells of the expanded S-matrix are filled with random
// complex values of unit RMS magnitude: the synthesized measurement of an
// incompletely specified standard varies call to call, exactly the cells
// the solver refuses to use.
//
// Callers layering measurement noise add it on top of the returned
// matrices; Synthesize itself is noise-free apart from the draws above.
func (s *Session) Synthesize(std *Standard, terms [][]complex128) ([][][]complex128, error) {
	if std == nil || std.session != s {
		return nil, fmt.Errorf("%w: standard does not belong to this session", errs.ErrInvalidArgument)
	}
	if len(terms) != len(s.freqs) {
		return nil, fmt.Errorf("%w: %d term vectors for %d frequencies",
			errs.ErrInvalidArgument, len(terms), len(s.freqs))
	}

	out := make([][][]complex128, len(s.freqs))
	for f := range s.freqs {
		ex, err := std.expand(f, s.resolveAt)
		if err != nil {
			return nil, err
		}
		for a := range ex.class {
			for b, cl := range ex.class[a] {
				if cl == cellUnconstrained {
					ex.values.Set(a, b, s.complexDraw(1))
				}
			}
		}

		m, err := predict(s.layout, terms[f], ex.values)
		if err != nil {
			return nil, err
		}
		out[f] = matrixRows(m)
	}

	return out, nil
}

func matrixRows(m *cmat.Matrix) [][]complex128 {
	rows := make([][]complex128, m.Rows())
	for i := range rows {
		rows[i] = make([]complex128, m.Cols())
		for j := range rows[i] {
			rows[i][j] = m.At(i, j)
		}
	}

	return rows
}
