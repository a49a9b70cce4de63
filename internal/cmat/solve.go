package cmat

import (
	"errors"
	"math/cmplx"
)

// Sentinel errors surfaced to the calibration engine, which wraps them into
// its own taxonomy.
var (
	// ErrSingular indicates a singular or numerically rank-deficient system.
	ErrSingular = errors.New("cmat: singular matrix")

	// ErrNonFinite indicates NaN or Inf input.
	ErrNonFinite = errors.New("cmat: non-finite matrix")

	// ErrUnderdetermined indicates a least-squares system with fewer
	// equations than unknowns.
	ErrUnderdetermined = errors.New("cmat: under-determined system")
)

// Relative pivot threshold for declaring a matrix singular during LU
// elimination.
const pivotTol = 1e-13

// SolveLeft solves A·X = B for X, with A square.
//
// The factorization is LU with partial pivoting over a working copy; a
// pivot smaller than pivotTol relative to the largest element of A reports
// ErrSingular rather than producing an arbitrary result.
func SolveLeft(a, b *Matrix) (*Matrix, error) {
	if a.rows != a.cols {
		panic("cmat: SolveLeft requires a square matrix")
	}
	if a.rows != b.rows {
		panic("cmat: SolveLeft dimension mismatch")
	}
	if !a.IsFinite() || !b.IsFinite() {
		return nil, ErrNonFinite
	}

	n := a.rows
	lu := a.Clone()
	x := b.Clone()
	scale := lu.MaxAbs()
	if scale == 0 {
		return nil, ErrSingular
	}

	for k := range n {
		// Partial pivoting: bring the largest remaining magnitude in
		// column k to the pivot row.
		pivotRow := k
		pivotAbs := cmplx.Abs(lu.data[k*n+k])
		for i := k + 1; i < n; i++ {
			if abs := cmplx.Abs(lu.data[i*n+k]); abs > pivotAbs {
				pivotAbs = abs
				pivotRow = i
			}
		}
		if pivotAbs <= pivotTol*scale {
			return nil, ErrSingular
		}
		if pivotRow != k {
			swapRows(lu, k, pivotRow)
			swapRows(x, k, pivotRow)
		}

		pivot := lu.data[k*n+k]
		for i := k + 1; i < n; i++ {
			factor := lu.data[i*n+k] / pivot
			if factor == 0 {
				continue
			}
			lu.data[i*n+k] = 0
			for j := k + 1; j < n; j++ {
				lu.data[i*n+j] -= factor * lu.data[k*n+j]
			}
			for j := range x.cols {
				x.data[i*x.cols+j] -= factor * x.data[k*x.cols+j]
			}
		}
	}

	// Back substitution.
	for i := n - 1; i >= 0; i-- {
		for j := range x.cols {
			sum := x.data[i*x.cols+j]
			for k := i + 1; k < n; k++ {
				sum -= lu.data[i*n+k] * x.data[k*x.cols+j]
			}
			x.data[i*x.cols+j] = sum / lu.data[i*n+i]
		}
	}

	return x, nil
}

// SolveRight solves X·A = B for X, with A square. It reduces to SolveLeft
// on the transposed system Aᵀ·Xᵀ = Bᵀ.
func SolveRight(a, b *Matrix) (*Matrix, error) {
	if a.rows != a.cols {
		panic("cmat: SolveRight requires a square matrix")
	}
	if a.rows != b.cols {
		panic("cmat: SolveRight dimension mismatch")
	}

	xt, err := SolveLeft(transpose(a), transpose(b))
	if err != nil {
		return nil, err
	}

	return transpose(xt), nil
}

func transpose(m *Matrix) *Matrix {
	t := New(m.cols, m.rows)
	for i := range m.rows {
		for j := range m.cols {
			t.data[j*t.cols+i] = m.data[i*m.cols+j]
		}
	}

	return t
}

func swapRows(m *Matrix, a, b int) {
	ra := m.data[a*m.cols : (a+1)*m.cols]
	rb := m.data[b*m.cols : (b+1)*m.cols]
	for j := range ra {
		ra[j], rb[j] = rb[j], ra[j]
	}
}
