package cmat

import (
	"gonum.org/v1/gonum/mat"
)

// LeastSquares solves the weighted complex least-squares problem
//
//	min_x Σ_i w_i²·|Σ_j a_ij·x_j − b_i|²
//
// for the complex system a (m×n), b (m), returning x (n). A nil w solves
// the unweighted problem.
//
// The complex system is realified into a 2m×2n real system (each complex
// entry becomes a [Re −Im; Im Re] block) and solved with gonum's dense QR.
// ErrUnderdetermined is reported for m < n, ErrSingular for a numerically
// rank-deficient system.
func LeastSquares(a *Matrix, b []complex128, w []float64) ([]complex128, error) {
	m, n := a.rows, a.cols
	if len(b) != m {
		panic("cmat: LeastSquares rhs length mismatch")
	}
	if w != nil && len(w) != m {
		panic("cmat: LeastSquares weight length mismatch")
	}
	if m < n {
		return nil, ErrUnderdetermined
	}
	if !a.IsFinite() {
		return nil, ErrNonFinite
	}

	ra := mat.NewDense(2*m, 2*n, nil)
	rb := mat.NewDense(2*m, 1, nil)
	for i := range m {
		wi := 1.0
		if w != nil {
			wi = w[i]
		}
		for j := range n {
			v := a.data[i*a.cols+j]
			ra.Set(2*i, 2*j, wi*real(v))
			ra.Set(2*i, 2*j+1, -wi*imag(v))
			ra.Set(2*i+1, 2*j, wi*imag(v))
			ra.Set(2*i+1, 2*j+1, wi*real(v))
		}
		rb.Set(2*i, 0, wi*real(b[i]))
		rb.Set(2*i+1, 0, wi*imag(b[i]))
	}

	var sol mat.Dense
	if err := sol.Solve(ra, rb); err != nil {
		return nil, ErrSingular
	}

	x := make([]complex128, n)
	for j := range n {
		x[j] = complex(sol.At(2*j, 0), sol.At(2*j+1, 0))
	}

	return x, nil
}
