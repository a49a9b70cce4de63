package cal

import (
	"math"
	"math/cmplx"

	"github.com/arloliu/vnacal/internal/cmat"
	"github.com/arloliu/vnacal/topology"
)

// termEquation writes the measurement equation for cell (i, j) of one
// observation as coefficients over the full term vector:
//
//	Σ_k coeff[k]·term[k] = 0
//
// T-side: (Ts·S)ij + Ti_ij − Σ_k M'ik·(Tx·S + Tm)kj = 0.
// U-side: (S·Us)ij + Ui_ij − Σ_k (Um − S·Ux)ik·M'kj = 0.
//
// The equation is exactly linear in the terms; S holds the expanded
// standard values and mp the leakage-corrected measurement. Leakage terms
// never appear (their coefficients stay zero).
func termEquation(lay *topology.Layout, ex *expandedStandard, mp *cmat.Matrix, i, j int) []complex128 {
	coeff := make([]complex128, lay.Terms())
	s := ex.values

	switch lay.Type() {
	case topology.T8, topology.TE10:
		r, c := lay.MRows(), lay.MCols()
		d := min(r, c)
		tsSpan, _ := lay.Span(topology.GroupTs, -1)
		tiSpan, _ := lay.Span(topology.GroupTi, -1)
		txSpan, _ := lay.Span(topology.GroupTx, -1)
		tmSpan, _ := lay.Span(topology.GroupTm, -1)

		if i < d {
			coeff[tsSpan.Offset+i] += s.At(i, j)
		}
		if i == j && i < d {
			coeff[tiSpan.Offset+i] += 1
		}
		for k := range c {
			coeff[txSpan.Offset+k] -= mp.At(i, k) * s.At(k, j)
		}
		coeff[tmSpan.Offset+j] -= mp.At(i, j)

	case topology.T16:
		c := lay.MCols()
		tsSpan, _ := lay.Span(topology.GroupTs, -1)
		tiSpan, _ := lay.Span(topology.GroupTi, -1)
		txSpan, _ := lay.Span(topology.GroupTx, -1)
		tmSpan, _ := lay.Span(topology.GroupTm, -1)

		for k := range c {
			coeff[tsSpan.Offset+i*c+k] += s.At(k, j)
		}
		coeff[tiSpan.Offset+i*c+j] += 1
		for k := range c {
			for l := range c {
				coeff[txSpan.Offset+k*c+l] -= mp.At(i, k) * s.At(l, j)
			}
			coeff[tmSpan.Offset+k*c+j] -= mp.At(i, k)
		}

	case topology.U8, topology.UE10:
		r := lay.MRows()
		umSpan, _ := lay.Span(topology.GroupUm, -1)
		uiSpan, _ := lay.Span(topology.GroupUi, -1)
		uxSpan, _ := lay.Span(topology.GroupUx, -1)
		usSpan, _ := lay.Span(topology.GroupUs, -1)

		coeff[usSpan.Offset+j] += s.At(i, j)
		if i == j {
			coeff[uiSpan.Offset+j] += 1
		}
		coeff[umSpan.Offset+i] -= mp.At(i, j)
		for k := range r {
			coeff[uxSpan.Offset+k] += s.At(i, k) * mp.At(k, j)
		}

	case topology.U16:
		r, c := lay.MRows(), lay.MCols()
		umSpan, _ := lay.Span(topology.GroupUm, -1)
		uiSpan, _ := lay.Span(topology.GroupUi, -1)
		uxSpan, _ := lay.Span(topology.GroupUx, -1)
		usSpan, _ := lay.Span(topology.GroupUs, -1)

		for k := range r {
			coeff[usSpan.Offset+k*c+j] += s.At(i, k)
		}
		coeff[uiSpan.Offset+i*c+j] += 1
		for k := range r {
			coeff[umSpan.Offset+i*r+k] -= mp.At(k, j)
			for l := range r {
				coeff[uxSpan.Offset+k*r+l] += s.At(i, k) * mp.At(l, j)
			}
		}

	case topology.UE14:
		r := lay.MRows()
		umSpan, _ := lay.Span(topology.GroupUm, j)
		uiSpan, _ := lay.Span(topology.GroupUi, j)
		uxSpan, _ := lay.Span(topology.GroupUx, j)
		usSpan, _ := lay.Span(topology.GroupUs, j)

		coeff[usSpan.Offset] += s.At(i, j)
		if i == j {
			coeff[uiSpan.Offset] += 1
		}
		coeff[umSpan.Offset+i] -= mp.At(i, j)
		for k := range r {
			coeff[uxSpan.Offset+k] += s.At(i, k) * mp.At(k, j)
		}

	default:
		// E12 sessions solve through their internal UE14 layout; the
		// public E12 layout never assembles equations.
		panic("cal: termEquation called for unsupported topology " + lay.Type().String())
	}

	return coeff
}

// paramCoefficient returns the derivative of cell (i, j)'s measurement
// equation with respect to the expanded S cell (a, b), under the current
// error terms tv. Only S column j (T-side) or S row i (U-side) has nonzero
// derivatives; other cells return 0.
func paramCoefficient(lay *topology.Layout, tv *termView, mp *cmat.Matrix, i, j, a, b int) complex128 {
	if lay.Type().TSide() {
		if b != j {
			return 0
		}
		// ∂/∂s_aj = Ts_ia − Σ_k M'ik·Tx_ka
		v := tv.ts.At(i, a)
		for k := range lay.MCols() {
			v -= mp.At(i, k) * tv.txFor(j).At(k, a)
		}

		return v
	}

	if a != i {
		return 0
	}
	// ∂/∂s_ib = Us_bj + (Ux·M')bj
	v := tv.usFor(j).At(b, j)
	for k := range lay.MRows() {
		v += tv.uxFor(j).At(b, k) * mp.At(k, j)
	}

	return v
}

// termView materializes the current term vector as group matrices for
// weighting and parameter refinement. For UE14 the Ux/Us views differ per
// detector column.
type termView struct {
	lay *topology.Layout

	// T-side
	ts, ti, tx, tm *cmat.Matrix
	// U-side (single block)
	um, ui, ux, us *cmat.Matrix
	// UE14 per-column views
	colUm, colUx [][]complex128
	colUi, colUs []complex128
}

func newTermView(lay *topology.Layout, terms []complex128) *termView {
	tv := &termView{lay: lay}

	switch {
	case lay.Type().TSide():
		tv.ts, tv.ti, tv.tx, tv.tm = tMatrices(lay, terms)
	case lay.Type() == topology.UE14:
		c := lay.MCols()
		tv.colUm = make([][]complex128, c)
		tv.colUx = make([][]complex128, c)
		tv.colUi = make([]complex128, c)
		tv.colUs = make([]complex128, c)
		for j := range c {
			um, ui, ux, us := ue14Column(lay, terms, j)
			tv.colUm[j], tv.colUi[j] = um, ui
			tv.colUx[j], tv.colUs[j] = ux, us
		}
	default:
		tv.um, tv.ui, tv.ux, tv.us = uMatrices(lay, terms)
	}

	return tv
}

// txFor returns the Tx view (column-independent on the T side).
func (tv *termView) txFor(int) *cmat.Matrix { return tv.tx }

// uxFor returns the Ux view for detector column j.
func (tv *termView) uxFor(j int) *cmat.Matrix {
	if tv.lay.Type() != topology.UE14 {
		return tv.ux
	}

	r := tv.lay.MRows()
	ux := cmat.New(r, r)
	for k := range r {
		ux.Set(k, k, tv.colUx[j][k])
	}

	return ux
}

// usFor returns the Us view for detector column j.
func (tv *termView) usFor(j int) *cmat.Matrix {
	if tv.lay.Type() != topology.UE14 {
		return tv.us
	}

	r, c := tv.lay.MRows(), tv.lay.MCols()
	us := cmat.New(r, c)
	us.Set(j, j, tv.colUs[j])

	return us
}

// systemMatrix returns the linear-solve matrix A of the forward model for
// one expanded standard under the current terms: Tx·S + Tm (T-side, c×c)
// or Um − S·Ux (U-side, r×r; per-column for UE14). Row weighting needs it
// to propagate cell noise through the measurement equation.
func (tv *termView) systemMatrix(s *cmat.Matrix, col int) *cmat.Matrix {
	if tv.lay.Type().TSide() {
		return cmat.Sum(cmat.Mul(tv.tx, s), tv.tm)
	}

	r := tv.lay.MRows()
	if tv.lay.Type() != topology.UE14 {
		return cmat.Sub(tv.um, cmat.Mul(s, tv.ux))
	}

	a := cmat.New(r, r)
	for i := range r {
		for k := range r {
			v := -s.At(i, k) * tv.colUx[col][k]
			if i == k {
				v += tv.colUm[col][i]
			}
			a.Set(i, k, v)
		}
	}

	return a
}

// rowSigma returns the standard deviation of cell (i, j)'s equation
// residual under the session noise model: cell noise propagated through
// the system matrix A. Returns 0 without a noise model.
func (fs *freqSolver) rowSigma(obsIdx int, tv *termView, i, j int) float64 {
	if !fs.s.hasNoiseModel() {
		return 0
	}

	meas := fs.obs[obsIdx].meas[fs.fIdx]
	a := fs.sysA[obsIdx]
	if a == nil {
		a = tv.systemMatrix(fs.expanded[obsIdx].values, j)
		if fs.lay.Type() != topology.UE14 {
			fs.sysA[obsIdx] = a
		}
	}

	var v float64
	if fs.lay.Type().TSide() {
		// Noise enters through M' row i: Var = Σ_k |A_kj|²·σ(i,k)².
		for k := range fs.lay.MCols() {
			sg := fs.s.cellSigma(fs.fIdx, meas.At(i, k))
			av := cmplx.Abs(a.At(k, j))
			v += av * av * sg * sg
		}
	} else {
		// Noise enters through M' column j: Var = Σ_k |A_ik|²·σ(k,j)².
		for k := range fs.lay.MRows() {
			sg := fs.s.cellSigma(fs.fIdx, meas.At(k, j))
			av := cmplx.Abs(a.At(i, k))
			v += av * av * sg * sg
		}
	}

	return math.Sqrt(v)
}
