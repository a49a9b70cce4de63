package cal

import (
	"fmt"

	"github.com/arloliu/vnacal/errs"
	"github.com/arloliu/vnacal/internal/cmat"
	"github.com/arloliu/vnacal/topology"
)

// Predict evaluates the forward measurement model: from one frequency's
// error-term vector and a fully resolved square S-matrix (Ports × Ports),
// the predicted raw measurement matrix (MRows × MCols).
//
// A singular or non-finite system reports errs.ErrDegenerateStandard: the
// standard provides no information for this topology at this frequency.
func Predict(lay *topology.Layout, terms []complex128, s [][]complex128) ([][]complex128, error) {
	p := lay.Ports()
	if len(s) != p {
		return nil, fmt.Errorf("%w: S-matrix has %d rows, want %d", errs.ErrInvalidArgument, len(s), p)
	}
	for _, row := range s {
		if len(row) != p {
			return nil, fmt.Errorf("%w: S-matrix must be %dx%d", errs.ErrInvalidArgument, p, p)
		}
	}

	m, err := predict(lay, terms, cmat.FromRows(s))
	if err != nil {
		return nil, err
	}

	return matrixRows(m), nil
}

// predict is the engine-internal forward model on cmat matrices.
func predict(lay *topology.Layout, terms []complex128, s *cmat.Matrix) (*cmat.Matrix, error) {
	if len(terms) != lay.Terms() {
		return nil, fmt.Errorf("%w: %d terms for layout %s", errs.ErrInvalidArgument, len(terms), lay)
	}
	if s.Rows() != lay.Ports() || s.Cols() != lay.Ports() {
		return nil, fmt.Errorf("%w: S-matrix %dx%d for layout %s",
			errs.ErrInvalidArgument, s.Rows(), s.Cols(), lay)
	}

	var m *cmat.Matrix
	var err error

	switch {
	case lay.Type().TSide():
		ts, ti, tx, tm := tMatrices(lay, terms)
		a := cmat.Sum(cmat.Mul(tx, s), tm)
		b := cmat.Sum(cmat.Mul(ts, s), ti)
		m, err = cmat.SolveRight(a, b)

	case lay.Type() == topology.UE14:
		m, err = predictUE14(lay, terms, s)

	case lay.Type() == topology.E12:
		return predictE12(lay, terms, s)

	default: // U8, UE10, U16
		um, ui, ux, us := uMatrices(lay, terms)
		a := cmat.Sub(um, cmat.Mul(s, ux))
		b := cmat.Sum(cmat.Mul(s, us), ui)
		m, err = cmat.SolveLeft(a, b)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDegenerateStandard, err)
	}

	// Leakage terms land directly in the off-diagonal measurement cells.
	if lay.Type().HasLeakage() {
		for i := range lay.MRows() {
			for j := range lay.MCols() {
				if idx, ok := lay.LeakageIndex(i, j); ok {
					m.Add(i, j, terms[idx])
				}
			}
		}
	}

	return m, nil
}

func predictUE14(lay *topology.Layout, terms []complex128, s *cmat.Matrix) (*cmat.Matrix, error) {
	r, c := lay.MRows(), lay.MCols()
	m := cmat.New(r, c)

	for j := range c {
		um, ui, ux, us := ue14Column(lay, terms, j)

		// A_j = diag(um) - S·diag(ux), b_j = us·S[:,j] + ui·e_j.
		a := cmat.New(r, r)
		b := cmat.New(r, 1)
		for i := range r {
			for k := range r {
				v := -s.At(i, k) * ux[k]
				if i == k {
					v += um[i]
				}
				a.Set(i, k, v)
			}
			rhs := us * s.At(i, j)
			if i == j {
				rhs += ui
			}
			b.Set(i, 0, rhs)
		}

		col, err := cmat.SolveLeft(a, b)
		if err != nil {
			return nil, err
		}
		for i := range r {
			m.Set(i, j, col.At(i, 0))
		}
	}

	return m, nil
}

// predictE12 evaluates the closed form M[:,j] = El[:,j] + Er·S·(I−Em·S)⁻¹·e_j
// per detector column. The El column carries both directivity (diagonal
// cell) and leakage (off-diagonal cells), so no separate leakage overlay
// applies.
func predictE12(lay *topology.Layout, terms []complex128, s *cmat.Matrix) (*cmat.Matrix, error) {
	r, c := lay.MRows(), lay.MCols()
	m := cmat.New(r, c)

	for j := range c {
		el, er, em := e12Column(lay, terms, j)

		a := cmat.New(r, r)
		b := cmat.New(r, 1)
		for i := range r {
			for k := range r {
				v := -em[i] * s.At(i, k)
				if i == k {
					v++
				}
				a.Set(i, k, v)
			}
		}
		b.Set(j, 0, 1)

		w, err := cmat.SolveLeft(a, b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrDegenerateStandard, err)
		}

		for i := range r {
			var sv complex128
			for k := range r {
				sv += s.At(i, k) * w.At(k, 0)
			}
			m.Set(i, j, el[i]+er[i]*sv)
		}
	}

	return m, nil
}

// tMatrices materializes the T-side term groups as matrices:
// Ts (r×c), Ti (r×c), Tx (c×c), Tm (c×c). T8/TE10 groups are diagonal,
// T16 groups are full row-major.
func tMatrices(lay *topology.Layout, terms []complex128) (ts, ti, tx, tm *cmat.Matrix) {
	r, c := lay.MRows(), lay.MCols()
	d := min(r, c)

	ts = cmat.New(r, c)
	ti = cmat.New(r, c)
	tx = cmat.New(c, c)
	tm = cmat.New(c, c)

	tsSpan, _ := lay.Span(topology.GroupTs, -1)
	tiSpan, _ := lay.Span(topology.GroupTi, -1)
	txSpan, _ := lay.Span(topology.GroupTx, -1)
	tmSpan, _ := lay.Span(topology.GroupTm, -1)

	if lay.Type() == topology.T16 {
		fillFull(ts, terms, tsSpan.Offset)
		fillFull(ti, terms, tiSpan.Offset)
		fillFull(tx, terms, txSpan.Offset)
		fillFull(tm, terms, tmSpan.Offset)

		return ts, ti, tx, tm
	}

	for k := range d {
		ts.Set(k, k, terms[tsSpan.Offset+k])
		ti.Set(k, k, terms[tiSpan.Offset+k])
	}
	for k := range c {
		tx.Set(k, k, terms[txSpan.Offset+k])
		tm.Set(k, k, terms[tmSpan.Offset+k])
	}

	return ts, ti, tx, tm
}

// uMatrices materializes the U-side term groups as matrices:
// Um (r×r), Ui (r×c), Ux (r×r), Us (r×c). U8/UE10 groups are diagonal,
// U16 groups are full row-major.
func uMatrices(lay *topology.Layout, terms []complex128) (um, ui, ux, us *cmat.Matrix) {
	r, c := lay.MRows(), lay.MCols()

	um = cmat.New(r, r)
	ui = cmat.New(r, c)
	ux = cmat.New(r, r)
	us = cmat.New(r, c)

	umSpan, _ := lay.Span(topology.GroupUm, -1)
	uiSpan, _ := lay.Span(topology.GroupUi, -1)
	uxSpan, _ := lay.Span(topology.GroupUx, -1)
	usSpan, _ := lay.Span(topology.GroupUs, -1)

	if lay.Type() == topology.U16 {
		fillFull(um, terms, umSpan.Offset)
		fillFull(ui, terms, uiSpan.Offset)
		fillFull(ux, terms, uxSpan.Offset)
		fillFull(us, terms, usSpan.Offset)

		return um, ui, ux, us
	}

	for k := range r {
		um.Set(k, k, terms[umSpan.Offset+k])
		ux.Set(k, k, terms[uxSpan.Offset+k])
	}
	for k := range c {
		ui.Set(k, k, terms[uiSpan.Offset+k])
		us.Set(k, k, terms[usSpan.Offset+k])
	}

	return um, ui, ux, us
}

// ue14Column extracts the column-j error model of a UE14 layout:
// diagonals um, ux (length r) and scalars us, ui.
func ue14Column(lay *topology.Layout, terms []complex128, j int) (um []complex128, ui complex128, ux []complex128, us complex128) {
	r := lay.MRows()

	umSpan, _ := lay.Span(topology.GroupUm, j)
	uiSpan, _ := lay.Span(topology.GroupUi, j)
	uxSpan, _ := lay.Span(topology.GroupUx, j)
	usSpan, _ := lay.Span(topology.GroupUs, j)

	um = terms[umSpan.Offset : umSpan.Offset+r]
	ux = terms[uxSpan.Offset : uxSpan.Offset+r]
	ui = terms[uiSpan.Offset]
	us = terms[usSpan.Offset]

	return um, ui, ux, us
}

// e12Column extracts the column-j error model of an E12 layout: el, er, em
// diagonals of length r.
func e12Column(lay *topology.Layout, terms []complex128, j int) (el, er, em []complex128) {
	r := lay.MRows()

	elSpan, _ := lay.Span(topology.GroupEl, j)
	erSpan, _ := lay.Span(topology.GroupEr, j)
	emSpan, _ := lay.Span(topology.GroupEm, j)

	el = terms[elSpan.Offset : elSpan.Offset+r]
	er = terms[erSpan.Offset : erSpan.Offset+r]
	em = terms[emSpan.Offset : emSpan.Offset+r]

	return el, er, em
}

// fillFull copies a row-major term group into a matrix.
func fillFull(m *cmat.Matrix, terms []complex128, offset int) {
	k := offset
	for i := range m.Rows() {
		for j := range m.Cols() {
			m.Set(i, j, terms[k])
			k++
		}
	}
}
