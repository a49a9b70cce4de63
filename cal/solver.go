package cal

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/arloliu/vnacal/errs"
	"github.com/arloliu/vnacal/internal/cmat"
	"github.com/arloliu/vnacal/topology"
)

// Solve estimates the error-term vector and all refined parameters at every
// session frequency.
//
// Frequencies are solved independently and in grid order. A failure at one
// frequency is recorded in the Result and rolls back that frequency's
// parameter estimates; it never aborts the remaining frequencies. Solve
// itself returns an error only for session-level misuse, currently an
// observation-free session.
//
// E12 sessions are solved through an internal UE14 model and converted to
// the classic twelve-term form before publication.
func (s *Session) Solve() (*Result, error) {
	if len(s.observations) == 0 {
		return nil, fmt.Errorf("%w: session has no observations", errs.ErrInvalidArgument)
	}

	slay := s.layout
	if s.typ == topology.E12 {
		var err error
		slay, err = topology.NewLayout(topology.UE14, s.layout.MRows(), s.layout.MCols())
		if err != nil {
			return nil, err
		}
	}

	res := newResult(s)
	for f := range s.freqs {
		fs := &freqSolver{s: s, lay: slay, fIdx: f, obs: s.observations}
		fs.collectRefined()

		snap := fs.snapshotParams()
		terms, pvalue, iters, err := fs.run()
		if err == nil && s.typ == topology.E12 {
			terms, err = ue14ToE12(s.layout, slay, terms)
		}
		if err != nil {
			fs.restoreParams(snap)
			res.errs[f] = err
			res.pvalues[f] = math.NaN()

			continue
		}

		res.terms[f] = terms
		res.pvalues[f] = pvalue
		res.iters[f] = iters
	}

	return res, nil
}

// eqCell identifies one usable measurement cell: observation index and the
// (detector row, generator column) of the raw measurement matrix.
type eqCell struct {
	obs  int
	i, j int
}

// refinedParam is one parameter the solver re-estimates at the current
// frequency, with its column in the refinement least-squares system.
type refinedParam struct {
	h    ParamHandle
	slot *paramSlot
}

// freqSolver is the per-frequency solve state. It is created fresh for
// every frequency; only the refined parameter estimates outlive it.
type freqSolver struct {
	s    *Session
	lay  *topology.Layout // solve layout (UE14 stand-in for E12 sessions)
	fIdx int

	obs      []*Observation
	expanded []*expandedStandard
	mprime   []*cmat.Matrix // leakage-corrected measurements
	sysA     []*cmat.Matrix // per-observation system-matrix cache for weighting

	terms   []complex128
	termCol []int // term index -> least-squares column, -1 for fixed terms
	nCols   int

	cells []eqCell

	leakCount int // separately estimated leakage terms
	leakRows  int
	leakSSR   float64

	refined  []refinedParam
	paramCol map[uint32]int
}

// run performs the iterative solve and goodness-of-fit evaluation for one
// frequency, returning the solve-layout term vector.
func (fs *freqSolver) run() (terms []complex128, pvalue float64, iters int, err error) {
	if err := fs.expandStandards(); err != nil {
		return nil, 0, 0, err
	}

	fs.initTerms()
	if err := fs.estimateLeakage(); err != nil {
		return nil, 0, 0, err
	}
	fs.applyLeakage()
	fs.collectCells()
	fs.markColumns()

	if len(fs.cells) < fs.nCols {
		return nil, 0, 0, fmt.Errorf("%w: %d usable equations for %d unknown terms",
			errs.ErrUnderdetermined, len(fs.cells), fs.nCols)
	}

	converged := false
	for it := 1; it <= fs.s.cfg.iterationLimit; it++ {
		iters = it

		termDelta, err := fs.solveTerms()
		if err != nil {
			return nil, 0, 0, err
		}

		paramDelta := 0.0
		if len(fs.refined) > 0 {
			paramDelta, err = fs.refineParams()
			if err != nil {
				return nil, 0, 0, err
			}
			// Refined estimates feed the next round's expanded standards.
			if err := fs.expandStandards(); err != nil {
				return nil, 0, 0, err
			}
		}

		if termDelta < fs.s.cfg.etTolerance && paramDelta < fs.s.cfg.pTolerance {
			converged = true

			break
		}
	}
	if !converged {
		return nil, 0, 0, fmt.Errorf("%w: no convergence in %d iterations",
			errs.ErrIterationLimit, fs.s.cfg.iterationLimit)
	}

	pvalue = fs.goodnessOfFit()
	if limit := fs.s.cfg.pvalueLimit; limit > 0 && !math.IsNaN(pvalue) && pvalue < limit {
		return nil, 0, 0, fmt.Errorf("%w: p-value %.4g below limit %v",
			errs.ErrPValueRejected, pvalue, limit)
	}

	return fs.terms, pvalue, iters, nil
}

// expandStandards resolves every observed standard at the current frequency
// using the non-stochastic estimate path.
func (fs *freqSolver) expandStandards() error {
	fs.expanded = make([]*expandedStandard, len(fs.obs))
	for k, ob := range fs.obs {
		ex, err := ob.std.expand(fs.fIdx, fs.s.estimateAt)
		if err != nil {
			return err
		}
		fs.expanded[k] = ex
	}

	return nil
}

// collectRefined gathers the unknown and correlated parameters referenced
// by the observed standards, plus the transitive bases of correlated ones,
// and assigns each a refinement column.
func (fs *freqSolver) collectRefined() {
	fs.paramCol = make(map[uint32]int)

	var add func(h ParamHandle)
	add = func(h ParamHandle) {
		slot, err := fs.s.slot(h)
		if err != nil || !slot.refined() {
			return
		}
		if _, ok := fs.paramCol[h.idx]; ok {
			return
		}
		fs.paramCol[h.idx] = len(fs.refined)
		fs.refined = append(fs.refined, refinedParam{h: h, slot: slot})
		if slot.kind == kindCorrelated {
			add(slot.base)
		}
	}

	for _, ob := range fs.obs {
		for _, row := range ob.std.entries {
			for _, h := range row {
				add(h)
			}
		}
	}
}

// snapshotParams captures the refined estimates at the current frequency so
// a failed solve publishes nothing.
func (fs *freqSolver) snapshotParams() []complex128 {
	snap := make([]complex128, len(fs.refined))
	for k, rp := range fs.refined {
		snap[k] = rp.slot.estimate[fs.fIdx]
	}

	return snap
}

func (fs *freqSolver) restoreParams(snap []complex128) {
	for k, rp := range fs.refined {
		rp.slot.estimate[fs.fIdx] = snap[k]
	}
}

// initTerms seeds the term vector with an ideal instrument: unity and all
// measurement-scale diagonal entries at 1, everything else 0. The first
// iteration's weighting then sees the system matrix as the identity.
func (fs *freqSolver) initTerms() {
	lay := fs.lay
	fs.terms = make([]complex128, lay.Terms())
	for _, u := range lay.UnityIndices() {
		fs.terms[u] = 1
	}

	switch lay.Type() {
	case topology.T8, topology.TE10:
		span, _ := lay.Span(topology.GroupTm, -1)
		for k := range span.Size {
			fs.terms[span.Offset+k] = 1
		}
	case topology.T16:
		c := lay.MCols()
		span, _ := lay.Span(topology.GroupTm, -1)
		for k := range c {
			fs.terms[span.Offset+k*c+k] = 1
		}
	case topology.U8, topology.UE10:
		span, _ := lay.Span(topology.GroupUm, -1)
		for k := range span.Size {
			fs.terms[span.Offset+k] = 1
		}
	case topology.U16:
		r := lay.MRows()
		span, _ := lay.Span(topology.GroupUm, -1)
		for k := range r {
			fs.terms[span.Offset+k*r+k] = 1
		}
	case topology.UE14:
		for j := range lay.MCols() {
			span, _ := lay.Span(topology.GroupUm, j)
			for k := range span.Size {
				fs.terms[span.Offset+k] = 1
			}
		}
	}
}

// estimateLeakage pre-estimates every leakage term from isolation
// observations: the off-diagonal measurement cells of standards whose
// expanded S-matrix couples no port pair observe pure leakage, so the
// weighted mean of those cells is the term estimate. A leakage cell with no
// isolation coverage is errs.ErrMissingIsolation.
//
// The residuals of the estimation feed the goodness-of-fit statistic.
func (fs *freqSolver) estimateLeakage() error {
	lay := fs.lay
	if !lay.Type().HasLeakage() {
		return nil
	}

	for i := range lay.MRows() {
		for j := range lay.MCols() {
			idx, ok := lay.LeakageIndex(i, j)
			if !ok {
				continue
			}
			fs.leakCount++

			var sum complex128
			var wsum float64
			var used []int
			for k, ex := range fs.expanded {
				if !ex.isDiagonal() {
					continue
				}
				m := fs.obs[k].meas[fs.fIdx].At(i, j)
				w := fs.invSigma(fs.s.cellSigma(fs.fIdx, m))
				sum += complex(w*w, 0) * m
				wsum += w * w
				used = append(used, k)
			}
			if len(used) == 0 {
				return fmt.Errorf("%w: no isolation observation covers measurement cell (%d,%d)",
					errs.ErrMissingIsolation, i, j)
			}

			el := sum / complex(wsum, 0)
			fs.terms[idx] = el

			fs.leakRows += len(used)
			for _, k := range used {
				m := fs.obs[k].meas[fs.fIdx].At(i, j)
				w := fs.invSigma(fs.s.cellSigma(fs.fIdx, m))
				d := m - el
				fs.leakSSR += w * w * (real(d)*real(d) + imag(d)*imag(d))
			}
		}
	}

	return nil
}

// applyLeakage builds the leakage-corrected measurements M' = M − El used
// by every measurement equation.
func (fs *freqSolver) applyLeakage() {
	lay := fs.lay
	fs.mprime = make([]*cmat.Matrix, len(fs.obs))
	for k, ob := range fs.obs {
		mp := ob.meas[fs.fIdx].Clone()
		if lay.Type().HasLeakage() {
			for i := range lay.MRows() {
				for j := range lay.MCols() {
					if idx, ok := lay.LeakageIndex(i, j); ok {
						mp.Add(i, j, -fs.terms[idx])
					}
				}
			}
		}
		fs.mprime[k] = mp
	}
}

// collectCells selects the usable measurement cells. A T-side cell (i, j)
// needs S column j fully determined, a U-side cell needs S row i; cells
// touching unconstrained S entries carry no usable constraint. Isolation
// cells already consumed by leakage estimation are excluded from the main
// system.
func (fs *freqSolver) collectCells() {
	lay := fs.lay
	tSide := lay.Type().TSide()
	for k, ex := range fs.expanded {
		diag := lay.Type().HasLeakage() && ex.isDiagonal()
		for i := range lay.MRows() {
			for j := range lay.MCols() {
				if diag && i != j {
					continue
				}
				if tSide && !ex.colDefined(j) {
					continue
				}
				if !tSide && !ex.rowDefined(i) {
					continue
				}
				fs.cells = append(fs.cells, eqCell{obs: k, i: i, j: j})
			}
		}
	}
}

// markColumns assigns least-squares columns to the solvable terms. Unity
// terms and pre-estimated leakage terms stay fixed.
func (fs *freqSolver) markColumns() {
	lay := fs.lay
	fixed := make([]bool, lay.Terms())
	for _, u := range lay.UnityIndices() {
		fixed[u] = true
	}
	for _, sp := range lay.Spans() {
		if sp.Group == topology.GroupEl {
			for k := range sp.Size {
				fixed[sp.Offset+k] = true
			}
		}
	}

	fs.termCol = make([]int, lay.Terms())
	for idx := range fs.termCol {
		if fixed[idx] {
			fs.termCol[idx] = -1

			continue
		}
		fs.termCol[idx] = fs.nCols
		fs.nCols++
	}
}

// invSigma converts a noise magnitude to a row weight: 1/sigma with the
// unweighted fallback when sigma is zero or no model is configured.
func (fs *freqSolver) invSigma(sigma float64) float64 {
	if !fs.s.hasNoiseModel() || sigma <= 0 {
		return 1
	}

	return 1 / sigma
}

// solveTerms assembles the weighted measurement equations under the
// current term estimates and solves for the term vector in one linear
// least-squares step, returning the relative update norm.
func (fs *freqSolver) solveTerms() (float64, error) {
	tv := newTermView(fs.lay, fs.terms)
	fs.sysA = make([]*cmat.Matrix, len(fs.obs))

	a := cmat.New(len(fs.cells), fs.nCols)
	b := make([]complex128, len(fs.cells))
	w := make([]float64, len(fs.cells))

	for row, cell := range fs.cells {
		coeff := termEquation(fs.lay, fs.expanded[cell.obs], fs.mprime[cell.obs], cell.i, cell.j)
		for idx, cv := range coeff {
			if cv == 0 {
				continue
			}
			if col := fs.termCol[idx]; col >= 0 {
				a.Set(row, col, cv)
			} else {
				b[row] -= cv * fs.terms[idx]
			}
		}
		w[row] = fs.invSigma(fs.rowSigma(cell.obs, tv, cell.i, cell.j))
	}

	x, err := cmat.LeastSquares(a, b, w)
	if err != nil {
		switch err {
		case cmat.ErrUnderdetermined:
			return 0, fmt.Errorf("%w: %v", errs.ErrUnderdetermined, err)
		default:
			return 0, fmt.Errorf("%w: error-term system: %v", errs.ErrSingularSystem, err)
		}
	}

	var dnorm, xnorm float64
	for idx, col := range fs.termCol {
		if col < 0 {
			continue
		}
		d := x[col] - fs.terms[idx]
		dnorm += real(d)*real(d) + imag(d)*imag(d)
		xnorm += real(x[col])*real(x[col]) + imag(x[col])*imag(x[col])
		fs.terms[idx] = x[col]
	}
	if xnorm == 0 {
		return 0, fmt.Errorf("%w: error-term solution collapsed to zero", errs.ErrSingularSystem)
	}

	return math.Sqrt(dnorm / xnorm), nil
}

// refineParams re-estimates the unknown and correlated parameters with the
// error terms held fixed. Each usable measurement equation is exactly
// linear in the S-matrix entries; correlated parameters additionally carry
// a tie equation pulling them toward their base with weight 1/sigma.
// Returns the largest relative parameter update.
func (fs *freqSolver) refineParams() (float64, error) {
	tv := newTermView(fs.lay, fs.terms)
	fs.sysA = make([]*cmat.Matrix, len(fs.obs))

	nTies := fs.tieCount()
	rows := len(fs.cells) + nTies
	a := cmat.New(rows, len(fs.refined))
	b := make([]complex128, rows)
	w := make([]float64, rows)

	ports := fs.lay.Ports()
	for row, cell := range fs.cells {
		ex := fs.expanded[cell.obs]
		mp := fs.mprime[cell.obs]

		// Residual of the equation at the current parameter estimates.
		coeff := termEquation(fs.lay, ex, mp, cell.i, cell.j)
		var resid complex128
		for idx, cv := range coeff {
			resid += cv * fs.terms[idx]
		}

		// Only the S line feeding this cell has nonzero derivatives:
		// column j for T-side equations, row i for U-side.
		var rhs complex128
		visit := func(sa, sb int) {
			if ex.class[sa][sb] != cellGiven {
				return
			}
			col, ok := fs.paramCol[ex.handles[sa][sb].idx]
			if !ok {
				return
			}
			pc := paramCoefficient(fs.lay, tv, mp, cell.i, cell.j, sa, sb)
			a.Add(row, col, pc)
			rhs += pc * ex.values.At(sa, sb)
		}
		if fs.lay.Type().TSide() {
			for sa := range ports {
				visit(sa, cell.j)
			}
		} else {
			for sb := range ports {
				visit(cell.i, sb)
			}
		}

		b[row] = rhs - resid
		w[row] = fs.invSigma(fs.rowSigma(cell.obs, tv, cell.i, cell.j))
	}

	row := len(fs.cells)
	for col, rp := range fs.refined {
		if rp.slot.kind != kindCorrelated {
			continue
		}
		a.Set(row, col, 1)
		if baseCol, ok := fs.paramCol[rp.slot.base.idx]; ok {
			a.Set(row, baseCol, -1)
		} else {
			base, err := fs.s.estimateAt(rp.slot.base, fs.fIdx)
			if err != nil {
				return 0, err
			}
			b[row] = base
		}
		w[row] = 1 / rp.slot.sigma[fs.fIdx]
		row++
	}

	x, err := cmat.LeastSquares(a, b, w)
	if err != nil {
		switch err {
		case cmat.ErrUnderdetermined:
			return 0, fmt.Errorf("%w: parameter refinement: %v", errs.ErrUnderdetermined, err)
		default:
			return 0, fmt.Errorf("%w: parameter refinement: %v", errs.ErrSingularSystem, err)
		}
	}

	var maxRel float64
	for col, rp := range fs.refined {
		cur := rp.slot.estimate[fs.fIdx]
		d := cmplx.Abs(x[col] - cur)
		scale := math.Max(cmplx.Abs(x[col]), 1e-12)
		maxRel = math.Max(maxRel, d/scale)
		rp.slot.estimate[fs.fIdx] = x[col]
	}

	return maxRel, nil
}

// tieCount returns the number of correlated tie equations.
func (fs *freqSolver) tieCount() int {
	n := 0
	for _, rp := range fs.refined {
		if rp.slot.kind == kindCorrelated {
			n++
		}
	}

	return n
}

// goodnessOfFit computes the chi-squared upper-tail p-value of the
// converged solution. Each complex residual contributes two real squared
// deviations; the degrees of freedom are twice the surplus of equations
// over unknowns. Without a noise model the statistic is meaningless and
// the p-value is NaN.
func (fs *freqSolver) goodnessOfFit() float64 {
	if !fs.s.hasNoiseModel() {
		return math.NaN()
	}

	tv := newTermView(fs.lay, fs.terms)
	fs.sysA = make([]*cmat.Matrix, len(fs.obs))

	ssr := fs.leakSSR
	for _, cell := range fs.cells {
		coeff := termEquation(fs.lay, fs.expanded[cell.obs], fs.mprime[cell.obs], cell.i, cell.j)
		var resid complex128
		for idx, cv := range coeff {
			resid += cv * fs.terms[idx]
		}
		w := fs.invSigma(fs.rowSigma(cell.obs, tv, cell.i, cell.j))
		ssr += w * w * (real(resid)*real(resid) + imag(resid)*imag(resid))
	}

	nTies := 0
	for _, rp := range fs.refined {
		if rp.slot.kind != kindCorrelated {
			continue
		}
		nTies++
		base, err := fs.s.estimateAt(rp.slot.base, fs.fIdx)
		if err != nil {
			continue
		}
		d := rp.slot.estimate[fs.fIdx] - base
		w := 1 / rp.slot.sigma[fs.fIdx]
		ssr += w * w * (real(d)*real(d) + imag(d)*imag(d))
	}

	nRows := len(fs.cells) + fs.leakRows + nTies
	nUnknowns := fs.nCols + fs.leakCount + len(fs.refined)
	dof := 2 * (nRows - nUnknowns)
	if dof <= 0 {
		return math.NaN()
	}

	return distuv.ChiSquared{K: float64(dof)}.Survival(2 * ssr)
}

// ue14ToE12 converts a solved UE14 term vector to the twelve-term form.
// For detector column j with diagonals um, ux and scalars ui, us:
//
//	em_i = ux_i / um_i
//	er_i = (us + ui·em_j) / um_i
//	el_j = ui / um_j           (directivity, diagonal cell)
//	el_i = El_ue14(i, j)       (leakage, off-diagonal cells)
//
// The two models predict identical measurements; the conversion merely
// reparametrizes. A vanishing um entry makes the twelve-term form
// undefined and reports errs.ErrSingularSystem.
func ue14ToE12(pub, slay *topology.Layout, terms []complex128) ([]complex128, error) {
	r, c := slay.MRows(), slay.MCols()
	out := make([]complex128, pub.Terms())

	for j := range c {
		um, ui, ux, us := ue14Column(slay, terms, j)

		elSpan, _ := pub.Span(topology.GroupEl, j)
		erSpan, _ := pub.Span(topology.GroupEr, j)
		emSpan, _ := pub.Span(topology.GroupEm, j)

		if cmplx.Abs(um[j]) < 1e-300 {
			return nil, fmt.Errorf("%w: twelve-term conversion divides by um[%d] ~ 0",
				errs.ErrSingularSystem, j)
		}
		emj := ux[j] / um[j]

		for i := range r {
			if cmplx.Abs(um[i]) < 1e-300 {
				return nil, fmt.Errorf("%w: twelve-term conversion divides by um[%d] ~ 0",
					errs.ErrSingularSystem, i)
			}
			out[emSpan.Offset+i] = ux[i] / um[i]
			out[erSpan.Offset+i] = (us + ui*emj) / um[i]

			if i == j {
				out[elSpan.Offset+i] = ui / um[j]
			} else {
				src, _ := slay.LeakageIndex(i, j)
				out[elSpan.Offset+i] = terms[src]
			}
		}
	}

	return out, nil
}
