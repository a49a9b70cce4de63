package cal

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/arloliu/vnacal/errs"
	"github.com/arloliu/vnacal/topology"
)

var testFreqs = []float64{1e9, 2e9}

// ============================================================================
// Fixture helpers
// ============================================================================

func crand(rng *rand.Rand, scale float64) complex128 {
	return complex(scale*(2*rng.Float64()-1), scale*(2*rng.Float64()-1))
}

// genTerms builds a plausible error-term vector for a layout: measurement
// scales near 1, cross-coupling and leakage small, unity entries exactly 1.
// The magnitudes keep every forward-model system comfortably nonsingular.
func genTerms(lay *topology.Layout, rng *rand.Rand) []complex128 {
	r, c := lay.MRows(), lay.MCols()
	full := lay.Type() == topology.T16 || lay.Type() == topology.U16
	terms := make([]complex128, lay.Terms())

	for _, sp := range lay.Spans() {
		for k := range sp.Size {
			var v complex128
			switch sp.Group {
			case topology.GroupTs, topology.GroupUs:
				if full && k/c != k%c {
					v = crand(rng, 0.05)
				} else {
					v = 1 + crand(rng, 0.3)
				}
			case topology.GroupTm:
				if full && k/c != k%c {
					v = crand(rng, 0.05)
				} else {
					v = 1 + crand(rng, 0.2)
				}
			case topology.GroupUm:
				if full && k/r != k%r {
					v = crand(rng, 0.05)
				} else {
					v = 1 + crand(rng, 0.2)
				}
			case topology.GroupTi, topology.GroupUi:
				v = crand(rng, 0.1)
			case topology.GroupTx, topology.GroupUx:
				if full {
					v = crand(rng, 0.08)
				} else {
					v = crand(rng, 0.2)
				}
			case topology.GroupEr:
				v = 1 + crand(rng, 0.3)
			case topology.GroupEm:
				v = crand(rng, 0.15)
			case topology.GroupEl:
				v = crand(rng, 0.02)
			}
			terms[sp.Offset+k] = v
		}
	}
	for _, u := range lay.UnityIndices() {
		terms[u] = 1
	}

	return terms
}

// genTruth builds one term vector per session frequency.
func genTruth(sess *Session, rng *rand.Rand) [][]complex128 {
	truth := make([][]complex128, len(sess.Frequencies()))
	for f := range truth {
		truth[f] = genTerms(sess.Layout(), rng)
	}

	return truth
}

// diagStandard builds a full-square standard with the given reflection
// coefficients on the diagonal and known zeros everywhere else. These
// double as isolation coverage for the leakage topologies.
func diagStandard(t *testing.T, sess *Session, gammas []complex128) *Standard {
	t.Helper()

	p := len(gammas)
	zero := sess.AddKnown(0)
	entries := make([][]ParamHandle, p)
	ports := make([]int, p)
	for i := range p {
		entries[i] = make([]ParamHandle, p)
		ports[i] = i + 1
		for j := range p {
			if i == j {
				entries[i][j] = sess.AddKnown(gammas[i])
			} else {
				entries[i][j] = zero
			}
		}
	}

	std, err := sess.NewStandard(entries, ports...)
	require.NoError(t, err)

	return std
}

// fixtureStandards builds a standard set rich enough to identify every
// topology at the session's shape: three full-square diagonal banks,
// throughs between all port pairs, a known dense two-port device, and a
// delay line.
func fixtureStandards(t *testing.T, sess *Session) []*Standard {
	t.Helper()

	p := sess.Layout().Ports()
	if p == 1 {
		var stds []*Standard
		for _, g := range []complex128{-1, 1, 0, 0.45 + 0.3i} {
			std, err := sess.NewReflect(sess.AddKnown(g), 1)
			require.NoError(t, err)
			stds = append(stds, std)
		}

		return stds
	}

	var stds []*Standard
	for set := range 3 {
		gammas := make([]complex128, p)
		for i := range p {
			fi := float64(i)
			switch set {
			case 0: // short bank
				gammas[i] = complex(-1+0.05*fi, 0.04*fi)
			case 1: // open bank
				gammas[i] = complex(1-0.04*fi, -0.05*fi)
			case 2: // load bank
				gammas[i] = complex(0.02*fi, 0.03*fi-0.01)
			}
		}
		stds = append(stds, diagStandard(t, sess, gammas))
	}

	for a := 1; a <= p; a++ {
		for b := a + 1; b <= p; b++ {
			thru, err := sess.NewThrough(a, b)
			require.NoError(t, err)
			stds = append(stds, thru)
		}
	}

	dense, err := sess.NewStandard([][]ParamHandle{
		{sess.AddKnown(0.2 + 0.1i), sess.AddKnown(0.7 - 0.05i)},
		{sess.AddKnown(0.65 + 0.1i), sess.AddKnown(-0.15 + 0.2i)},
	}, 1, 2)
	require.NoError(t, err)
	stds = append(stds, dense)

	line, err := sess.NewLine(1, 2, sess.KnownDelay(85e-12))
	require.NoError(t, err)
	stds = append(stds, line)

	return stds
}

// observeAll synthesizes and records noiseless measurements for every
// standard.
func observeAll(t *testing.T, sess *Session, truth [][]complex128, stds []*Standard) {
	t.Helper()
	for _, std := range stds {
		meas, err := sess.Synthesize(std, truth)
		require.NoError(t, err)
		require.NoError(t, sess.AddObservation(std, meas))
	}
}

func requireTermsClose(t *testing.T, want, got []complex128, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for k := range want {
		require.InDelta(t, real(want[k]), real(got[k]), tol, "term %d (real)", k)
		require.InDelta(t, imag(want[k]), imag(got[k]), tol, "term %d (imag)", k)
	}
}

// ============================================================================
// Round-trip recovery
// ============================================================================

func TestSolveRoundTrip(t *testing.T) {
	cases := []struct {
		typ  topology.Type
		r, c int
	}{
		{topology.T8, 1, 1},
		{topology.T8, 2, 2},
		{topology.T8, 2, 3},
		{topology.TE10, 2, 2},
		{topology.TE10, 2, 3},
		{topology.T16, 2, 2},
		{topology.U8, 1, 1},
		{topology.U8, 2, 2},
		{topology.U8, 3, 2},
		{topology.UE10, 2, 2},
		{topology.UE10, 3, 2},
		{topology.U16, 2, 2},
		{topology.UE14, 2, 2},
		{topology.UE14, 3, 2},
		{topology.E12, 2, 2},
		{topology.E12, 3, 2},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_%dx%d", tc.typ, tc.r, tc.c), func(t *testing.T) {
			sess, err := NewSession(tc.typ, tc.r, tc.c, testFreqs, WithRandSeed(11))
			require.NoError(t, err)

			rng := rand.New(rand.NewPCG(uint64(tc.typ)*100+uint64(tc.r*10+tc.c), 7))
			truth := genTruth(sess, rng)
			observeAll(t, sess, truth, fixtureStandards(t, sess))

			res, err := sess.Solve()
			require.NoError(t, err)

			for f := range testFreqs {
				require.NoError(t, res.Err(f))
				got, err := res.ErrorTerms(f)
				require.NoError(t, err)
				requireTermsClose(t, truth[f], got, 1e-6)

				iters, err := res.Iterations(f)
				require.NoError(t, err)
				require.Positive(t, iters)
			}
		})
	}
}

// TestSolveOnePortSOLPlusThrough covers the smallest useful two-port
// calibration: a short/open/load bank on port 1 only, plus one through.
// Column 2 of the reflect measurements touches undriven cells and must be
// ignored; the remaining ten equations still determine all seven free T8
// terms.
func TestSolveOnePortSOLPlusThrough(t *testing.T) {
	sess, err := NewSession(topology.T8, 2, 2, []float64{1e9}, WithRandSeed(3))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(42, 1))
	truth := genTruth(sess, rng)

	var stds []*Standard
	for _, g := range []complex128{-1, 1, 0} {
		std, err := sess.NewReflect(sess.AddKnown(g), 1)
		require.NoError(t, err)
		stds = append(stds, std)
	}
	thru, err := sess.NewThrough(1, 2)
	require.NoError(t, err)
	stds = append(stds, thru)

	observeAll(t, sess, truth, stds)

	res, err := sess.Solve()
	require.NoError(t, err)
	require.NoError(t, res.Err(0))

	got, err := res.ErrorTerms(0)
	require.NoError(t, err)
	requireTermsClose(t, truth[0], got, 1e-6)
}

func TestSolveWithIncidentMatrices(t *testing.T) {
	sess, err := NewSession(topology.T8, 2, 2, testFreqs, WithRandSeed(5))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(17, 3))
	truth := genTruth(sess, rng)

	// Switch-term style incident matrix: dominant drive with a little
	// crosstalk into the idle generator.
	inc := [][]complex128{
		{1, 0.1 + 0.02i},
		{0.05i, 0.95 - 0.03i},
	}

	for _, std := range fixtureStandards(t, sess) {
		meas, err := sess.Synthesize(std, truth)
		require.NoError(t, err)

		detected := make([][][]complex128, len(meas))
		incident := make([][][]complex128, len(meas))
		for f := range meas {
			detected[f] = make([][]complex128, 2)
			for i := range 2 {
				detected[f][i] = make([]complex128, 2)
				for j := range 2 {
					for k := range 2 {
						detected[f][i][j] += meas[f][i][k] * inc[k][j]
					}
				}
			}
			incident[f] = inc
		}
		require.NoError(t, sess.AddObservationWithIncident(std, detected, incident))
	}

	res, err := sess.Solve()
	require.NoError(t, err)
	for f := range testFreqs {
		require.NoError(t, res.Err(f))
		got, err := res.ErrorTerms(f)
		require.NoError(t, err)
		requireTermsClose(t, truth[f], got, 1e-6)
	}
}

// ============================================================================
// Joint parameter estimation
// ============================================================================

func TestSolveRefinesUnknownReflect(t *testing.T) {
	sess, err := NewSession(topology.T8, 1, 1, []float64{1e9},
		WithRandSeed(9), WithIterationLimit(100),
		WithETTolerance(1e-10), WithPTolerance(1e-10))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(23, 5))
	truth := genTruth(sess, rng)

	var stds []*Standard
	for _, g := range []complex128{-1, 1, 0} {
		std, err := sess.NewReflect(sess.AddKnown(g), 1)
		require.NoError(t, err)
		stds = append(stds, std)
	}

	// Synthesize the fourth reflect from its true value, then present it
	// to the solver as an unknown seeded with a nearby guess.
	const gammaTrue = 0.6 + 0.25i
	trueStd, err := sess.NewReflect(sess.AddKnown(gammaTrue), 1)
	require.NoError(t, err)
	meas, err := sess.Synthesize(trueStd, truth)
	require.NoError(t, err)

	unknown := sess.AddUnknown(0.5 + 0.2i)
	unkStd, err := sess.NewReflect(unknown, 1)
	require.NoError(t, err)

	observeAll(t, sess, truth, stds)
	require.NoError(t, sess.AddObservation(unkStd, meas))

	res, err := sess.Solve()
	require.NoError(t, err)
	require.NoError(t, res.Err(0))

	got, err := res.ErrorTerms(0)
	require.NoError(t, err)
	requireTermsClose(t, truth[0], got, 1e-6)

	est, err := sess.Estimate(unknown, 1e9)
	require.NoError(t, err)
	require.InDelta(t, real(gammaTrue), real(est), 1e-6)
	require.InDelta(t, imag(gammaTrue), imag(est), 1e-6)
}

func TestSolveRefinesCorrelatedReflect(t *testing.T) {
	sigmaN := []float64{1e-7}
	sess, err := NewSession(topology.T8, 1, 1, []float64{1e9},
		WithRandSeed(13), WithIterationLimit(100), WithNoiseModel(sigmaN, nil))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(31, 9))
	truth := genTruth(sess, rng)

	var stds []*Standard
	for _, g := range []complex128{-1, 1, 0.4i} {
		std, err := sess.NewReflect(sess.AddKnown(g), 1)
		require.NoError(t, err)
		stds = append(stds, std)
	}

	// An imperfect load: nominally zero, actually 0.04-0.02i, modeled as
	// correlated with sigma 0.05 around the nominal.
	const gammaActual = 0.04 - 0.02i
	actualStd, err := sess.NewReflect(sess.AddKnown(gammaActual), 1)
	require.NoError(t, err)
	meas, err := sess.Synthesize(actualStd, truth)
	require.NoError(t, err)

	nominal := sess.AddKnown(0)
	correlated, err := sess.AddCorrelated(nominal, 0.05)
	require.NoError(t, err)
	corStd, err := sess.NewReflect(correlated, 1)
	require.NoError(t, err)

	observeAll(t, sess, truth, stds)
	require.NoError(t, sess.AddObservation(corStd, meas))

	res, err := sess.Solve()
	require.NoError(t, err)
	require.NoError(t, res.Err(0))

	// With near-noiseless measurements the measured evidence overwhelms
	// the tie toward the nominal value.
	est, err := sess.Estimate(correlated, 1e9)
	require.NoError(t, err)
	require.InDelta(t, real(gammaActual), real(est), 1e-4)
	require.InDelta(t, imag(gammaActual), imag(est), 1e-4)

	got, err := res.ErrorTerms(0)
	require.NoError(t, err)
	requireTermsClose(t, truth[0], got, 1e-4)
}

func TestSolveLRMPicksSeededSign(t *testing.T) {
	// LRM: match and ideal through are known, the reflect is a single
	// unknown shared by both ports. The reflect enters the equations only
	// through even powers, so +gamma and -gamma fit equally well; the
	// initial guess must decide which root the solver lands on.
	sess, err := NewSession(topology.T8, 2, 2, []float64{1e9},
		WithRandSeed(17), WithIterationLimit(100),
		WithETTolerance(1e-10), WithPTolerance(1e-10))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(41, 7))
	truth := genTruth(sess, rng)

	match := sess.AddKnown(0)
	var stds []*Standard
	for port := 1; port <= 2; port++ {
		std, err := sess.NewReflect(match, port)
		require.NoError(t, err)
		stds = append(stds, std)
	}
	thru, err := sess.NewThrough(1, 2)
	require.NoError(t, err)
	stds = append(stds, thru)
	observeAll(t, sess, truth, stds)

	// Synthesize the reflect from its true value on each port, then hand
	// the solver one shared unknown seeded nearer the true root than its
	// mirror image.
	const gammaTrue = -0.9 + 0.05i
	unknown := sess.AddUnknown(-0.7)
	for port := 1; port <= 2; port++ {
		trueStd, err := sess.NewReflect(sess.AddKnown(gammaTrue), port)
		require.NoError(t, err)
		meas, err := sess.Synthesize(trueStd, truth)
		require.NoError(t, err)

		unkStd, err := sess.NewReflect(unknown, port)
		require.NoError(t, err)
		require.NoError(t, sess.AddObservation(unkStd, meas))
	}

	res, err := sess.Solve()
	require.NoError(t, err)
	require.NoError(t, res.Err(0))

	est, err := sess.Estimate(unknown, 1e9)
	require.NoError(t, err)
	require.InDelta(t, real(gammaTrue), real(est), 1e-6)
	require.InDelta(t, imag(gammaTrue), imag(est), 1e-6)

	got, err := res.ErrorTerms(0)
	require.NoError(t, err)
	requireTermsClose(t, truth[0], got, 1e-6)
}

// ============================================================================
// Failure modes
// ============================================================================

func TestSolveNoObservations(t *testing.T) {
	sess, err := NewSession(topology.T8, 2, 2, testFreqs)
	require.NoError(t, err)

	_, err = sess.Solve()
	require.ErrorIs(t, err, errs.ErrUsage)
}

func TestSolveUnderdetermined(t *testing.T) {
	sess, err := NewSession(topology.T8, 2, 2, testFreqs, WithRandSeed(19))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 3))
	truth := genTruth(sess, rng)

	thru, err := sess.NewThrough(1, 2)
	require.NoError(t, err)
	meas, err := sess.Synthesize(thru, truth)
	require.NoError(t, err)
	require.NoError(t, sess.AddObservation(thru, meas))

	res, err := sess.Solve()
	require.NoError(t, err)
	for f := range testFreqs {
		require.ErrorIs(t, res.Err(f), errs.ErrUnderdetermined)
		require.ErrorIs(t, res.Err(f), errs.ErrDomain)

		_, err := res.ErrorTerms(f)
		require.Error(t, err)
	}
}

func TestSolveMissingIsolation(t *testing.T) {
	sess, err := NewSession(topology.TE10, 2, 2, testFreqs, WithRandSeed(21))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(5, 5))
	truth := genTruth(sess, rng)

	// A through couples the ports, so it can never separate leakage from
	// transmission; without any isolation observation the leakage terms
	// are unobservable.
	thru, err := sess.NewThrough(1, 2)
	require.NoError(t, err)
	meas, err := sess.Synthesize(thru, truth)
	require.NoError(t, err)
	require.NoError(t, sess.AddObservation(thru, meas))

	res, err := sess.Solve()
	require.NoError(t, err)
	for f := range testFreqs {
		require.ErrorIs(t, res.Err(f), errs.ErrMissingIsolation)
	}
}

// TestSolvePerFrequencyIsolation corrupts the second frequency only; the
// first must still solve, and the failed frequency must roll back its
// parameter estimates.
func TestSolvePerFrequencyIsolation(t *testing.T) {
	const guess = 0.5 + 0.2i
	sigmaN := []float64{1e-6, 1e-6}

	sess, err := NewSession(topology.T8, 1, 1, testFreqs,
		WithRandSeed(27), WithIterationLimit(100),
		WithNoiseModel(sigmaN, nil), WithPValueLimit(0.001))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(7, 11))
	truth := genTruth(sess, rng)

	const gammaTrue = 0.55 + 0.2i
	trueStd, err := sess.NewReflect(sess.AddKnown(gammaTrue), 1)
	require.NoError(t, err)
	unkMeas, err := sess.Synthesize(trueStd, truth)
	require.NoError(t, err)

	unknown := sess.AddUnknown(guess)
	unkStd, err := sess.NewReflect(unknown, 1)
	require.NoError(t, err)

	for i, g := range []complex128{-1, 1, 0, 0.3i} {
		std, err := sess.NewReflect(sess.AddKnown(g), 1)
		require.NoError(t, err)
		meas, err := sess.Synthesize(std, truth)
		require.NoError(t, err)
		if i == 0 {
			// Gross corruption at the second frequency only.
			meas[1][0][0] += 0.5
		}
		require.NoError(t, sess.AddObservation(std, meas))
	}
	require.NoError(t, sess.AddObservation(unkStd, unkMeas))

	res, err := sess.Solve()
	require.NoError(t, err)

	require.NoError(t, res.Err(0))
	got, err := res.ErrorTerms(0)
	require.NoError(t, err)
	requireTermsClose(t, truth[0], got, 1e-4)

	require.ErrorIs(t, res.Err(1), errs.ErrPValueRejected)
	require.ErrorIs(t, res.Err(1), errs.ErrRejected)
	_, err = res.ErrorTerms(1)
	require.Error(t, err)
	pv, err := res.PValue(1)
	require.NoError(t, err)
	require.True(t, math.IsNaN(pv))

	// The failed frequency's estimate rolls back to the seed guess; the
	// successful one converges to the true reflection.
	est1, err := sess.Estimate(unknown, testFreqs[1])
	require.NoError(t, err)
	require.Equal(t, guess, est1)

	est0, err := sess.Estimate(unknown, testFreqs[0])
	require.NoError(t, err)
	require.InDelta(t, real(gammaTrue), real(est0), 1e-4)
	require.InDelta(t, imag(gammaTrue), imag(est0), 1e-4)
}

// ============================================================================
// Goodness of fit
// ============================================================================

func reflectMeas(t *testing.T, lay *topology.Layout, truth []complex128, gamma complex128) complex128 {
	t.Helper()
	m, err := Predict(lay, truth, [][]complex128{{gamma}})
	require.NoError(t, err)

	return m[0][0]
}

// TestSolvePValueUniform checks the calibration residual statistic: with a
// correctly specified noise model the per-solve p-values must be uniform
// on (0,1). The Kolmogorov-Smirnov bound 0.0616 corresponds to a 0.001
// significance level at 1000 trials.
func TestSolvePValueUniform(t *testing.T) {
	const (
		trials = 1000
		sigma  = 1e-3
	)
	gammas := []complex128{-1, 1, 0, 0.5i, -0.5 + 0.5i}

	lay, err := topology.NewLayout(topology.T8, 1, 1)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(101, 202))
	truth := genTerms(lay, rng)

	noise := distuv.Normal{Mu: 0, Sigma: sigma / math.Sqrt2, Src: rand.NewPCG(303, 404)}

	pvals := make([]float64, 0, trials)
	for range trials {
		sess, err := NewSession(topology.T8, 1, 1, []float64{1e9},
			WithNoiseModel([]float64{sigma}, nil))
		require.NoError(t, err)

		for _, g := range gammas {
			std, err := sess.NewReflect(sess.AddKnown(g), 1)
			require.NoError(t, err)
			m := reflectMeas(t, lay, truth, g) + complex(noise.Rand(), noise.Rand())
			require.NoError(t, sess.AddObservation(std, [][][]complex128{{{m}}}))
		}

		res, err := sess.Solve()
		require.NoError(t, err)
		require.NoError(t, res.Err(0))

		pv, err := res.PValue(0)
		require.NoError(t, err)
		require.False(t, math.IsNaN(pv))
		pvals = append(pvals, pv)
	}

	sort.Float64s(pvals)
	var ks float64
	n := float64(len(pvals))
	for i, p := range pvals {
		ks = math.Max(ks, math.Max(p-float64(i)/n, float64(i+1)/n-p))
	}
	require.Less(t, ks, 0.0616, "p-values are not uniform (KS = %v)", ks)
}

func TestSolvePValueNaNWithoutNoiseModel(t *testing.T) {
	sess, err := NewSession(topology.T8, 1, 1, []float64{1e9}, WithRandSeed(2))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(9, 9))
	truth := genTruth(sess, rng)
	observeAll(t, sess, truth, fixtureStandards(t, sess))

	res, err := sess.Solve()
	require.NoError(t, err)
	require.NoError(t, res.Err(0))

	pv, err := res.PValue(0)
	require.NoError(t, err)
	require.True(t, math.IsNaN(pv))
}

// TestSolveRejectsOptimisticNoiseModel claims noise a hundred times
// smaller than reality; the fit statistic must blow up and trip the gate.
func TestSolveRejectsOptimisticNoiseModel(t *testing.T) {
	const claimed, actual = 1e-5, 1e-3
	gammas := []complex128{-1, 1, 0, 0.5i, -0.5 + 0.5i}

	lay, err := topology.NewLayout(topology.T8, 1, 1)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(55, 66))
	truth := genTerms(lay, rng)
	noise := distuv.Normal{Mu: 0, Sigma: actual / math.Sqrt2, Src: rand.NewPCG(77, 88)}

	sess, err := NewSession(topology.T8, 1, 1, []float64{1e9},
		WithNoiseModel([]float64{claimed}, nil), WithPValueLimit(0.01))
	require.NoError(t, err)

	for _, g := range gammas {
		std, err := sess.NewReflect(sess.AddKnown(g), 1)
		require.NoError(t, err)
		m := reflectMeas(t, lay, truth, g) + complex(noise.Rand(), noise.Rand())
		require.NoError(t, sess.AddObservation(std, [][][]complex128{{{m}}}))
	}

	res, err := sess.Solve()
	require.NoError(t, err)
	require.ErrorIs(t, res.Err(0), errs.ErrPValueRejected)
	require.ErrorIs(t, res.Err(0), errs.ErrRejected)
}

// ============================================================================
// Noisy recovery
// ============================================================================

func TestSolveNoisyRecovery(t *testing.T) {
	const sigma = 1e-4
	sess, err := NewSession(topology.T8, 2, 2, []float64{1e9},
		WithRandSeed(33), WithNoiseModel([]float64{sigma}, []float64{sigma}))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(44, 55))
	truth := genTruth(sess, rng)
	noise := distuv.Normal{Mu: 0, Sigma: sigma / math.Sqrt2, Src: rand.NewPCG(66, 77)}

	for _, std := range fixtureStandards(t, sess) {
		meas, err := sess.Synthesize(std, truth)
		require.NoError(t, err)
		for f := range meas {
			for i := range meas[f] {
				for j := range meas[f][i] {
					meas[f][i][j] += complex(noise.Rand(), noise.Rand())
				}
			}
		}
		require.NoError(t, sess.AddObservation(std, meas))
	}

	res, err := sess.Solve()
	require.NoError(t, err)
	require.NoError(t, res.Err(0))

	got, err := res.ErrorTerms(0)
	require.NoError(t, err)
	// Recovery degrades gracefully with the noise floor.
	requireTermsClose(t, truth[0], got, 100*sigma)
}

// ============================================================================
// Internal consistency
// ============================================================================

// TestUE14ToE12Equivalence verifies the twelve-term conversion by
// round-tripping the forward model: a UE14 vector and its converted E12
// form must predict identical measurements for any S-matrix.
func TestUE14ToE12Equivalence(t *testing.T) {
	ue14, err := topology.NewLayout(topology.UE14, 2, 2)
	require.NoError(t, err)
	e12, err := topology.NewLayout(topology.E12, 2, 2)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	terms := genTerms(ue14, rng)

	converted, err := ue14ToE12(e12, ue14, terms)
	require.NoError(t, err)

	s := [][]complex128{
		{0.3 + 0.1i, 0.6 - 0.2i},
		{0.55 + 0.15i, -0.25 + 0.3i},
	}
	want, err := Predict(ue14, terms, s)
	require.NoError(t, err)
	got, err := Predict(e12, converted, s)
	require.NoError(t, err)

	for i := range want {
		for j := range want[i] {
			require.InDelta(t, real(want[i][j]), real(got[i][j]), 1e-12)
			require.InDelta(t, imag(want[i][j]), imag(got[i][j]), 1e-12)
		}
	}
}

func TestSolveExactlyLinearConvergesEarly(t *testing.T) {
	sess, err := NewSession(topology.T8, 2, 2, []float64{1e9}, WithRandSeed(8))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(12, 34))
	truth := genTruth(sess, rng)
	observeAll(t, sess, truth, fixtureStandards(t, sess))

	res, err := sess.Solve()
	require.NoError(t, err)
	require.NoError(t, res.Err(0))

	// With fully known standards the system is exactly linear: the first
	// iteration lands on the solution and the second merely confirms it.
	iters, err := res.Iterations(0)
	require.NoError(t, err)
	require.LessOrEqual(t, iters, 3)
}

func TestSolveTaxonomy(t *testing.T) {
	require.True(t, errors.Is(errs.ErrUnderdetermined, errs.ErrDomain))
	require.True(t, errors.Is(errs.ErrIterationLimit, errs.ErrConvergence))
	require.True(t, errors.Is(errs.ErrPValueRejected, errs.ErrRejected))
	require.True(t, errors.Is(errs.ErrStaleHandle, errs.ErrUsage))
}
