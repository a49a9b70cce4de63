// Package cal implements the calibration error-term engine: sessions own a
// parameter arena, accumulate calibration standards and their raw
// measurements, and solve for the per-frequency error-term vectors of the
// configured topology.
//
// A typical calibration:
//
//	sess, _ := cal.NewSession(topology.T8, 2, 2, []float64{1e9})
//	short, _ := sess.NewReflect(sess.AddKnown(-1), 1)
//	sess.AddObservation(short, shortMeas)
//	... more standards ...
//	result, _ := sess.Solve()
//	terms, _ := result.ErrorTerms(0)
//
// Note: a Session is NOT safe for concurrent use. Distinct sessions share
// no mutable state and may run on separate goroutines without
// synchronization.
package cal

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/arloliu/vnacal/errs"
	"github.com/arloliu/vnacal/topology"
)

// Session is one calibration session: a topology and measurement shape, a
// frequency grid, a parameter arena, and the accumulated observations.
//
// Standards and observations accumulate until Solve is invoked. The layout
// is resolved once at construction and immutable afterwards.
type Session struct {
	typ    topology.Type
	layout *topology.Layout
	freqs  []float64

	params    []*paramSlot
	freeSlots []uint32

	observations []*Observation

	cfg sessionConfig
	rng rand.Source
}

// sessionConfig holds the solver configuration collected from functional
// options before the session is constructed.
type sessionConfig struct {
	etTolerance    float64
	pTolerance     float64
	iterationLimit int
	pvalueLimit    float64 // 0 disables the goodness-of-fit gate
	sigmaN         []float64
	sigmaT         []float64
	seed           uint64
}

// Default solver configuration. The iteration cap is the only bound on
// total work; there is no timeout.
const (
	defaultETTolerance    = 1e-6
	defaultPTolerance     = 1e-6
	defaultIterationLimit = 30
)

// SessionOption is a functional option for configuring a Session.
type SessionOption func(*sessionConfig) error

// WithETTolerance sets the relative convergence tolerance on the
// error-term vector.
func WithETTolerance(tol float64) SessionOption {
	return func(c *sessionConfig) error {
		if tol <= 0 || math.IsNaN(tol) {
			return fmt.Errorf("%w: et tolerance %v", errs.ErrInvalidArgument, tol)
		}
		c.etTolerance = tol

		return nil
	}
}

// WithPTolerance sets the relative convergence tolerance on refined
// parameter values.
func WithPTolerance(tol float64) SessionOption {
	return func(c *sessionConfig) error {
		if tol <= 0 || math.IsNaN(tol) {
			return fmt.Errorf("%w: p tolerance %v", errs.ErrInvalidArgument, tol)
		}
		c.pTolerance = tol

		return nil
	}
}

// WithIterationLimit caps the solver iterations per frequency.
func WithIterationLimit(limit int) SessionOption {
	return func(c *sessionConfig) error {
		if limit < 1 {
			return fmt.Errorf("%w: iteration limit %d", errs.ErrInvalidArgument, limit)
		}
		c.iterationLimit = limit

		return nil
	}
}

// WithPValueLimit enables the goodness-of-fit gate: a frequency whose
// p-value falls below limit is rejected. The limit must lie in (0, 1).
// The gate requires a noise model to be configured.
func WithPValueLimit(limit float64) SessionOption {
	return func(c *sessionConfig) error {
		if limit <= 0 || limit >= 1 || math.IsNaN(limit) {
			return fmt.Errorf("%w: p-value limit %v outside (0,1)", errs.ErrInvalidArgument, limit)
		}
		c.pvalueLimit = limit

		return nil
	}
}

// WithNoiseModel supplies the per-frequency measurement-error model:
// sigmaN is the additive noise magnitude, sigmaT the multiplicative
// (tracking) noise magnitude. Either may be nil. Both are interpreted as
// the RMS magnitude of the complex perturbation. Residual weighting and
// the goodness-of-fit statistic use this model; without it the solve is
// unweighted and the p-value reports NaN.
func WithNoiseModel(sigmaN, sigmaT []float64) SessionOption {
	return func(c *sessionConfig) error {
		for i, v := range sigmaN {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("%w: sigmaN[%d] = %v", errs.ErrInvalidArgument, i, v)
			}
		}
		for i, v := range sigmaT {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("%w: sigmaT[%d] = %v", errs.ErrInvalidArgument, i, v)
			}
		}
		c.sigmaN = sigmaN
		c.sigmaT = sigmaT

		return nil
	}
}

// WithRandSeed seeds the session's random source, which feeds correlated
// parameter draws and synthesis filler values. Sessions with the same seed
// and call sequence are reproducible.
func WithRandSeed(seed uint64) SessionOption {
	return func(c *sessionConfig) error {
		c.seed = seed

		return nil
	}
}

// NewSession creates a calibration session for the given topology and
// measurement shape (mRows detector ports × mCols generator ports) over a
// strictly ascending frequency grid.
//
// Parameters:
//   - typ: error-term topology (see the topology package)
//   - mRows, mCols: measurement matrix shape, validated against the
//     topology's rectangularity rule
//   - freqs: frequency grid in Hz, non-empty, strictly ascending
//   - opts: optional solver configuration
//
// Returns an error wrapping errs.ErrUsage if any argument is invalid.
func NewSession(typ topology.Type, mRows, mCols int, freqs []float64, opts ...SessionOption) (*Session, error) {
	layout, err := topology.NewLayout(typ, mRows, mCols)
	if err != nil {
		return nil, err
	}

	if len(freqs) == 0 {
		return nil, fmt.Errorf("%w: empty frequency grid", errs.ErrInvalidArgument)
	}
	for i, f := range freqs {
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return nil, fmt.Errorf("%w: frequency[%d] = %v", errs.ErrInvalidArgument, i, f)
		}
		if i > 0 && f <= freqs[i-1] {
			return nil, fmt.Errorf("%w: frequencies must be strictly ascending", errs.ErrInvalidArgument)
		}
	}

	cfg := sessionConfig{
		etTolerance:    defaultETTolerance,
		pTolerance:     defaultPTolerance,
		iterationLimit: defaultIterationLimit,
		seed:           1,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.sigmaN != nil && len(cfg.sigmaN) != len(freqs) {
		return nil, fmt.Errorf("%w: %d sigmaN values for %d frequencies",
			errs.ErrInvalidArgument, len(cfg.sigmaN), len(freqs))
	}
	if cfg.sigmaT != nil && len(cfg.sigmaT) != len(freqs) {
		return nil, fmt.Errorf("%w: %d sigmaT values for %d frequencies",
			errs.ErrInvalidArgument, len(cfg.sigmaT), len(freqs))
	}

	fcopy := make([]float64, len(freqs))
	copy(fcopy, freqs)

	return &Session{
		typ:    typ,
		layout: layout,
		freqs:  fcopy,
		cfg:    cfg,
		rng:    rand.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15),
	}, nil
}

// Topology returns the session's topology.
func (s *Session) Topology() topology.Type { return s.typ }

// Layout returns the session's resolved error-term layout.
func (s *Session) Layout() *topology.Layout { return s.layout }

// Frequencies returns the session frequency grid. The returned slice must
// not be modified.
func (s *Session) Frequencies() []float64 { return s.freqs }

// freqIndex maps a frequency value onto the session grid. The grid is
// searched exactly; off-grid frequencies are a usage error, never
// interpolated.
func (s *Session) freqIndex(freq float64) (int, error) {
	for i, f := range s.freqs {
		if f == freq {
			return i, nil
		}
	}

	return 0, fmt.Errorf("%w: %v Hz", errs.ErrUnknownFrequency, freq)
}

// cellSigma returns the modeled noise magnitude for a measurement cell at
// frequency index fIdx, or 0 when no noise model is configured.
func (s *Session) cellSigma(fIdx int, meas complex128) float64 {
	var v float64
	if s.cfg.sigmaN != nil {
		v += s.cfg.sigmaN[fIdx] * s.cfg.sigmaN[fIdx]
	}
	if s.cfg.sigmaT != nil {
		a := real(meas)*real(meas) + imag(meas)*imag(meas)
		v += s.cfg.sigmaT[fIdx] * s.cfg.sigmaT[fIdx] * a
	}
	if v == 0 {
		return 0
	}

	return math.Sqrt(v)
}

// hasNoiseModel reports whether a measurement-error model is configured.
func (s *Session) hasNoiseModel() bool {
	return s.cfg.sigmaN != nil || s.cfg.sigmaT != nil
}
