package cal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/arloliu/vnacal/errs"
	"github.com/arloliu/vnacal/topology"
)

// Result holds the per-frequency outcome of a Solve: the error-term vector
// in the session's published layout, the goodness-of-fit p-value, and the
// iteration count, or the error that failed that frequency.
//
// A Result is immutable and safe for concurrent reads.
type Result struct {
	layout  *topology.Layout
	freqs   []float64
	terms   [][]complex128
	pvalues []float64
	iters   []int
	errs    []error
}

func newResult(s *Session) *Result {
	n := len(s.freqs)

	return &Result{
		layout:  s.layout,
		freqs:   s.freqs,
		terms:   make([][]complex128, n),
		pvalues: make([]float64, n),
		iters:   make([]int, n),
		errs:    make([]error, n),
	}
}

// Layout returns the published error-term layout.
func (r *Result) Layout() *topology.Layout { return r.layout }

// Frequencies returns the session frequency grid the result is aligned to.
// The returned slice must not be modified.
func (r *Result) Frequencies() []float64 { return r.freqs }

// Err returns the solve error at frequency index f, or nil on success.
func (r *Result) Err(f int) error {
	if err := r.checkIndex(f); err != nil {
		return err
	}

	return r.errs[f]
}

// ErrorTerms returns the error-term vector at frequency index f, ordered by
// the result layout's spans. The returned slice must not be modified.
func (r *Result) ErrorTerms(f int) ([]complex128, error) {
	if err := r.checkIndex(f); err != nil {
		return nil, err
	}
	if r.errs[f] != nil {
		return nil, r.errs[f]
	}

	return r.terms[f], nil
}

// PValue returns the goodness-of-fit p-value at frequency index f. NaN
// means the statistic was unavailable: no noise model, an exactly
// determined system, or a failed solve.
func (r *Result) PValue(f int) (float64, error) {
	if err := r.checkIndex(f); err != nil {
		return 0, err
	}

	return r.pvalues[f], nil
}

// Iterations returns the solver iteration count at frequency index f, 0
// for a failed frequency.
func (r *Result) Iterations(f int) (int, error) {
	if err := r.checkIndex(f); err != nil {
		return 0, err
	}

	return r.iters[f], nil
}

// Fingerprint returns a 64-bit digest of the error-term vector at
// frequency index f, suitable for regression comparison and cache keys.
// The digest covers the IEEE-754 bits of every term in layout order.
func (r *Result) Fingerprint(f int) (uint64, error) {
	terms, err := r.ErrorTerms(f)
	if err != nil {
		return 0, err
	}

	d := xxhash.New()
	var buf [16]byte
	for _, t := range terms {
		binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(real(t)))
		binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(imag(t)))
		_, _ = d.Write(buf[:])
	}

	return d.Sum64(), nil
}

func (r *Result) checkIndex(f int) error {
	if f < 0 || f >= len(r.freqs) {
		return fmt.Errorf("%w: frequency index %d outside 0..%d",
			errs.ErrInvalidArgument, f, len(r.freqs)-1)
	}

	return nil
}
