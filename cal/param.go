package cal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/arloliu/vnacal/errs"
)

// ParamHandle is an opaque reference to a parameter owned by a session.
//
// Handles are generation-checked: freeing a parameter bumps its slot's
// generation, so a stale handle resolves to errs.ErrStaleHandle instead of
// silently aliasing a reused slot. The zero ParamHandle is never valid.
type ParamHandle struct {
	idx uint32
	gen uint32
}

// paramKind discriminates the four parameter variants.
type paramKind uint8

const (
	kindKnown paramKind = iota + 1
	kindKnownVector
	kindUnknown
	kindCorrelated
)

// paramSlot is one arena entry. The arena is the sole owner of parameter
// storage; standards and observations hold only handles.
type paramSlot struct {
	gen  uint32
	live bool
	kind paramKind

	value    complex128   // kindKnown
	values   []complex128 // kindKnownVector, one per session frequency
	estimate []complex128 // kindUnknown/kindCorrelated current estimates

	base  ParamHandle // kindCorrelated
	sigma []float64   // kindCorrelated per-frequency standard deviation
}

// refined reports whether the solver re-estimates this parameter.
func (p *paramSlot) refined() bool {
	return p.kind == kindUnknown || p.kind == kindCorrelated
}

// AddKnown adds a known-constant parameter. The value is used at every
// frequency.
func (s *Session) AddKnown(value complex128) ParamHandle {
	return s.alloc(&paramSlot{kind: kindKnown, value: value})
}

// AddKnownVector adds a known-per-frequency parameter. The values must be
// aligned with the session frequency grid, one entry per frequency; the
// engine never interpolates across mismatched grids.
func (s *Session) AddKnownVector(values []complex128) (ParamHandle, error) {
	if len(values) != len(s.freqs) {
		return ParamHandle{}, fmt.Errorf("%w: %d values for %d frequencies",
			errs.ErrInvalidArgument, len(values), len(s.freqs))
	}

	vals := make([]complex128, len(values))
	copy(vals, values)

	return s.alloc(&paramSlot{kind: kindKnownVector, values: vals}), nil
}

// KnownDelay adds a known-per-frequency parameter e^(-j·2π·f·tau) over the
// session grid, the transmission coefficient of a lossless line with
// electrical delay tau seconds.
func (s *Session) KnownDelay(tau float64) ParamHandle {
	vals := make([]complex128, len(s.freqs))
	for i, f := range s.freqs {
		phi := -2 * math.Pi * f * tau
		vals[i] = complex(math.Cos(phi), math.Sin(phi))
	}

	return s.alloc(&paramSlot{kind: kindKnownVector, values: vals})
}

// AddUnknown adds an unknown parameter seeded with the caller's guess. The
// solver refines the per-frequency estimate in place; read it back with
// Estimate after a solve.
func (s *Session) AddUnknown(guess complex128) ParamHandle {
	est := make([]complex128, len(s.freqs))
	for i := range est {
		est[i] = guess
	}

	return s.alloc(&paramSlot{kind: kindUnknown, estimate: est})
}

// AddCorrelated adds a parameter statistically tied to base with the given
// standard deviation (the RMS magnitude of the complex perturbation,
// applied at every frequency).
//
// Resolve draws base + noise afresh on every call (the synthesis
// semantics); the solver instead refines the handle's own estimate,
// tied toward base with weight 1/sigma.
func (s *Session) AddCorrelated(base ParamHandle, sigma float64) (ParamHandle, error) {
	sigmas := make([]float64, len(s.freqs))
	for i := range sigmas {
		sigmas[i] = sigma
	}

	return s.AddCorrelatedVector(base, sigmas)
}

// AddCorrelatedVector is AddCorrelated with a per-frequency standard
// deviation vector aligned to the session grid.
func (s *Session) AddCorrelatedVector(base ParamHandle, sigma []float64) (ParamHandle, error) {
	if _, err := s.slot(base); err != nil {
		return ParamHandle{}, err
	}
	if len(sigma) != len(s.freqs) {
		return ParamHandle{}, fmt.Errorf("%w: %d sigma values for %d frequencies",
			errs.ErrInvalidArgument, len(sigma), len(s.freqs))
	}
	for i, sg := range sigma {
		if sg <= 0 || math.IsNaN(sg) || math.IsInf(sg, 0) {
			return ParamHandle{}, fmt.Errorf("%w: sigma[%d] = %v", errs.ErrInvalidArgument, i, sg)
		}
	}

	sig := make([]float64, len(sigma))
	copy(sig, sigma)

	// The estimate starts at the base parameter's current value.
	est := make([]complex128, len(s.freqs))
	for i := range est {
		v, err := s.estimateAt(base, i)
		if err != nil {
			return ParamHandle{}, err
		}
		est[i] = v
	}

	return s.alloc(&paramSlot{kind: kindCorrelated, base: base, sigma: sig, estimate: est}), nil
}

// Free releases a parameter slot. Subsequent use of the handle (or of any
// correlated parameter's base resolution through it) reports
// errs.ErrStaleHandle. Parameters referenced by an already-added standard
// must not be freed before Solve.
func (s *Session) Free(h ParamHandle) error {
	slot, err := s.slot(h)
	if err != nil {
		return err
	}

	slot.live = false
	slot.gen++
	s.freeSlots = append(s.freeSlots, h.idx)

	return nil
}

// Resolve returns the parameter's value at the given frequency, which must
// lie on the session grid.
//
// Known-constant parameters ignore the frequency. Unknown parameters return
// the current estimate (the seed guess before any solve). Correlated
// parameters return the base parameter's current value plus a fresh
// Gaussian draw of the stated sigma on every call; this is the synthesis
// semantics used to generate test fixtures, not what the solver estimates.
func (s *Session) Resolve(h ParamHandle, freq float64) (complex128, error) {
	fIdx, err := s.freqIndex(freq)
	if err != nil {
		return 0, err
	}

	return s.resolveAt(h, fIdx)
}

// Estimate returns the refined per-frequency estimate for unknown and
// correlated parameters, and the plain value for known kinds. This is the
// read-back path for solver-refined values.
func (s *Session) Estimate(h ParamHandle, freq float64) (complex128, error) {
	fIdx, err := s.freqIndex(freq)
	if err != nil {
		return 0, err
	}

	return s.estimateAt(h, fIdx)
}

// alloc places a slot in the arena, reusing freed slots when available.
func (s *Session) alloc(slot *paramSlot) ParamHandle {
	slot.live = true

	if n := len(s.freeSlots); n > 0 {
		idx := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		slot.gen = s.params[idx].gen
		s.params[idx] = slot

		return ParamHandle{idx: idx, gen: slot.gen}
	}

	// Fresh slots start at generation 1 so the zero ParamHandle can never
	// resolve.
	slot.gen = 1
	s.params = append(s.params, slot)

	return ParamHandle{idx: uint32(len(s.params) - 1), gen: slot.gen}
}

// slot resolves a handle to its live arena entry.
func (s *Session) slot(h ParamHandle) (*paramSlot, error) {
	if int(h.idx) >= len(s.params) {
		return nil, fmt.Errorf("%w: index %d out of range", errs.ErrStaleHandle, h.idx)
	}

	slot := s.params[h.idx]
	if !slot.live || slot.gen != h.gen {
		return nil, fmt.Errorf("%w: index %d generation %d", errs.ErrStaleHandle, h.idx, h.gen)
	}

	return slot, nil
}

// resolveAt resolves a handle at a frequency index with the synthesis
// semantics for correlated parameters.
func (s *Session) resolveAt(h ParamHandle, fIdx int) (complex128, error) {
	slot, err := s.slot(h)
	if err != nil {
		return 0, err
	}

	switch slot.kind {
	case kindKnown:
		return slot.value, nil
	case kindKnownVector:
		return slot.values[fIdx], nil
	case kindUnknown:
		return slot.estimate[fIdx], nil
	case kindCorrelated:
		base, err := s.resolveAt(slot.base, fIdx)
		if err != nil {
			return 0, err
		}

		return base + s.complexDraw(slot.sigma[fIdx]), nil
	default:
		return 0, fmt.Errorf("%w: corrupt parameter kind %d", errs.ErrInvalidArgument, slot.kind)
	}
}

// estimateAt resolves a handle at a frequency index without any noise
// draw: refined estimate for unknown/correlated, plain value otherwise.
func (s *Session) estimateAt(h ParamHandle, fIdx int) (complex128, error) {
	slot, err := s.slot(h)
	if err != nil {
		return 0, err
	}

	switch slot.kind {
	case kindKnown:
		return slot.value, nil
	case kindKnownVector:
		return slot.values[fIdx], nil
	default:
		return slot.estimate[fIdx], nil
	}
}

// complexDraw returns a complex Gaussian perturbation whose magnitude has
// RMS sigma (each rectangular part carries sigma/sqrt(2)).
func (s *Session) complexDraw(sigma float64) complex128 {
	dist := distuv.Normal{Mu: 0, Sigma: sigma / math.Sqrt2, Src: s.rng}

	return complex(dist.Rand(), dist.Rand())
}
