// Package errs defines the sentinel errors returned by the vnacal packages.
//
// Errors are organized as a two-level taxonomy: category sentinels
// (ErrUsage, ErrDomain, ErrConvergence, ErrRejected) and fine-grained
// sentinels that wrap their category. Callers can match at either level:
//
//	if errors.Is(err, errs.ErrSingularSystem) { ... } // specific cause
//	if errors.Is(err, errs.ErrDomain) { ... }         // whole category
//
// Usage and domain errors are deterministic for the same inputs.
// Convergence and rejection errors are data- and noise-dependent; supplying
// different standards or better initial guesses may resolve them. The
// solver never retries on its own.
package errs

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	// ErrUsage indicates the caller violated an API precondition
	// (bad topology/shape combination, malformed argument, stale handle).
	ErrUsage = errors.New("usage error")

	// ErrDomain indicates the supplied standards cannot determine the
	// requested error model (singular, degenerate, or under-determined
	// system). The inputs were well-formed but insufficient.
	ErrDomain = errors.New("domain error")

	// ErrConvergence indicates the iterative solver exhausted its
	// iteration limit without meeting both tolerances.
	ErrConvergence = errors.New("convergence error")

	// ErrRejected indicates the goodness-of-fit statistic fell below the
	// configured p-value limit, flagging mis-specified standards or an
	// incorrect measurement-error model.
	ErrRejected = errors.New("statistical rejection")
)

// Usage errors.
var (
	// ErrInvalidTopology indicates an unrecognized topology value.
	ErrInvalidTopology = fmt.Errorf("%w: invalid topology", ErrUsage)

	// ErrInvalidDimensions indicates a measurement shape that violates the
	// topology's rectangularity rule, or non-positive dimensions.
	ErrInvalidDimensions = fmt.Errorf("%w: invalid dimensions", ErrUsage)

	// ErrInvalidArgument indicates a malformed argument such as a
	// mismatched vector length, an out-of-range port number, or an
	// out-of-range configuration value.
	ErrInvalidArgument = fmt.Errorf("%w: invalid argument", ErrUsage)

	// ErrUnknownFrequency indicates a frequency that is not on the
	// session's frequency grid. The engine never interpolates across
	// mismatched grids; resampling is a caller responsibility.
	ErrUnknownFrequency = fmt.Errorf("%w: frequency not on session grid", ErrUsage)

	// ErrStaleHandle indicates a parameter handle whose slot has been
	// freed. Generation checking guarantees a freed handle can never
	// silently alias a reused slot.
	ErrStaleHandle = fmt.Errorf("%w: stale parameter handle", ErrUsage)
)

// Domain errors.
var (
	// ErrSingularSystem indicates a singular or numerically rank-deficient
	// linear system.
	ErrSingularSystem = fmt.Errorf("%w: singular linear system", ErrDomain)

	// ErrUnderdetermined indicates fewer independent measurement equations
	// than unknowns; the solver refuses to fabricate a plausible answer.
	ErrUnderdetermined = fmt.Errorf("%w: under-determined system", ErrDomain)

	// ErrDegenerateStandard indicates a standard that provides no usable
	// information for the selected topology (e.g. a through whose forward
	// model is singular at this frequency).
	ErrDegenerateStandard = fmt.Errorf("%w: degenerate standard", ErrDomain)

	// ErrMissingIsolation indicates a leakage topology without any
	// reflect-style observation covering an off-diagonal measurement cell,
	// leaving that leakage term unobservable.
	ErrMissingIsolation = fmt.Errorf("%w: no isolation observation for leakage term", ErrDomain)
)

// Convergence and rejection errors.
var (
	// ErrIterationLimit indicates the iteration cap elapsed before both
	// the error-term and parameter tolerances were met.
	ErrIterationLimit = fmt.Errorf("%w: iteration limit exceeded", ErrConvergence)

	// ErrPValueRejected indicates the per-frequency goodness-of-fit
	// p-value fell below the configured limit.
	ErrPValueRejected = fmt.Errorf("%w: p-value below limit", ErrRejected)
)
