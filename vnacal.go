// Package vnacal computes vector network analyzer calibration error terms
// from raw measurements of calibration standards.
//
// The engine covers the eight classic error-term topologies (T8, U8, TE10,
// UE10, T16, U16, UE14, E12), supports rectangular measurement matrices
// for switched multiport instruments, and jointly estimates error terms
// together with unknown or statistically constrained standard parameters.
//
// # Core Features
//
//   - Eight error-term topologies with a uniform term-vector layout
//   - Partially known standards: known, known-per-frequency, unknown, and
//     correlated parameters, all referenced through generation-checked
//     handles
//   - Rectangular measurement support (detector ports != generator ports)
//   - Leakage topologies (TE10, UE10, UE14, E12) with isolation-based
//     leakage estimation
//   - Noise-weighted least squares with a chi-squared goodness-of-fit
//     p-value per frequency
//   - Forward model and synthesis path for generating test fixtures and
//     verifying round trips
//
// # Basic Usage
//
// A two-port T8 calibration from short, open, load and through standards:
//
//	import "github.com/arloliu/vnacal"
//
//	sess, _ := vnacal.NewSession(vnacal.T8, 2, 2, []float64{1e9, 2e9})
//
//	short, _ := sess.NewReflect(sess.AddKnown(-1), 1)
//	open, _ := sess.NewReflect(sess.AddKnown(1), 1)
//	load, _ := sess.NewReflect(sess.AddKnown(0), 1)
//	thru, _ := sess.NewThrough(1, 2)
//
//	sess.AddObservation(short, shortMeas)
//	sess.AddObservation(open, openMeas)
//	sess.AddObservation(load, loadMeas)
//	sess.AddObservation(thru, thruMeas)
//
//	result, _ := sess.Solve()
//	terms, _ := result.ErrorTerms(0) // error terms at 1 GHz
//
// An imperfect standard is modeled with an unknown or correlated
// parameter; the solver refines it jointly with the error terms and the
// estimate is read back with Session.Estimate after the solve.
//
// # Package Structure
//
// This package provides top-level wrappers around the cal package,
// re-exporting the session API and topology identifiers for the common
// cases. The topology package resolves term layouts, and the errs package
// defines the error taxonomy (usage, domain, convergence, statistical
// rejection) for errors.Is matching.
package vnacal

import (
	"github.com/arloliu/vnacal/cal"
	"github.com/arloliu/vnacal/topology"
)

// Topology identifiers re-exported for call-site brevity.
const (
	T8   = topology.T8
	U8   = topology.U8
	TE10 = topology.TE10
	UE10 = topology.UE10
	T16  = topology.T16
	U16  = topology.U16
	UE14 = topology.UE14
	E12  = topology.E12
)

// Session is a calibration session; see the cal package for the full API.
type Session = cal.Session

// SessionOption configures a Session at construction.
type SessionOption = cal.SessionOption

// ParamHandle references a session-owned standard parameter.
type ParamHandle = cal.ParamHandle

// Standard is a calibration standard bound to a session.
type Standard = cal.Standard

// Result holds per-frequency solve outcomes.
type Result = cal.Result

// NewSession creates a calibration session for the given topology and
// measurement shape over a frequency grid in Hz.
//
// Parameters:
//   - typ: error-term topology (T8, U8, TE10, UE10, T16, U16, UE14, E12)
//   - mRows, mCols: measurement matrix shape (detector × generator ports)
//   - freqs: non-empty, strictly ascending frequency grid
//   - opts: optional solver configuration (see cal.SessionOption)
//
// Returns:
//   - *Session: the created session.
//   - error: an error wrapping errs.ErrUsage if any argument is invalid.
//
// Available options:
//   - cal.WithETTolerance(tol) / cal.WithPTolerance(tol)
//   - cal.WithIterationLimit(n)
//   - cal.WithNoiseModel(sigmaN, sigmaT)
//   - cal.WithPValueLimit(limit)
//   - cal.WithRandSeed(seed)
func NewSession(typ topology.Type, mRows, mCols int, freqs []float64, opts ...SessionOption) (*Session, error) {
	return cal.NewSession(typ, mRows, mCols, freqs, opts...)
}

// NewLayout resolves the error-term layout for a topology and measurement
// shape without creating a session.
func NewLayout(typ topology.Type, mRows, mCols int) (*topology.Layout, error) {
	return topology.NewLayout(typ, mRows, mCols)
}

// Predict evaluates the forward measurement model: the raw measurement a
// given error-term vector produces for a fully resolved S-matrix.
func Predict(lay *topology.Layout, terms []complex128, s [][]complex128) ([][]complex128, error) {
	return cal.Predict(lay, terms, s)
}
