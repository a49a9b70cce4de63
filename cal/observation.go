package cal

import (
	"fmt"

	"github.com/arloliu/vnacal/errs"
	"github.com/arloliu/vnacal/internal/cmat"
)

// Observation links one standard to its raw measurement matrices, one
// mRows × mCols matrix per session frequency. Observations are read-only
// once added.
type Observation struct {
	std  *Standard
	meas []*cmat.Matrix // one per frequency
}

// AddObservation records a standard's raw measurement: meas[f][i][j] is
// the detector-i response to generator port j at the f-th session
// frequency.
func (s *Session) AddObservation(std *Standard, meas [][][]complex128) error {
	matrices, err := s.checkMeasurement(std, meas, s.layout.MRows(), s.layout.MCols())
	if err != nil {
		return err
	}

	s.observations = append(s.observations, &Observation{std: std, meas: matrices})

	return nil
}

// AddObservationWithIncident records a standard measured as a separate
// detected/incident signal pair. The effective raw measurement is
// detected·incident⁻¹ per frequency; incident is mCols × mCols. A singular
// incident matrix reports errs.ErrSingularSystem.
func (s *Session) AddObservationWithIncident(std *Standard, detected, incident [][][]complex128) error {
	det, err := s.checkMeasurement(std, detected, s.layout.MRows(), s.layout.MCols())
	if err != nil {
		return err
	}
	inc, err := s.checkMeasurement(std, incident, s.layout.MCols(), s.layout.MCols())
	if err != nil {
		return err
	}

	matrices := make([]*cmat.Matrix, len(det))
	for f := range det {
		m, err := cmat.SolveRight(inc[f], det[f])
		if err != nil {
			return fmt.Errorf("%w: incident matrix at frequency index %d: %v",
				errs.ErrSingularSystem, f, err)
		}
		matrices[f] = m
	}

	s.observations = append(s.observations, &Observation{std: std, meas: matrices})

	return nil
}

// checkMeasurement validates the shape of a per-frequency measurement set
// and converts it to matrices.
func (s *Session) checkMeasurement(std *Standard, meas [][][]complex128, rows, cols int) ([]*cmat.Matrix, error) {
	if std == nil || std.session != s {
		return nil, fmt.Errorf("%w: standard does not belong to this session", errs.ErrInvalidArgument)
	}
	if len(meas) != len(s.freqs) {
		return nil, fmt.Errorf("%w: %d measurement matrices for %d frequencies",
			errs.ErrInvalidArgument, len(meas), len(s.freqs))
	}

	matrices := make([]*cmat.Matrix, len(meas))
	for f, m := range meas {
		if len(m) != rows {
			return nil, fmt.Errorf("%w: measurement at frequency index %d has %d rows, want %d",
				errs.ErrInvalidArgument, f, len(m), rows)
		}
		for _, row := range m {
			if len(row) != cols {
				return nil, fmt.Errorf("%w: measurement at frequency index %d has %d columns, want %d",
					errs.ErrInvalidArgument, f, len(row), cols)
			}
		}
		matrices[f] = cmat.FromRows(m)
	}

	return matrices, nil
}
