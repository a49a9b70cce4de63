package cal

import (
	"fmt"

	"github.com/arloliu/vnacal/errs"
	"github.com/arloliu/vnacal/internal/cmat"
)

// Standard is a calibration artifact: an S-parameter matrix whose entries
// are parameter handles, plus a port map from standard-local ports to
// instrument ports (1-based, RF convention).
//
// A standard's matrix may be rectangular and smaller than the instrument
// port count; expansion against the port map completes it to the full
// square S-matrix (see expand).
type Standard struct {
	session *Session
	sRows   int
	sCols   int
	entries [][]ParamHandle
	ports   []int // local port -> 1-based instrument port
}

// cellClass classifies one cell of an expanded S-matrix. Every cell is
// classified by exactly one rule.
type cellClass uint8

const (
	// cellGiven: the cell maps onto an entry of the standard's matrix.
	cellGiven cellClass = iota + 1
	// cellZero: the cell couples a port referenced by the standard to an
	// unreferenced port (no-coupling assumption).
	cellZero
	// cellUnconstrained: the cell is not constrained by the standard at
	// all. Filler values are drawn only on the synthesis path; the solver
	// excludes equations touching these cells.
	cellUnconstrained
)

// expandedStandard is a standard resolved at one frequency: numeric values
// for given cells, the classification mask, and the handle of each given
// cell (for parameter refinement).
type expandedStandard struct {
	values  *cmat.Matrix    // ports × ports
	class   [][]cellClass   // ports × ports
	handles [][]ParamHandle // valid where class == cellGiven
}

// NewStandard adds a standard with the given S-parameter entries and port
// map. The entry matrix must be rectangular with both dimensions at most
// the instrument port count; ports lists the instrument port (1-based) of
// each standard-local port, max(sRows, sCols) entries, no duplicates.
func (s *Session) NewStandard(entries [][]ParamHandle, ports ...int) (*Standard, error) {
	sRows := len(entries)
	if sRows == 0 || len(entries[0]) == 0 {
		return nil, fmt.Errorf("%w: empty standard matrix", errs.ErrInvalidArgument)
	}
	sCols := len(entries[0])
	for i, row := range entries {
		if len(row) != sCols {
			return nil, fmt.Errorf("%w: ragged standard matrix row %d", errs.ErrInvalidArgument, i)
		}
	}

	p := s.layout.Ports()
	if sRows > p || sCols > p {
		return nil, fmt.Errorf("%w: standard %dx%d exceeds %d instrument ports",
			errs.ErrInvalidArgument, sRows, sCols, p)
	}

	nLocal := max(sRows, sCols)
	if len(ports) != nLocal {
		return nil, fmt.Errorf("%w: %d ports for a %dx%d standard",
			errs.ErrInvalidArgument, len(ports), sRows, sCols)
	}
	seen := make(map[int]bool, nLocal)
	for _, port := range ports {
		if port < 1 || port > p {
			return nil, fmt.Errorf("%w: port %d outside 1..%d", errs.ErrInvalidArgument, port, p)
		}
		if seen[port] {
			return nil, fmt.Errorf("%w: duplicate port %d", errs.ErrInvalidArgument, port)
		}
		seen[port] = true
	}

	// Validate all handles up front so a stale handle fails at
	// construction, not inside Solve.
	rows := make([][]ParamHandle, sRows)
	for i := range entries {
		rows[i] = make([]ParamHandle, sCols)
		for j, h := range entries[i] {
			if _, err := s.slot(h); err != nil {
				return nil, fmt.Errorf("entry (%d,%d): %w", i, j, err)
			}
			rows[i][j] = h
		}
	}

	pcopy := make([]int, len(ports))
	copy(pcopy, ports)

	return &Standard{
		session: s,
		sRows:   sRows,
		sCols:   sCols,
		entries: rows,
		ports:   pcopy,
	}, nil
}

// NewReflect adds a one-port reflect standard (short, open, load, or any
// known or unknown reflection coefficient) on the given instrument port.
func (s *Session) NewReflect(gamma ParamHandle, port int) (*Standard, error) {
	return s.NewStandard([][]ParamHandle{{gamma}}, port)
}

// NewThrough adds an ideal zero-length through between two instrument
// ports: perfect match, unit transmission.
func (s *Session) NewThrough(port1, port2 int) (*Standard, error) {
	zero := s.AddKnown(0)
	one := s.AddKnown(1)

	return s.NewStandard([][]ParamHandle{
		{zero, one},
		{one, zero},
	}, port1, port2)
}

// NewLine adds a matched transmission line between two instrument ports
// with the given transmission parameter (see KnownDelay for a lossless
// delay line).
func (s *Session) NewLine(port1, port2 int, transmission ParamHandle) (*Standard, error) {
	zero := s.AddKnown(0)

	return s.NewStandard([][]ParamHandle{
		{zero, transmission},
		{transmission, zero},
	}, port1, port2)
}

// expand completes the standard against the session's port map to the full
// ports × ports S-matrix at frequency index fIdx, resolving given cells
// through resolve (estimateAt during solving, resolveAt for synthesis).
func (std *Standard) expand(fIdx int, resolve func(ParamHandle, int) (complex128, error)) (*expandedStandard, error) {
	p := std.session.layout.Ports()

	// localOf[instrument port idx] = standard-local port, or -1.
	localOf := make([]int, p)
	for i := range localOf {
		localOf[i] = -1
	}
	for local, port := range std.ports {
		localOf[port-1] = local
	}

	ex := &expandedStandard{
		values:  cmat.New(p, p),
		class:   make([][]cellClass, p),
		handles: make([][]ParamHandle, p),
	}

	for a := range p {
		ex.class[a] = make([]cellClass, p)
		ex.handles[a] = make([]ParamHandle, p)
		for b := range p {
			la, lb := localOf[a], localOf[b]
			switch {
			case la >= 0 && lb >= 0 && la < std.sRows && lb < std.sCols:
				h := std.entries[la][lb]
				v, err := resolve(h, fIdx)
				if err != nil {
					return nil, err
				}
				ex.values.Set(a, b, v)
				ex.class[a][b] = cellGiven
				ex.handles[a][b] = h
			case (la >= 0) != (lb >= 0):
				ex.class[a][b] = cellZero
			default:
				ex.class[a][b] = cellUnconstrained
			}
		}
	}

	return ex, nil
}

// rowDefined reports whether every cell of S row i is determined (given or
// zero). U-side measurement equations for detector row i require this.
func (ex *expandedStandard) rowDefined(i int) bool {
	for b := range ex.class[i] {
		if ex.class[i][b] == cellUnconstrained {
			return false
		}
	}

	return true
}

// colDefined reports whether every cell of S column j is determined.
// T-side measurement equations for generator column j require this.
func (ex *expandedStandard) colDefined(j int) bool {
	for a := range ex.class {
		if ex.class[a][j] == cellUnconstrained {
			return false
		}
	}

	return true
}

// isDiagonal reports whether every determined off-diagonal cell is zero
// and no off-diagonal cell is unconstrained: the expanded S couples no
// port pair, so off-diagonal measurement cells observe pure leakage.
func (ex *expandedStandard) isDiagonal() bool {
	p := ex.values.Rows()
	for a := range p {
		for b := range p {
			if a == b {
				continue
			}
			if ex.class[a][b] == cellUnconstrained {
				return false
			}
			if ex.values.At(a, b) != 0 {
				return false
			}
		}
	}

	return true
}
