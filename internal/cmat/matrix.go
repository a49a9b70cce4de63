// Package cmat provides the small dense complex-matrix kernel used by the
// calibration engine: a bounds-checked matrix type, square linear solves in
// both orientations, and a weighted complex least-squares solve backed by
// gonum's real QR factorization.
//
// The package is deliberately not a general matrix library; it centralizes
// the index arithmetic and singularity checks the error-term models need
// and nothing more.
package cmat

import (
	"fmt"
	"math/cmplx"
)

// Matrix is a dense, row-major complex matrix. Accessors panic on
// out-of-range indices; dimension mismatches in operations panic as well,
// since they indicate engine bugs rather than caller errors.
type Matrix struct {
	rows, cols int
	data       []complex128
}

// New creates a zero rows × cols matrix.
func New(rows, cols int) *Matrix {
	if rows < 1 || cols < 1 {
		panic(fmt.Sprintf("cmat: invalid dimensions %dx%d", rows, cols))
	}

	return &Matrix{rows: rows, cols: cols, data: make([]complex128, rows*cols)}
}

// Identity creates the n × n identity matrix.
func Identity(n int) *Matrix {
	m := New(n, n)
	for i := range n {
		m.data[i*n+i] = 1
	}

	return m
}

// FromRows creates a matrix from a rectangular slice of rows.
func FromRows(rows [][]complex128) *Matrix {
	if len(rows) == 0 || len(rows[0]) == 0 {
		panic("cmat: empty row data")
	}

	m := New(len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != m.cols {
			panic(fmt.Sprintf("cmat: ragged row %d: %d != %d", i, len(row), m.cols))
		}
		copy(m.data[i*m.cols:], row)
	}

	return m
}

// Rows returns the row count.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the column count.
func (m *Matrix) Cols() int { return m.cols }

// At returns the element at (i, j).
func (m *Matrix) At(i, j int) complex128 {
	m.check(i, j)
	return m.data[i*m.cols+j]
}

// Set assigns the element at (i, j).
func (m *Matrix) Set(i, j int, v complex128) {
	m.check(i, j)
	m.data[i*m.cols+j] = v
}

// Add accumulates v into the element at (i, j).
func (m *Matrix) Add(i, j int, v complex128) {
	m.check(i, j)
	m.data[i*m.cols+j] += v
}

func (m *Matrix) check(i, j int) {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic(fmt.Sprintf("cmat: index (%d,%d) out of range %dx%d", i, j, m.rows, m.cols))
	}
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := New(m.rows, m.cols)
	copy(c.data, m.data)

	return c
}

// Col returns a copy of column j.
func (m *Matrix) Col(j int) []complex128 {
	if j < 0 || j >= m.cols {
		panic(fmt.Sprintf("cmat: column %d out of range", j))
	}

	col := make([]complex128, m.rows)
	for i := range m.rows {
		col[i] = m.data[i*m.cols+j]
	}

	return col
}

// Mul returns the product a·b.
func Mul(a, b *Matrix) *Matrix {
	if a.cols != b.rows {
		panic(fmt.Sprintf("cmat: mul dimension mismatch %dx%d · %dx%d", a.rows, a.cols, b.rows, b.cols))
	}

	p := New(a.rows, b.cols)
	for i := range a.rows {
		for k := range a.cols {
			aik := a.data[i*a.cols+k]
			if aik == 0 {
				continue
			}
			for j := range b.cols {
				p.data[i*p.cols+j] += aik * b.data[k*b.cols+j]
			}
		}
	}

	return p
}

// MulVec returns the product a·v.
func MulVec(a *Matrix, v []complex128) []complex128 {
	if a.cols != len(v) {
		panic(fmt.Sprintf("cmat: mulvec dimension mismatch %dx%d · %d", a.rows, a.cols, len(v)))
	}

	out := make([]complex128, a.rows)
	for i := range a.rows {
		var sum complex128
		for k := range a.cols {
			sum += a.data[i*a.cols+k] * v[k]
		}
		out[i] = sum
	}

	return out
}

// Sum returns the element-wise sum a + b.
func Sum(a, b *Matrix) *Matrix {
	if a.rows != b.rows || a.cols != b.cols {
		panic(fmt.Sprintf("cmat: sum dimension mismatch %dx%d + %dx%d", a.rows, a.cols, b.rows, b.cols))
	}

	s := New(a.rows, a.cols)
	for i := range s.data {
		s.data[i] = a.data[i] + b.data[i]
	}

	return s
}

// Sub returns the element-wise difference a - b.
func Sub(a, b *Matrix) *Matrix {
	if a.rows != b.rows || a.cols != b.cols {
		panic(fmt.Sprintf("cmat: sub dimension mismatch %dx%d - %dx%d", a.rows, a.cols, b.rows, b.cols))
	}

	s := New(a.rows, a.cols)
	for i := range s.data {
		s.data[i] = a.data[i] - b.data[i]
	}

	return s
}

// IsFinite reports whether every element is finite (no NaN or Inf parts).
func (m *Matrix) IsFinite() bool {
	for _, v := range m.data {
		if cmplx.IsNaN(v) || cmplx.IsInf(v) {
			return false
		}
	}

	return true
}

// MaxAbs returns the largest element magnitude.
func (m *Matrix) MaxAbs() float64 {
	maxAbs := 0.0
	for _, v := range m.data {
		if a := cmplx.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}

	return maxAbs
}
