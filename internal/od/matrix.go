package od

import (
	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/sells-group/simim/internal/geog"
	"github.com/sells-group/simim/internal/simerr"
)

// Matrix is a dense zone-by-zone array ordered by a geography index.
// Matrices built on equal indexes are element-wise comparable.
type Matrix struct {
	idx  *geog.Index
	data *mat.Dense
}

// NewMatrix returns a zero matrix over idx.
func NewMatrix(idx *geog.Index) (*Matrix, error) {
	if idx == nil || idx.Len() == 0 {
		return nil, eris.Wrap(simerr.ErrInvalidInput, "od: matrix needs a non-empty index")
	}
	n := idx.Len()
	return &Matrix{idx: idx, data: mat.NewDense(n, n, nil)}, nil
}

// ToMatrix places value(r) at [pos(origin), pos(dest)] for every record.
// Pairs that never appear are zero. Unknown zones and duplicate pairs fail.
func ToMatrix(idx *geog.Index, records []Record, value ValueFunc) (*Matrix, error) {
	m, err := NewMatrix(idx)
	if err != nil {
		return nil, err
	}
	if err := CheckUnique(records); err != nil {
		return nil, err
	}
	for _, r := range records {
		i, err := idx.Pos(r.Origin)
		if err != nil {
			return nil, eris.Wrap(err, "od: origin")
		}
		j, err := idx.Pos(r.Dest)
		if err != nil {
			return nil, eris.Wrap(err, "od: destination")
		}
		m.data.Set(i, j, value(r))
	}
	return m, nil
}

// ToRecords flattens the non-zero cells of m into records carrying the cell
// value as Flow, in row-major order.
func ToRecords(m *Matrix) []Record {
	n := m.idx.Len()
	var out []Record
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := m.data.At(i, j)
			if v == 0 {
				continue
			}
			out = append(out, Record{Origin: m.idx.Code(i), Dest: m.idx.Code(j), Flow: v})
		}
	}
	return out
}

// Index returns the ordering of m.
func (m *Matrix) Index() *geog.Index { return m.idx }

// Dense exposes the underlying values read-only.
func (m *Matrix) Dense() mat.Matrix { return m.data }

// At returns the value for an ordered pair.
func (m *Matrix) At(origin, dest string) (float64, error) {
	i, err := m.idx.Pos(origin)
	if err != nil {
		return 0, err
	}
	j, err := m.idx.Pos(dest)
	if err != nil {
		return 0, err
	}
	return m.data.At(i, j), nil
}

// Sub returns m - o. Both must share the same zone ordering.
func (m *Matrix) Sub(o *Matrix) (*Matrix, error) {
	if !m.idx.Equal(o.idx) {
		return nil, eris.Wrap(simerr.ErrInvalidInput, "od: matrices have different zone orderings")
	}
	n := m.idx.Len()
	out := mat.NewDense(n, n, nil)
	out.Sub(m.data, o.data)
	return &Matrix{idx: m.idx, data: out}, nil
}

// Equal reports whether m and o share an index and hold identical values.
func (m *Matrix) Equal(o *Matrix) bool {
	return m.idx.Equal(o.idx) && mat.Equal(m.data, o.data)
}

// RowSums returns the total out of each zone.
func (m *Matrix) RowSums() map[string]float64 {
	n := m.idx.Len()
	out := make(map[string]float64, n)
	for i := 0; i < n; i++ {
		out[m.idx.Code(i)] = floats.Sum(m.data.RawRowView(i))
	}
	return out
}

// ColSums returns the total into each zone.
func (m *Matrix) ColSums() map[string]float64 {
	n := m.idx.Len()
	out := make(map[string]float64, n)
	col := make([]float64, n)
	for j := 0; j < n; j++ {
		mat.Col(col, j, m.data)
		out[m.idx.Code(j)] = floats.Sum(col)
	}
	return out
}

// Total returns the sum of all cells.
func (m *Matrix) Total() float64 {
	return mat.Sum(m.data)
}
