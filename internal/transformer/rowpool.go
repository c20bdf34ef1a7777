package transformer

import "sync"

// Row is a pooled container holding one CSV record's cells, positionally
// aligned to the schema snapshot the row was built against.
//
// Contract:
//   - The transformer writes Cells[0:colCount] (no re-slice growth).
//   - After the row has been written out, the writer **must** call r.Free()
//     to return it to the pool.
//   - Do not retain references to r or r.Cells beyond the owning stage.
type Row struct {
	Cells []string
}

var rowPool sync.Pool

// GetRow returns a pooled Row with length colCount. All cells are cleared so
// a recycled row cannot leak values into a record that lacks some fields.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.Cells) < colCount {
			r.Cells = make([]string, colCount)
		}
		r.Cells = r.Cells[:colCount]
		for i := range r.Cells {
			r.Cells[i] = ""
		}
		return r
	}
	return &Row{Cells: make([]string, colCount)}
}

// Free returns the Row to the pool. The caller must not use r after Free().
func (r *Row) Free() {
	rowPool.Put(r)
}
