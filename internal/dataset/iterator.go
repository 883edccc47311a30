package dataset

// Iterator provides streaming access to records.
type Iterator[T any] interface {
	// Next advances to the next record. Returns false when done or on error.
	Next() bool

	// Value returns the current record. Only valid after Next() returns true.
	Value() T

	// Err returns any error encountered during iteration.
	Err() error

	// Close releases resources. Must be called when done.
	Close() error
}

type rowIterator struct {
	rows []Record
	pos  int
	cur  Record
}

// NewRowIterator iterates a table's rows in order. Writers consume tables
// through this so a streaming source can be substituted later.
func NewRowIterator(t *Table) Iterator[Record] {
	if t == nil {
		return &rowIterator{}
	}
	return &rowIterator{rows: t.Rows}
}

func (it *rowIterator) Next() bool {
	if it.pos >= len(it.rows) {
		return false
	}
	it.cur = it.rows[it.pos]
	it.pos++
	return true
}

func (it *rowIterator) Value() Record { return it.cur }
func (it *rowIterator) Err() error    { return nil }
func (it *rowIterator) Close() error  { return nil }
