package reader

import (
	"fmt"
	"sort"
	"strings"

	"github.com/parex/parex/internal/warehouse"
)

// Projection fixes a stream's column order from its first row and maps every
// later row onto it. Column kinds are taken from the first non-null value
// seen for each column; a later value of a different kind is an error.
type Projection struct {
	columns []string
	kinds   []warehouse.Kind
	// first and order describe the first row's layout so rows that repeat it
	// skip the name lookup.
	first    []string
	order    []int
	position map[string]int
	filled   []bool
	out      []warehouse.Value
}

func NewProjection(row warehouse.Row) (*Projection, error) {
	if len(row.Columns) != len(row.Values) {
		return nil, fmt.Errorf("row has %d columns but %d values", len(row.Columns), len(row.Values))
	}
	if len(row.Columns) == 0 {
		return nil, fmt.Errorf("first row has no columns")
	}
	columns := append([]string(nil), row.Columns...)
	sort.Strings(columns)
	position := make(map[string]int, len(columns))
	for i, name := range columns {
		if _, dup := position[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		position[name] = i
	}
	order := make([]int, len(row.Columns))
	for i, name := range row.Columns {
		order[i] = position[name]
	}
	return &Projection{
		columns:  columns,
		kinds:    make([]warehouse.Kind, len(columns)),
		first:    append([]string(nil), row.Columns...),
		order:    order,
		position: position,
		filled:   make([]bool, len(columns)),
		out:      make([]warehouse.Value, len(columns)),
	}, nil
}

// Columns returns the sorted header.
func (p *Projection) Columns() []string {
	return p.columns
}

// Apply returns row's values in header order. The returned slice is reused
// by the next call.
func (p *Projection) Apply(row warehouse.Row) ([]warehouse.Value, error) {
	if len(row.Columns) != len(p.columns) || len(row.Values) != len(row.Columns) {
		return nil, p.mismatch(row)
	}
	if p.sameLayout(row.Columns) {
		for i, v := range row.Values {
			if err := p.assign(p.order[i], v); err != nil {
				return nil, err
			}
		}
		return p.out, nil
	}

	for i := range p.filled {
		p.filled[i] = false
	}
	for i, name := range row.Columns {
		pos, ok := p.position[name]
		if !ok || p.filled[pos] {
			return nil, p.mismatch(row)
		}
		p.filled[pos] = true
		if err := p.assign(pos, row.Values[i]); err != nil {
			return nil, err
		}
	}
	return p.out, nil
}

func (p *Projection) sameLayout(columns []string) bool {
	for i, name := range columns {
		if p.first[i] != name {
			return false
		}
	}
	return true
}

func (p *Projection) mismatch(row warehouse.Row) error {
	return fmt.Errorf("row has columns [%s], want [%s]", strings.Join(row.Columns, ", "), strings.Join(p.columns, ", "))
}

func (p *Projection) assign(pos int, v warehouse.Value) error {
	if err := p.checkKind(pos, v); err != nil {
		return err
	}
	p.out[pos] = v
	return nil
}

func (p *Projection) checkKind(pos int, v warehouse.Value) error {
	if v.IsNull() {
		return nil
	}
	switch p.kinds[pos] {
	case warehouse.KindNull:
		p.kinds[pos] = v.Kind()
	case v.Kind():
	default:
		return fmt.Errorf("column %q: got %s value, want %s", p.columns[pos], v.Kind(), p.kinds[pos])
	}
	return nil
}
