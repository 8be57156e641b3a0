// Package dataset holds the in-memory tabular model shared by the pipeline,
// the quality analyzer and the storage codecs.
package dataset

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant stored in a Value.
type Kind uint8

const (
	KindMissing Kind = iota
	KindNumber
	KindString
	KindDate
)

// Value is a single cell. Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	Time time.Time
}

func Missing() Value            { return Value{Kind: KindMissing} }
func Number(f float64) Value    { return Value{Kind: KindNumber, Num: f} }
func String(s string) Value     { return Value{Kind: KindString, Str: s} }
func Date(t time.Time) Value    { return Value{Kind: KindDate, Time: t.UTC()} }
func (v Value) IsMissing() bool { return v.Kind == KindMissing }

// Format renders the cell the way the codecs write it.
func (v Value) Format() string {
	switch v.Kind {
	case KindNumber:
		return FormatNumber(v.Num)
	case KindString:
		return v.Str
	case KindDate:
		return FormatDate(v.Time)
	default:
		return ""
	}
}

// Key is a canonical encoding used for equality: two cells are equal iff their keys are.
func (v Value) Key() string {
	switch v.Kind {
	case KindNumber:
		return "n:" + FormatNumber(v.Num)
	case KindString:
		return "s:" + v.Str
	case KindDate:
		return "d:" + v.Time.Format(time.RFC3339Nano)
	default:
		return "m:"
	}
}

// Less orders two cells of the same kind. Missing sorts first.
func Less(a, b Value) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	switch a.Kind {
	case KindNumber:
		return a.Num < b.Num
	case KindString:
		return a.Str < b.Str
	case KindDate:
		return a.Time.Before(b.Time)
	}
	return false
}

func FormatNumber(f float64) string {
	if f == 0 {
		// collapse -0
		return "0"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ParseNumber accepts finite decimal numbers only.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ColumnType is the logical type of a whole column.
type ColumnType uint8

const (
	TypeString ColumnType = iota
	TypeNumeric
	TypeDate
)

// String returns the dtype label used in reports.
func (t ColumnType) String() string {
	switch t {
	case TypeNumeric:
		return "float64"
	case TypeDate:
		return "datetime64"
	default:
		return "object"
	}
}

type Column struct {
	Name string
	Type ColumnType
}

// Dataset is rows × named columns. Rows[i][j] belongs to Columns[j].
type Dataset struct {
	Columns []Column
	Rows    [][]Value
}

// New builds an empty dataset with string columns named names.
func New(names ...string) *Dataset {
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Type: TypeString}
	}
	return &Dataset{Columns: cols}
}

// AppendRow adds a row; it must have exactly one value per column.
func (d *Dataset) AppendRow(vals ...Value) error {
	if len(vals) != len(d.Columns) {
		return fmt.Errorf("row has %d values, dataset has %d columns", len(vals), len(d.Columns))
	}
	row := make([]Value, len(vals))
	copy(row, vals)
	d.Rows = append(d.Rows, row)
	return nil
}

func (d *Dataset) NumRows() int { return len(d.Rows) }
func (d *Dataset) NumCols() int { return len(d.Columns) }

// NumCells is rows × columns.
func (d *Dataset) NumCells() int { return len(d.Rows) * len(d.Columns) }

// ColumnIndex returns -1 when name is not a column.
func (d *Dataset) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnValues returns a copy of column j.
func (d *Dataset) ColumnValues(j int) []Value {
	out := make([]Value, len(d.Rows))
	for i, row := range d.Rows {
		out[i] = row[j]
	}
	return out
}

// Clone deep-copies the dataset so the copy can be transformed freely.
func (d *Dataset) Clone() *Dataset {
	cols := make([]Column, len(d.Columns))
	copy(cols, d.Columns)
	rows := make([][]Value, len(d.Rows))
	for i, row := range d.Rows {
		r := make([]Value, len(row))
		copy(r, row)
		rows[i] = r
	}
	return &Dataset{Columns: cols, Rows: rows}
}

// Head returns a copy holding the first n rows.
func (d *Dataset) Head(n int) *Dataset {
	if n > len(d.Rows) || n < 0 {
		n = len(d.Rows)
	}
	out := &Dataset{Columns: append([]Column(nil), d.Columns...), Rows: d.Rows[:n]}
	return out.Clone()
}

// RowKey encodes a full row; equal rows have equal keys.
func RowKey(row []Value) string {
	var b strings.Builder
	for _, v := range row {
		k := v.Key()
		b.WriteString(strconv.Itoa(len(k)))
		b.WriteByte(':')
		b.WriteString(k)
	}
	return b.String()
}

// Records renders the rows as column->text maps, missing cells as nil.
func (d *Dataset) Records() []map[string]any {
	out := make([]map[string]any, len(d.Rows))
	for i, row := range d.Rows {
		rec := make(map[string]any, len(row))
		for j, v := range row {
			switch v.Kind {
			case KindMissing:
				rec[d.Columns[j].Name] = nil
			case KindNumber:
				rec[d.Columns[j].Name] = v.Num
			default:
				rec[d.Columns[j].Name] = v.Format()
			}
		}
		out[i] = rec
	}
	return out
}
