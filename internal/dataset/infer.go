package dataset

import "strings"

// DefaultCoercionRatio is the share of non-missing cells that must parse
// as numbers before a string column is treated as numeric.
const DefaultCoercionRatio = 0.8

var missingTokens = map[string]bool{
	"":     true,
	"NA":   true,
	"N/A":  true,
	"NaN":  true,
	"nan":  true,
	"null": true,
	"NULL": true,
	"None": true,
}

// ParseCell maps a raw text cell to a missing or string value.
func ParseCell(raw string) Value {
	if missingTokens[strings.TrimSpace(raw)] {
		return Missing()
	}
	return String(raw)
}

// NumericProfile counts how many non-missing cells parse as numbers.
type NumericProfile struct {
	NonMissing int
	Numeric    int
}

// Ratio is Numeric/NonMissing, 0 for an all-missing column.
func (p NumericProfile) Ratio() float64 {
	if p.NonMissing == 0 {
		return 0
	}
	return float64(p.Numeric) / float64(p.NonMissing)
}

// Invalid is the count of cells that would fail coercion.
func (p NumericProfile) Invalid() int {
	return p.NonMissing - p.Numeric
}

func ProfileNumeric(vals []Value) NumericProfile {
	var p NumericProfile
	for _, v := range vals {
		switch v.Kind {
		case KindMissing:
			continue
		case KindNumber:
			p.NonMissing++
			p.Numeric++
		case KindString:
			if strings.TrimSpace(v.Str) == "" {
				continue
			}
			p.NonMissing++
			if _, ok := ParseNumber(v.Str); ok {
				p.Numeric++
			}
		default:
			p.NonMissing++
		}
	}
	return p
}

// Coercible reports whether a string column should become numeric under ratio.
func (p NumericProfile) Coercible(ratio float64) bool {
	return p.Numeric > 0 && p.Ratio() >= ratio
}

// InferColumnTypes promotes every column whose non-missing cells all parse as
// numbers to TypeNumeric. This is the load-time inference; partial coercion is
// the pipeline's job.
func (d *Dataset) InferColumnTypes() {
	for j := range d.Columns {
		if d.Columns[j].Type != TypeString {
			continue
		}
		p := ProfileNumeric(d.ColumnValues(j))
		if p.NonMissing == 0 || p.Numeric != p.NonMissing {
			continue
		}
		for _, row := range d.Rows {
			if row[j].Kind == KindString {
				if f, ok := ParseNumber(row[j].Str); ok {
					row[j] = Number(f)
				} else {
					row[j] = Missing()
				}
			}
		}
		d.Columns[j].Type = TypeNumeric
	}
}
