package pipeline

import (
	"sort"
	"strings"

	"github.com/kiranshivaraju/tabprep/internal/dataset"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

// enforceTypes converts text columns that are mostly numeric. Cells that do
// not parse become missing and are counted as invalid.
func (r *run) enforceTypes() error {
	for j := range r.ds.Columns {
		if r.ds.Columns[j].Type != dataset.TypeString {
			continue
		}
		for _, row := range r.ds.Rows {
			if row[j].Kind == dataset.KindString && isBlank(row[j].Str) {
				row[j] = dataset.Missing()
			}
		}
		p := dataset.ProfileNumeric(r.ds.ColumnValues(j))
		if !p.Coercible(r.e.CoercionRatio) {
			continue
		}
		for _, row := range r.ds.Rows {
			if row[j].Kind != dataset.KindString {
				continue
			}
			if f, ok := dataset.ParseNumber(row[j].Str); ok {
				row[j] = dataset.Number(f)
				r.changes.ValuesCoerced++
			} else {
				row[j] = dataset.Missing()
				r.changes.InvalidValues++
			}
		}
		r.ds.Columns[j].Type = dataset.TypeNumeric
		r.changes.ColumnsRetyped++
	}
	return nil
}

func (r *run) handleMissing() error {
	if r.cfg.MissingValueStrategy == models.MissingDrop {
		drop := make([]bool, r.ds.NumRows())
		for i, row := range r.ds.Rows {
			for _, v := range row {
				if v.IsMissing() {
					drop[i] = true
					break
				}
			}
		}
		r.changes.RowsDroppedMissing += r.keepRows(drop)
		return nil
	}

	for j, col := range r.ds.Columns {
		var (
			fill dataset.Value
			ok   bool
		)
		if col.Type == dataset.TypeNumeric {
			fill, ok = r.numericFill(j)
		} else {
			fill, ok = modeValue(r.ds.ColumnValues(j))
		}
		if !ok {
			continue
		}
		for _, row := range r.ds.Rows {
			if row[j].IsMissing() {
				row[j] = fill
				r.changes.ValuesImputed++
			}
		}
	}
	return nil
}

func (r *run) numericFill(j int) (dataset.Value, bool) {
	vals, _ := r.ds.NumericColumn(j)
	if len(vals) == 0 || len(vals) == r.ds.NumRows() {
		return dataset.Value{}, false
	}
	switch r.cfg.MissingValueStrategy {
	case models.MissingMedian:
		return dataset.Number(dataset.Median(vals)), true
	case models.MissingMode:
		return dataset.Number(dataset.Mode(vals)), true
	default:
		return dataset.Number(dataset.Mean(vals)), true
	}
}

// modeValue returns the most frequent non-missing value, the smallest on ties.
func modeValue(vals []dataset.Value) (dataset.Value, bool) {
	counts := map[string]int{}
	var best dataset.Value
	bestCount := 0
	for _, v := range vals {
		if v.IsMissing() {
			continue
		}
		k := v.Key()
		counts[k]++
		c := counts[k]
		if c > bestCount || (c == bestCount && dataset.Less(v, best)) {
			best, bestCount = v, c
		}
	}
	return best, bestCount > 0
}

// distinctValues returns the sorted distinct non-missing values of vals.
func distinctValues(vals []dataset.Value) []dataset.Value {
	seen := map[string]bool{}
	var out []dataset.Value
	for _, v := range vals {
		if v.IsMissing() || seen[v.Key()] {
			continue
		}
		seen[v.Key()] = true
		out = append(out, v)
	}
	sort.Slice(out, func(a, b int) bool { return dataset.Less(out[a], out[b]) })
	return out
}

// dedupe keeps the first occurrence of every identical row.
func (r *run) dedupe() int {
	seen := make(map[string]bool, r.ds.NumRows())
	drop := make([]bool, r.ds.NumRows())
	for i, row := range r.ds.Rows {
		k := dataset.RowKey(row)
		if seen[k] {
			drop[i] = true
			continue
		}
		seen[k] = true
	}
	return r.keepRows(drop)
}

// dropOutliers removes rows where any numeric column scores above the threshold.
// Scores are computed for every column before any row is removed.
func (r *run) dropOutliers() error {
	drop := make([]bool, r.ds.NumRows())
	for j, col := range r.ds.Columns {
		if col.Type != dataset.TypeNumeric {
			continue
		}
		vals, rows := r.ds.NumericColumn(j)
		for _, k := range dataset.Outliers(vals, r.cfg.OutlierThreshold) {
			drop[rows[k]] = true
		}
	}
	r.changes.OutlierRowsDropped += r.keepRows(drop)
	return nil
}
