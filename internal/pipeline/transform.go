package pipeline

import (
	"fmt"
	"strconv"

	"github.com/kiranshivaraju/tabprep/internal/dataset"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

// normalizeLabels maps the label column's sorted distinct values to 0 and 1.
func (r *run) normalizeLabels() error {
	var j int
	if name := r.labelColumn(); name != "" {
		j = r.ds.ColumnIndex(name)
		if j < 0 {
			return stepFailure(StepLabels, "label column %q not found", name)
		}
		if n := len(distinctValues(r.ds.ColumnValues(j))); n > 2 {
			return stepFailure(StepLabels, "label column %q has %d distinct values", name, n)
		}
	} else {
		var candidates []string
		for k := range r.ds.Columns {
			if len(distinctValues(r.ds.ColumnValues(k))) == 2 {
				candidates = append(candidates, r.ds.Columns[k].Name)
				j = k
			}
		}
		if len(candidates) != 1 {
			return &StepError{Step: StepLabels, Err: fmt.Errorf("%w: %d binary columns %v", ErrAmbiguousLabelColumn, len(candidates), candidates)}
		}
	}

	codes := map[string]float64{}
	for i, v := range distinctValues(r.ds.ColumnValues(j)) {
		codes[v.Key()] = float64(i)
	}
	for _, row := range r.ds.Rows {
		if row[j].IsMissing() {
			continue
		}
		row[j] = dataset.Number(codes[row[j].Key()])
		r.changes.LabelsMapped++
	}
	r.ds.Columns[j].Type = dataset.TypeNumeric
	r.label = r.ds.Columns[j].Name
	return nil
}

func (r *run) isLabel(name string) bool {
	return name != "" && (name == r.label || name == r.labelColumn())
}

// encodingTargets lists the text columns the encoding step applies to.
// Columns the date step would convert are left for it.
func (r *run) encodingTargets() []int {
	var out []int
	for j, col := range r.ds.Columns {
		if col.Type != dataset.TypeString || r.isLabel(col.Name) {
			continue
		}
		if r.cfg.ParseDates && dataset.ProfileDates(r.ds.ColumnValues(j)).DateLike(r.e.DateFailureTolerance) {
			continue
		}
		out = append(out, j)
	}
	return out
}

func (r *run) encode() error {
	targets := r.encodingTargets()
	if len(targets) == 0 {
		return nil
	}
	if r.cfg.EncodingStrategy == models.EncodingLabel {
		return r.labelEncode(targets)
	}
	return r.oneHotEncode(targets)
}

func (r *run) labelEncode(targets []int) error {
	for _, j := range targets {
		cats := distinctValues(r.ds.ColumnValues(j))
		if len(cats) > r.e.MaxLabelCategories {
			return stepFailure(StepEncoding, "column %q has %d categories, limit %d", r.ds.Columns[j].Name, len(cats), r.e.MaxLabelCategories)
		}
		codes := make(map[string]float64, len(cats))
		for i, c := range cats {
			codes[c.Key()] = float64(i)
		}
		for _, row := range r.ds.Rows {
			if !row[j].IsMissing() {
				row[j] = dataset.Number(codes[row[j].Key()])
			}
		}
		r.ds.Columns[j].Type = dataset.TypeNumeric
		r.changes.ColumnsEncoded++
	}
	return nil
}

// oneHotEncode replaces each target column in place with one 0/1 column per
// category, named column_category.
func (r *run) oneHotEncode(targets []int) error {
	cats := make(map[int][]dataset.Value, len(targets))
	for _, j := range targets {
		c := distinctValues(r.ds.ColumnValues(j))
		if len(c) > r.e.MaxOneHotCategories {
			return stepFailure(StepEncoding, "column %q has %d categories, limit %d", r.ds.Columns[j].Name, len(c), r.e.MaxOneHotCategories)
		}
		cats[j] = c
	}

	taken := map[string]bool{}
	for _, col := range r.ds.Columns {
		taken[col.Name] = true
	}
	uniq := func(name string) string {
		out := name
		for n := 1; taken[out]; n++ {
			out = name + "_" + strconv.Itoa(n)
		}
		taken[out] = true
		return out
	}

	var cols []dataset.Column
	type source struct {
		col int
		cat string // "" keeps the original cell
	}
	var plan []source
	for j, col := range r.ds.Columns {
		c, ok := cats[j]
		if !ok {
			cols = append(cols, col)
			plan = append(plan, source{col: j})
			continue
		}
		for _, v := range c {
			cols = append(cols, dataset.Column{Name: uniq(col.Name + "_" + v.Format()), Type: dataset.TypeNumeric})
			plan = append(plan, source{col: j, cat: v.Key()})
		}
		r.changes.ColumnsEncoded++
		r.changes.ColumnsAdded += len(c)
	}

	for i, row := range r.ds.Rows {
		out := make([]dataset.Value, len(plan))
		for k, p := range plan {
			switch {
			case p.cat == "":
				out[k] = row[p.col]
			case row[p.col].Key() == p.cat:
				out[k] = dataset.Number(1)
			default:
				out[k] = dataset.Number(0)
			}
		}
		r.ds.Rows[i] = out
	}
	r.ds.Columns = cols
	return nil
}

// parseDates converts date-like text columns. Cells that fail to parse become missing.
func (r *run) parseDates() error {
	for j, col := range r.ds.Columns {
		if col.Type != dataset.TypeString || r.isLabel(col.Name) {
			continue
		}
		if !dataset.ProfileDates(r.ds.ColumnValues(j)).DateLike(r.e.DateFailureTolerance) {
			continue
		}
		for _, row := range r.ds.Rows {
			v := row[j]
			if v.Kind != dataset.KindString {
				continue
			}
			if t, ok := dataset.ParseDate(v.Str); ok {
				row[j] = dataset.Date(t)
			} else {
				row[j] = dataset.Missing()
				r.changes.DatesUnparsed++
			}
		}
		r.ds.Columns[j].Type = dataset.TypeDate
		r.changes.DateColumnsParsed++
	}
	return nil
}

// normalize min-max scales numeric columns to [0,1]. Constant columns and
// the label column are left as they are.
func (r *run) normalize() error {
	for j, col := range r.ds.Columns {
		if col.Type != dataset.TypeNumeric || r.isLabel(col.Name) {
			continue
		}
		vals, _ := r.ds.NumericColumn(j)
		if len(vals) == 0 {
			continue
		}
		lo, hi := dataset.MinMax(vals)
		if hi <= lo {
			continue
		}
		for _, row := range r.ds.Rows {
			if row[j].Kind == dataset.KindNumber {
				row[j] = dataset.Number(dataset.Rescale(row[j].Num, lo, hi))
			}
		}
		r.changes.ColumnsNormalized++
	}
	return nil
}
