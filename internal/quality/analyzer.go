// Package quality scores a dataset snapshot and recommends pipeline options
// for the problems it finds.
package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kiranshivaraju/tabprep/internal/dataset"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

// Thresholds tune when an issue is reported. Percentages are 0-100.
type Thresholds struct {
	MissingPercent       float64
	DuplicatePercent     float64
	InvalidPercent       float64
	OutlierZ             float64
	NormalizeRange       float64
	LabelMinUnique       int
	LabelMaxUnique       int
	CoercionRatio        float64
	DateFailureTolerance float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MissingPercent:       5,
		DuplicatePercent:     0,
		InvalidPercent:       0,
		OutlierZ:             models.DefaultOutlierThreshold,
		NormalizeRange:       100,
		LabelMinUnique:       2,
		LabelMaxUnique:       10,
		CoercionRatio:        dataset.DefaultCoercionRatio,
		DateFailureTolerance: dataset.DefaultDateFailureTolerance,
	}
}

// Report is the analysis of one dataset snapshot.
type Report struct {
	Rows              int                           `json:"total_rows"`
	Columns           int                           `json:"total_columns"`
	TotalCells        int                           `json:"total_cells"`
	MissingCells      int                           `json:"missing_cells"`
	DuplicateRows     int                           `json:"duplicate_rows"`
	InvalidCells      int                           `json:"invalid_cells"`
	NumericCells      int                           `json:"numeric_cells"`
	OutlierCells      int                           `json:"outlier_cells"`
	MissingPercent    float64                       `json:"missing_values_percent"`
	DuplicatePercent  float64                       `json:"duplicate_percent"`
	MissingFraction   float64                       `json:"missing_fraction"`
	DuplicateFraction float64                       `json:"duplicate_fraction"`
	InvalidFraction   float64                       `json:"invalid_fraction"`
	OutlierFraction   float64                       `json:"outlier_fraction"`
	Score             int                           `json:"quality_score"`
	ColumnStats       map[string]models.ColumnStats `json:"column_stats"`
	ColumnOrder       []string                      `json:"column_order"`
	Issues            []string                      `json:"issues"`
	Suggestions       map[string]any                `json:"suggestions"`
}

type Analyzer struct {
	Thresholds Thresholds
}

func NewAnalyzer(t Thresholds) *Analyzer {
	return &Analyzer{Thresholds: t}
}

// columnFindings collects what one pass over a column found.
type columnFindings struct {
	missing    int
	invalid    int
	numeric    int
	outliers   int
	html       bool
	emoji      bool
	spacing    bool
	punct      bool
	largeRange bool
	dateLike   bool
	distinct   int
}

// Analyze never modifies ds.
func (a *Analyzer) Analyze(ds *dataset.Dataset) Report {
	t := a.Thresholds
	rep := Report{
		Rows:        ds.NumRows(),
		Columns:     ds.NumCols(),
		TotalCells:  ds.NumCells(),
		ColumnStats: make(map[string]models.ColumnStats, ds.NumCols()),
		ColumnOrder: ds.ColumnNames(),
		Issues:      []string{},
		Suggestions: map[string]any{},
	}

	seen := make(map[string]bool, ds.NumRows())
	for _, row := range ds.Rows {
		k := dataset.RowKey(row)
		if seen[k] {
			rep.DuplicateRows++
		}
		seen[k] = true
	}
	rep.DuplicateFraction = fraction(rep.DuplicateRows, rep.Rows)
	rep.DuplicatePercent = round2(100 * rep.DuplicateFraction)
	if rep.DuplicateRows > 0 && 100*rep.DuplicateFraction > t.DuplicatePercent {
		rep.Issues = append(rep.Issues, fmt.Sprintf("Found %d duplicate rows (%.1f%%)", rep.DuplicateRows, 100*rep.DuplicateFraction))
		rep.Suggestions["remove_duplicates"] = true
	}

	var (
		htmlCols, emojiCols, outlierCols, labelCols, binaryCols, dateCols []string
		numericMissing                                                    bool
	)
	for j, col := range ds.Columns {
		vals := ds.ColumnValues(j)
		f := a.inspect(col, vals)

		rep.MissingCells += f.missing
		rep.InvalidCells += f.invalid
		rep.NumericCells += f.numeric
		rep.OutlierCells += f.outliers
		rep.ColumnStats[col.Name] = columnStats(ds, j, f)

		if pct := 100 * fraction(f.missing, rep.Rows); f.missing > 0 && pct > t.MissingPercent {
			rep.Issues = append(rep.Issues, fmt.Sprintf("High missing-value rate in column %s (%.1f%%)", col.Name, pct))
		}
		if f.missing > 0 {
			rep.Suggestions["handle_missing_values"] = true
			if col.Type == dataset.TypeNumeric {
				numericMissing = true
			}
		}
		if pct := 100 * fraction(f.invalid, rep.Rows); f.invalid > 0 && pct > t.InvalidPercent {
			rep.Issues = append(rep.Issues, fmt.Sprintf("Non-numeric values in mostly numeric column %s (%d)", col.Name, f.invalid))
		}
		if f.outliers > 0 {
			outlierCols = append(outlierCols, col.Name)
		}
		if f.largeRange {
			rep.Suggestions["normalize_data"] = true
		}
		if f.html {
			htmlCols = append(htmlCols, col.Name)
		}
		if f.emoji {
			emojiCols = append(emojiCols, col.Name)
		}
		if f.punct {
			rep.Suggestions["text_cleaning"] = true
			rep.Suggestions["collapse_punctuation"] = true
		}
		if f.spacing {
			rep.Suggestions["text_cleaning"] = true
			rep.Suggestions["normalize_whitespace"] = true
		}
		if f.dateLike {
			dateCols = append(dateCols, col.Name)
		}
		if col.Type == dataset.TypeString && !f.dateLike && f.missing == 0 &&
			f.distinct >= t.LabelMinUnique && f.distinct <= t.LabelMaxUnique {
			labelCols = append(labelCols, col.Name)
			if f.distinct == 2 {
				binaryCols = append(binaryCols, col.Name)
			}
		}
	}

	rep.MissingFraction = fraction(rep.MissingCells, rep.TotalCells)
	rep.MissingPercent = round2(100 * rep.MissingFraction)
	rep.InvalidFraction = fraction(rep.InvalidCells, rep.TotalCells)
	rep.OutlierFraction = fraction(rep.OutlierCells, rep.NumericCells)
	rep.Score = Score(rep.MissingFraction, rep.DuplicateFraction, rep.InvalidFraction, rep.OutlierFraction)

	if rep.Suggestions["handle_missing_values"] == true {
		if numericMissing {
			rep.Suggestions["missing_value_strategy"] = string(models.MissingMean)
		} else {
			rep.Suggestions["missing_value_strategy"] = string(models.MissingMode)
		}
	}
	if rep.InvalidCells > 0 && 100*rep.InvalidFraction > t.InvalidPercent {
		rep.Suggestions["enforce_data_types"] = true
	}
	if len(outlierCols) > 0 {
		rep.Issues = append(rep.Issues, "Outliers detected in: "+strings.Join(outlierCols, ", "))
		rep.Suggestions["drop_outliers"] = true
		rep.Suggestions["outlier_threshold"] = t.OutlierZ
	}
	if len(htmlCols) > 0 {
		rep.Issues = append(rep.Issues, "HTML tags detected in: "+strings.Join(htmlCols, ", "))
		rep.Suggestions["text_cleaning"] = true
		rep.Suggestions["remove_html"] = true
	}
	if len(emojiCols) > 0 {
		rep.Issues = append(rep.Issues, "Emojis detected in: "+strings.Join(emojiCols, ", "))
		rep.Suggestions["text_cleaning"] = true
		rep.Suggestions["remove_emojis"] = true
	}
	if len(dateCols) > 0 {
		rep.Issues = append(rep.Issues, "Date-like text columns: "+strings.Join(dateCols, ", "))
		rep.Suggestions["parse_dates"] = true
	}
	if len(labelCols) > 0 {
		rep.Issues = append(rep.Issues, "Potential categorical labels: "+strings.Join(labelCols, ", "))
		rep.Suggestions["label_normalization"] = true
		if len(binaryCols) == 1 {
			rep.Suggestions["label_column"] = binaryCols[0]
		}
	}
	return rep
}

func (a *Analyzer) inspect(col dataset.Column, vals []dataset.Value) columnFindings {
	var f columnFindings
	distinct := map[string]bool{}
	for _, v := range vals {
		if v.IsMissing() {
			f.missing++
			continue
		}
		distinct[v.Key()] = true
		if v.Kind != dataset.KindString {
			continue
		}
		s := v.Str
		if !f.html && dataset.ContainsHTML(s) {
			f.html = true
		}
		if !f.emoji && dataset.ContainsEmoji(s) {
			f.emoji = true
		}
		if !f.spacing && s != strings.Join(strings.Fields(s), " ") {
			f.spacing = true
		}
		if !f.punct && hasRepeatedPunct(s) {
			f.punct = true
		}
	}
	f.distinct = len(distinct)

	switch col.Type {
	case dataset.TypeNumeric:
		nums := make([]float64, 0, len(vals))
		for _, v := range vals {
			if v.Kind == dataset.KindNumber {
				nums = append(nums, v.Num)
			}
		}
		f.numeric = len(nums)
		f.outliers = len(dataset.Outliers(nums, a.Thresholds.OutlierZ))
		if len(nums) > 0 {
			lo, hi := dataset.MinMax(nums)
			r := a.Thresholds.NormalizeRange
			f.largeRange = hi > r || lo < -r
		}
	case dataset.TypeString:
		p := dataset.ProfileNumeric(vals)
		if p.Coercible(a.Thresholds.CoercionRatio) {
			f.invalid = p.Invalid()
		} else {
			f.dateLike = dataset.ProfileDates(vals).DateLike(a.Thresholds.DateFailureTolerance)
		}
	}
	return f
}

func hasRepeatedPunct(s string) bool {
	var prev rune = -1
	for _, r := range s {
		if r == prev && strings.ContainsRune("!?.,;:", r) {
			return true
		}
		prev = r
	}
	return false
}

func columnStats(ds *dataset.Dataset, j int, f columnFindings) models.ColumnStats {
	st := models.ColumnStats{
		Dtype:   ds.Columns[j].Type.String(),
		Missing: f.missing,
		Unique:  f.distinct,
	}
	if ds.Columns[j].Type != dataset.TypeNumeric {
		return st
	}
	vals, _ := ds.NumericColumn(j)
	if len(vals) == 0 {
		return st
	}
	lo, hi := dataset.MinMax(vals)
	st.Mean, st.Min, st.Max = finite(round4(dataset.Mean(vals))), finite(lo), finite(hi)
	return st
}

// finite returns nil for NaN and infinities, which JSON cannot carry.
func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// SuggestionKeys returns the recommended option names in sorted order.
func (r Report) SuggestionKeys() []string {
	keys := make([]string, 0, len(r.Suggestions))
	for k := range r.Suggestions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
