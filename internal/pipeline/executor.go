// Package pipeline applies the configured cleaning steps to a tabular dataset
// in a fixed order and records what each step changed.
package pipeline

import (
	"fmt"

	"github.com/kiranshivaraju/tabprep/internal/dataset"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

// Step identifies one stage of the pipeline.
type Step string

const (
	StepColumns      Step = "column_names"
	StepTypes        Step = "type_enforcement"
	StepMissing      Step = "missing_values"
	StepDedupe       Step = "duplicate_removal"
	StepOutliers     Step = "outlier_removal"
	StepText         Step = "text_cleaning"
	StepLabels       Step = "label_normalization"
	StepEncoding     Step = "categorical_encoding"
	StepDates        Step = "date_parsing"
	StepNormalize    Step = "normalization"
	StepSecondDedupe Step = "second_duplicate_removal"
)

// Category caps for the encoding step.
const (
	DefaultMaxOneHot     = 50
	DefaultMaxLabelCodes = 1000
)

// Executor runs the pipeline. The zero value is not usable; use NewExecutor.
type Executor struct {
	CoercionRatio        float64
	DateFailureTolerance float64
	MaxOneHotCategories  int
	MaxLabelCategories   int
}

func NewExecutor() *Executor {
	return &Executor{
		CoercionRatio:        dataset.DefaultCoercionRatio,
		DateFailureTolerance: dataset.DefaultDateFailureTolerance,
		MaxOneHotCategories:  DefaultMaxOneHot,
		MaxLabelCategories:   DefaultMaxLabelCodes,
	}
}

// Result is the cleaned dataset and the change log of one run.
type Result struct {
	Dataset *dataset.Dataset
	Changes models.ChangeLog
	// InvalidRows counts input rows holding at least one missing or
	// non-coercible cell, measured before any imputation.
	InvalidRows int
	LabelColumn string
}

// run carries the working copy through the steps.
type run struct {
	e       *Executor
	cfg     models.PipelineConfig
	ds      *dataset.Dataset
	changes models.ChangeLog
	label   string
	// renamed maps original column names to their cleaned form.
	renamed map[string]string
}

// Run applies cfg to a copy of in. in is never modified. Identical inputs
// produce identical results.
func (e *Executor) Run(in *dataset.Dataset, cfg models.PipelineConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	r := &run{e: e, cfg: cfg, ds: in.Clone()}
	r.changes.RowsIn = in.NumRows()
	invalid := countInvalidRows(r.ds, e.CoercionRatio)

	steps := []struct {
		step    Step
		enabled bool
		fn      func() error
	}{
		{StepColumns, cfg.CleanColumnNames, r.cleanColumnNames},
		{StepTypes, cfg.EnforceDataTypes, r.enforceTypes},
		{StepMissing, cfg.HandleMissingValues, r.handleMissing},
		{StepDedupe, cfg.RemoveDuplicates, func() error { r.changes.DuplicatesRemoved += r.dedupe(); return nil }},
		{StepOutliers, cfg.DropOutliers, r.dropOutliers},
		{StepText, cfg.TextCleaning, r.cleanText},
		{StepLabels, cfg.LabelNormalization, r.normalizeLabels},
		{StepEncoding, cfg.EncodingStrategy != models.EncodingNone, r.encode},
		{StepDates, cfg.ParseDates, r.parseDates},
		{StepNormalize, cfg.NormalizeData, r.normalize},
		{StepSecondDedupe, cfg.SecondDuplicateRemoval, func() error { r.changes.SecondPassDuplicatesRemoved += r.dedupe(); return nil }},
	}
	for _, s := range steps {
		if !s.enabled {
			continue
		}
		if err := s.fn(); err != nil {
			return nil, err
		}
		if in.NumRows() > 0 && r.ds.NumRows() == 0 {
			return nil, stepFailure(s.step, "no rows remain")
		}
	}

	r.changes.RowsOut = r.ds.NumRows()
	return &Result{
		Dataset:     r.ds,
		Changes:     r.changes,
		InvalidRows: invalid,
		LabelColumn: r.label,
	}, nil
}

// countInvalidRows applies the type-enforcement rule without modifying ds.
func countInvalidRows(ds *dataset.Dataset, ratio float64) int {
	bad := make([]bool, ds.NumRows())
	for j, col := range ds.Columns {
		coercible := false
		if col.Type == dataset.TypeString {
			coercible = dataset.ProfileNumeric(ds.ColumnValues(j)).Coercible(ratio)
		}
		for i, row := range ds.Rows {
			v := row[j]
			switch {
			case v.IsMissing():
				bad[i] = true
			case v.Kind == dataset.KindString && isBlank(v.Str):
				bad[i] = true
			case coercible && v.Kind == dataset.KindString:
				if _, ok := dataset.ParseNumber(v.Str); !ok {
					bad[i] = true
				}
			}
		}
	}
	n := 0
	for _, b := range bad {
		if b {
			n++
		}
	}
	return n
}

// keepRows retains the rows whose index is not in drop.
func (r *run) keepRows(drop []bool) int {
	kept := r.ds.Rows[:0]
	removed := 0
	for i, row := range r.ds.Rows {
		if drop[i] {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	r.ds.Rows = kept
	return removed
}
