package models

// ChangeLog counts what each pipeline step did. It never carries row payloads.
type ChangeLog struct {
	RowsIn                      int `json:"rows_in"`
	RowsOut                     int `json:"rows_out"`
	ColumnsRenamed              int `json:"columns_renamed"`
	ColumnsRetyped              int `json:"columns_retyped"`
	ValuesCoerced               int `json:"values_coerced"`
	InvalidValues               int `json:"invalid_values"`
	ValuesImputed               int `json:"values_imputed"`
	RowsDroppedMissing          int `json:"rows_dropped_missing"`
	DuplicatesRemoved           int `json:"duplicates_removed"`
	OutlierRowsDropped          int `json:"outlier_rows_dropped"`
	TextValuesCleaned           int `json:"text_values_cleaned"`
	LabelsMapped                int `json:"labels_mapped"`
	ColumnsEncoded              int `json:"columns_encoded"`
	ColumnsAdded                int `json:"columns_added"`
	DateColumnsParsed           int `json:"date_columns_parsed"`
	DatesUnparsed               int `json:"dates_unparsed"`
	ColumnsNormalized           int `json:"columns_normalized"`
	SecondPassDuplicatesRemoved int `json:"second_pass_duplicates_removed"`
}

// ColumnStats summarizes one column. Mean, Min and Max are set for numeric columns only.
type ColumnStats struct {
	Dtype   string   `json:"dtype"`
	Missing int      `json:"missing"`
	Unique  int      `json:"unique"`
	Mean    *float64 `json:"mean,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

// QualityReport is the detailed section of QualityMetrics.
type QualityReport struct {
	Changes       ChangeLog              `json:"changes"`
	Columns       map[string]ColumnStats `json:"columns"`
	ColumnOrder   []string               `json:"column_order"`
	Suggestions   map[string]any         `json:"suggestions,omitempty"`
	OriginalScore int                    `json:"original_score"`
	LabelColumn   string                 `json:"label_column,omitempty"`
}

// QualityMetrics is produced once per job and attached when it completes.
type QualityMetrics struct {
	QualityScore         int            `json:"quality_score"`
	TotalRecords         int            `json:"total_records"`
	ValidRecords         int            `json:"valid_records"`
	InvalidRecords       int            `json:"invalid_records"`
	MissingValuesPercent float64        `json:"missing_values_percent"`
	DuplicatePercent     float64        `json:"duplicate_percent"`
	Issues               []string       `json:"issues"`
	Report               *QualityReport `json:"report,omitempty"`
}

// Clone returns a copy that shares no maps, slices or pointers with m.
// Suggestion values are scalars and are copied as is.
func (m *QualityMetrics) Clone() *QualityMetrics {
	if m == nil {
		return nil
	}
	c := *m
	c.Issues = cloneStrings(m.Issues)
	if m.Report == nil {
		return &c
	}
	r := *m.Report
	r.ColumnOrder = cloneStrings(m.Report.ColumnOrder)
	if m.Report.Columns != nil {
		r.Columns = make(map[string]ColumnStats, len(m.Report.Columns))
		for k, v := range m.Report.Columns {
			v.Mean, v.Min, v.Max = clonePtr(v.Mean), clonePtr(v.Min), clonePtr(v.Max)
			r.Columns[k] = v
		}
	}
	if m.Report.Suggestions != nil {
		r.Suggestions = make(map[string]any, len(m.Report.Suggestions))
		for k, v := range m.Report.Suggestions {
			r.Suggestions[k] = v
		}
	}
	c.Report = &r
	return &c
}

func clonePtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}
