package quality

import (
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

// Diff compares the analyses of an original and a cleaned snapshot.
type Diff struct {
	RowsBefore          int      `json:"rows_before"`
	RowsAfter           int      `json:"rows_after"`
	RowDelta            int      `json:"row_delta"`
	ColumnsBefore       int      `json:"columns_before"`
	ColumnsAfter        int      `json:"columns_after"`
	ColumnDelta         int      `json:"column_delta"`
	ColumnsAdded        []string `json:"columns_added"`
	ColumnsRemoved      []string `json:"columns_removed"`
	ScoreBefore         int      `json:"score_before"`
	ScoreAfter          int      `json:"score_after"`
	ScoreDelta          int      `json:"score_delta"`
	ResolvedSuggestions []string `json:"resolved_suggestions"`
	NewSuggestions      []string `json:"new_suggestions"`
}

func Compare(original, cleaned Report) Diff {
	d := Diff{
		RowsBefore:    original.Rows,
		RowsAfter:     cleaned.Rows,
		RowDelta:      cleaned.Rows - original.Rows,
		ColumnsBefore: original.Columns,
		ColumnsAfter:  cleaned.Columns,
		ColumnDelta:   cleaned.Columns - original.Columns,
		ScoreBefore:   original.Score,
		ScoreAfter:    cleaned.Score,
		ScoreDelta:    cleaned.Score - original.Score,
	}
	d.ColumnsAdded = missingFrom(cleaned.ColumnOrder, original.ColumnOrder)
	d.ColumnsRemoved = missingFrom(original.ColumnOrder, cleaned.ColumnOrder)
	d.ResolvedSuggestions = missingFrom(original.SuggestionKeys(), cleaned.SuggestionKeys())
	d.NewSuggestions = missingFrom(cleaned.SuggestionKeys(), original.SuggestionKeys())
	return d
}

// missingFrom returns the elements of a absent from b, in a's order.
func missingFrom(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	out := []string{}
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}

// Outcome is what the pipeline reports back for metric assembly.
type Outcome struct {
	Changes     models.ChangeLog
	InvalidRows int
	LabelColumn string
}

// BuildMetrics assembles the metrics stored on a completed job. Record counts
// describe the input; score, percentages, issues and column stats describe
// the cleaned output.
func BuildMetrics(original, cleaned Report, out Outcome) models.QualityMetrics {
	invalid := out.InvalidRows
	if invalid > original.Rows {
		invalid = original.Rows
	}
	return models.QualityMetrics{
		QualityScore:         cleaned.Score,
		TotalRecords:         original.Rows,
		ValidRecords:         original.Rows - invalid,
		InvalidRecords:       invalid,
		MissingValuesPercent: cleaned.MissingPercent,
		DuplicatePercent:     cleaned.DuplicatePercent,
		Issues:               append([]string{}, cleaned.Issues...),
		Report: &models.QualityReport{
			Changes:       out.Changes,
			Columns:       cleaned.ColumnStats,
			ColumnOrder:   cleaned.ColumnOrder,
			Suggestions:   cleaned.Suggestions,
			OriginalScore: original.Score,
			LabelColumn:   out.LabelColumn,
		},
	}
}
