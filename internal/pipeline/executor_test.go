package pipeline

import (
	"bytes"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/tabprep/internal/dataset"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

// offConfig returns a config with every step disabled.
func offConfig() models.PipelineConfig {
	return models.PipelineConfig{
		MissingValueStrategy: models.MissingMean,
		OutlierThreshold:     models.DefaultOutlierThreshold,
		EncodingStrategy:     models.EncodingNone,
	}
}

func num(f float64) dataset.Value { return dataset.Number(f) }
func str(s string) dataset.Value  { return dataset.String(s) }
func missing() dataset.Value      { return dataset.Missing() }

func numericColumn(name string) *dataset.Dataset {
	ds := dataset.New(name)
	ds.Columns[0].Type = dataset.TypeNumeric
	return ds
}

func mustRun(t *testing.T, ds *dataset.Dataset, cfg models.PipelineConfig) *Result {
	t.Helper()
	res, err := NewExecutor().Run(ds, cfg)
	require.NoError(t, err)
	return res
}

func TestRun_DuplicateRemoval(t *testing.T) {
	ds := dataset.New("id", "name")
	ds.Columns[0].Type = dataset.TypeNumeric
	for i := 0; i < 95; i++ {
		require.NoError(t, ds.AppendRow(num(float64(i)), str("row "+strconv.Itoa(i))))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, ds.AppendRow(num(float64(i)), str("row "+strconv.Itoa(i))))
	}

	cfg := models.DefaultPipelineConfig()
	cfg.RemoveDuplicates = true
	cfg.SecondDuplicateRemoval = false

	res := mustRun(t, ds, cfg)
	assert.Equal(t, 95, res.Dataset.NumRows())
	assert.Equal(t, 5, res.Changes.DuplicatesRemoved)
	assert.Equal(t, 100, res.Changes.RowsIn)
	assert.Equal(t, 95, res.Changes.RowsOut)
}

func TestRun_OutlierRemoval(t *testing.T) {
	ds := numericColumn("x")
	for _, v := range []float64{1, 2, 3, 4, 100} {
		require.NoError(t, ds.AppendRow(num(v)))
	}
	cfg := offConfig()
	cfg.DropOutliers = true
	cfg.OutlierThreshold = 2.0

	res := mustRun(t, ds, cfg)
	require.Equal(t, 4, res.Dataset.NumRows())
	assert.Equal(t, 1, res.Changes.OutlierRowsDropped)
	for _, row := range res.Dataset.Rows {
		assert.NotEqual(t, 100.0, row[0].Num)
	}
}

func TestRun_OutlierRemoval_ConstantRemainder(t *testing.T) {
	ds := numericColumn("x")
	for i := 0; i < 9; i++ {
		require.NoError(t, ds.AppendRow(num(0)))
	}
	require.NoError(t, ds.AppendRow(num(1000)))
	cfg := offConfig()
	cfg.DropOutliers = true
	cfg.OutlierThreshold = 2.0

	res := mustRun(t, ds, cfg)
	require.Equal(t, 9, res.Dataset.NumRows())
	assert.Equal(t, 1, res.Changes.OutlierRowsDropped)
	for _, row := range res.Dataset.Rows {
		assert.Equal(t, 0.0, row[0].Num)
	}
}

func TestRun_OutlierRemoval_SkipsConstantColumns(t *testing.T) {
	ds := numericColumn("x")
	for i := 0; i < 6; i++ {
		require.NoError(t, ds.AppendRow(num(7)))
	}
	cfg := offConfig()
	cfg.DropOutliers = true
	cfg.OutlierThreshold = 0.1

	res := mustRun(t, ds, cfg)
	assert.Equal(t, 6, res.Dataset.NumRows())
}

func TestRun_MeanImputation(t *testing.T) {
	ds := dataset.New("id", "value")
	ds.Columns[0].Type = dataset.TypeNumeric
	ds.Columns[1].Type = dataset.TypeNumeric
	present := []float64{3, 8, 1, 9, 4, 6, 11}
	var sum float64
	p := 0
	for i := 0; i < 10; i++ {
		v := missing()
		if i%3 != 2 {
			v = num(present[p])
			sum += present[p]
			p++
		}
		require.NoError(t, ds.AppendRow(num(float64(i)), v))
	}
	require.Equal(t, 7, p)
	mean := sum / 7

	cfg := offConfig()
	cfg.HandleMissingValues = true
	cfg.MissingValueStrategy = models.MissingMean

	res := mustRun(t, ds, cfg)
	assert.Equal(t, 3, res.InvalidRows)
	assert.Equal(t, 3, res.Changes.ValuesImputed)
	for _, i := range []int{2, 5, 8} {
		assert.InDelta(t, mean, res.Dataset.Rows[i][1].Num, 1e-12)
	}
}

func TestRun_MissingStrategies(t *testing.T) {
	build := func() *dataset.Dataset {
		ds := dataset.New("n", "s")
		ds.Columns[0].Type = dataset.TypeNumeric
		require.NoError(t, ds.AppendRow(num(1), str("a")))
		require.NoError(t, ds.AppendRow(num(2), str("b")))
		require.NoError(t, ds.AppendRow(num(2), missing()))
		require.NoError(t, ds.AppendRow(num(10), str("b")))
		require.NoError(t, ds.AppendRow(missing(), str("a")))
		return ds
	}

	tests := []struct {
		strategy models.MissingValueStrategy
		wantNum  float64
	}{
		{models.MissingMean, 3.75},
		{models.MissingMedian, 2},
		{models.MissingMode, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			cfg := offConfig()
			cfg.HandleMissingValues = true
			cfg.MissingValueStrategy = tt.strategy

			res := mustRun(t, build(), cfg)
			assert.Equal(t, tt.wantNum, res.Dataset.Rows[4][0].Num)
			// text columns always take the mode; a/b tie resolves to a
			assert.Equal(t, str("a"), res.Dataset.Rows[2][1])
		})
	}

	t.Run("drop", func(t *testing.T) {
		cfg := offConfig()
		cfg.HandleMissingValues = true
		cfg.MissingValueStrategy = models.MissingDrop

		res := mustRun(t, build(), cfg)
		assert.Equal(t, 3, res.Dataset.NumRows())
		assert.Equal(t, 2, res.Changes.RowsDroppedMissing)
	})
}

func TestRun_TypeEnforcement(t *testing.T) {
	ds := dataset.New("x", "y")
	for _, row := range [][2]string{{"1", "a"}, {"2", "b"}, {"3", " "}, {"4", "c"}, {"oops", "d"}} {
		require.NoError(t, ds.AppendRow(str(row[0]), str(row[1])))
	}
	cfg := offConfig()
	cfg.EnforceDataTypes = true

	res := mustRun(t, ds, cfg)
	out := res.Dataset
	assert.Equal(t, dataset.TypeNumeric, out.Columns[0].Type)
	assert.Equal(t, dataset.TypeString, out.Columns[1].Type)
	assert.Equal(t, num(3), out.Rows[2][0])
	assert.True(t, out.Rows[4][0].IsMissing())
	assert.True(t, out.Rows[2][1].IsMissing(), "blank strings become missing")
	assert.Equal(t, 1, res.Changes.ColumnsRetyped)
	assert.Equal(t, 4, res.Changes.ValuesCoerced)
	assert.Equal(t, 1, res.Changes.InvalidValues)
	assert.Equal(t, 2, res.InvalidRows)
}

func TestRun_TextCleaning(t *testing.T) {
	ds := dataset.New("txt")
	for _, s := range []string{
		"<p>Hello &amp; welcome</p>",
		"great 😀 product!!!",
		"  too   many\tspaces ",
		"plain",
		"<br>",
	} {
		require.NoError(t, ds.AppendRow(str(s)))
	}
	cfg := offConfig()
	cfg.TextCleaning = true
	cfg.RemoveHTML = true
	cfg.RemoveEmojis = true
	cfg.CollapsePunctuation = true
	cfg.NormalizeWhitespace = true

	res := mustRun(t, ds, cfg)
	got := res.Dataset.ColumnValues(0)
	assert.Equal(t, str("Hello & welcome"), got[0])
	assert.Equal(t, str("great product!"), got[1])
	assert.Equal(t, str("too many spaces"), got[2])
	assert.Equal(t, str("plain"), got[3])
	assert.True(t, got[4].IsMissing())
	assert.Equal(t, 4, res.Changes.TextValuesCleaned)
}

func TestRun_TextCleaning_SubFlags(t *testing.T) {
	ds := dataset.New("txt")
	require.NoError(t, ds.AppendRow(str("<b>wow</b>!!  😀")))
	cfg := offConfig()
	cfg.TextCleaning = true
	cfg.RemoveHTML = true

	res := mustRun(t, ds, cfg)
	assert.Equal(t, str("wow!!  😀"), res.Dataset.Rows[0][0])
}

func TestRun_RemoveHTML_KeepsComparisonsDropsScripts(t *testing.T) {
	ds := dataset.New("txt")
	for _, s := range []string{
		"x < 5 and y > 3",
		"<script>alert(1)</script>ok",
		"<style>p{color:red}</style><p>styled</p>",
		"a<b",
		"fish &amp; chips",
	} {
		require.NoError(t, ds.AppendRow(str(s)))
	}
	cfg := offConfig()
	cfg.TextCleaning = true
	cfg.RemoveHTML = true

	res := mustRun(t, ds, cfg)
	got := res.Dataset.ColumnValues(0)
	assert.Equal(t, str("x < 5 and y > 3"), got[0])
	assert.Equal(t, str("ok"), got[1])
	assert.Equal(t, str("styled"), got[2])
	assert.Equal(t, str("a<b"), got[3])
	assert.Equal(t, str("fish & chips"), got[4])
}

func TestRun_LabelNormalization(t *testing.T) {
	build := func() *dataset.Dataset {
		ds := dataset.New("review", "sentiment")
		for _, row := range [][2]string{{"good", "pos"}, {"bad", "neg"}, {"fine", "pos"}} {
			require.NoError(t, ds.AppendRow(str(row[0]), str(row[1])))
		}
		return ds
	}

	t.Run("heuristic picks the only binary column", func(t *testing.T) {
		cfg := offConfig()
		cfg.LabelNormalization = true
		res := mustRun(t, build(), cfg)
		assert.Equal(t, "sentiment", res.LabelColumn)
		assert.Equal(t, []dataset.Value{num(1), num(0), num(1)}, res.Dataset.ColumnValues(1))
		assert.Equal(t, 3, res.Changes.LabelsMapped)
	})

	t.Run("ambiguous without a binary column", func(t *testing.T) {
		ds := dataset.New("a")
		for _, s := range []string{"x", "y", "z"} {
			require.NoError(t, ds.AppendRow(str(s)))
		}
		cfg := offConfig()
		cfg.LabelNormalization = true
		_, err := NewExecutor().Run(ds, cfg)
		assert.True(t, errors.Is(err, ErrAmbiguousLabelColumn))
	})

	t.Run("ambiguous with two binary columns", func(t *testing.T) {
		ds := dataset.New("a", "b")
		require.NoError(t, ds.AppendRow(str("x"), str("p")))
		require.NoError(t, ds.AppendRow(str("y"), str("q")))
		cfg := offConfig()
		cfg.LabelNormalization = true
		_, err := NewExecutor().Run(ds, cfg)
		assert.True(t, errors.Is(err, ErrAmbiguousLabelColumn))
	})

	t.Run("explicit column must exist", func(t *testing.T) {
		cfg := offConfig()
		cfg.LabelNormalization = true
		cfg.LabelColumn = "nope"
		_, err := NewExecutor().Run(build(), cfg)
		assert.True(t, errors.Is(err, ErrPipelineStepFailure))
		var se *StepError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, StepLabels, se.Step)
	})

	t.Run("explicit column with too many values", func(t *testing.T) {
		cfg := offConfig()
		cfg.LabelNormalization = true
		cfg.LabelColumn = "review"
		_, err := NewExecutor().Run(build(), cfg)
		assert.True(t, errors.Is(err, ErrPipelineStepFailure))
	})
}

func TestRun_OneHotEncoding(t *testing.T) {
	ds := dataset.New("color", "size")
	ds.Columns[1].Type = dataset.TypeNumeric
	require.NoError(t, ds.AppendRow(str("red"), num(1)))
	require.NoError(t, ds.AppendRow(str("blue"), num(2)))
	require.NoError(t, ds.AppendRow(missing(), num(3)))

	cfg := offConfig()
	cfg.EncodingStrategy = models.EncodingOneHot

	res := mustRun(t, ds, cfg)
	out := res.Dataset
	assert.Equal(t, []string{"color_blue", "color_red", "size"}, out.ColumnNames())
	assert.Equal(t, []dataset.Value{num(0), num(1), num(1)}, out.Rows[0])
	assert.Equal(t, []dataset.Value{num(1), num(0), num(2)}, out.Rows[1])
	assert.Equal(t, []dataset.Value{num(0), num(0), num(3)}, out.Rows[2])
	assert.Equal(t, 1, res.Changes.ColumnsEncoded)
	assert.Equal(t, 2, res.Changes.ColumnsAdded)
}

func TestRun_LabelEncoding_SkipsLabelColumn(t *testing.T) {
	ds := dataset.New("city", "target")
	for _, row := range [][2]string{{"oslo", "yes"}, {"lima", "no"}, {"oslo", "no"}, {"rome", "yes"}} {
		require.NoError(t, ds.AppendRow(str(row[0]), str(row[1])))
	}
	cfg := offConfig()
	cfg.EncodingStrategy = models.EncodingLabel
	cfg.LabelColumn = "target"

	res := mustRun(t, ds, cfg)
	assert.Equal(t, []dataset.Value{num(1), num(0), num(1), num(2)}, res.Dataset.ColumnValues(0))
	assert.Equal(t, str("yes"), res.Dataset.Rows[0][1])
}

func TestRun_EncodingCategoryCap(t *testing.T) {
	ds := dataset.New("c")
	for i := 0; i < 4; i++ {
		require.NoError(t, ds.AppendRow(str("v"+strconv.Itoa(i))))
	}
	e := NewExecutor()
	e.MaxOneHotCategories = 3
	cfg := offConfig()
	cfg.EncodingStrategy = models.EncodingOneHot

	_, err := e.Run(ds, cfg)
	assert.True(t, errors.Is(err, ErrPipelineStepFailure))
}

func TestRun_DateParsing(t *testing.T) {
	ds := dataset.New("when", "note")
	for _, row := range [][2]string{
		{"2024-01-01", "a"},
		{"2024/01/02", "b"},
		{"03/01/2024", "c"},
		{"2024-01-04", "d"},
		{"soon", "e"},
	} {
		require.NoError(t, ds.AppendRow(str(row[0]), str(row[1])))
	}
	cfg := offConfig()
	cfg.ParseDates = true
	cfg.EncodingStrategy = models.EncodingLabel

	res := mustRun(t, ds, cfg)
	out := res.Dataset
	assert.Equal(t, dataset.TypeDate, out.Columns[0].Type)
	assert.Equal(t, "2024-01-02", out.Rows[1][0].Format())
	assert.True(t, out.Rows[4][0].IsMissing())
	assert.Equal(t, 1, res.Changes.DateColumnsParsed)
	assert.Equal(t, 1, res.Changes.DatesUnparsed)
	// the date column was left for date parsing, the note column was encoded
	assert.Equal(t, 1, res.Changes.ColumnsEncoded)
	assert.Equal(t, dataset.TypeNumeric, out.Columns[1].Type)
}

func TestRun_DateParsing_LeavesMostlyTextAlone(t *testing.T) {
	ds := dataset.New("when")
	for _, s := range []string{"2024-01-01", "later", "tomorrow", "never"} {
		require.NoError(t, ds.AppendRow(str(s)))
	}
	cfg := offConfig()
	cfg.ParseDates = true

	res := mustRun(t, ds, cfg)
	assert.Equal(t, dataset.TypeString, res.Dataset.Columns[0].Type)
	assert.Equal(t, str("later"), res.Dataset.Rows[1][0])
}

func TestRun_Normalization(t *testing.T) {
	ds := dataset.New("x", "k", "label")
	for _, c := range []int{0, 1, 2} {
		ds.Columns[c].Type = dataset.TypeNumeric
	}
	require.NoError(t, ds.AppendRow(num(10), num(5), num(0)))
	require.NoError(t, ds.AppendRow(num(20), num(5), num(1)))
	require.NoError(t, ds.AppendRow(num(30), num(5), num(1)))

	cfg := offConfig()
	cfg.NormalizeData = true
	cfg.LabelColumn = "label"

	res := mustRun(t, ds, cfg)
	assert.Equal(t, []dataset.Value{num(0), num(0.5), num(1)}, res.Dataset.ColumnValues(0))
	assert.Equal(t, []dataset.Value{num(5), num(5), num(5)}, res.Dataset.ColumnValues(1), "constant column untouched")
	assert.Equal(t, []dataset.Value{num(0), num(1), num(1)}, res.Dataset.ColumnValues(2), "label column untouched")
	assert.Equal(t, 1, res.Changes.ColumnsNormalized)
}

func TestRun_SecondPassCatchesCleanedDuplicates(t *testing.T) {
	ds := dataset.New("txt")
	require.NoError(t, ds.AppendRow(str("hello  world")))
	require.NoError(t, ds.AppendRow(str("hello world")))

	cfg := models.DefaultPipelineConfig()
	res := mustRun(t, ds, cfg)
	assert.Equal(t, 0, res.Changes.DuplicatesRemoved)
	assert.Equal(t, 1, res.Changes.SecondPassDuplicatesRemoved)
	assert.Equal(t, 1, res.Dataset.NumRows())
}

func TestRun_FailsWhenNoRowsRemain(t *testing.T) {
	ds := dataset.New("a", "b")
	require.NoError(t, ds.AppendRow(str("x"), missing()))
	require.NoError(t, ds.AppendRow(missing(), str("y")))
	cfg := offConfig()
	cfg.HandleMissingValues = true
	cfg.MissingValueStrategy = models.MissingDrop

	_, err := NewExecutor().Run(ds, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPipelineStepFailure))
	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StepMissing, se.Step)
}

func TestRun_EmptyDatasetSucceeds(t *testing.T) {
	res := mustRun(t, dataset.New("a"), models.DefaultPipelineConfig())
	assert.Equal(t, 0, res.Dataset.NumRows())
}

func TestRun_RejectsInvalidConfig(t *testing.T) {
	cfg := offConfig()
	cfg.EncodingStrategy = "hash"
	_, err := NewExecutor().Run(dataset.New("a"), cfg)
	assert.Error(t, err)
}

func sampleDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds := dataset.New("id", "price", "comment", "when", "flag")
	rows := [][]string{
		{"1", "10.5", "<i>nice</i>!!", "2024-01-01", "y"},
		{"2", "NA", "ok 😀", "2024-01-02", "n"},
		{"3", "12", "ok", "2024-01-03", "y"},
		{"3", "12", "ok", "2024-01-03", "y"},
		{"4", "x", "  fine  ", "bad", "n"},
		{"5", "900", "great", "2024-01-05", "y"},
		{"6", "11", "ok 😀", "2024-01-06", "n"},
	}
	for _, r := range rows {
		vals := make([]dataset.Value, len(r))
		for j, s := range r {
			vals[j] = dataset.ParseCell(s)
		}
		require.NoError(t, ds.AppendRow(vals...))
	}
	ds.InferColumnTypes()
	return ds
}

func fullConfig() models.PipelineConfig {
	cfg := models.DefaultPipelineConfig()
	cfg.DropOutliers = true
	cfg.OutlierThreshold = 2
	cfg.ParseDates = true
	cfg.NormalizeData = true
	cfg.LabelNormalization = true
	cfg.LabelColumn = "flag"
	cfg.EncodingStrategy = models.EncodingOneHot
	return cfg
}

func TestRun_Deterministic(t *testing.T) {
	in := sampleDataset(t)
	cfg := fullConfig()

	first := mustRun(t, in, cfg)
	second := mustRun(t, in, cfg)

	var a, b bytes.Buffer
	require.NoError(t, dataset.Encode(&a, first.Dataset, dataset.FormatCSV))
	require.NoError(t, dataset.Encode(&b, second.Dataset, dataset.FormatCSV))
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, first.Changes, second.Changes)
	assert.Equal(t, first.InvalidRows, second.InvalidRows)
}

func TestRun_DoesNotMutateInput(t *testing.T) {
	in := sampleDataset(t)
	before := in.Clone()

	mustRun(t, in, fullConfig())
	assert.Equal(t, before, in)
}

func TestDedupe_Idempotent(t *testing.T) {
	r := &run{ds: sampleDataset(t)}
	assert.Equal(t, 1, r.dedupe())
	assert.Equal(t, 0, r.dedupe())
}
