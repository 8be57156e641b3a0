package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUnsupportedFormat is returned for file extensions without a codec.
var ErrUnsupportedFormat = errors.New("unsupported dataset format")

// Format is a serialization understood by Decode and Encode.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatJSON Format = "json"
)

// FormatFromPath picks the codec from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".tsv":
		return FormatTSV, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
}

func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatTSV:
		return "text/tab-separated-values"
	default:
		return "text/csv"
	}
}

// Decode reads a dataset and runs load-time type inference.
func Decode(r io.Reader, f Format) (*Dataset, error) {
	var (
		ds  *Dataset
		err error
	)
	switch f {
	case FormatCSV:
		ds, err = readDelimited(r, ',')
	case FormatTSV:
		ds, err = readDelimited(r, '\t')
	case FormatJSON:
		ds, err = readJSON(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	if err != nil {
		return nil, err
	}
	ds.InferColumnTypes()
	return ds, nil
}

// Encode writes ds; output for a given dataset is byte-stable.
func Encode(w io.Writer, ds *Dataset, f Format) error {
	switch f {
	case FormatCSV:
		return writeDelimited(w, ds, ',')
	case FormatTSV:
		return writeDelimited(w, ds, '\t')
	case FormatJSON:
		return writeJSON(w, ds)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

func readDelimited(r io.Reader, comma rune) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header: empty input")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	ds := New(uniqueNames(header)...)

	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read record %d: %w", line, err)
		}
		if len(rec) > len(header) {
			return nil, fmt.Errorf("record %d has %d fields, header has %d", line, len(rec), len(header))
		}
		row := make([]Value, len(header))
		for j := range row {
			if j < len(rec) {
				row[j] = ParseCell(rec[j])
			}
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

// uniqueNames suffixes repeated header names with .1, .2, ...
func uniqueNames(names []string) []string {
	seen := make(map[string]int, len(names))
	out := make([]string, len(names))
	for i, n := range names {
		n = strings.TrimSpace(strings.TrimPrefix(n, "\ufeff"))
		if c, ok := seen[n]; ok {
			seen[n] = c + 1
			out[i] = n + "." + strconv.Itoa(c+1)
			continue
		}
		seen[n] = 0
		out[i] = n
	}
	return out
}

func writeDelimited(w io.Writer, ds *Dataset, comma rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	if err := cw.Write(ds.ColumnNames()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	rec := make([]string, ds.NumCols())
	for _, row := range ds.Rows {
		for j, v := range row {
			rec[j] = v.Format()
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// readJSON accepts an array of flat objects. Column order follows first appearance.
func readJSON(r io.Reader) (*Dataset, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("read json: expected array of records")
	}

	index := map[string]int{}
	var names []string
	var records []map[int]Value

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read json record %d: %w", len(records)+1, err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			return nil, fmt.Errorf("read json record %d: expected object", len(records)+1)
		}
		rec := map[int]Value{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("read json record %d: %w", len(records)+1, err)
			}
			key, _ := keyTok.(string)
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, fmt.Errorf("read json record %d field %q: %w", len(records)+1, key, err)
			}
			j, ok := index[key]
			if !ok {
				j = len(names)
				index[key] = j
				names = append(names, key)
			}
			rec[j] = jsonValue(raw)
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("read json record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}

	ds := New(names...)
	for _, rec := range records {
		row := make([]Value, len(names))
		for j, v := range rec {
			row[j] = v
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func jsonValue(raw json.RawMessage) Value {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return Missing()
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return String(string(raw))
		}
		return String(s)
	case 't', 'f':
		return String(string(raw))
	case '{', '[':
		return String(string(raw))
	}
	if f, ok := ParseNumber(string(raw)); ok {
		return Number(f)
	}
	return String(string(raw))
}

func writeJSON(w io.Writer, ds *Dataset) error {
	var buf bytes.Buffer
	keys := make([][]byte, ds.NumCols())
	for j, c := range ds.Columns {
		k, err := json.Marshal(c.Name)
		if err != nil {
			return fmt.Errorf("encode column name: %w", err)
		}
		keys[j] = k
	}

	buf.WriteByte('[')
	for i, row := range ds.Rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString("\n  {")
		for j, v := range row {
			if j > 0 {
				buf.WriteByte(',')
			}
			buf.Write(keys[j])
			buf.WriteByte(':')
			switch v.Kind {
			case KindMissing:
				buf.WriteString("null")
			case KindNumber:
				buf.WriteString(FormatNumber(v.Num))
			default:
				s, err := json.Marshal(v.Format())
				if err != nil {
					return fmt.Errorf("encode cell: %w", err)
				}
				buf.Write(s)
			}
		}
		buf.WriteByte('}')
	}
	if ds.NumRows() > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString("]\n")
	_, err := w.Write(buf.Bytes())
	return err
}
