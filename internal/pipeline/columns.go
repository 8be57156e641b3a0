package pipeline

import (
	"strconv"
	"strings"
	"unicode"
)

// CleanColumnName trims and lowercases name, turns spaces into underscores
// and drops every character outside [a-z0-9_].
func CleanColumnName(name string) string {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
	return strings.Map(func(r rune) rune {
		if r == '_' || (r < unicode.MaxASCII && (unicode.IsLower(r) || unicode.IsDigit(r))) {
			return r
		}
		return -1
	}, name)
}

// cleanColumnNames renames every column to its cleaned form. Names that end up
// empty become column_<n>; collisions get a numeric suffix.
func (r *run) cleanColumnNames() error {
	r.renamed = make(map[string]string, len(r.ds.Columns))
	taken := make(map[string]bool, len(r.ds.Columns))
	for j := range r.ds.Columns {
		old := r.ds.Columns[j].Name
		base := CleanColumnName(old)
		if base == "" {
			base = "column_" + strconv.Itoa(j+1)
		}
		name := base
		for n := 2; taken[name]; n++ {
			name = base + "_" + strconv.Itoa(n)
		}
		taken[name] = true
		r.ds.Columns[j].Name = name
		if _, seen := r.renamed[old]; !seen {
			r.renamed[old] = name
		}
		if name != old {
			r.changes.ColumnsRenamed++
		}
	}
	return nil
}

// labelColumn is the configured label column under its current name.
func (r *run) labelColumn() string {
	if name, ok := r.renamed[r.cfg.LabelColumn]; ok {
		return name
	}
	return r.cfg.LabelColumn
}
