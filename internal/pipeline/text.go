package pipeline

import (
	"strings"
	"unicode"

	"github.com/kiranshivaraju/tabprep/internal/dataset"
)

func stripHTML(s string) string {
	return dataset.StripTags(s)
}

func stripEmojis(s string) string {
	return strings.Map(func(r rune) rune {
		if dataset.IsEmoji(r) {
			return -1
		}
		return r
	}, s)
}

// collapsePunctuation reduces runs of the same punctuation mark to one.
func collapsePunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune = -1
	for _, r := range s {
		if r == prev && unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanText runs the enabled text filters over every text cell. A cell that
// cleans down to nothing becomes missing.
func (r *run) cleanText() error {
	var filters []func(string) string
	if r.cfg.RemoveHTML {
		filters = append(filters, stripHTML)
	}
	if r.cfg.RemoveEmojis {
		filters = append(filters, stripEmojis)
	}
	if r.cfg.CollapsePunctuation {
		filters = append(filters, collapsePunctuation)
	}
	if r.cfg.NormalizeWhitespace {
		filters = append(filters, normalizeWhitespace)
	}
	if len(filters) == 0 {
		return nil
	}

	for j, col := range r.ds.Columns {
		if col.Type != dataset.TypeString {
			continue
		}
		for _, row := range r.ds.Rows {
			v := row[j]
			if v.Kind != dataset.KindString {
				continue
			}
			s := v.Str
			for _, f := range filters {
				s = f(s)
			}
			if s == v.Str {
				continue
			}
			r.changes.TextValuesCleaned++
			if isBlank(s) {
				row[j] = dataset.Missing()
			} else {
				row[j] = dataset.String(s)
			}
		}
	}
	return nil
}
