package dataset

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// emojiTable covers pictographs, dingbats, symbols, flags and the joiners
// and variation selectors that glue emoji sequences together.
var emojiTable = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x200d, Hi: 0x200d, Stride: 1},
		{Lo: 0x20e3, Hi: 0x20e3, Stride: 1},
		{Lo: 0x2300, Hi: 0x23ff, Stride: 1},
		{Lo: 0x2600, Hi: 0x27bf, Stride: 1},
		{Lo: 0x2b00, Hi: 0x2bff, Stride: 1},
		{Lo: 0xfe0e, Hi: 0xfe0f, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1f000, Hi: 0x1faff, Stride: 1},
		{Lo: 0xe0020, Hi: 0xe007f, Stride: 1},
	},
}

func IsEmoji(r rune) bool { return unicode.Is(emojiTable, r) }

// ContainsEmoji reports whether s has at least one emoji rune.
func ContainsEmoji(s string) bool {
	for _, r := range s {
		if IsEmoji(r) {
			return true
		}
	}
	return false
}

// ContainsHTML reports whether s holds at least one complete markup tag,
// comment or doctype. Comparisons such as "x < 5" are plain text.
func ContainsHTML(s string) bool {
	if !strings.ContainsRune(s, '<') {
		return false
	}
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken,
			html.CommentToken, html.DoctypeToken:
			return true
		}
	}
}

// StripTags returns the text content of s with entities decoded. Markup is
// removed along with everything inside script and style elements.
func StripTags(s string) string {
	if !ContainsHTML(s) {
		return html.UnescapeString(s)
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	b.Grow(len(s))
	skip := ""
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if skip == "" {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			if name, _ := z.TagName(); skip == "" && hiddenContent(string(name)) {
				skip = string(name)
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == skip {
				skip = ""
			}
		}
	}
}

func hiddenContent(tag string) bool {
	return tag == "script" || tag == "style"
}
