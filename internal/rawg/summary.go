package rawg

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const snippetBytes = 256

// summarizeBody reduces an error body to one readable line.
//
// Gateways in front of the API answer with HTML pages; those are reduced to
// their <title> (or first <h1>). JSON bodies use the "detail" or "error"
// field. Anything else becomes a whitespace-collapsed snippet.
func summarizeBody(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") || bytes.HasPrefix(trimmed, []byte("<")) {
		if s := htmlSummary(trimmed); s != "" {
			return s
		}
	}
	if strings.Contains(ct, "json") || trimmed[0] == '{' {
		var m map[string]any
		if json.Unmarshal(trimmed, &m) == nil {
			for _, k := range []string{"detail", "error", "message"} {
				if s, ok := m[k].(string); ok && s != "" {
					return collapse(s)
				}
			}
		}
	}
	return snippet(trimmed)
}

func htmlSummary(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	if t := collapse(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return collapse(doc.Find("h1").First().Text())
}

func snippet(b []byte) string {
	if len(b) > snippetBytes {
		b = b[:snippetBytes]
		for len(b) > 0 && !utf8.Valid(b) {
			b = b[:len(b)-1]
		}
	}
	return collapse(string(b))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
