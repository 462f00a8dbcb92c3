package fetch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// stripHTML is the fallback extractor for pages readability cannot parse:
// it drops tags, script and style bodies, decodes common entities, and
// collapses runs of blank lines.
func stripHTML(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inTag := false
	inScript := false
	inStyle := false
	var tagName strings.Builder
	collectingTagName := false

	i := 0
	for i < len(content) {
		r, size := utf8.DecodeRuneInString(content[i:])

		if r == '<' {
			inTag = true
			tagName.Reset()
			collectingTagName = true
			i += size
			continue
		}

		if inTag {
			if collectingTagName {
				if unicode.IsSpace(r) || r == '>' || (r == '/' && tagName.Len() > 0) {
					collectingTagName = false
					switch lower := strings.ToLower(tagName.String()); lower {
					case "script":
						inScript = true
					case "/script":
						inScript = false
					case "style":
						inStyle = true
					case "/style":
						inStyle = false
					default:
						if isBlockTag(lower) {
							out.WriteByte('\n')
						}
					}
				} else {
					tagName.WriteRune(r)
				}
			}
			if r == '>' {
				inTag = false
			}
			i += size
			continue
		}

		if inScript || inStyle {
			i += size
			continue
		}

		if r == '&' {
			if decoded, skip := decodeEntity(content[i:]); skip > 0 {
				out.WriteString(decoded)
				i += skip
				continue
			}
		}

		out.WriteRune(r)
		i += size
	}

	return collapseBlankLines(out.String())
}

func isBlockTag(tag string) bool {
	switch strings.TrimPrefix(tag, "/") {
	case "p", "div", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "ul", "ol", "table", "tr", "blockquote", "pre",
		"section", "article", "header", "footer", "nav", "main":
		return true
	}
	return false
}

var namedEntities = map[string]string{
	"&amp;":  "&",
	"&lt;":   "<",
	"&gt;":   ">",
	"&quot;": "\"",
	"&#39;":  "'",
	"&apos;": "'",
	"&nbsp;": " ",
}

// decodeEntity decodes the entity reference at the start of s. skip is the
// number of bytes consumed, 0 when s does not start a known entity.
func decodeEntity(s string) (decoded string, skip int) {
	end := len(s)
	if end > 12 {
		end = 12
	}
	semi := strings.IndexByte(s[:end], ';')
	if semi < 1 {
		return "", 0
	}
	entity := s[:semi+1]
	if d, ok := namedEntities[entity]; ok {
		return d, semi + 1
	}
	return "", 0
}

func collapseBlankLines(text string) string {
	var out strings.Builder
	empty := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if out.Len() > 0 {
				empty++
			}
			continue
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
			if empty > 1 {
				out.WriteByte('\n')
			}
		}
		out.WriteString(trimmed)
		empty = 0
	}
	return strings.TrimSpace(out.String())
}
