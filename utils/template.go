package utils

import (
	"html"
	"regexp"
	"strings"
)

// {{first_name}}, {{ firstName }} and {{first_name|there}} are all accepted.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*(?:\|([^}]*))?\}\}`)

var (
	scriptOrStyle = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)\s*>`)
	blockBreak    = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/li|/tr|/h[1-6])\s*>`)
	anyTag        = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlLike      = regexp.MustCompile(`<[A-Za-z][^>]*>`)
	spaceRun      = regexp.MustCompile(`[ \t]+`)
	blankRun      = regexp.MustCompile(`\n{3,}`)
)

func normalizeToken(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(key)
}

// RenderTemplate substitutes contact tokens. Unknown or blank tokens resolve
// to their fallback, or to nothing when no fallback is given.
func RenderTemplate(tmpl string, fields map[string]string) string {
	return render(tmpl, fields, func(s string) string { return s })
}

// RenderHTMLTemplate is RenderTemplate with values escaped for HTML.
func RenderHTMLTemplate(tmpl string, fields map[string]string) string {
	return render(tmpl, fields, html.EscapeString)
}

func render(tmpl string, fields map[string]string, escape func(string) string) string {
	lookup := make(map[string]string, len(fields))
	for k, v := range fields {
		lookup[normalizeToken(k)] = v
	}
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := tokenPattern.FindStringSubmatch(match)
		if v := strings.TrimSpace(lookup[normalizeToken(sub[1])]); v != "" {
			return escape(v)
		}
		return escape(strings.TrimSpace(sub[2]))
	})
}

// IsHTML reports whether body contains markup.
func IsHTML(body string) bool {
	return htmlLike.MatchString(body)
}

// TextToHTML wraps a plain text body so it renders with its line breaks.
func TextToHTML(text string) string {
	escaped := html.EscapeString(text)
	return "<p>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</p>"
}

// HTMLToText derives the plain text alternative of an HTML body.
func HTMLToText(body string) string {
	text := scriptOrStyle.ReplaceAllString(body, "")
	text = blockBreak.ReplaceAllString(text, "\n")
	text = anyTag.ReplaceAllString(text, "")
	text = strings.ReplaceAll(html.UnescapeString(text), "\u00a0", " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
