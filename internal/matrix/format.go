package matrix

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	mdLink = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)\)`)
	mdBold = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdCode = regexp.MustCompile("`([^`]+)`")
)

// MarkdownToHTML converts the small markdown subset the bridge emits (links,
// bold, inline code) to Matrix HTML. Everything else is escaped verbatim.
func MarkdownToHTML(text string) string {
	type link struct{ label, href string }
	var links []link
	// Pull links out before escaping so the URL survives intact.
	text = mdLink.ReplaceAllStringFunc(text, func(m string) string {
		parts := mdLink.FindStringSubmatch(m)
		links = append(links, link{label: parts[1], href: parts[2]})
		return fmt.Sprintf("\x00%d\x00", len(links)-1)
	})

	text = html.EscapeString(text)
	text = mdBold.ReplaceAllString(text, "<strong>$1</strong>")
	text = mdCode.ReplaceAllString(text, "<code>$1</code>")

	for i, l := range links {
		anchor := fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(l.href), html.EscapeString(l.label))
		text = strings.Replace(text, fmt.Sprintf("\x00%d\x00", i), anchor, 1)
	}
	return text
}
