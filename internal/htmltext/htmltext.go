// Package htmltext normalizes source markup into the plain-text and
// markdown renditions stored on a post.
package htmltext

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	spaceRun     = regexp.MustCompile(`\s+`)
	splitScheme  = regexp.MustCompile(`(https?)\s*:\s*//`)
	splitHashtag = regexp.MustCompile(`#\s+(\w)`)
)

// Text strips markup down to single-line plain text. Image alt texts are
// appended so annotated screenshots still contribute tokens. Whitespace is
// collapsed; split URL schemes ("http ://x") and detached hashtags
// ("# tag") are re-joined.
func Text(markup string) string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return collapse(markup)
	}

	var sb strings.Builder
	collectText(doc, &sb)
	collectAlts(doc, &sb)
	return collapse(sb.String())
}

var markdownHTML = goldmark.New()

// MarkdownText renders markdown-authoritative content to plain text through
// an HTML rendition, so formatting syntax never leaks into the stored text.
func MarkdownText(source string) string {
	var buf bytes.Buffer
	if err := markdownHTML.Convert([]byte(source), &buf); err != nil {
		return collapse(source)
	}
	return Text(buf.String())
}

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Markdown converts HTML markup to a markdown rendition. On conversion
// failure or empty output it falls back to the plain text.
func Markdown(markup string) string {
	result, err := mdConverter.ConvertString(markup)
	if err != nil || strings.TrimSpace(result) == "" {
		return Text(markup)
	}
	return strings.TrimSpace(result)
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if text != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(text)
		}
	}
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript:
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

func collectAlts(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && n.DataAtom == atom.Img {
		for _, a := range n.Attr {
			if a.Key == "alt" && strings.TrimSpace(a.Val) != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(a.Val)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectAlts(c, sb)
	}
}

func collapse(s string) string {
	s = spaceRun.ReplaceAllString(s, " ")
	s = splitScheme.ReplaceAllString(s, "$1://")
	s = splitHashtag.ReplaceAllString(s, "#$1")
	return strings.TrimSpace(s)
}
