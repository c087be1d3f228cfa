package ocr

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Layout labels whose blocks are left out of the markdown.
var droppedLabels = map[string]bool{
	"Page-Header": true,
	"Page-Footer": true,
}

var (
	excessNewlines = regexp.MustCompile(`\n{3,}`)
	blankLines     = regexp.MustCompile(`\n{2,}`)
	spaceRun       = regexp.MustCompile(`\s+`)
)

// ParseMarkdown converts the model's HTML output into markdown. Layout
// blocks are emitted in document order; page headers and footers are
// dropped. The transform is deterministic and never fails: input that does
// not parse is returned trimmed.
func ParseMarkdown(raw string) string {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(raw), body)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	var b mdBuilder
	for _, n := range nodes {
		if label, ok := layoutLabel(n); ok && droppedLabels[label] {
			continue
		}
		writeNode(&b, n)
	}
	return clean(b.String())
}

func layoutLabel(n *html.Node) (string, bool) {
	if n.Type != html.ElementNode || n.DataAtom != atom.Div {
		return "", false
	}
	v, ok := attr(n, "data-label")
	return v, ok
}

type mdBuilder struct {
	strings.Builder
	// fragment builders collect inline content for a parent, which decides
	// what to do with leading space.
	fragment bool
}

// text writes collapsed inline text, dropping leading spaces at line starts.
func (m *mdBuilder) text(s string) {
	s = spaceRun.ReplaceAllString(s, " ")
	if (m.Len() == 0 && !m.fragment) || strings.HasSuffix(m.String(), "\n") {
		s = strings.TrimLeft(s, " ")
	}
	m.WriteString(s)
}

func (m *mdBuilder) block(s string) {
	m.WriteString("\n\n")
	m.WriteString(s)
	m.WriteString("\n\n")
}

func writeChildren(b *mdBuilder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(b, c)
	}
}

func inline(n *html.Node) string {
	b := mdBuilder{fragment: true}
	writeChildren(&b, n)
	return b.String()
}

func writeNode(b *mdBuilder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.text(n.Data)
		return
	case html.DocumentNode:
		writeChildren(b, n)
		return
	case html.ElementNode:
	default:
		return
	}

	if n.Data == "math" {
		tex := strings.TrimSpace(textContent(n))
		if display, _ := attr(n, "display"); display == "block" {
			b.block("$$" + tex + "$$")
		} else {
			b.WriteString("$" + tex + "$")
		}
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		title := strings.TrimSpace(strings.ReplaceAll(inline(n), "\n", " "))
		b.block(strings.Repeat("#", level) + " " + title)
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Caption:
		b.WriteString("\n\n")
		writeChildren(b, n)
		b.WriteString("\n\n")
	case atom.Br:
		b.WriteString("\n")
	case atom.Hr:
		b.block("---")
	case atom.B, atom.Strong:
		wrap(b, inline(n), "**")
	case atom.I, atom.Em:
		wrap(b, inline(n), "*")
	case atom.Del, atom.S:
		wrap(b, inline(n), "~~")
	case atom.Code:
		if code := textContent(n); code != "" {
			b.WriteString("`" + code + "`")
		}
	case atom.Pre:
		b.block("```\n" + strings.Trim(textContent(n), "\n") + "\n```")
	case atom.A:
		text := strings.TrimSpace(inline(n))
		if href, _ := attr(n, "href"); href != "" {
			b.WriteString("[" + text + "](" + href + ")")
		} else {
			b.WriteString(text)
		}
	case atom.Img:
		alt, _ := attr(n, "alt")
		src, _ := attr(n, "src")
		b.WriteString("![" + strings.TrimSpace(alt) + "](" + src + ")")
	case atom.Sup, atom.Sub:
		b.WriteString("<" + n.Data + ">" + strings.TrimSpace(inline(n)) + "</" + n.Data + ">")
	case atom.Ul:
		writeList(b, n, false)
	case atom.Ol:
		writeList(b, n, true)
	case atom.Table:
		writeTable(b, n)
	case atom.Blockquote:
		lines := strings.Split(clean(inline(n)), "\n")
		for i, l := range lines {
			lines[i] = strings.TrimRight("> "+l, " ")
		}
		b.block(strings.Join(lines, "\n"))
	case atom.Input:
		if typ, _ := attr(n, "type"); typ == "checkbox" || typ == "radio" {
			if _, checked := attr(n, "checked"); checked {
				b.WriteString("[x] ")
			} else {
				b.WriteString("[ ] ")
			}
		}
	case atom.Script, atom.Style:
	default:
		writeChildren(b, n)
	}
}

// wrap emphasises s with marker, keeping surrounding spaces outside it.
func wrap(b *mdBuilder, s, marker string) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		b.text(s)
		return
	}
	if strings.HasPrefix(s, " ") {
		b.text(" ")
	}
	b.WriteString(marker + trimmed + marker)
	if strings.HasSuffix(s, " ") {
		b.WriteString(" ")
	}
}

func writeList(b *mdBuilder, n *html.Node, ordered bool) {
	idx := 1
	if start, ok := attr(n, "start"); ok {
		if v, err := strconv.Atoi(start); err == nil {
			idx = v
		}
	}
	b.WriteString("\n\n")
	for li := n.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li {
			continue
		}
		marker := "- "
		if ordered {
			marker = strconv.Itoa(idx) + ". "
			idx++
		}
		body := blankLines.ReplaceAllString(clean(inline(li)), "\n")
		lines := strings.Split(body, "\n")
		b.WriteString(marker + lines[0] + "\n")
		indent := strings.Repeat(" ", len(marker))
		for _, l := range lines[1:] {
			b.WriteString(indent + l + "\n")
		}
	}
	b.WriteString("\n")
}

func writeTable(b *mdBuilder, n *html.Node) {
	var caption string
	var rows []*html.Node
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Caption:
				caption = strings.TrimSpace(clean(inline(c)))
			case atom.Thead, atom.Tbody, atom.Tfoot:
				walk(c)
			case atom.Tr:
				rows = append(rows, c)
			}
		}
	}
	walk(n)

	if len(rows) == 0 || hasSpans(rows) {
		var buf bytes.Buffer
		if err := html.Render(&buf, n); err == nil {
			b.block(buf.String())
		}
		return
	}

	var grid [][]string
	width := 0
	for _, tr := range rows {
		var cells []string
		for td := tr.FirstChild; td != nil; td = td.NextSibling {
			if td.Type != html.ElementNode || (td.DataAtom != atom.Td && td.DataAtom != atom.Th) {
				continue
			}
			cell := strings.TrimSpace(clean(inline(td)))
			cell = strings.ReplaceAll(blankLines.ReplaceAllString(cell, "\n"), "\n", "<br>")
			cells = append(cells, strings.ReplaceAll(cell, "|", `\|`))
		}
		width = max(width, len(cells))
		grid = append(grid, cells)
	}

	var out strings.Builder
	if caption != "" {
		out.WriteString(caption + "\n\n")
	}
	for i, cells := range grid {
		for len(cells) < width {
			cells = append(cells, "")
		}
		out.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if i == 0 {
			sep := make([]string, width)
			for j := range sep {
				sep[j] = "---"
			}
			out.WriteString("| " + strings.Join(sep, " | ") + " |\n")
		}
	}
	b.block(strings.TrimRight(out.String(), "\n"))
}

func hasSpans(rows []*html.Node) bool {
	for _, tr := range rows {
		for td := tr.FirstChild; td != nil; td = td.NextSibling {
			if td.Type != html.ElementNode {
				continue
			}
			for _, key := range []string{"colspan", "rowspan"} {
				if v, ok := attr(td, key); ok {
					if n, err := strconv.Atoi(v); err == nil && n > 1 {
						return true
					}
				}
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func clean(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.Join(lines, "\n")
	s = excessNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
