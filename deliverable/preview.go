// Package deliverable renders mission artifacts into short markdown previews
// for terminals and subscribers.
package deliverable

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"

	"github.com/c360studio/semmission/mission"
)

// DefaultMaxLength bounds a preview when the caller passes zero.
const DefaultMaxLength = 2000

// maxTableRows bounds CSV previews.
const maxTableRows = 10

var (
	htmlTagRe        = regexp.MustCompile(`(?i)<(html|body|div|p|h[1-6]|ul|ol|table|article|section)[\s>]`)
	scriptRe         = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	excessiveLinesRe = regexp.MustCompile(`\n{3,}`)
)

// Preview is the rendered form of a deliverable.
type Preview struct {
	Title     string
	Markdown  string
	Truncated bool
}

// Renderer converts deliverable content to markdown.
type Renderer struct {
	converter *md.Converter
	maxLength int
}

// NewRenderer creates a renderer. A non-positive maxLength selects DefaultMaxLength.
func NewRenderer(maxLength int) *Renderer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Renderer{converter: converter, maxLength: maxLength}
}

// Render builds a preview from the deliverable content, falling back to the
// server-provided preview text. Binary types render as a one-line summary.
func (r *Renderer) Render(d mission.Deliverable) (*Preview, error) {
	body := d.Content
	if body == "" {
		body = d.Preview
	}

	var (
		title    string
		markdown string
		err      error
	)
	switch {
	case body == "" || d.Type == mission.DeliverablePDF:
		markdown = summary(d)
	case d.Type == mission.DeliverableJSON:
		markdown = jsonBlock(body)
	case d.Type == mission.DeliverableCSV:
		markdown, err = csvTable(body)
	case looksLikeHTML(body):
		title = extractHTMLTitle(body)
		markdown, err = r.converter.ConvertString(mainContent(body))
	default:
		markdown = body
	}
	if err != nil {
		return nil, fmt.Errorf("render deliverable %s: %w", d.ID, err)
	}

	markdown = cleanMarkdown(markdown)
	if title == "" {
		title = extractMarkdownTitle(markdown)
	}
	if title == "" {
		title = d.Name
	}

	markdown, truncated := truncate(markdown, r.maxLength)
	return &Preview{Title: title, Markdown: markdown, Truncated: truncated}, nil
}

func summary(d mission.Deliverable) string {
	s := fmt.Sprintf("_%s deliverable %q (%s)_", d.Type, d.Name, d.Status)
	if d.QualityScore != nil {
		s += fmt.Sprintf("\n\nQuality score: %.0f/100", *d.QualityScore)
	}
	return s
}

func looksLikeHTML(s string) bool {
	return htmlTagRe.MatchString(s)
}

func jsonBlock(body string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(body), "", "  "); err != nil {
		return "```\n" + body + "\n```"
	}
	return "```json\n" + buf.String() + "\n```"
}

// csvTable renders the first rows of a CSV document as a GFM table.
func csvTable(body string) (string, error) {
	reader := csv.NewReader(strings.NewReader(body))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	width := 0
	for _, rec := range records {
		width = max(width, len(rec))
	}
	row := func(rec []string) string {
		cells := make([]string, width)
		for i := range cells {
			if i < len(rec) {
				cells[i] = strings.ReplaceAll(strings.TrimSpace(rec[i]), "|", `\|`)
			}
		}
		return "| " + strings.Join(cells, " | ") + " |"
	}

	var sb strings.Builder
	sb.WriteString(row(records[0]) + "\n")
	sb.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	rows := records[1:]
	hidden := 0
	if len(rows) > maxTableRows {
		hidden = len(rows) - maxTableRows
		rows = rows[:maxTableRows]
	}
	for _, rec := range rows {
		sb.WriteString(row(rec) + "\n")
	}
	if hidden > 0 {
		fmt.Fprintf(&sb, "\n_%d more rows_\n", hidden)
	}
	return sb.String(), nil
}

// extractHTMLTitle returns the <title> text, or the first <h1> when there is none.
func extractHTMLTitle(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return ""
	}

	var title, heading string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" {
					title = strings.TrimSpace(textOf(n))
				}
			case "h1":
				if heading == "" {
					heading = strings.TrimSpace(textOf(n))
				}
			}
		}
		for c := n.FirstChild; c != nil && title == ""; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if title != "" {
		return title
	}
	return heading
}

// boilerplateTags never carry deliverable content.
var boilerplateTags = []string{
	"nav", "header", "footer", "aside", "script", "style", "noscript",
	"iframe", "object", "embed", "form", "button",
}

// mainContent narrows an HTML document to its main, article or role=main
// element, or to the body with navigation and page chrome removed.
func mainContent(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return scriptRe.ReplaceAllString(content, "")
	}

	root := findNode(doc, func(n *html.Node) bool {
		return n.Data == "main" || n.Data == "article" || attr(n, "role") == "main"
	})
	if root == nil {
		root = findNode(doc, func(n *html.Node) bool { return n.Data == "body" })
	}
	if root == nil {
		root = doc
	}
	removeNodes(root, func(n *html.Node) bool { return slices.Contains(boilerplateTags, n.Data) })

	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return scriptRe.ReplaceAllString(content, "")
		}
	}
	return buf.String()
}

// findNode returns the first element, in document order, that match accepts.
func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func removeNodes(n *html.Node, match func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && match(c) {
			n.RemoveChild(c)
		} else {
			removeNodes(c, match)
		}
		c = next
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func cleanMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

func extractMarkdownTitle(content string) string {
	for line := range strings.SplitSeq(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// truncate cuts s to at most limit runes, preferring the last line break.
func truncate(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, "\n"); i > limit/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \t\n") + "\n\n…", true
}
