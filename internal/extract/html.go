package extract

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLPage is the readable content of an HTML document.
type HTMLPage struct {
	Title string
	Text  string
}

// elements whose subtree carries no article text
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Meta:     true,
	atom.Head:     true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Iframe:   true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Pre: true, atom.Blockquote: true,
	atom.Header: true, atom.Main: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
}

// ParseHTML extracts the document title and its visible text. Navigation, footers, asides,
// scripts and styles are dropped; block elements become line breaks.
func ParseHTML(r io.Reader) (HTMLPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return HTMLPage{}, fmt.Errorf("parse HTML: %w", err)
	}
	var (
		page      HTMLPage
		text      strings.Builder
		lineStart = true
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Title {
				if page.Title == "" {
					page.Title = strings.Join(strings.Fields(nodeText(n)), " ")
				}
				return
			}
			if skipped[n.DataAtom] {
				// the title sits in <head>, which is otherwise skipped
				if n.DataAtom == atom.Head {
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						if c.Type == html.ElementNode && c.DataAtom == atom.Title && page.Title == "" {
							page.Title = strings.Join(strings.Fields(nodeText(c)), " ")
						}
					}
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				if !lineStart {
					text.WriteByte(' ')
				}
				text.WriteString(s)
				lineStart = false
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blocks[n.DataAtom] && !lineStart {
			text.WriteByte('\n')
			lineStart = true
		}
	}
	walk(doc)
	page.Text = strings.TrimSpace(text.String())
	return page, nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
