// Package markup converts between HTML and plain text representations of
// attribute values.
package markup

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// StripTags removes tags and comments and keeps the raw text between them,
// entities included.
func StripTags(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return s
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Raw())
		}
	}
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// ToMarkdown converts an HTML fragment to markdown. Unknown elements are
// unwrapped to their text content.
func ToMarkdown(s string) (string, error) {
	nodes, err := html.ParseFragment(strings.NewReader(s), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return "", eris.Wrap(err, "markup: parse html")
	}
	w := &mdWriter{}
	for _, n := range nodes {
		w.node(n)
	}
	out := blankLines.ReplaceAllString(w.buf.String(), "\n\n")
	return strings.TrimSpace(out), nil
}

type mdWriter struct {
	buf   bytes.Buffer
	lists []listState
}

type listState struct {
	ordered bool
	n       int
}

func (w *mdWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
}

func (w *mdWriter) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		text := n.Data
		if !w.inPre(n) {
			text = collapseSpace(text)
		}
		w.buf.WriteString(text)
		return
	case html.ElementNode:
	default:
		w.children(n)
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		w.block()
		w.buf.WriteString(strings.Repeat("#", level) + " ")
		w.children(n)
		w.block()
	case atom.P, atom.Div, atom.Section, atom.Article:
		w.block()
		w.children(n)
		w.block()
	case atom.Br:
		w.buf.WriteString("  \n")
	case atom.Hr:
		w.block()
		w.buf.WriteString("---")
		w.block()
	case atom.Strong, atom.B:
		w.wrap(n, "**")
	case atom.Em, atom.I:
		w.wrap(n, "_")
	case atom.Code:
		if w.inPre(n) {
			w.children(n)
			return
		}
		w.wrap(n, "`")
	case atom.Pre:
		w.block()
		w.buf.WriteString("```\n")
		w.children(n)
		w.buf.WriteString("\n```")
		w.block()
	case atom.Blockquote:
		w.block()
		inner := &mdWriter{}
		inner.children(n)
		for _, line := range strings.Split(strings.TrimSpace(inner.buf.String()), "\n") {
			w.buf.WriteString("> " + line + "\n")
		}
		w.block()
	case atom.A:
		href := attr(n, "href")
		if href == "" {
			w.children(n)
			return
		}
		w.buf.WriteString("[")
		w.children(n)
		w.buf.WriteString("](" + href + ")")
	case atom.Img:
		w.buf.WriteString("![" + attr(n, "alt") + "](" + attr(n, "src") + ")")
	case atom.Ul, atom.Ol:
		w.block()
		w.lists = append(w.lists, listState{ordered: n.DataAtom == atom.Ol})
		w.children(n)
		w.lists = w.lists[:len(w.lists)-1]
		w.block()
	case atom.Li:
		depth := len(w.lists)
		if depth == 0 {
			w.children(n)
			return
		}
		st := &w.lists[depth-1]
		st.n++
		w.newline()
		w.buf.WriteString(strings.Repeat("  ", depth-1))
		if st.ordered {
			fmt.Fprintf(&w.buf, "%d. ", st.n)
		} else {
			w.buf.WriteString("- ")
		}
		w.children(n)
	case atom.Script, atom.Style, atom.Head:
	default:
		w.children(n)
	}
}

func (w *mdWriter) wrap(n *html.Node, marker string) {
	w.buf.WriteString(marker)
	w.children(n)
	w.buf.WriteString(marker)
}

func (w *mdWriter) block() {
	if w.buf.Len() == 0 {
		return
	}
	w.buf.WriteString("\n\n")
}

func (w *mdWriter) newline() {
	b := w.buf.Bytes()
	if len(b) > 0 && b[len(b)-1] != '\n' {
		w.buf.WriteByte('\n')
	}
}

func (w *mdWriter) inPre(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.DataAtom == atom.Pre {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if isSpace(s[0]) {
		out = " " + out
	}
	if isSpace(s[len(s)-1]) {
		out += " "
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
