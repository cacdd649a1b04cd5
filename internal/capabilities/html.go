package capabilities

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

// MaxHTMLSize bounds the markup accepted by the html.* capabilities.
const MaxHTMLSize = 2 << 20

// HTML returns the html.* helpers. They parse in the calling goroutine, so
// all of them are synchronous and size-capped.
func HTML() []sandbox.Capability {
	policy := bluemonday.UGCPolicy()

	return []sandbox.Capability{
		{Path: "html.sanitize", Kind: sandbox.Sync, Func: func(_ context.Context, args []any) (any, error) {
			src, err := markupArg(args, "html.sanitize")
			if err != nil {
				return nil, err
			}
			return policy.Sanitize(src), nil
		}},
		{Path: "html.escape", Kind: sandbox.Sync, Func: func(_ context.Context, args []any) (any, error) {
			src, err := stringArg(args, 0, "html.escape")
			if err != nil {
				return nil, err
			}
			return html.EscapeString(src), nil
		}},
		{Path: "html.text", Kind: sandbox.Sync, Func: selectText},
		{Path: "html.select", Kind: sandbox.Sync, Func: selectAll},
		{Path: "html.xpath", Kind: sandbox.Sync, Func: xpathAll},
	}
}

// html.text(markup[, selector]) returns whitespace-normalized text of the
// matched elements, or of the body when no selector is given.
func selectText(_ context.Context, args []any) (any, error) {
	src, err := markupArg(args, "html.text")
	if err != nil {
		return nil, err
	}
	selector := "body"
	if len(args) > 1 && args[1] != nil {
		if selector, err = stringArg(args, 1, "html.text"); err != nil {
			return nil, err
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("html.text: parse: %w", err)
	}
	sel, err := find(doc, selector)
	if err != nil {
		return nil, err
	}
	return normalizeSpace(sel.Text()), nil
}

// html.select(markup, selector) returns every element matching a CSS selector.
func selectAll(_ context.Context, args []any) (any, error) {
	src, err := markupArg(args, "html.select")
	if err != nil {
		return nil, err
	}
	selector, err := stringArg(args, 1, "html.select")
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("html.select: parse: %w", err)
	}
	sel, err := find(doc, selector)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		outer, _ := goquery.OuterHtml(s)
		out = append(out, elementOf(s.Get(0), normalizeSpace(s.Text()), outer))
	})
	return out, nil
}

// html.xpath(markup, expr) returns every node matching an XPath expression.
func xpathAll(_ context.Context, args []any) (any, error) {
	src, err := markupArg(args, "html.xpath")
	if err != nil {
		return nil, err
	}
	expr, err := stringArg(args, 1, "html.xpath")
	if err != nil {
		return nil, err
	}

	doc, err := htmlquery.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("html.xpath: parse: %w", err)
	}
	nodes, err := htmlquery.QueryAll(doc, expr)
	if err != nil {
		return nil, fmt.Errorf("html.xpath: %w", err)
	}

	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, elementOf(n, normalizeSpace(htmlquery.InnerText(n)), htmlquery.OutputHTML(n, true)))
	}
	return out, nil
}

// find compiles selector up front; doc.Find would silently match nothing.
func find(doc *goquery.Document, selector string) (*goquery.Selection, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return doc.FindMatcher(m), nil
}

// elementOf is the per-match value handed back by html.select and html.xpath.
func elementOf(n *html.Node, text, outer string) map[string]any {
	attrs := map[string]any{}
	if n != nil && n.Type == html.ElementNode {
		for _, a := range n.Attr {
			attrs[a.Key] = a.Val
		}
	}
	return map[string]any{"text": text, "html": outer, "attrs": attrs}
}

func markupArg(args []any, name string) (string, error) {
	src, err := stringArg(args, 0, name)
	if err != nil {
		return "", err
	}
	if len(src) > MaxHTMLSize {
		return "", fmt.Errorf("%s: markup exceeds %d bytes", name, MaxHTMLSize)
	}
	return src, nil
}

func stringArg(args []any, i int, name string) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("%s: missing argument %d", name, i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%s: argument %d must be a string", name, i+1)
	}
	return s, nil
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
