package engine

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// SelectorService evaluates rule selector expressions against parsed HTML.
//
// Expression grammar, in evaluation order:
//
//	expr        = alternatives [ "##" regex "##" replacement ]
//	alternatives= alt { "|" alt }            first non-empty wins
//	alt         = "text"                     text of the context node
//	            | attrName                   bare attribute of the context node
//	            | css [ "@" attrName ]       CSS select, then attribute or text
//
// meta[name=X] selectors yield the content attribute. Extracted text is
// trimmed and runs of whitespace collapse to single spaces. href/src values
// are absolutized against the page URL.
type SelectorService struct {
	Logger *LoggerService

	regexMu    sync.Mutex
	regexCache map[string]*regexp.Regexp
}

// NewSelectorService builds the selector engine.
func NewSelectorService(logger *LoggerService) *SelectorService {
	return &SelectorService{
		Logger:     logger,
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// Page is a parsed HTML document plus the URL it was fetched from, used to
// absolutize relative links.
type Page struct {
	Doc  *goquery.Document
	Base *url.URL
}

// Parse parses page text into a queryable document.
func (s *SelectorService) Parse(htmlText, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return nil, WrapErr(KindParse, err, "failed to parse html from %s", pageURL)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, Errf(KindParse, "invalid page url %q", pageURL)
	}
	// <base href> overrides the document URL when present.
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(href); err == nil {
			base = b
		}
	}
	return &Page{Doc: doc, Base: base}, nil
}

// SelectList returns the item nodes matched by expr, trying each pipe-joined
// alternative until one matches. Regex suffixes are not meaningful on list
// selectors and are ignored.
func (s *SelectorService) SelectList(page *Page, expr string) *goquery.Selection {
	cssExpr, _, _ := splitRegexSuffix(expr)
	for _, alt := range splitAlternatives(cssExpr) {
		sel := page.Doc.Find(alt)
		if sel.Length() > 0 {
			return sel
		}
	}
	return page.Doc.Find(cssExpr) // empty selection, callers check Length
}

// ExtractDoc evaluates expr against the whole document.
func (s *SelectorService) ExtractDoc(page *Page, expr string) string {
	return s.Extract(page, page.Doc.Selection, expr)
}

// Extract evaluates expr against ctx (an item node from SelectList, or the
// document itself) and returns the cleaned string result.
func (s *SelectorService) Extract(page *Page, ctx *goquery.Selection, expr string) string {
	cssExpr, re, replacement := splitRegexSuffix(expr)

	var out string
	for _, alt := range splitAlternatives(cssExpr) {
		out = s.extractAlt(page, ctx, alt)
		if out != "" {
			break
		}
	}
	if out != "" && re != "" {
		if rx := s.compile(re); rx != nil {
			out = strings.TrimSpace(rx.ReplaceAllString(out, replacement))
		}
	}
	return out
}

func (s *SelectorService) extractAlt(page *Page, ctx *goquery.Selection, alt string) string {
	alt = strings.TrimSpace(alt)
	if alt == "" {
		return ""
	}
	if alt == "text" {
		return collapseWhitespace(ctx.Text())
	}
	if isBareAttr(alt) {
		return page.absolutize(alt, strings.TrimSpace(attrOf(ctx, alt)))
	}

	css, attr := splitAttrSuffix(alt)
	target := ctx
	if css != "" {
		target = ctx.Find(css)
	}
	if target.Length() == 0 {
		return ""
	}
	switch {
	case attr == "text" || attr == "":
		if attr == "" && strings.HasPrefix(css, "meta[") {
			return strings.TrimSpace(attrOf(target, "content"))
		}
		return collapseWhitespace(target.First().Text())
	default:
		return page.absolutize(attr, strings.TrimSpace(attrOf(target, attr)))
	}
}

// AbsoluteURL resolves href against the page base. Invalid or empty inputs
// return the empty string.
func (p *Page) AbsoluteURL(href string) string {
	return p.absolutize("href", href)
}

func (p *Page) absolutize(attr, value string) string {
	if value == "" || p.Base == nil {
		return value
	}
	switch attr {
	case "href", "src", "data-src", "data-original":
	default:
		return value
	}
	u, err := p.Base.Parse(value)
	if err != nil {
		return value
	}
	return u.String()
}

func (s *SelectorService) compile(expr string) *regexp.Regexp {
	s.regexMu.Lock()
	defer s.regexMu.Unlock()
	if rx, ok := s.regexCache[expr]; ok {
		return rx
	}
	rx, err := regexp.Compile(expr)
	if err != nil {
		s.Logger.Warn("invalid selector regex %q: %v", expr, err)
		s.regexCache[expr] = nil
		return nil
	}
	s.regexCache[expr] = rx
	return rx
}

// splitRegexSuffix splits "css##regex##replacement". Expressions without the
// suffix return re == "".
func splitRegexSuffix(expr string) (css, re, replacement string) {
	parts := strings.SplitN(expr, "##", 3)
	if len(parts) < 2 {
		return expr, "", ""
	}
	css = parts[0]
	re = parts[1]
	if len(parts) == 3 {
		replacement = parts[2]
	}
	return css, re, replacement
}

func splitAlternatives(expr string) []string {
	return strings.Split(expr, "|")
}

// splitAttrSuffix splits "a.link@href" into css and attribute name. The last
// "@" wins so attribute selectors like [data-id@=x] are not a concern with
// the rule corpus in use.
func splitAttrSuffix(alt string) (css, attr string) {
	idx := strings.LastIndex(alt, "@")
	if idx < 0 {
		return alt, ""
	}
	return strings.TrimSpace(alt[:idx]), strings.TrimSpace(alt[idx+1:])
}

// isBareAttr reports whether alt names an attribute of the context node
// itself rather than a CSS selector.
func isBareAttr(alt string) bool {
	switch alt {
	case "href", "src", "content", "title", "alt", "value", "data-src", "data-original":
		return true
	}
	return false
}

func attrOf(sel *goquery.Selection, name string) string {
	v, _ := sel.First().Attr(name)
	return v
}

// collapseWhitespace trims and collapses all whitespace runs, including
// newlines, to single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// InnerText renders sel preserving paragraph breaks: block-level boundaries
// and <br> become newlines, inline text is whitespace-collapsed.
func InnerText(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Contents().Each(func(_ int, node *goquery.Selection) {
		renderNode(&b, node)
	})
	return strings.TrimSpace(b.String())
}

func renderNode(b *strings.Builder, node *goquery.Selection) {
	if goquery.NodeName(node) == "#text" {
		b.WriteString(node.Text())
		return
	}
	switch goquery.NodeName(node) {
	case "br":
		b.WriteString("\n")
	case "p", "div", "li", "h1", "h2", "h3", "h4", "section", "article":
		b.WriteString("\n")
		node.Contents().Each(func(_ int, child *goquery.Selection) {
			renderNode(b, child)
		})
		b.WriteString("\n")
	case "script", "style":
		// skip
	default:
		node.Contents().Each(func(_ int, child *goquery.Selection) {
			renderNode(b, child)
		})
	}
}
