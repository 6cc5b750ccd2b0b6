package indexing

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
)

// maxFetchBytes bounds url fetches so a hostile endpoint cannot exhaust memory.
const maxFetchBytes = 10 << 20

// Converter normalizes source documents to markdown before chunking.
type Converter struct {
	guard  *URLGuard
	client *http.Client
}

// NewConverter creates a converter. A nil guard uses the default resolver.
func NewConverter(guard *URLGuard) *Converter {
	if guard == nil {
		guard = NewURLGuard(nil)
	}
	return &Converter{
		guard:  guard,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Convert returns the document content as markdown.
func (c *Converter) Convert(ctx context.Context, doc *models.Document) (string, error) {
	switch doc.Type {
	case models.DocumentTypeText, models.DocumentTypeMarkdown:
		return doc.Content, nil
	case models.DocumentTypeHTML:
		return htmlToMarkdown(doc.Content)
	case models.DocumentTypePDF:
		return pdfToText([]byte(doc.Content))
	case models.DocumentTypeURL:
		return c.fetchURL(ctx, doc.Content)
	default:
		return "", errors.Newf(errors.KindInvalidRequest, "unsupported document type %q", doc.Type)
	}
}

// fetchURL downloads the page behind the SSRF guard and converts it.
func (c *Converter) fetchURL(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := c.guard.Check(ctx, rawURL); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInvalidRequest, "invalid url")
	}
	req.Header.Set("User-Agent", "ragmesh-indexer/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.KindIndexingFailed, "url fetch failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf(errors.KindIndexingFailed, "url fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", errors.Wrap(err, errors.KindIndexingFailed, "url fetch failed")
	}
	return htmlToMarkdown(string(body))
}

// pdfToText extracts plain text from the pdf bytes.
func pdfToText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errors.Wrap(err, errors.KindIndexingFailed, "pdf parse failed")
	}
	var out strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		out.WriteString(text)
		out.WriteString("\n\n")
	}
	if out.Len() == 0 {
		return "", errors.New(errors.KindIndexingFailed, "pdf contained no extractable text")
	}
	return out.String(), nil
}

// skipElements never contribute text to the extracted content.
var skipElements = map[string]bool{
	"script": true, "style": true, "nav": true, "header": true,
	"footer": true, "aside": true, "noscript": true, "img": true,
	"svg": true, "iframe": true, "form": true, "button": true,
}

// htmlToMarkdown extracts the main content of a page and renders it as
// lightweight markdown. <main> wins over <body> when present.
func htmlToMarkdown(src string) (string, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", errors.Wrap(err, errors.KindIndexingFailed, "html parse failed")
	}
	content := findElement(root, "main")
	if content == nil {
		content = findElement(root, "article")
	}
	if content == nil {
		content = findElement(root, "body")
	}
	if content == nil {
		content = root
	}

	var out strings.Builder
	renderNode(&out, content)
	text := collapseBlankLines(out.String())
	if strings.TrimSpace(text) == "" {
		return "", errors.New(errors.KindIndexingFailed, "html contained no extractable text")
	}
	return text, nil
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func renderNode(out *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		text := strings.Join(strings.Fields(n.Data), " ")
		if text != "" {
			out.WriteString(text)
			out.WriteString(" ")
		}
		return
	case html.ElementNode:
		if skipElements[n.Data] {
			return
		}
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			out.WriteString("\n\n")
			out.WriteString(strings.Repeat("#", int(n.Data[1]-'0')))
			out.WriteString(" ")
			renderChildren(out, n)
			out.WriteString("\n\n")
			return
		case "p", "div", "section", "table", "tr":
			out.WriteString("\n")
			renderChildren(out, n)
			out.WriteString("\n")
			return
		case "li":
			out.WriteString("\n- ")
			renderChildren(out, n)
			return
		case "br":
			out.WriteString("\n")
			return
		case "pre", "code":
			renderChildren(out, n)
			return
		}
	}
	renderChildren(out, n)
}

func renderChildren(out *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(out, c)
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, strings.TrimLeft(line, " "))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
