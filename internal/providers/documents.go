package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxDocumentSize = 20 << 20

// ErrEmptyDocument is returned when a document yields no text.
var ErrEmptyDocument = errors.New("document contains no text")

// Document is text extracted from a manually supplied file or page.
type Document struct {
	Title  string
	Origin string // file path or URL
	Text   string
}

// ExtractPDFText returns the plain text of the PDF at path.
func ExtractPDFText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()
	return pdfText(r)
}

func extractPDFBytes(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("reading PDF: %w", err)
	}
	return pdfText(r)
}

func pdfText(r *pdf.Reader) (string, error) {
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting PDF text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("extracting PDF text: %w", err)
	}
	return normalizeSpace(string(b)), nil
}

// ExtractHTMLText returns the visible text of an HTML page and its title.
// Script, style and other non-content elements are dropped; block elements
// end a line.
func ExtractHTMLText(r io.Reader) (text, title string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", fmt.Errorf("parsing HTML: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg, atom.Iframe:
				return
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			b.WriteByte('\n')
		}
	}
	walk(doc)
	return normalizeSpace(b.String()), title, nil
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Tr, atom.Table, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Pre, atom.Blockquote:
		return true
	}
	return false
}

// normalizeSpace collapses runs of spaces within lines and drops blank lines.
func normalizeSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// ReadDocument extracts text from a local file: PDF by content, HTML by
// extension, anything else as plain text.
func ReadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading document: %w", err)
	}
	return ParseDocument(path, data)
}

// ParseDocument extracts text from the contents of a file named name.
func ParseDocument(name string, data []byte) (Document, error) {
	doc := Document{Title: filepath.Base(name), Origin: name}
	ext := strings.ToLower(filepath.Ext(name))
	var err error
	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		doc.Text, err = extractPDFBytes(data)
	case ext == ".html" || ext == ".htm":
		var title string
		doc.Text, title, err = ExtractHTMLText(bytes.NewReader(data))
		if title != "" {
			doc.Title = title
		}
	default:
		doc.Text = normalizeSpace(string(data))
	}
	if err != nil {
		return Document{}, err
	}
	if doc.Text == "" {
		return Document{}, ErrEmptyDocument
	}
	return doc, nil
}

// FetchDocument downloads rawURL and extracts its text according to the
// response content type.
func FetchDocument(ctx context.Context, hc *http.Client, rawURL string) (Document, error) {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("invalid url: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Document{}, fmt.Errorf("url returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return Document{}, fmt.Errorf("reading url response: %w", err)
	}

	doc := Document{Title: rawURL, Origin: rawURL}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	switch {
	case strings.Contains(ct, "pdf") || bytes.HasPrefix(data, []byte("%PDF")):
		doc.Text, err = extractPDFBytes(data)
	case strings.Contains(ct, "html"):
		var title string
		doc.Text, title, err = ExtractHTMLText(bytes.NewReader(data))
		if title != "" {
			doc.Title = title
		}
	default:
		doc.Text = normalizeSpace(string(data))
	}
	if err != nil {
		return Document{}, err
	}
	if doc.Text == "" {
		return Document{}, ErrEmptyDocument
	}
	return doc, nil
}
