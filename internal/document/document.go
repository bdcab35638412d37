package document

import "context"

// TOCEntry is a table-of-contents entry reported by an extraction backend.
// Offset is the approximate character offset of the entry in the full text;
// backends that only know page numbers report the offset of the page start.
type TOCEntry struct {
	Level  int    `json:"level"`
	Title  string `json:"title"`
	Offset int    `json:"offset"`
}

// Page is one extracted section (a PDF page or an EPUB spine item).
type Page struct {
	Number int    `json:"number"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

// Document is the immutable extraction result a conversion starts from.
type Document struct {
	Text     string            `json:"text"`
	Pages    []Page            `json:"pages,omitempty"`
	TOC      []TOCEntry        `json:"toc,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Extractor is the contract for document text extraction backends.
type Extractor interface {
	Extract(ctx context.Context, path string) (*Document, error)
}
