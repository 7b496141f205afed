// Package ocr reads OCR result files (ALTO XML and hOCR) into a page tree of
// paragraphs, lines and words with pixel bounding boxes in the coordinate
// space of the scanned master.
package ocr

import (
	"bytes"
	"errors"
	"fmt"
	"os"
)

// Word is a recognized token. X/Y is the top-left corner.
type Word struct {
	Text string
	X, Y int
	W, H int
}

type Line struct {
	Words []Word
}

type Paragraph struct {
	Lines []Line
}

// Page is one OCR file.
type Page struct {
	Paragraphs []Paragraph
}

// Words returns every word in reading order.
func (p *Page) Words() []Word {
	var out []Word
	for _, par := range p.Paragraphs {
		for _, l := range par.Lines {
			out = append(out, l.Words...)
		}
	}
	return out
}

// ErrUnknownFormat is returned for files that are neither ALTO nor hOCR.
var ErrUnknownFormat = errors.New("ocr: unknown format")

var bom = []byte("\ufeff")

// Read parses the OCR file at path, choosing the format from its content.
func Read(path string) (*Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return p, nil
}

// Parse sniffs data and dispatches to the ALTO or hOCR reader.
func Parse(data []byte) (*Page, error) {
	data = bytes.TrimPrefix(data, bom)
	switch {
	case bytes.Contains(data, []byte("<alto")):
		return ParseALTO(data)
	case bytes.Contains(data, []byte("ocrx_word")), bytes.Contains(data, []byte("ocr_page")):
		return ParseHOCR(data)
	}
	return nil, ErrUnknownFormat
}

// builder assembles the tree while a reader walks the document.
type builder struct {
	page   Page
	inPar  bool
	inLine bool
}

func (b *builder) paragraph() {
	b.page.Paragraphs = append(b.page.Paragraphs, Paragraph{})
	b.inPar = true
	b.inLine = false
}

func (b *builder) line() {
	if !b.inPar {
		b.paragraph()
	}
	par := &b.page.Paragraphs[len(b.page.Paragraphs)-1]
	par.Lines = append(par.Lines, Line{})
	b.inLine = true
}

func (b *builder) word(w Word) {
	if w.Text == "" {
		return
	}
	if !b.inLine {
		b.line()
	}
	par := &b.page.Paragraphs[len(b.page.Paragraphs)-1]
	l := &par.Lines[len(par.Lines)-1]
	l.Words = append(l.Words, w)
}

// result drops paragraphs and lines that ended up without words.
func (b *builder) result() *Page {
	out := &Page{}
	for _, par := range b.page.Paragraphs {
		var kept Paragraph
		for _, l := range par.Lines {
			if len(l.Words) > 0 {
				kept.Lines = append(kept.Lines, l)
			}
		}
		if len(kept.Lines) > 0 {
			out.Paragraphs = append(out.Paragraphs, kept)
		}
	}
	return out
}
