package ocr

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ParseHOCR reads hOCR. ocr_par (and ocr_carea when a page has no
// paragraphs) opens a paragraph, ocr_line and its variants a line, ocrx_word
// a word whose box comes from the "bbox x0 y0 x1 y1" title property.
func ParseHOCR(data []byte) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ocr: hocr: %w", err)
	}
	var b builder
	walkHOCR(doc, &b)
	return b.result(), nil
}

var lineClasses = []string{"ocr_line", "ocrx_line", "ocr_textfloat", "ocr_header", "ocr_caption"}

func walkHOCR(n *html.Node, b *builder) {
	if n.Type == html.ElementNode {
		classes := strings.Fields(attrOf(n, "class"))
		switch {
		case hasClass(classes, "ocr_par"):
			b.paragraph()
		case hasClass(classes, lineClasses...):
			b.line()
		case hasClass(classes, "ocrx_word"):
			x0, y0, x1, y1, ok := bbox(attrOf(n, "title"))
			if ok {
				b.word(Word{
					Text: strings.TrimSpace(textOf(n)),
					X:    x0,
					Y:    y0,
					W:    x1 - x0,
					H:    y1 - y0,
				})
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHOCR(c, b)
	}
}

func attrOf(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(classes []string, want ...string) bool {
	for _, c := range classes {
		for _, w := range want {
			if c == w {
				return true
			}
		}
	}
	return false
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

// bbox extracts the bbox property from an hOCR title such as
// "bbox 10 20 110 40; x_wconf 93".
func bbox(title string) (x0, y0, x1, y1 int, ok bool) {
	for _, prop := range strings.Split(title, ";") {
		f := strings.Fields(prop)
		if len(f) != 5 || f[0] != "bbox" {
			continue
		}
		var v [4]int
		for i := range v {
			n, err := strconv.Atoi(f[i+1])
			if err != nil {
				return 0, 0, 0, 0, false
			}
			v[i] = n
		}
		return v[0], v[1], v[2], v[3], true
	}
	return 0, 0, 0, 0, false
}
