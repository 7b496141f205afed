package ocr

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// ParseALTO reads ALTO XML (any version; namespaces are ignored). TextBlock
// becomes a paragraph, TextLine a line and String a word. Coordinates are
// taken as pixels.
func ParseALTO(data []byte) (*Page, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	var b builder
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ocr: alto: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "TextBlock":
			b.paragraph()
		case "TextLine":
			b.line()
		case "String":
			b.word(Word{
				Text: attr(se, "CONTENT"),
				X:    num(attr(se, "HPOS")),
				Y:    num(attr(se, "VPOS")),
				W:    num(attr(se, "WIDTH")),
				H:    num(attr(se, "HEIGHT")),
			})
		}
	}
	return b.result(), nil
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// num parses ALTO's float-or-int coordinates, 0 when absent or malformed.
func num(s string) int {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(math.Round(f))
}
