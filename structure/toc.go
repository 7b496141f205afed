package structure

import "strings"

// TOCItem is a logical division with the order of its first page.
type TOCItem struct {
	Title    string
	Page     int
	Children []TOCItem
}

// ReadTOC builds the table of contents from the logical structure map.
// A division without linked pages takes the page of its first child, or of
// its parent.
func ReadTOC(path string) ([]TOCItem, error) {
	d, err := load(path)
	if err != nil {
		return nil, err
	}
	return d.toc(), nil
}

func (d *document) toc() []TOCItem {
	sm := d.structMap("LOGICAL")
	if sm == nil {
		return nil
	}
	orders := make(map[string]int, len(d.pages))
	for _, p := range d.pages {
		orders[p.id] = p.order
	}
	first := make(map[string]int)
	for _, l := range d.root.Links {
		o, ok := orders[l.To]
		if !ok {
			continue
		}
		if cur, seen := first[l.From]; !seen || o < cur {
			first[l.From] = o
		}
	}
	return tocLevel(sm.Divs, first, 0)
}

func tocLevel(divs []div, first map[string]int, parent int) []TOCItem {
	var items []TOCItem
	for _, v := range divs {
		page, linked := first[v.ID]
		if !linked {
			page = parent
		}
		item := TOCItem{Title: divTitle(v), Page: page}
		item.Children = tocLevel(v.Divs, first, page)
		if !linked && len(item.Children) > 0 && item.Children[0].Page > 0 {
			item.Page = item.Children[0].Page
		}
		items = append(items, item)
	}
	return items
}

func divTitle(v div) string {
	for _, s := range []string{v.Label, v.OrderLabel, v.Type} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return v.ID
}
