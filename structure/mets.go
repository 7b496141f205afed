// Package structure reads METS files: the physical page sequence with its
// file groups, the bibliographic metadata of the primary MODS section and
// the logical structure used for PDF bookmarks.
//
// Results are flat "key=value" lines so that callers can merge and pass
// them around as plain maps (see Parse).
package structure

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/mediaserver/catalog"
)

// ErrMissing is returned when the METS file of a work does not exist.
var ErrMissing = errors.New("structure: mets file missing")

// MetsFile returns the path of the METS file of a work.
func MetsFile(w *catalog.Work) string {
	return filepath.Join(w.Path, w.ID+".xml")
}

type metsRoot struct {
	XMLName    xml.Name     `xml:"mets"`
	DmdSecs    []dmdSec     `xml:"dmdSec"`
	FileGrps   []fileGrp    `xml:"fileSec>fileGrp"`
	StructMaps []structMap  `xml:"structMap"`
	Links      []structLink `xml:"structLink>smLink"`
}

type dmdSec struct {
	ID   string `xml:"ID,attr"`
	Mods mods   `xml:"mdWrap>xmlData>mods"`
}

type mods struct {
	Titles []modsTitle `xml:"titleInfo"`
	Names  []modsName  `xml:"name"`
	Dates  []string    `xml:"originInfo>dateIssued"`
}

type modsTitle struct {
	NonSort  string `xml:"nonSort"`
	Title    string `xml:"title"`
	SubTitle string `xml:"subTitle"`
}

type modsName struct {
	DisplayForm string         `xml:"displayForm"`
	Parts       []modsNamePart `xml:"namePart"`
	Roles       []string       `xml:"role>roleTerm"`
}

type modsNamePart struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type fileGrp struct {
	Use   string     `xml:"USE,attr"`
	Files []metsFile `xml:"file"`
}

type metsFile struct {
	ID       string `xml:"ID,attr"`
	MimeType string `xml:"MIMETYPE,attr"`
	FLocat   struct {
		Href string `xml:"href,attr"`
	} `xml:"FLocat"`
}

func (f metsFile) href() string { return strings.TrimSpace(f.FLocat.Href) }

type structMap struct {
	Type string `xml:"TYPE,attr"`
	Divs []div  `xml:"div"`
}

type div struct {
	ID         string `xml:"ID,attr"`
	Type       string `xml:"TYPE,attr"`
	Label      string `xml:"LABEL,attr"`
	OrderLabel string `xml:"ORDERLABEL,attr"`
	Order      string `xml:"ORDER,attr"`
	DmdID      string `xml:"DMDID,attr"`
	Fptrs      []fptr `xml:"fptr"`
	Divs       []div  `xml:"div"`
}

type fptr struct {
	FileID string `xml:"FILEID,attr"`
	Area   struct {
		FileID string `xml:"FILEID,attr"`
	} `xml:"area"`
}

func (f fptr) fileID() string {
	if f.FileID != "" {
		return f.FileID
	}
	return f.Area.FileID
}

type structLink struct {
	From string `xml:"from,attr"`
	To   string `xml:"to,attr"`
}

// document is a parsed METS file with its lookup tables.
type document struct {
	root  metsRoot
	files map[string]fileRef // by file id
	pages []physPage         // ordered by ORDER
}

type fileRef struct {
	metsFile
	group string
}

type physPage struct {
	id    string
	order int
	files []string
}

func load(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, fmt.Errorf("structure: read %s: %w", path, err)
	}
	return parseDocument(data)
}

func parseDocument(data []byte) (*document, error) {
	var root metsRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("structure: parse mets: %w", err)
	}
	d := &document{root: root, files: make(map[string]fileRef)}
	for _, g := range root.FileGrps {
		for _, f := range g.Files {
			d.files[f.ID] = fileRef{metsFile: f, group: g.Use}
		}
	}
	if sm := d.structMap("PHYSICAL"); sm != nil {
		var walk func(divs []div)
		walk = func(divs []div) {
			for _, v := range divs {
				if strings.EqualFold(v.Type, "page") {
					p := physPage{id: v.ID, order: len(d.pages) + 1}
					if n, err := strconv.Atoi(strings.TrimSpace(v.Order)); err == nil {
						p.order = n
					}
					for _, f := range v.Fptrs {
						if id := f.fileID(); id != "" {
							p.files = append(p.files, id)
						}
					}
					d.pages = append(d.pages, p)
					continue
				}
				walk(v.Divs)
			}
		}
		walk(sm.Divs)
	}
	sort.SliceStable(d.pages, func(i, j int) bool { return d.pages[i].order < d.pages[j].order })
	return d, nil
}

func (d *document) structMap(typ string) *structMap {
	for i := range d.root.StructMaps {
		if strings.EqualFold(d.root.StructMaps[i].Type, typ) {
			return &d.root.StructMaps[i]
		}
	}
	return nil
}

// pageFile returns the file of page p that belongs to group.
func (d *document) pageFile(p physPage, group string) (fileRef, bool) {
	for _, id := range p.files {
		if f, ok := d.files[id]; ok && f.group == group {
			return f, true
		}
	}
	return fileRef{}, false
}

// primaryMods returns the MODS section of the outermost logical division,
// or the first one in the file.
func (d *document) primaryMods() *mods {
	if len(d.root.DmdSecs) == 0 {
		return nil
	}
	if sm := d.structMap("LOGICAL"); sm != nil && len(sm.Divs) > 0 {
		for _, want := range strings.Fields(sm.Divs[0].DmdID) {
			for i := range d.root.DmdSecs {
				if d.root.DmdSecs[i].ID == want {
					return &d.root.DmdSecs[i].Mods
				}
			}
		}
	}
	return &d.root.DmdSecs[0].Mods
}

func (t modsTitle) String() string {
	s := strings.TrimSpace(strings.TrimSpace(t.NonSort) + " " + strings.TrimSpace(t.Title))
	if sub := strings.TrimSpace(t.SubTitle); sub != "" {
		s += " : " + sub
	}
	return s
}

func (n modsName) isAuthor() bool {
	if len(n.Roles) == 0 {
		return true
	}
	for _, r := range n.Roles {
		if r = strings.ToLower(strings.TrimSpace(r)); r == "aut" || r == "author" {
			return true
		}
	}
	return false
}

func (n modsName) String() string {
	if s := strings.TrimSpace(n.DisplayForm); s != "" {
		return s
	}
	var family, given, other []string
	for _, p := range n.Parts {
		v := strings.TrimSpace(p.Value)
		if v == "" {
			continue
		}
		switch p.Type {
		case "family":
			family = append(family, v)
		case "given":
			given = append(given, v)
		default:
			other = append(other, v)
		}
	}
	if len(family) > 0 && len(given) > 0 {
		return strings.Join(family, " ") + ", " + strings.Join(given, " ")
	}
	return strings.Join(append(append(family, given...), other...), " ")
}
