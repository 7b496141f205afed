package structure

import (
	"fmt"
	"mime"
	"path"
	"strings"
)

// Mode selects what Read extracts.
type Mode string

const (
	// ModeFile finds the physical page holding RequestURL and returns its
	// master and fulltext files.
	ModeFile Mode = "file"
	// ModePages returns every physical page in order.
	ModePages Mode = "pages"
	// ModeURLs lists the files of FileGrp as request_url lines.
	ModeURLs Mode = "urls"
	// ModeMetadata returns title, author, date and fullPdfUrl lines.
	ModeMetadata Mode = "metadata"
)

// Query parameterises Read. Empty group names fall back to the Reader's.
type Query struct {
	Mode        Mode
	RequestURL  string
	SourceGrp   string
	FulltextGrp string
	FileGrp     string
	FileID      string
	DownloadGrp string
}

// Reader reads METS files. The zero value uses the DFG viewer group names.
type Reader struct {
	SourceGrp   string `yaml:"source_grp"`
	FulltextGrp string `yaml:"fulltext_grp"`
	DownloadGrp string `yaml:"download_grp"`
}

func (r Reader) withDefaults(q Query) Query {
	pick := func(v, def, fallback string) string {
		if v != "" {
			return v
		}
		if def != "" {
			return def
		}
		return fallback
	}
	q.SourceGrp = pick(q.SourceGrp, r.SourceGrp, "ORIGINAL")
	q.FulltextGrp = pick(q.FulltextGrp, r.FulltextGrp, "FULLTEXT")
	q.DownloadGrp = pick(q.DownloadGrp, r.DownloadGrp, "DOWNLOAD")
	return q
}

// Read evaluates q against the METS file at path. A missing file fails with
// ErrMissing. A query matching nothing returns no lines.
//
// Page lines have the form
//
//	<order>=<masterUrl>|<masterMime>|<targetMime>|<fulltextUrl>
func (r Reader) Read(path string, q Query) ([]string, error) {
	q = r.withDefaults(q)
	d, err := load(path)
	if err != nil {
		return nil, err
	}
	switch q.Mode {
	case ModeFile:
		if q.RequestURL == "" {
			return nil, fmt.Errorf("structure: file query needs a request url")
		}
		return d.fileLines(q), nil
	case ModePages:
		return d.pageLines(q), nil
	case ModeURLs:
		if q.FileGrp == "" {
			return nil, fmt.Errorf("structure: urls query needs a file group")
		}
		return d.urlLines(q), nil
	case ModeMetadata:
		return d.metadataLines(q), nil
	}
	return nil, fmt.Errorf("structure: unknown query mode %q", q.Mode)
}

func (d *document) fileLines(q Query) []string {
	var requested fileRef
	found := false
	for _, f := range d.files {
		if f.href() == q.RequestURL {
			requested, found = f, true
			break
		}
	}
	if !found {
		return nil
	}
	target := mimeOf(requested.metsFile)
	for _, p := range d.pages {
		for _, id := range p.files {
			if id != requested.ID {
				continue
			}
			if line, ok := d.pageLine(p, q, target); ok {
				return []string{line}
			}
			return nil
		}
	}
	return nil
}

func (d *document) pageLines(q Query) []string {
	var lines []string
	for _, p := range d.pages {
		if line, ok := d.pageLine(p, q, ""); ok {
			lines = append(lines, line)
		}
	}
	return lines
}

func (d *document) pageLine(p physPage, q Query, target string) (string, bool) {
	master, ok := d.pageFile(p, q.SourceGrp)
	if !ok || master.href() == "" {
		return "", false
	}
	var fulltext string
	if f, ok := d.pageFile(p, q.FulltextGrp); ok {
		fulltext = f.href()
	}
	return fmt.Sprintf("%d=%s|%s|%s|%s", p.order, master.href(), mimeOf(master.metsFile), target, fulltext), true
}

func (d *document) urlLines(q Query) []string {
	var lines []string
	for _, g := range d.root.FileGrps {
		if g.Use != q.FileGrp {
			continue
		}
		for _, f := range g.Files {
			if q.FileID != "" && f.ID != q.FileID {
				continue
			}
			if h := f.href(); h != "" {
				lines = append(lines, "request_url="+h)
			}
		}
	}
	return lines
}

func (d *document) metadataLines(q Query) []string {
	var lines []string
	if m := d.primaryMods(); m != nil {
		if len(m.Titles) > 0 {
			if t := m.Titles[0].String(); t != "" {
				lines = append(lines, "title="+t)
			}
		}
		for _, n := range m.Names {
			if !n.isAuthor() {
				continue
			}
			if s := n.String(); s != "" {
				lines = append(lines, "author="+s)
			}
		}
		for _, date := range m.Dates {
			if date = strings.TrimSpace(date); date != "" {
				lines = append(lines, "date="+date)
				break
			}
		}
	}
	for _, g := range d.root.FileGrps {
		if g.Use != q.DownloadGrp {
			continue
		}
		for _, f := range g.Files {
			if mimeOf(f) == "application/pdf" && f.href() != "" {
				lines = append(lines, "fullPdfUrl="+f.href())
				return lines
			}
		}
	}
	return lines
}

// mimeOf returns the declared MIME type, or one guessed from the file name.
func mimeOf(f metsFile) string {
	if m := strings.TrimSpace(f.MimeType); m != "" {
		return m
	}
	ext := strings.ToLower(path.Ext(f.href()))
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	if m := mime.TypeByExtension(ext); m != "" {
		m, _, _ = strings.Cut(m, ";")
		return m
	}
	return "application/octet-stream"
}

// Parse turns key=value lines into a map. Keys and values are trimmed,
// lines without '=' are ignored and repeated keys are joined with " ; ".
func Parse(lines []string) map[string]string {
	m := make(map[string]string, len(lines))
	for _, l := range lines {
		k, v, ok := strings.Cut(l, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" {
			continue
		}
		if prev, dup := m[k]; dup {
			m[k] = prev + Separator + v
		} else {
			m[k] = v
		}
	}
	return m
}

// Separator joins repeated values in Parse results.
const Separator = " ; "

// Values splits a joined Parse value.
func Values(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, Separator)
}
