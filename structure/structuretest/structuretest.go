// Package structuretest writes small works with masters, OCR and a METS
// file for tests of the packages that consume them.
package structuretest

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/mediaserver/catalog"
)

// RootURL is the file server root the METS URLs are written against.
const RootURL = "http://media.example/files/"

// Master dimensions.
const (
	MasterWidth  = 400
	MasterHeight = 300
)

// URL returns the public URL of a file of work id.
func URL(id, rel string) string { return RootURL + id + "/" + rel }

// JPEG returns the relative path of the 200px JPEG of a page.
func JPEG(page int) string { return fmt.Sprintf("jpeg/200/%08d.jpg", page) }

// PDF returns the relative path of the single-page PDF of a page.
func PDF(page int) string { return fmt.Sprintf("pdf/300/%08d.pdf", page) }

// FullPDF returns the relative path of the full PDF of work id.
func FullPDF(id string) string { return "pdf/full/" + id + ".pdf" }

const alto = `<alto><Layout><Page><PrintSpace><TextBlock><TextLine>
<String CONTENT="Lorem" HPOS="40" VPOS="40" WIDTH="80" HEIGHT="20"/>
<String CONTENT="ipsum" HPOS="130" VPOS="40" WIDTH="80" HEIGHT="20"/>
</TextLine></TextBlock></PrintSpace></Page></Layout></alto>`

// WriteWork creates work id below dir with the given number of PNG masters,
// an ALTO file for page 1 and the METS file.
func WriteWork(t testing.TB, dir, id string, pages int) *catalog.Work {
	t.Helper()
	w := &catalog.Work{ID: id, Title: "Test work " + id, Path: filepath.Join(dir, id), Enabled: true}
	for _, sub := range []string{"orig", "ocr"} {
		if err := os.MkdirAll(filepath.Join(w.Path, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= pages; i++ {
		writePNG(t, filepath.Join(w.Path, "orig", fmt.Sprintf("%08d.png", i)), uint8(40*i))
	}
	if err := os.WriteFile(filepath.Join(w.Path, "ocr", "00000001.xml"), []byte(alto), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(w.Path, id+".xml"), []byte(Mets(id, pages)), 0o644); err != nil {
		t.Fatal(err)
	}
	return w
}

// Mets returns the METS document WriteWork writes.
func Mets(id string, pages int) string {
	var orig, def, pdf, phys, logical, links strings.Builder
	for i := 1; i <= pages; i++ {
		fmt.Fprintf(&orig, `<mets:file ID="ORIG_%d" MIMETYPE="image/png"><mets:FLocat LOCTYPE="URL" xlink:href="%s"/></mets:file>`+"\n",
			i, URL(id, fmt.Sprintf("orig/%08d.png", i)))
		fmt.Fprintf(&def, `<mets:file ID="DEF_%d" MIMETYPE="image/jpeg"><mets:FLocat LOCTYPE="URL" xlink:href="%s"/></mets:file>`+"\n",
			i, URL(id, JPEG(i)))
		fmt.Fprintf(&pdf, `<mets:file ID="PDF_%d" MIMETYPE="application/pdf"><mets:FLocat LOCTYPE="URL" xlink:href="%s"/></mets:file>`+"\n",
			i, URL(id, PDF(i)))
		ft := ""
		if i == 1 {
			ft = `<mets:fptr FILEID="FT_1"/>`
		}
		fmt.Fprintf(&phys, `<mets:div ID="PHYS_%04d" TYPE="page" ORDER="%d"><mets:fptr FILEID="ORIG_%d"/><mets:fptr FILEID="DEF_%d"/><mets:fptr FILEID="PDF_%d"/>%s</mets:div>`+"\n",
			i, i, i, i, i, ft)
		fmt.Fprintf(&logical, `<mets:div ID="LOG_%04d" TYPE="chapter" LABEL="Chapter %d"/>`+"\n", i, i)
		fmt.Fprintf(&links, `<mets:smLink xlink:from="LOG_%04d" xlink:to="PHYS_%04d"/>`+"\n", i, i)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<mets:mets xmlns:mets="http://www.loc.gov/METS/" xmlns:mods="http://www.loc.gov/mods/v3" xmlns:xlink="http://www.w3.org/1999/xlink">
<mets:dmdSec ID="DMDLOG_0000"><mets:mdWrap MDTYPE="MODS"><mets:xmlData><mods:mods>
<mods:titleInfo><mods:title>Test work %[1]s</mods:title></mods:titleInfo>
<mods:name type="personal"><mods:role><mods:roleTerm type="code">aut</mods:roleTerm></mods:role><mods:displayForm>Doe, Jane</mods:displayForm></mods:name>
<mods:originInfo><mods:dateIssued>2024</mods:dateIssued></mods:originInfo>
</mods:mods></mets:xmlData></mets:mdWrap></mets:dmdSec>
<mets:fileSec>
<mets:fileGrp USE="ORIGINAL">
%[2]s</mets:fileGrp>
<mets:fileGrp USE="DEFAULT">
%[3]s</mets:fileGrp>
<mets:fileGrp USE="PDF">
%[4]s</mets:fileGrp>
<mets:fileGrp USE="FULLTEXT">
<mets:file ID="FT_1" MIMETYPE="text/xml"><mets:FLocat LOCTYPE="URL" xlink:href="%[5]s"/></mets:file>
</mets:fileGrp>
<mets:fileGrp USE="DOWNLOAD">
<mets:file ID="DOWNLOAD_PDF" MIMETYPE="application/pdf"><mets:FLocat LOCTYPE="URL" xlink:href="%[6]s"/></mets:file>
</mets:fileGrp>
</mets:fileSec>
<mets:structMap TYPE="LOGICAL">
<mets:div ID="LOG_0000" TYPE="monograph" LABEL="Test work %[1]s" DMDID="DMDLOG_0000">
%[7]s</mets:div>
</mets:structMap>
<mets:structMap TYPE="PHYSICAL">
<mets:div ID="PHYS_0000" TYPE="physSequence">
%[8]s</mets:div>
</mets:structMap>
<mets:structLink>
%[9]s</mets:structLink>
</mets:mets>
`, id, orig.String(), def.String(), pdf.String(), URL(id, "ocr/00000001.xml"), URL(id, FullPDF(id)),
		logical.String(), phys.String(), links.String())
}

func writePNG(t testing.TB, path string, shade uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, MasterWidth, MasterHeight))
	for y := 0; y < MasterHeight; y++ {
		for x := 0; x < MasterWidth; x++ {
			img.Set(x, y, color.RGBA{shade, 128, 255 - shade, 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}
