package pdfdoc

import (
	"fmt"
	"io"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Info summarizes a PDF read back through pdfcpu.
type Info struct {
	PageCount int
	HasImages bool
	// JPEGImages counts image streams stored with the DCT filter.
	JPEGImages int
	// Contents holds the decoded content stream of each page.
	Contents [][]byte
}

func config() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Inspect parses, validates and reads the pages of the PDF at path.
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ctx, err := api.ReadValidateAndOptimize(f, config())
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: read: %w", err)
	}
	images, jpegs := countImages(ctx)
	info := &Info{PageCount: ctx.PageCount, HasImages: images > 0, JPEGImages: jpegs}
	for nr := 1; nr <= ctx.PageCount; nr++ {
		var data []byte
		if r, err := pdfcpu.ExtractPageContent(ctx, nr); err == nil && r != nil {
			data, _ = io.ReadAll(r)
		}
		info.Contents = append(info.Contents, data)
	}
	return info, nil
}

// Validate checks the PDF at path in relaxed mode.
func Validate(path string) error {
	if err := api.ValidateFile(path, config()); err != nil {
		return fmt.Errorf("pdfdoc: validate %s: %w", path, err)
	}
	return nil
}

// Optimize rewrites the PDF at path in place.
func Optimize(path string) error {
	tmp := path + ".opt"
	if err := api.OptimizeFile(path, tmp, config()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pdfdoc: optimize %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// PageCount reads only the page count.
func PageCount(path string) (int, error) {
	return api.PageCountFile(path)
}

func countImages(ctx *model.Context) (images, jpegs int) {
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok || !sd.Image() {
			continue
		}
		images++
		if sd.HasSoleFilterNamed("DCTDecode") {
			jpegs++
		}
	}
	return images, jpegs
}
