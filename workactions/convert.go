package workactions

import (
	"context"
	"io"
	"strings"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/conversion"
)

// singleFileConvert returns an open *conversion.Derivative.
type singleFileConvert struct {
	conv *conversion.Converter
}

func (a *singleFileConvert) Perform(ctx context.Context, work *catalog.Work, params actions.Params) (any, error) {
	d, err := a.conv.ConvertFile(ctx, work, params)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// fullPDFConvert returns an open *conversion.Derivative.
type fullPDFConvert struct {
	conv *conversion.Converter
}

func (a *fullPDFConvert) Perform(ctx context.Context, work *catalog.Work, params actions.Params) (any, error) {
	d, err := a.conv.ConvertFull(ctx, work, params)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DerivativePath maps a file URL below rootURL to its cache key, which is
// the path after rootURL starting with the work id.
func DerivativePath(rootURL, workID, url string) (string, bool) {
	rest, ok := strings.CutPrefix(url, rootURL)
	if !ok || rootURL == "" {
		// Fall back to the first path segment naming the work.
		i := strings.Index(url, "/"+workID+"/")
		if i < 0 {
			return "", false
		}
		rest = url[i+1:]
	}
	rest = strings.TrimPrefix(rest, "/")
	if !strings.HasPrefix(rest, workID+"/") {
		return "", false
	}
	return rest, true
}

func closeResult(v any) {
	if c, ok := v.(io.Closer); ok {
		c.Close()
	}
}
