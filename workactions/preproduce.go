package workactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/structure"
)

// PreproduceResult counts the files handled by preproduceDerivatives.
type PreproduceResult struct {
	Converted int `json:"converted"`
	Failed    int `json:"failed"`
}

// preproduceDerivatives converts every file of a METS file group, or the
// single file named by fileId. Failing files are logged and skipped.
type preproduceDerivatives struct {
	reader  structure.Reader
	rootURL string
	convert actions.Action
	logger  *slog.Logger
}

func (a *preproduceDerivatives) Perform(ctx context.Context, work *catalog.Work, params actions.Params) (any, error) {
	grp := params.Get("fileGrp", "")
	if grp == "" {
		return nil, fmt.Errorf("%w: fileGrp", ErrMissingParam)
	}
	lines, err := a.reader.Read(structure.MetsFile(work), structure.Query{
		Mode:    structure.ModeURLs,
		FileGrp: grp,
		FileID:  params.Get("fileId", ""),
	})
	if err != nil {
		return nil, err
	}

	var res PreproduceResult
	for _, u := range structure.Values(structure.Parse(lines)["request_url"]) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key, ok := DerivativePath(a.rootURL, work.ID, u)
		if !ok {
			a.logger.Error("preproduce: url outside the work", "work_id", work.ID, "url", u)
			res.Failed++
			continue
		}
		a.logger.Info("preproduce: converting file", "work_id", work.ID, "url", u)
		out, err := a.convert.Perform(ctx, work, actions.Params{"requestUrl": u, "derivativePath": key})
		if err != nil {
			a.logger.Error("preproduce: conversion failed", "work_id", work.ID, "url", u, "error", err)
			res.Failed++
			continue
		}
		closeResult(out)
		res.Converted++
	}
	return res, nil
}

// preproduceFullPDF builds the full PDF at the location the METS file
// advertises.
type preproduceFullPDF struct {
	reader  structure.Reader
	rootURL string
	convert actions.Action
	logger  *slog.Logger
}

var errNoFullPDF = errors.New("workactions: no full PDF url in mets file")

func (a *preproduceFullPDF) Perform(ctx context.Context, work *catalog.Work, params actions.Params) (any, error) {
	a.logger.Info("preproduce: full pdf", "work_id", work.ID)
	lines, err := a.reader.Read(structure.MetsFile(work), structure.Query{Mode: structure.ModeMetadata})
	if err != nil {
		return nil, err
	}
	u := structure.Parse(lines)["fullPdfUrl"]
	if u == "" {
		return nil, errNoFullPDF
	}
	key, ok := DerivativePath(a.rootURL, work.ID, u)
	if !ok {
		return nil, fmt.Errorf("workactions: full pdf url %s is outside work %s", u, work.ID)
	}
	out, err := a.convert.Perform(ctx, work, actions.Params{"derivativePath": key})
	if err != nil {
		return nil, fmt.Errorf("workactions: preproduce full pdf of %s: %w", work.ID, err)
	}
	closeResult(out)
	return key, nil
}
