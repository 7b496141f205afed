package workactions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/structure"
)

// NetworkDisabled locks a work for every network.
const NetworkDisabled = "disabled"

// ErrMissingParam is returned when a required parameter is absent.
var ErrMissingParam = errors.New("workactions: missing parameter")

// setAllowedNetwork sets the network a work is served to. Opening the work
// up again restores a backed up METS file.
type setAllowedNetwork struct {
	works  Works
	logger *slog.Logger
}

func (a *setAllowedNetwork) Perform(ctx context.Context, work *catalog.Work, params actions.Params) (any, error) {
	network := params["network"]
	reduce := parseBool(params.Get("reduceMets", "false"))
	if network != NetworkDisabled {
		if err := restoreMets(work); err != nil {
			return nil, err
		}
	} else if reduce {
		if err := backupMets(work, a.logger); err != nil {
			return nil, err
		}
	}
	if err := a.works.SetAllowedNetwork(ctx, work.ID, network); err != nil {
		return nil, err
	}
	work.AllowedNetwork = network
	a.logger.Info("access: allowed network set", "work_id", work.ID, "network", network)
	return nil, nil
}

// workLock enables or disables a work. Both parameters are required.
type workLock struct {
	works  Works
	logger *slog.Logger
}

func (a *workLock) Perform(ctx context.Context, work *catalog.Work, params actions.Params) (any, error) {
	for _, k := range []string{"enabled", "reduceMets"} {
		if _, ok := params[k]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, k)
		}
	}
	enabled := parseBool(params["enabled"])
	if enabled {
		if err := restoreMets(work); err != nil {
			return nil, err
		}
	} else if parseBool(params["reduceMets"]) {
		if err := backupMets(work, a.logger); err != nil {
			return nil, err
		}
	}
	if err := a.works.SetEnabled(ctx, work.ID, enabled); err != nil {
		return nil, err
	}
	work.Enabled = enabled
	a.logger.Info("access: work lock set", "work_id", work.ID, "enabled", enabled)
	return nil, nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// OriginalMetsFile is where the full METS file is kept while a work is
// locked.
func OriginalMetsFile(w *catalog.Work) string {
	return filepath.Join(w.Path, w.ID+"_original.xml")
}

// restoreMets moves the backed up METS file back in place, if there is one.
func restoreMets(w *catalog.Work) error {
	orig := OriginalMetsFile(w)
	if _, err := os.Stat(orig); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := os.Rename(orig, structure.MetsFile(w)); err != nil {
		return fmt.Errorf("workactions: restore mets of %s: %w", w.ID, err)
	}
	return nil
}

// backupMets keeps a copy of the METS file next to it. An existing backup is
// left alone so that locking twice never overwrites the original. The
// served METS file is not reduced.
func backupMets(w *catalog.Work, logger *slog.Logger) error {
	orig := OriginalMetsFile(w)
	if _, err := os.Stat(orig); err == nil {
		return nil
	}
	src, err := os.Open(structure.MetsFile(w))
	if err != nil {
		return fmt.Errorf("workactions: backup mets of %s: %w", w.ID, err)
	}
	defer src.Close()
	dst, err := os.OpenFile(orig, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("workactions: backup mets of %s: %w", w.ID, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(orig)
		return fmt.Errorf("workactions: backup mets of %s: %w", w.ID, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(orig)
		return err
	}
	logger.Warn("access: mets backed up, reduced mets is not generated", "work_id", w.ID)
	return nil
}
