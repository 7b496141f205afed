package workactions

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/cacheguard"
	"github.com/hazyhaar/mediaserver/catalog"
)

// cacheDelete removes the cached derivatives of a work. With "age" (in
// seconds) only files not modified for that long go. An unparsable age is
// ignored.
type cacheDelete struct {
	guard  *cacheguard.Guard
	logger *slog.Logger
}

func (a *cacheDelete) Perform(ctx context.Context, work *catalog.Work, params actions.Params) (any, error) {
	var age time.Duration
	if s := params.Get("age", ""); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			age = time.Duration(n) * time.Second
		} else {
			a.logger.Warn("cache: ignoring age", "work_id", work.ID, "age", s)
		}
	}
	st, err := a.guard.PruneKey(work.ID, age)
	if err != nil {
		a.logger.Error("cache: could not clear work cache", "work_id", work.ID, "error", err)
		return nil, fmt.Errorf("workactions: clear cache of %s: %w", work.ID, err)
	}
	a.logger.Info("cache: cleared", "work_id", work.ID, "files", st.Files, "dirs", st.Dirs, "age", age)
	return st, nil
}
