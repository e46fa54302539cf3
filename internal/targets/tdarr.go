package targets

import (
	"context"
	"net/http"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
)

// tdarrTarget submits the whole batch as one scan request against a Tdarr
// library database. Fire and forget: a 2xx means the batch is queued.
type tdarrTarget struct {
	base
}

func newTdarr(name string, cfg config.TargetConfig) (*tdarrTarget, error) {
	b, err := newBase(name, cfg)
	if err != nil {
		return nil, err
	}
	return &tdarrTarget{base: b}, nil
}

func (t *tdarrTarget) Process(ctx context.Context, events []domain.ScanEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	paths := make([]string, 0, len(events))
	for _, ev := range events {
		paths = append(paths, t.path(ev))
	}

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"scanConfig": map[string]interface{}{
				"dbID":        t.cfg.DBID,
				"arrayOrPath": paths,
				"mode":        "scanFolderWatcher",
			},
		},
	}

	headers := map[string]string{}
	if t.cfg.Token != "" {
		headers["x-api-key"] = t.cfg.Token
	}
	if err := t.doJSON(ctx, http.MethodPost, t.url("/api/v2/scan-files"), body, headers); err != nil {
		return nil, err
	}

	logger.Debugf("Tdarr %s: queued scan of %d paths", t.name, len(paths))
	return allIDs(events), nil
}
