package targets

import (
	"context"
	"net/http"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
)

// fileflowsTarget hands the batch to a FileFlows instance for processing
// through the configured flow.
type fileflowsTarget struct {
	base
}

func newFileFlows(name string, cfg config.TargetConfig) (*fileflowsTarget, error) {
	b, err := newBase(name, cfg)
	if err != nil {
		return nil, err
	}
	return &fileflowsTarget{base: b}, nil
}

func (t *fileflowsTarget) Process(ctx context.Context, events []domain.ScanEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	paths := make([]string, 0, len(events))
	for _, ev := range events {
		paths = append(paths, t.path(ev))
	}

	body := map[string]interface{}{
		"files":    paths,
		"flowUuid": t.cfg.Flow,
	}
	if err := t.doJSON(ctx, http.MethodPost, t.url("/api/library-file/manually-add"), body, nil); err != nil {
		return nil, err
	}

	logger.Debugf("FileFlows %s: submitted %d files", t.name, len(paths))
	return allIDs(events), nil
}
