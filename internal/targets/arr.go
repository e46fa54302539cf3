package targets

import (
	"context"
	"net/http"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
)

// arrTarget tells a Sonarr or Radarr instance to rescan the directory that
// changed, via the v3 command API. One command per unique directory.
type arrTarget struct {
	base
	command string
}

func newArr(name string, cfg config.TargetConfig, command string) (*arrTarget, error) {
	b, err := newBase(name, cfg)
	if err != nil {
		return nil, err
	}
	return &arrTarget{base: b, command: command}, nil
}

func (t *arrTarget) Process(ctx context.Context, events []domain.ScanEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	headers := map[string]string{"X-Api-Key": t.cfg.Token}
	dirs := uniqueDirs(events, t.path)

	var succeeded []string
	for _, dir := range sortedKeys(dirs) {
		body := map[string]interface{}{
			"name": t.command,
			"path": dir,
		}
		if err := t.doJSON(ctx, http.MethodPost, t.url("/api/v3/command"), body, headers); err != nil {
			logger.Errorf("%s %s: %s for %s failed: %v", t.cfg.Type, t.name, t.command, dir, err)
			continue
		}
		succeeded = append(succeeded, dirs[dir]...)
	}
	return succeeded, nil
}
