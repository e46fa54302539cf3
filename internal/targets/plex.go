package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
)

// plexTarget issues partial library scans. Each event's path is matched to a
// library section by location prefix, then one scan per enclosing directory
// is requested.
type plexTarget struct {
	base
}

func newPlex(name string, cfg config.TargetConfig) (*plexTarget, error) {
	b, err := newBase(name, cfg)
	if err != nil {
		return nil, err
	}
	return &plexTarget{base: b}, nil
}

type plexSection struct {
	Key       string `json:"key"`
	Title     string `json:"title"`
	Locations []struct {
		Path string `json:"path"`
	} `json:"Location"`
}

func (t *plexTarget) headers() map[string]string {
	return map[string]string{"X-Plex-Token": t.cfg.Token}
}

func (t *plexTarget) sections(ctx context.Context) ([]plexSection, error) {
	resp, err := t.doRequest(ctx, http.MethodGet, t.url("/library/sections"), nil, t.headers())
	if err != nil {
		return nil, fmt.Errorf("failed to list plex sections: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plex sections returned %s", resp.Status)
	}

	var payload struct {
		MediaContainer struct {
			Directory []plexSection `json:"Directory"`
		} `json:"MediaContainer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode plex sections: %w", err)
	}
	return payload.MediaContainer.Directory, nil
}

// sectionFor finds the library whose location is the longest prefix of path.
// The boundary check keeps /data/movies from matching /data/movies-archive.
func sectionFor(sections []plexSection, path string) (plexSection, bool) {
	var best plexSection
	bestLen := -1
	for _, s := range sections {
		for _, loc := range s.Locations {
			root := strings.TrimRight(loc.Path, "/")
			if !strings.HasPrefix(path, root) {
				continue
			}
			rest := path[len(root):]
			if rest != "" && !strings.HasPrefix(rest, "/") {
				continue
			}
			if len(root) > bestLen {
				bestLen = len(root)
				best = s
			}
		}
	}
	return best, bestLen >= 0
}

func (t *plexTarget) Process(ctx context.Context, events []domain.ScanEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	sections, err := t.sections(ctx)
	if err != nil {
		return nil, err
	}

	dirs := uniqueDirs(events, t.path)
	var succeeded []string
	for _, dir := range sortedKeys(dirs) {
		section, ok := sectionFor(sections, dir)
		if !ok {
			logger.Warnf("Plex %s: no library section covers %s", t.name, dir)
			continue
		}
		if err := t.scanDir(ctx, section.Key, dir); err != nil {
			logger.Errorf("Plex %s: scan of %s failed: %v", t.name, dir, err)
			continue
		}
		logger.Debugf("Plex %s: scanned %s (section %s)", t.name, dir, section.Title)
		succeeded = append(succeeded, dirs[dir]...)
	}
	return succeeded, nil
}

func (t *plexTarget) scanDir(ctx context.Context, sectionKey, dir string) error {
	scanURL := fmt.Sprintf("%s?path=%s", t.url("/library/sections/"+sectionKey+"/refresh"), url.QueryEscape(dir))
	if t.cfg.RefreshOnScan {
		scanURL += "&force=1"
	}
	return t.doJSON(ctx, http.MethodGet, scanURL, nil, t.headers())
}
