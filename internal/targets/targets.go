// Package targets implements the fan-out side: each configured target takes
// a batch of scan events and returns the ids it delivered successfully.
package targets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/rewrite"
)

// Target is one downstream consumer of scan events. Process returns the ids
// of the events it handled; an error means the whole batch failed.
type Target interface {
	Name() string
	Process(ctx context.Context, events []domain.ScanEvent) ([]string, error)
}

const defaultTimeout = 10 * time.Second

// base carries the pieces every variant shares: the configuration entry, a
// compiled per-target rewrite and a bounded HTTP client.
type base struct {
	name   string
	cfg    config.TargetConfig
	rw     *rewrite.Rewriter
	client *http.Client
}

func newBase(name string, cfg config.TargetConfig) (base, error) {
	rw, err := rewrite.Compile(cfg.Rewrite)
	if err != nil {
		return base{}, fmt.Errorf("target %q: %w", name, err)
	}
	timeout := defaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return base{
		name:   name,
		cfg:    cfg,
		rw:     rw,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (b *base) Name() string { return b.name }

// path returns the event path after the target's own rewrite.
func (b *base) path(ev domain.ScanEvent) string {
	return b.rw.Rewrite(ev.FilePath)
}

func (b *base) url(endpoint string) string {
	return strings.TrimRight(b.cfg.URL, "/") + endpoint
}

// doJSON issues one request with an optional JSON body and decodes nothing.
// Callers that need the response body use doRequest directly.
func (b *base) doJSON(ctx context.Context, method, url string, body interface{}, headers map[string]string) error {
	resp, err := b.doRequest(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", b.name, resp.Status)
	}
	return nil
}

func (b *base) doRequest(ctx context.Context, method, url string, body interface{}, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return b.client.Do(req)
}

// allIDs is the success set for batch targets that succeed or fail whole.
func allIDs(events []domain.ScanEvent) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}

// uniqueDirs groups events by the parent directory of their rewritten path.
// Scan-style targets refresh a directory once regardless of how many files
// changed inside it.
func uniqueDirs(events []domain.ScanEvent, path func(domain.ScanEvent) string) map[string][]string {
	dirs := make(map[string][]string)
	for _, ev := range events {
		dir := parentDir(path(ev))
		dirs[dir] = append(dirs[dir], ev.ID)
	}
	return dirs
}

func parentDir(p string) string {
	if i := strings.LastIndex(p, "/"); i > 0 {
		return p[:i]
	}
	return p
}

// sortedKeys gives deterministic iteration for tests and logs.
func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New builds the tagged variant for one configuration entry.
func New(name string, cfg config.TargetConfig) (Target, error) {
	switch cfg.Type {
	case config.TargetPlex:
		return newPlex(name, cfg)
	case config.TargetJellyfin:
		return newJellyfin(name, cfg, dialectJellyfin)
	case config.TargetEmby:
		return newJellyfin(name, cfg, dialectEmby)
	case config.TargetTdarr:
		return newTdarr(name, cfg)
	case config.TargetFileFlows:
		return newFileFlows(name, cfg)
	case config.TargetCommand:
		return newCommand(name, cfg)
	case config.TargetSonarr:
		return newArr(name, cfg, "DownloadedEpisodesScan")
	case config.TargetRadarr:
		return newArr(name, cfg, "DownloadedMoviesScan")
	case config.TargetAutopulse:
		return newAutopulse(name, cfg)
	default:
		return nil, fmt.Errorf("target %q: unknown type %q", name, cfg.Type)
	}
}

// BuildAll constructs every configured target, sorted by name.
func BuildAll(cfg *config.Config) ([]Target, error) {
	names := make([]string, 0, len(cfg.Targets))
	for name := range cfg.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	targets := make([]Target, 0, len(names))
	for _, name := range names {
		t, err := New(name, cfg.Targets[name])
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}
