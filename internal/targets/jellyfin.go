package targets

import (
	"context"
	"net/http"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
)

type jellyfinDialect string

const (
	dialectJellyfin jellyfinDialect = "jellyfin"
	dialectEmby     jellyfinDialect = "emby"
)

// jellyfinTarget posts one batched media-updated notification. Jellyfin and
// Emby share the endpoint; only the auth header scheme differs.
type jellyfinTarget struct {
	base
	dialect jellyfinDialect
}

func newJellyfin(name string, cfg config.TargetConfig, dialect jellyfinDialect) (*jellyfinTarget, error) {
	b, err := newBase(name, cfg)
	if err != nil {
		return nil, err
	}
	return &jellyfinTarget{base: b, dialect: dialect}, nil
}

func (t *jellyfinTarget) headers() map[string]string {
	if t.dialect == dialectEmby {
		return map[string]string{"X-Emby-Token": t.cfg.Token}
	}
	return map[string]string{"Authorization": `MediaBrowser Token="` + t.cfg.Token + `"`}
}

type mediaUpdate struct {
	Path       string `json:"Path"`
	UpdateType string `json:"UpdateType"`
}

func (t *jellyfinTarget) Process(ctx context.Context, events []domain.ScanEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	// Modified covers creations, replacements and removals alike: the
	// server re-examines the path and reconciles its own state.
	updates := make([]mediaUpdate, 0, len(events))
	for _, ev := range events {
		updates = append(updates, mediaUpdate{Path: t.path(ev), UpdateType: "Modified"})
	}

	body := map[string]interface{}{"Updates": updates}
	if err := t.doJSON(ctx, http.MethodPost, t.url("/Library/Media/Updated"), body, t.headers()); err != nil {
		return nil, err
	}

	logger.Debugf("%s %s: announced %d updated paths", t.dialect, t.name, len(updates))
	return allIDs(events), nil
}
