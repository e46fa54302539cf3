package targets

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
)

// autopulseTarget relays each event to a downstream instance through its
// manual trigger endpoint, chaining brokers across hosts.
type autopulseTarget struct {
	base
	trigger string
}

func newAutopulse(name string, cfg config.TargetConfig) (*autopulseTarget, error) {
	b, err := newBase(name, cfg)
	if err != nil {
		return nil, err
	}
	trigger := cfg.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	return &autopulseTarget{base: b, trigger: trigger}, nil
}

func (t *autopulseTarget) Process(ctx context.Context, events []domain.ScanEvent) ([]string, error) {
	var succeeded []string
	for _, ev := range events {
		if err := t.relay(ctx, ev); err != nil {
			logger.Errorf("Autopulse %s: relay of %s failed: %v", t.name, ev.FilePath, err)
			continue
		}
		succeeded = append(succeeded, ev.ID)
	}
	return succeeded, nil
}

func (t *autopulseTarget) relay(ctx context.Context, ev domain.ScanEvent) error {
	endpoint := fmt.Sprintf("%s?path=%s", t.url("/triggers/"+t.trigger), url.QueryEscape(t.path(ev)))
	if ev.FileHash != nil {
		endpoint += "&hash=" + url.QueryEscape(*ev.FileHash)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if t.cfg.Username != "" {
		req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downstream returned %s", resp.Status)
	}
	return nil
}
