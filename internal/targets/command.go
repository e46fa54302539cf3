package targets

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
)

// commandTarget runs one process per event with the rewritten path appended
// as the final argument and exported as AUTOPULSE_FILE_PATH. Success is
// judged per event by the exit code.
type commandTarget struct {
	base
	timeout time.Duration
}

func newCommand(name string, cfg config.TargetConfig) (*commandTarget, error) {
	b, err := newBase(name, cfg)
	if err != nil {
		return nil, err
	}
	timeout := defaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &commandTarget{base: b, timeout: timeout}, nil
}

func (t *commandTarget) Process(ctx context.Context, events []domain.ScanEvent) ([]string, error) {
	var succeeded []string
	for _, ev := range events {
		if err := t.run(ctx, t.path(ev)); err != nil {
			logger.Errorf("Command %s: %s failed for %s: %v", t.name, t.cfg.Path, ev.FilePath, err)
			continue
		}
		succeeded = append(succeeded, ev.ID)
	}
	return succeeded, nil
}

func (t *commandTarget) run(ctx context.Context, path string) error {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := append(append([]string{}, t.cfg.Args...), path)
	cmd := exec.CommandContext(runCtx, t.cfg.Path, args...)
	cmd.Env = append(os.Environ(), "AUTOPULSE_FILE_PATH="+path)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			logger.Debugf("Command %s output: %s", t.name, out)
		}
		return err
	}
	return nil
}
