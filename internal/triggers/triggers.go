// Package triggers turns producer payloads into scan-event offers.
//
// Each configured trigger wraps one producer variant (a *arr webhook parser,
// the manual HTTP variant, or the filesystem watcher) together with its
// rewrite rules, timer and target excludes.
package triggers

import (
	"fmt"
	"sort"
	"time"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/rewrite"
)

// Hint is one (path, expect_present) pair resolved from a producer payload.
// ExpectPresent false means the producer reports the file as removed or
// renamed away, so the store should not wait for it to appear.
type Hint struct {
	Path          string
	ExpectPresent bool
}

type parseFunc func(body []byte) ([]Hint, error)

// Trigger is one configured producer.
type Trigger struct {
	name  string
	cfg   config.TriggerConfig
	rw    *rewrite.Rewriter
	parse parseFunc
}

// New builds a trigger from its configuration entry.
func New(name string, cfg config.TriggerConfig) (*Trigger, error) {
	rw, err := rewrite.Compile(cfg.Rewrite)
	if err != nil {
		return nil, fmt.Errorf("trigger %q: %w", name, err)
	}

	t := &Trigger{name: name, cfg: cfg, rw: rw}
	switch cfg.Type {
	case config.TriggerSonarr:
		t.parse = parseSonarr
	case config.TriggerRadarr:
		t.parse = parseRadarr
	case config.TriggerLidarr:
		t.parse = parseLidarr
	case config.TriggerReadarr:
		t.parse = parseReadarr
	case config.TriggerManual, config.TriggerNotify:
		// No body parser. Manual takes query parameters, notify feeds the
		// store from its watcher goroutine.
	default:
		return nil, fmt.Errorf("trigger %q: unknown type %q", name, cfg.Type)
	}
	return t, nil
}

// Name returns the configuration key, used as event_source.
func (t *Trigger) Name() string { return t.name }

// Type returns the variant discriminator.
func (t *Trigger) Type() string { return t.cfg.Type }

// Config returns the underlying configuration entry.
func (t *Trigger) Config() config.TriggerConfig { return t.cfg }

// AcceptsBody reports whether POST /triggers/{name} is valid for this
// variant. Manual and notify triggers reject bodies with 400.
func (t *Trigger) AcceptsBody() bool { return t.parse != nil }

// Paths parses one producer payload into path hints. The paths are raw, not
// yet rewritten.
func (t *Trigger) Paths(body []byte) ([]Hint, error) {
	if t.parse == nil {
		return nil, fmt.Errorf("trigger %q (%s) does not accept webhook bodies", t.name, t.cfg.Type)
	}
	return t.parse(body)
}

// Rewrite applies the trigger's rewrite rules to a raw path.
func (t *Trigger) Rewrite(path string) string {
	return t.rw.Rewrite(path)
}

// Excludes reports whether events from this trigger skip the named target.
func (t *Trigger) Excludes(target string) bool {
	return t.cfg.ExcludesTarget(target)
}

// Event converts one hint into a store offer. A hint whose file is expected
// to be absent is marked found immediately so the path checker does not wait
// for a file that should not exist.
func (t *Trigger) Event(h Hint, hash *string, now time.Time, defaultWait int) domain.NewEvent {
	found := domain.FoundNone
	if !h.ExpectPresent {
		found = domain.FoundOK
	}
	return domain.NewEvent{
		EventSource: t.name,
		FilePath:    t.Rewrite(h.Path),
		FileHash:    hash,
		FoundStatus: found,
		CanProcess:  now.Add(t.cfg.Timer.Wait(defaultWait)),
	}
}

// Registry holds all configured triggers by name.
type Registry struct {
	triggers map[string]*Trigger
}

// NewRegistry builds every configured trigger. Configuration errors are
// fatal at startup.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{triggers: make(map[string]*Trigger, len(cfg.Triggers))}
	for name, tc := range cfg.Triggers {
		t, err := New(name, tc)
		if err != nil {
			return nil, err
		}
		r.triggers[name] = t
	}
	return r, nil
}

// Get returns the named trigger.
func (r *Registry) Get(name string) (*Trigger, bool) {
	t, ok := r.triggers[name]
	return t, ok
}

// Names returns all trigger names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.triggers))
	for name := range r.triggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Excludes reports whether the named source excludes the named target.
// Unknown sources exclude nothing, so events from removed triggers still
// fan out everywhere.
func (r *Registry) Excludes(source, target string) bool {
	t, ok := r.triggers[source]
	return ok && t.Excludes(target)
}

// Notify returns the notify-variant triggers; each one owns a filesystem
// watcher at runtime.
func (r *Registry) Notify() []*Trigger {
	var out []*Trigger
	for _, name := range r.Names() {
		if t := r.triggers[name]; t.cfg.Type == config.TriggerNotify {
			out = append(out, t)
		}
	}
	return out
}
