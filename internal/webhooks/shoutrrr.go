package webhooks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/containrrr/shoutrrr"

	"github.com/mescon/autopulse/internal/config"
)

// ShoutrrrSink forwards batches through any shoutrrr-supported service
// (telegram, slack, ntfy, gotify, ...). The configured URL is a raw
// shoutrrr service URL.
type ShoutrrrSink struct {
	name string
	cfg  config.WebhookConfig
	send func(url, message string) error
}

func NewShoutrrr(name string, cfg config.WebhookConfig) *ShoutrrrSink {
	return &ShoutrrrSink{
		name: name,
		cfg:  cfg,
		send: shoutrrr.Send,
	}
}

func (s *ShoutrrrSink) Name() string { return s.name }

func (s *ShoutrrrSink) Send(batch []Entry) error {
	for _, entry := range batch {
		for _, chunk := range chunkPaths(entry.Paths, discordChunkSize) {
			if err := s.send(s.cfg.URL, formatEntry(entry, chunk)); err != nil {
				return fmt.Errorf("shoutrrr send failed: %w", err)
			}
		}
	}
	return nil
}

func formatEntry(entry Entry, paths []string) string {
	var sb strings.Builder
	sb.WriteString(entry.Kind.Title())
	if entry.Source != "" {
		sb.WriteString(" (")
		sb.WriteString(entry.Source)
		sb.WriteString(")")
	}
	for _, p := range paths {
		sb.WriteString("\n- ")
		sb.WriteString(p)
	}
	return sb.String()
}

// BuildSinks constructs every configured webhook sink, keyed order by name.
func BuildSinks(cfg *config.Config) []Sink {
	names := make([]string, 0, len(cfg.Webhooks))
	for name := range cfg.Webhooks {
		names = append(names, name)
	}
	sort.Strings(names)

	var sinks []Sink
	for _, name := range names {
		wc := cfg.Webhooks[name]
		switch wc.Type {
		case config.WebhookDiscord:
			sinks = append(sinks, NewDiscord(name, wc))
		case config.WebhookShoutrrr:
			sinks = append(sinks, NewShoutrrr(name, wc))
		}
	}
	return sinks
}
