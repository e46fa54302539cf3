package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/logger"
)

const (
	discordChunkSize  = 10
	discordMaxRetries = 3
)

// DiscordSink posts batches as webhook embeds, honoring Discord's rate
// limiting by sleeping until the advertised reset before retrying.
type DiscordSink struct {
	name   string
	cfg    config.WebhookConfig
	client *http.Client
	sleep  func(time.Duration)
}

func NewDiscord(name string, cfg config.WebhookConfig) *DiscordSink {
	return &DiscordSink{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		sleep:  time.Sleep,
	}
}

func (s *DiscordSink) Name() string { return s.name }

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type discordMessage struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []discordEmbed `json:"embeds"`
}

// Send ships the batch in chunks of at most discordChunkSize paths per
// outbound message.
func (s *DiscordSink) Send(batch []Entry) error {
	for _, entry := range batch {
		title := entry.Kind.Title()
		if entry.Source != "" {
			title = fmt.Sprintf("%s (%s)", title, entry.Source)
		}
		for _, chunk := range chunkPaths(entry.Paths, discordChunkSize) {
			msg := discordMessage{
				Username:  s.cfg.Username,
				AvatarURL: s.cfg.AvatarURL,
				Embeds: []discordEmbed{{
					Title:       title,
					Description: strings.Join(chunk, "\n"),
				}},
			}
			if err := s.post(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *DiscordSink) post(msg discordMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < discordMaxRetries; attempt++ {
		resp, err := s.client.Post(s.cfg.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusTooManyRequests {
			if resp.StatusCode >= 300 {
				return fmt.Errorf("discord returned %s", resp.Status)
			}
			return nil
		}

		wait := rateLimitWait(resp)
		logger.Warnf("Webhook %s: rate limited, sleeping %s before retry", s.name, wait)
		s.sleep(wait)
	}
	return fmt.Errorf("discord still rate limited after %d attempts", discordMaxRetries)
}

// rateLimitWait reads the reset delay from a 429 response. Discord sends
// X-RateLimit-Reset-After in (possibly fractional) seconds.
func rateLimitWait(resp *http.Response) time.Duration {
	if v := resp.Header.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func chunkPaths(paths []string, size int) [][]string {
	var chunks [][]string
	for len(paths) > size {
		chunks = append(chunks, paths[:size])
		paths = paths[size:]
	}
	if len(paths) > 0 {
		chunks = append(chunks, paths)
	}
	return chunks
}
