package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/domain"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Entry
	err     error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(batch []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func TestBatcherQueuesUntilFlush(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher([]Sink{sink})

	b.Add(domain.KindProcessed, "my_sonarr", "/TV/a.mkv")
	b.Add(domain.KindProcessed, "my_sonarr", "/TV/b.mkv")
	assert.Empty(t, sink.batches)

	b.Flush()
	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 1)
	assert.Equal(t, Entry{
		Kind:   domain.KindProcessed,
		Source: "my_sonarr",
		Paths:  []string{"/TV/a.mkv", "/TV/b.mkv"},
	}, sink.batches[0][0])

	// Drained: a second flush ships nothing.
	b.Flush()
	assert.Len(t, sink.batches, 1)
}

func TestBatcherOrdersByKindPriorityThenSource(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher([]Sink{sink})

	b.Add(domain.KindFailed, "z", "/a")
	b.Add(domain.KindNew, "b", "/b")
	b.Add(domain.KindFound, "a", "/c")
	b.Add(domain.KindNew, "a", "/d")
	b.Flush()

	require.Len(t, sink.batches, 1)
	got := make([]string, 0, 4)
	for _, e := range sink.batches[0] {
		got = append(got, string(e.Kind)+"/"+e.Source)
	}
	assert.Equal(t, []string{"new/a", "new/b", "found/a", "failed/z"}, got)
}

func TestBatcherSeparatesSources(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher([]Sink{sink})

	b.Add(domain.KindProcessed, "sonarr", "/a")
	b.Add(domain.KindProcessed, "radarr", "/b")
	b.Flush()

	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)
}

func TestBatcherIgnoresEmptyAdd(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher([]Sink{sink})
	b.Add(domain.KindProcessed, "sonarr")
	b.Flush()
	assert.Empty(t, sink.batches)
}

func TestChunkPaths(t *testing.T) {
	paths := make([]string, 25)
	for i := range paths {
		paths[i] = "/p"
	}
	chunks := chunkPaths(paths, 10)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 10)
	assert.Len(t, chunks[1], 10)
	assert.Len(t, chunks[2], 5)

	assert.Nil(t, chunkPaths(nil, 10))
}

func TestDiscordChunksAndFormats(t *testing.T) {
	var messages []discordMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg discordMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		messages = append(messages, msg)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewDiscord("d", config.WebhookConfig{
		Type: config.WebhookDiscord, URL: srv.URL, Username: "autopulse",
	})

	paths := make([]string, 12)
	for i := range paths {
		paths[i] = "/TV/file.mkv"
	}
	err := sink.Send([]Entry{{Kind: domain.KindProcessed, Source: "my_sonarr", Paths: paths}})
	require.NoError(t, err)

	require.Len(t, messages, 2)
	assert.Equal(t, "autopulse", messages[0].Username)
	require.Len(t, messages[0].Embeds, 1)
	assert.Equal(t, "Processed (my_sonarr)", messages[0].Embeds[0].Title)
	assert.Len(t, strings.Split(messages[0].Embeds[0].Description, "\n"), 10)
	assert.Len(t, strings.Split(messages[1].Embeds[0].Description, "\n"), 2)
}

func TestDiscordRateLimitRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("X-RateLimit-Reset-After", "0.05")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var slept []time.Duration
	sink := NewDiscord("d", config.WebhookConfig{Type: config.WebhookDiscord, URL: srv.URL})
	sink.sleep = func(d time.Duration) { slept = append(slept, d) }

	err := sink.Send([]Entry{{Kind: domain.KindNew, Paths: []string{"/a"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	require.Len(t, slept, 1)
	assert.Equal(t, 50*time.Millisecond, slept[0])
}

func TestDiscordGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sink := NewDiscord("d", config.WebhookConfig{Type: config.WebhookDiscord, URL: srv.URL})
	sink.sleep = func(time.Duration) {}

	err := sink.Send([]Entry{{Kind: domain.KindNew, Paths: []string{"/a"}}})
	require.Error(t, err)
}

func TestShoutrrrSinkFormatsAndChunks(t *testing.T) {
	var sent []string
	sink := NewShoutrrr("tg", config.WebhookConfig{
		Type: config.WebhookShoutrrr, URL: "telegram://token@telegram?chats=1",
	})
	sink.send = func(url, message string) error {
		assert.Equal(t, "telegram://token@telegram?chats=1", url)
		sent = append(sent, message)
		return nil
	}

	err := sink.Send([]Entry{{
		Kind:   domain.KindFound,
		Source: "watch",
		Paths:  []string{"/a.mkv", "/b.mkv"},
	}})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "Found (watch)\n- /a.mkv\n- /b.mkv", sent[0])
}

func TestBuildSinks(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.Webhooks = map[string]config.WebhookConfig{
		"chat":  {Type: config.WebhookDiscord, URL: "https://discord.example/hook"},
		"alert": {Type: config.WebhookShoutrrr, URL: "ntfy://host/topic"},
	}

	sinks := BuildSinks(cfg)
	require.Len(t, sinks, 2)
	assert.Equal(t, "alert", sinks[0].Name())
	assert.Equal(t, "chat", sinks[1].Name())
}
