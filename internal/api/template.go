package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gin-gonic/gin"

	"github.com/mescon/autopulse/internal/config"
)

// handleConfigTemplate emits a configuration scaffold for the requested
// trigger, target and webhook types, as JSON or TOML.
func (s *Server) handleConfigTemplate(c *gin.Context) {
	cfg := &config.Config{
		App: config.App{Host: "0.0.0.0", Port: 2875},
		Auth: config.Auth{
			Username: "admin",
			Password: "password",
		},
		Opts: config.Opts{
			CheckPath:        true,
			MaxRetries:       5,
			DefaultTimerWait: 60,
			CleanupDays:      10,
			LogFileRollover:  "daily",
			LogLevel:         "info",
		},
		Triggers: map[string]config.TriggerConfig{},
		Targets:  map[string]config.TargetConfig{},
		Webhooks: map[string]config.WebhookConfig{},
	}

	if _, ok := c.GetQuery("database"); ok {
		cfg.App.DatabasePath = "/app/data/autopulse.db"
	}
	for _, t := range splitParam(c.Query("triggers")) {
		tmpl, err := triggerTemplate(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg.Triggers[t] = tmpl
	}
	for _, t := range splitParam(c.Query("targets")) {
		tmpl, err := targetTemplate(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg.Targets[t] = tmpl
	}
	for _, t := range splitParam(c.Query("webhooks")) {
		tmpl, err := webhookTemplate(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg.Webhooks[t] = tmpl
	}

	switch c.DefaultQuery("output", "json") {
	case "json":
		c.JSON(http.StatusOK, cfg)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode template"})
			return
		}
		c.Data(http.StatusOK, "application/toml; charset=utf-8", buf.Bytes())
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown output format"})
	}
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func triggerTemplate(t string) (config.TriggerConfig, error) {
	switch t {
	case config.TriggerManual:
		return config.TriggerConfig{Type: t}, nil
	case config.TriggerNotify:
		return config.TriggerConfig{
			Type:    t,
			Paths:   []string{"/path/to/watch"},
			Filters: []string{`\.mkv$`},
		}, nil
	case config.TriggerSonarr, config.TriggerRadarr, config.TriggerLidarr, config.TriggerReadarr:
		return config.TriggerConfig{Type: t}, nil
	default:
		return config.TriggerConfig{}, fmt.Errorf("unknown trigger type %q", t)
	}
}

func targetTemplate(t string) (config.TargetConfig, error) {
	switch t {
	case config.TargetPlex:
		return config.TargetConfig{Type: t, URL: "http://plex:32400", Token: "<plex-token>"}, nil
	case config.TargetJellyfin:
		return config.TargetConfig{Type: t, URL: "http://jellyfin:8096", Token: "<api-key>"}, nil
	case config.TargetEmby:
		return config.TargetConfig{Type: t, URL: "http://emby:8096", Token: "<api-key>"}, nil
	case config.TargetTdarr:
		return config.TargetConfig{Type: t, URL: "http://tdarr:8266", DBID: "<library-id>"}, nil
	case config.TargetFileFlows:
		return config.TargetConfig{Type: t, URL: "http://fileflows:19200", Flow: "<flow-uuid>"}, nil
	case config.TargetCommand:
		return config.TargetConfig{Type: t, Path: "/usr/local/bin/on-change", TimeoutMS: 10000}, nil
	case config.TargetSonarr:
		return config.TargetConfig{Type: t, URL: "http://sonarr:8989", Token: "<api-key>"}, nil
	case config.TargetRadarr:
		return config.TargetConfig{Type: t, URL: "http://radarr:7878", Token: "<api-key>"}, nil
	case config.TargetAutopulse:
		return config.TargetConfig{Type: t, URL: "http://autopulse:2875", Trigger: "manual", Username: "admin", Password: "password"}, nil
	default:
		return config.TargetConfig{}, fmt.Errorf("unknown target type %q", t)
	}
}

func webhookTemplate(t string) (config.WebhookConfig, error) {
	switch t {
	case config.WebhookDiscord:
		return config.WebhookConfig{Type: t, URL: "https://discord.com/api/webhooks/<id>/<token>", Username: "autopulse"}, nil
	case config.WebhookShoutrrr:
		return config.WebhookConfig{Type: t, URL: "telegram://<token>@telegram?chats=<chat>"}, nil
	default:
		return config.WebhookConfig{}, fmt.Errorf("unknown webhook type %q", t)
	}
}
