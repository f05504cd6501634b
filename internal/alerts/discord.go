package alerts

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/go-hclog"

	"github.com/coah80/ingest/internal/config"
)

const (
	colorOrange = 0xFFA500
	colorRed    = 0xFF4444
	colorCrit   = 0xFF0000
	colorGreen  = 0x2ECC71
)

type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier posts operational alerts to a Discord webhook. A nil or unconfigured
// Notifier drops every alert.
type Notifier struct {
	exec      webhookExecutor
	webhookID string
	token     string
	pingUser  string
	log       hclog.Logger
	async     bool

	mu        sync.Mutex
	cooldowns map[string]time.Time
	now       func() time.Time
}

func New(cfg *config.Config, logger hclog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	n := &Notifier{
		pingUser:  cfg.DiscordPingUserID,
		log:       logger,
		async:     true,
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
	if cfg.DiscordWebhookURL == "" {
		return n, nil
	}

	id, token, err := parseWebhookURL(cfg.DiscordWebhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	n.exec, n.webhookID, n.token = s, id, token
	return n, nil
}

// parseWebhookURL splits https://discord.com/api/webhooks/{id}/{token}.
func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid discord webhook URL: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid discord webhook URL: expected /api/webhooks/{id}/{token}")
}

func (n *Notifier) send(category string, cooldown time.Duration, ping bool, color int, title, description string, fields map[string]string) {
	if n == nil || n.exec == nil {
		return
	}

	n.mu.Lock()
	now := n.now()
	if cooldown > 0 {
		if last, ok := n.cooldowns[category]; ok && now.Sub(last) < cooldown {
			n.mu.Unlock()
			return
		}
	}
	n.cooldowns[category] = now
	n.mu.Unlock()

	var embedFields []*discordgo.MessageEmbedField
	for _, k := range []string{"Upload", "Job", "Record", "Error"} {
		v := fields[k]
		if v == "" {
			continue
		}
		embedFields = append(embedFields, &discordgo.MessageEmbedField{Name: k, Value: truncate(v, 1024), Inline: true})
	}

	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       title,
			Description: truncate(description, 2048),
			Color:       color,
			Fields:      embedFields,
			Timestamp:   now.UTC().Format(time.RFC3339),
			Footer:      &discordgo.MessageEmbedFooter{Text: "ingest " + config.Version},
		}},
	}
	if ping && n.pingUser != "" {
		params.Content = fmt.Sprintf("<@%s>", n.pingUser)
	}

	deliver := func() {
		if _, err := n.exec.WebhookExecute(n.webhookID, n.token, false, params); err != nil {
			n.log.Warn("discord alert failed", "category", category, "error", err)
		}
	}
	if n.async {
		go deliver()
		return
	}
	deliver()
}

func (n *Notifier) ServerStarted(port string) {
	n.send("server-start", 0, false, colorGreen, "Server Started", fmt.Sprintf("ingest %s listening on :%s", config.Version, port), nil)
}

func (n *Notifier) ServerStopping() {
	n.send("server-stop", 0, false, colorOrange, "Server Stopping", "ingest is shutting down", nil)
}

func (n *Notifier) ReassemblyFailed(uploadID string, err error) {
	n.send("reassembly", 5*time.Second, true, colorCrit, "Reassembly Failed", err.Error(), map[string]string{
		"Upload": uploadID,
		"Error":  truncate(err.Error(), 500),
	})
}

func (n *Notifier) CompressionFailed(uploadID string, err error) {
	n.send("compression", 5*time.Second, true, colorRed, "Compression Failed", err.Error(), map[string]string{
		"Upload": uploadID,
		"Error":  truncate(err.Error(), 500),
	})
}

func (n *Notifier) TranscriptionFailed(jobID, recordID string, err error) {
	n.send("transcription", 5*time.Second, true, colorRed, "Transcription Failed", err.Error(), map[string]string{
		"Job":    jobID,
		"Record": recordID,
		"Error":  truncate(err.Error(), 500),
	})
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
