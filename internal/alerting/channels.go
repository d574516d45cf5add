package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/config"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
)

const channelTimeout = 10 * time.Second

// webhookPayload is the wire format posted to every gateway.
type webhookPayload struct {
	AlertID    string         `json:"alert_id"`
	Severity   string         `json:"severity"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// WebhookChannel posts alerts as JSON to a gateway URL. Every shipped carrier
// (chat, mail, SMS, pager, generic webhook) is a gateway behind this shape;
// only the URL and channel type differ.
type WebhookChannel struct {
	typ    string
	url    string
	client *http.Client
}

// NewWebhookChannel builds a channel of the given type backed by the URL.
func NewWebhookChannel(typ, url string) *WebhookChannel {
	return &WebhookChannel{
		typ:    typ,
		url:    url,
		client: &http.Client{Timeout: channelTimeout},
	}
}

func (c *WebhookChannel) Type() string { return c.typ }

func (c *WebhookChannel) Send(ctx context.Context, alert models.Alert, recipients []string) error {
	body, err := json.Marshal(webhookPayload{
		AlertID:    alert.ID,
		Severity:   alert.Severity,
		Type:       alert.Type,
		Message:    alert.Message,
		Metadata:   alert.Metadata,
		Recipients: recipients,
		CreatedAt:  alert.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", c.typ, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.typ, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s gateway: %w", c.typ, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s gateway returned %d", c.typ, resp.StatusCode)
	}
	return nil
}

// LogChannel writes alerts to the service log. Used in dev environments where
// no gateways are configured so chat-level alerts still land somewhere.
type LogChannel struct {
	typ    string
	logger zerolog.Logger
}

func NewLogChannel(typ string, logger zerolog.Logger) *LogChannel {
	return &LogChannel{typ: typ, logger: logger.With().Str("channel", typ).Logger()}
}

func (c *LogChannel) Type() string { return c.typ }

func (c *LogChannel) Send(_ context.Context, alert models.Alert, recipients []string) error {
	c.logger.Info().
		Str("alert_id", alert.ID).
		Str("severity", alert.Severity).
		Str("type", alert.Type).
		Strs("recipients", recipients).
		Msg(alert.Message)
	return nil
}

// ChannelsFromConfig builds the channel set from whichever gateway URLs are
// configured. In dev with no chat gateway, chat falls back to the log so info
// alerts are still visible.
func ChannelsFromConfig(cfg config.Config, logger zerolog.Logger) []Channel {
	var channels []Channel
	if cfg.ChatWebhookURL != "" {
		channels = append(channels, NewWebhookChannel(models.ChannelChat, cfg.ChatWebhookURL))
	} else if cfg.Env == "dev" {
		channels = append(channels, NewLogChannel(models.ChannelChat, logger))
	}
	if cfg.MailGatewayURL != "" {
		channels = append(channels, NewWebhookChannel(models.ChannelMail, cfg.MailGatewayURL))
	}
	if cfg.SMSGatewayURL != "" {
		channels = append(channels, NewWebhookChannel(models.ChannelSMS, cfg.SMSGatewayURL))
	}
	if cfg.PagerGatewayURL != "" {
		channels = append(channels, NewWebhookChannel(models.ChannelPager, cfg.PagerGatewayURL))
	}
	if cfg.AlertWebhookURL != "" {
		channels = append(channels, NewWebhookChannel(models.ChannelWebhook, cfg.AlertWebhookURL))
	}
	return channels
}
