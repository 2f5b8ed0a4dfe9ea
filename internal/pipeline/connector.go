package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"chat4all-service/internal/models"
)

// Connector drives one delivery attempt to an external channel. The attempt's
// success or failure is the only signal the pipeline consumes; retry policy
// belongs to the connector, never to the core.
type Connector interface {
	Deliver(ctx context.Context, channel string, msg models.Message, recipientID string) error
}

// Connectors is the closed set of channel connectors, keyed by channel name.
type Connectors struct {
	byChannel map[string]Connector
}

// NewConnectors builds the registry.
func NewConnectors() *Connectors {
	return &Connectors{byChannel: make(map[string]Connector)}
}

// Register adds a connector for a channel name.
func (c *Connectors) Register(channel string, conn Connector) {
	c.byChannel[channel] = conn
}

// Lookup returns the connector for a channel.
func (c *Connectors) Lookup(channel string) (Connector, bool) {
	conn, ok := c.byChannel[channel]
	return conn, ok
}

// Known reports whether every requested channel has a connector.
func (c *Connectors) Known(channels []string) (string, bool) {
	for _, ch := range channels {
		if _, ok := c.byChannel[ch]; !ok {
			return ch, false
		}
	}
	return "", true
}

// Names lists the registered channel names, sorted.
func (c *Connectors) Names() []string {
	names := make([]string, 0, len(c.byChannel))
	for name := range c.byChannel {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WebhookConnector posts the message to a channel's webhook endpoint; any
// non-2xx response is a failed attempt.
type WebhookConnector struct {
	url    string
	client *http.Client
}

// NewWebhookConnector constructs a WebhookConnector. The http.Client timeout
// stays zero: the pipeline bounds each attempt with its own context deadline.
func NewWebhookConnector(url string) *WebhookConnector {
	return &WebhookConnector{url: url, client: &http.Client{}}
}

type webhookPayload struct {
	Channel     string         `json:"channel"`
	RecipientID string         `json:"recipient_id"`
	Message     models.Message `json:"message"`
}

func (w *WebhookConnector) Deliver(ctx context.Context, channel string, msg models.Message, recipientID string) error {
	body, err := json.Marshal(webhookPayload{Channel: channel, RecipientID: recipientID, Message: msg})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("connector %s: unexpected status %d", channel, resp.StatusCode)
	}
	return nil
}
