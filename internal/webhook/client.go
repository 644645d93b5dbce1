package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Config holds configuration for the Webhook client.
type Config struct {
	URL            string        `mapstructure:"url"`
	Secret         string        `mapstructure:"secret"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Client pushes trade-update payloads to a consumer endpoint, signing the
// body with HMAC-SHA256 when a secret is configured.
type Client struct {
	cfg        Config
	secret     []byte
	httpClient *http.Client
}

// NewClient initializes a new Webhook client
func NewClient(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Payload wraps the updates with a send timestamp. Updates is declared
// loosely so the client stays decoupled from the sink types.
type Payload struct {
	Timestamp int64       `json:"timestamp"`
	Updates   interface{} `json:"updates"`
}

// Send pushes updates with bounded retry and exponential backoff.
func (c *Client) Send(ctx context.Context, updates interface{}) error {
	payload := Payload{
		Timestamp: time.Now().Unix(),
		Updates:   updates,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	backoff := c.cfg.InitialBackoff

	for i := 0; i < c.cfg.MaxAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if i > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}

		err := c.attemptSend(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) attemptSend(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.URL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "optsync/v1")

	if len(c.secret) > 0 {
		h := hmac.New(sha256.New, c.secret)
		h.Write(body)
		req.Header.Set("X-Optsync-Signature", hex.EncodeToString(h.Sum(nil)))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	return nil
}
