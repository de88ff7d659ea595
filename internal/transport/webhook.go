package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// WebhookConfig configures the HTTP messaging-gateway driver.
type WebhookConfig struct {
	BaseURL string
	Timeout time.Duration
	Token   string
}

// WebhookTransport talks to a messaging gateway that owns the platform
// sessions. Routes, relative to BaseURL:
//
//	POST /channels/{id}/messages             send text or media
//	GET  /channels/{id}/contacts/{address}   registration check
//	GET  /channels/{id}/state                connectivity state
type WebhookTransport struct {
	client  *http.Client
	baseURL string
	token   string
	logger  *zap.Logger
}

type webhookMessage struct {
	To       string `json:"to"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type webhookError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWebhookTransport creates a new webhook driver
func NewWebhookTransport(logger *zap.Logger, cfg WebhookConfig) *WebhookTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookTransport{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger,
	}
}

func (t *WebhookTransport) Name() string { return "webhook" }

func (t *WebhookTransport) Send(ctx context.Context, channelID, address, content string) error {
	return t.post(ctx, channelID, webhookMessage{To: address, Type: "text", Text: content})
}

func (t *WebhookTransport) SendMedia(ctx context.Context, channelID, address, mediaRef, caption string) error {
	return t.post(ctx, channelID, webhookMessage{To: address, Type: "media", MediaRef: mediaRef, Caption: caption})
}

func (t *WebhookTransport) post(ctx context.Context, channelID string, msg webhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}

	endpoint := t.baseURL + "/channels/" + url.PathEscape(channelID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook request failed: %w", ErrFailure, err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err := classifyStatus(resp.StatusCode, bodyBytes); err != nil {
		return err
	}

	t.logger.Debug("webhook message delivered",
		zap.String("channel_id", channelID),
		zap.String("type", msg.Type),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func (t *WebhookTransport) IsRegistered(ctx context.Context, channelID, address string) (bool, error) {
	endpoint := t.baseURL + "/channels/" + url.PathEscape(channelID) + "/contacts/" + url.PathEscape(address)
	var out struct {
		Registered bool `json:"registered"`
	}
	if err := t.getJSON(ctx, endpoint, &out); err != nil {
		return false, err
	}
	return out.Registered, nil
}

func (t *WebhookTransport) State(ctx context.Context, channelID string) db.ChannelState {
	endpoint := t.baseURL + "/channels/" + url.PathEscape(channelID) + "/state"
	var out struct {
		State db.ChannelState `json:"state"`
	}
	if err := t.getJSON(ctx, endpoint, &out); err != nil {
		t.logger.Warn("channel state lookup failed",
			zap.String("channel_id", channelID),
			zap.Error(err),
		)
		return db.ChannelDisconnected
	}
	switch out.State {
	case db.ChannelConnected, db.ChannelConnecting, db.ChannelCooldown:
		return out.State
	default:
		return db.ChannelDisconnected
	}
}

func (t *WebhookTransport) getJSON(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook request failed: %w", ErrFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotImplemented {
		return ErrUnsupported
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return classifyStatus(resp.StatusCode, bodyBytes)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid gateway response: %w", ErrFailure, err)
	}
	return nil
}

func (t *WebhookTransport) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Herald/1.0.0")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

// classifyStatus maps gateway responses onto the transport error classes.
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var gwErr webhookError
	_ = json.Unmarshal(body, &gwErr)

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: gateway returned %d", ErrRateLimited, status)
	case status == http.StatusNotFound && gwErr.Code == "chat_not_found":
		return fmt.Errorf("%w: %s", ErrChatNotFound, gwErr.Message)
	default:
		return fmt.Errorf("%w: gateway returned non-2xx status: %d, body: %s", ErrFailure, status, string(body))
	}
}
