package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Provider delivers a single message to a phone number.
// It returns a short human readable status on success.
type Provider interface {
	Name() string
	Send(ctx context.Context, recipient, message string) (string, error)
}

type ProviderConfig struct {
	Kind         string
	WebhookURL   string
	WebhookToken string
	TwilioSID    string
	TwilioToken  string
	TwilioFrom   string
	TwilioChan   string
	TwilioAPIURL string
}

var ErrUnknownProvider = errors.New("unknown notification provider")

func NewProvider(cfg ProviderConfig, logger zerolog.Logger, client *http.Client) (Provider, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "mock", "log":
		return mockProvider{logger: logger}, nil
	case "noop":
		return noopProvider{}, nil
	case "fail":
		return failProvider{}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, errors.New("webhook provider requires NOTIFY_WEBHOOK_URL")
		}
		return webhookProvider{url: cfg.WebhookURL, token: cfg.WebhookToken, client: client}, nil
	case "twilio":
		if cfg.TwilioSID == "" || cfg.TwilioToken == "" || cfg.TwilioFrom == "" {
			return nil, errors.New("twilio provider requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM")
		}
		apiURL := cfg.TwilioAPIURL
		if apiURL == "" {
			apiURL = "https://api.twilio.com"
		}
		return twilioProvider{
			accountSID: cfg.TwilioSID,
			authToken:  cfg.TwilioToken,
			from:       cfg.TwilioFrom,
			whatsapp:   strings.EqualFold(cfg.TwilioChan, "whatsapp"),
			apiURL:     strings.TrimRight(apiURL, "/"),
			client:     client,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Kind)
	}
}

type mockProvider struct {
	logger zerolog.Logger
}

func (mockProvider) Name() string { return "mock" }

func (p mockProvider) Send(ctx context.Context, recipient, message string) (string, error) {
	p.logger.Info().Str("recipient", maskPhone(recipient)).Int("message_len", len(message)).Msg("mock sms sent")
	return "Mock SMS Sent Successfully", nil
}

// maskPhone keeps the country prefix only. The last digits double as the
// patient's verification secret and never reach the logs.
func maskPhone(phone string) string {
	const visible = 3
	if len(phone) <= visible {
		return strings.Repeat("*", len(phone))
	}
	return phone[:visible] + strings.Repeat("*", len(phone)-visible)
}

type noopProvider struct{}

func (noopProvider) Name() string { return "noop" }

func (noopProvider) Send(ctx context.Context, recipient, message string) (string, error) {
	return "notifications disabled", nil
}

type failProvider struct{}

func (failProvider) Name() string { return "fail" }

func (failProvider) Send(ctx context.Context, recipient, message string) (string, error) {
	return "", errors.New("provider failure")
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func (webhookProvider) Name() string { return "webhook" }

func (p webhookProvider) Send(ctx context.Context, recipient, message string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"channel":   "sms",
		"recipient": recipient,
		"message":   message,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", &rejectedError{status: resp.StatusCode}
	}
	return "delivered to webhook", nil
}

type twilioProvider struct {
	accountSID string
	authToken  string
	from       string
	whatsapp   bool
	apiURL     string
	client     *http.Client
}

func (p twilioProvider) Name() string {
	if p.whatsapp {
		return "twilio-whatsapp"
	}
	return "twilio-sms"
}

func (p twilioProvider) Send(ctx context.Context, recipient, message string) (string, error) {
	from, to := p.from, recipient
	if p.whatsapp {
		from, to = "whatsapp:"+from, "whatsapp:"+to
	}
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.apiURL, url.PathEscape(p.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		SID     string `json:"sid"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &payload)
	if resp.StatusCode >= 300 {
		return "", &rejectedError{status: resp.StatusCode, detail: payload.Message}
	}
	return fmt.Sprintf("%s (sid=%s)", payload.Status, payload.SID), nil
}

// rejectedError is returned when a provider answered but refused the
// message. 4xx answers are not retried.
type rejectedError struct {
	status int
	detail string
}

func (e *rejectedError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("provider rejected request: status %d: %s", e.status, e.detail)
	}
	return fmt.Sprintf("provider rejected request: status %d", e.status)
}

func (e *rejectedError) permanent() bool {
	return e.status >= 400 && e.status < 500 && e.status != http.StatusTooManyRequests
}
