package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/hapo/internal/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

// Client delivers verification codes through the Postmark API.
type Client struct {
	serverToken string
	fromEmail   string
	apiURL      string
	httpClient  *http.Client
	attempts    uint64
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithAPIURL(u string) Option {
	return func(cl *Client) {
		cl.apiURL = u
	}
}

// WithAttempts sets how many times a send is tried on 5xx or network errors.
func WithAttempts(n uint64) Option {
	return func(cl *Client) {
		cl.attempts = n
	}
}

func NewClient(serverToken, fromEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		apiURL:      postmarkURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		attempts:    3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

func message(code string, purpose model.CodePurpose) (subject, text, html string) {
	var action string
	var minutes int
	switch purpose {
	case model.PurposeMFA:
		subject, action, minutes = "Your Hapo sign-in code", "finish signing in", 5
	default:
		subject, action, minutes = "Verify your Hapo email", "verify your email address", 10
	}
	text = fmt.Sprintf("Use this code to %s:\n\n%s\n\nThis code expires in %d minutes.", action, code, minutes)
	html = fmt.Sprintf(
		`<p>Use this code to %s:</p><p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p><p>This code expires in %d minutes.</p>`,
		action, code, minutes,
	)
	return subject, text, html
}

// Deliver sends code to destination. Server errors and network failures
// are retried with exponential backoff; 4xx responses are not.
func (c *Client) Deliver(ctx context.Context, destination, code string, purpose model.CodePurpose) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	subject, text, html := message(code, purpose)
	body, err := json.Marshal(postmarkEmail{
		From:     c.fromEmail,
		To:       destination,
		Subject:  subject,
		HtmlBody: html,
		TextBody: text,
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	backoff := retry.WithMaxRetries(c.attempts-1, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Postmark-Server-Token", c.serverToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("send email: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("postmark API error: status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
		}
		return nil
	})
}
