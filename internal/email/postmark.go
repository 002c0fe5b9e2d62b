package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Client struct {
	serverToken string
	fromEmail   string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		httpClient:  http.DefaultClient,
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

// SendPaymentFailed tells a subscriber their renewal charge failed and when
// their access lapses if no payment method is fixed.
func (c *Client) SendPaymentFailed(toEmail string, graceDeadline time.Time) error {
	deadline := graceDeadline.Format("January 2, 2006")
	textBody := fmt.Sprintf(
		"We couldn't process your Sproutly renewal payment.\n\nWe'll retry automatically over the next two days. Please update your payment method before %s to keep your subscription; after that your plan will be canceled.",
		deadline,
	)
	htmlBody := fmt.Sprintf(
		`<p>We couldn't process your Sproutly renewal payment.</p><p>We'll retry automatically over the next two days. Please update your payment method before <strong>%s</strong> to keep your subscription; after that your plan will be canceled.</p>`,
		deadline,
	)
	return c.send(toEmail, "Action needed: your Sproutly payment failed", htmlBody, textBody)
}

// SendSubscriptionEnded confirms a subscription was canceled after the
// grace period ran out.
func (c *Client) SendSubscriptionEnded(toEmail string) error {
	textBody := "Your Sproutly subscription has ended because we couldn't collect payment.\n\nYour diaper logs and inventory are safe, and you can resubscribe any time from the app."
	htmlBody := `<p>Your Sproutly subscription has ended because we couldn't collect payment.</p><p>Your diaper logs and inventory are safe, and you can resubscribe any time from the app.</p>`
	return c.send(toEmail, "Your Sproutly subscription has ended", htmlBody, textBody)
}

// SendReceipt confirms a successful charge with its tax-inclusive total.
func (c *Client) SendReceipt(toEmail, planName string, totalCents int64) error {
	amount := fmt.Sprintf("$%d.%02d CAD", totalCents/100, totalCents%100)
	textBody := fmt.Sprintf("Thanks for subscribing to Sproutly!\n\nPlan: %s\nAmount charged: %s (taxes included)", planName, amount)
	htmlBody := fmt.Sprintf(
		`<p>Thanks for subscribing to Sproutly!</p><p>Plan: %s<br>Amount charged: %s (taxes included)</p>`,
		planName, amount,
	)
	return c.send(toEmail, "Your Sproutly receipt", htmlBody, textBody)
}

func (c *Client) send(toEmail, subject, htmlBody, textBody string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", "https://api.postmarkapp.com/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
