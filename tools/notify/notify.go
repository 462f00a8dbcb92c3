// Package notify implements the notify tool: it pushes a message to a
// webhook endpoint, an email recipient list, or both.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	loom "github.com/nevindra/loom"
)

const (
	channelWebhook = "webhook"
	channelEmail   = "email"

	defaultSubject = "Loom notification"
)

// Config holds the delivery targets. A zero field disables its channel; the
// tool reports an error at execution time when nothing is configured, so
// registry wiring can stay unconditional.
type Config struct {
	WebhookURL string

	SMTPHost string
	SMTPPort string
	SMTPUser string
	SMTPPass string
	From     string
	To       []string
}

// sendMailFunc matches smtp.SendMail; tests swap it to capture messages.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Tool delivers notifications. Markdown messages are rendered to HTML for
// the email channel and passed through verbatim to the webhook.
type Tool struct {
	cfg    Config
	client *http.Client
	send   sendMailFunc
}

// New creates the notify tool.
func New(cfg Config) *Tool {
	return &Tool{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		send:   smtp.SendMail,
	}
}

func (t *Tool) Definition() loom.ToolDefinition {
	return loom.ToolDefinition{
		Name:        "notify",
		Description: "Send a notification with the given message. Delivers to the configured webhook and/or email recipients.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","description":"Notification body, Markdown allowed"},"subject":{"type":"string","description":"Short subject line"},"channel":{"type":"string","enum":["webhook","email"],"description":"Restrict delivery to one channel"}},"required":["message"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, tc loom.ToolContext, input map[string]any) (loom.Result, error) {
	message, _ := input["message"].(string)
	if message == "" {
		return loom.Result{}, fmt.Errorf("notify: message is required")
	}
	subject, _ := input["subject"].(string)
	if subject == "" {
		subject = defaultSubject
	}
	channel, _ := input["channel"].(string)

	var delivered []string
	if (channel == "" || channel == channelWebhook) && t.cfg.WebhookURL != "" {
		if err := t.postWebhook(ctx, tc, subject, message); err != nil {
			return loom.Result{}, err
		}
		delivered = append(delivered, channelWebhook)
	}
	if (channel == "" || channel == channelEmail) && t.emailConfigured() {
		if err := t.sendEmail(subject, message); err != nil {
			return loom.Result{}, err
		}
		delivered = append(delivered, channelEmail)
	}

	if len(delivered) == 0 {
		if channel != "" {
			return loom.Result{}, fmt.Errorf("notify: channel %q is not configured", channel)
		}
		return loom.Result{}, fmt.Errorf("notify: no delivery channels configured")
	}
	return loom.TextResult("notification delivered via " + strings.Join(delivered, ", ")), nil
}

func (t *Tool) postWebhook(ctx context.Context, tc loom.ToolContext, subject, message string) error {
	payload, err := json.Marshal(map[string]string{
		"subject":      subject,
		"message":      message,
		"execution_id": tc.ExecutionID,
		"task_id":      tc.TaskID,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify: webhook %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (t *Tool) emailConfigured() bool {
	return t.cfg.SMTPHost != "" && t.cfg.From != "" && len(t.cfg.To) > 0
}

// headerSanitizer strips newline sequences so task-supplied text cannot
// inject extra SMTP headers.
var headerSanitizer = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func (t *Tool) sendEmail(subject, message string) error {
	from := headerSanitizer.Replace(t.cfg.From)
	to := make([]string, len(t.cfg.To))
	for i, rcpt := range t.cfg.To {
		to[i] = headerSanitizer.Replace(rcpt)
	}

	var auth smtp.Auth
	if t.cfg.SMTPUser != "" || t.cfg.SMTPPass != "" {
		auth = smtp.PlainAuth("", t.cfg.SMTPUser, t.cfg.SMTPPass, t.cfg.SMTPHost)
	}

	msg := composeMail(from, to, headerSanitizer.Replace(subject), renderHTML(message))
	addr := t.cfg.SMTPHost + ":" + t.cfg.SMTPPort
	if err := t.send(addr, auth, from, to, msg); err != nil {
		return fmt.Errorf("notify: send mail: %w", err)
	}
	return nil
}

// composeMail builds a single-part HTML message with a base64 body.
func composeMail(from string, to []string, subject, htmlBody string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ",") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	b.WriteString("\r\n")
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(htmlBody)))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// renderHTML converts the Markdown message to HTML. If conversion fails the
// message is escaped and wrapped in a pre block instead.
func renderHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "<pre>" + htmlEscape(md) + "</pre>"
	}
	return strings.TrimSpace(buf.String())
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
