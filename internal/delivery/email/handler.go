// Package email delivers work items via SMTP.
package email

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/go-playground/validator/v10"
)

// Config holds SMTP configuration.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	DialTimeout  time.Duration
}

// Payload is the work item payload for the email kind.
type Payload struct {
	To      []string `json:"to" validate:"required,min=1,max=50,dive,email"`
	Subject string   `json:"subject" validate:"required,max=998"`
	Body    string   `json:"body" validate:"required"`
}

// Handler sends email work items.
type Handler struct {
	config   Config
	auth     smtp.Auth
	validate *validator.Validate
}

// NewHandler creates a new email handler.
func NewHandler(config Config) (*Handler, error) {
	if config.SMTPHost == "" {
		return nil, errors.New("email handler: SMTP host is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("email handler: from address is required")
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	slog.Info("email handler configured",
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
	)

	return &Handler{
		config:   config,
		auth:     auth,
		validate: validator.New(),
	}, nil
}

// Kind returns the work item kind.
func (h *Handler) Kind() string {
	return domain.KindEmail
}

// Handle sends the item as one message to every recipient.
func (h *Handler) Handle(ctx context.Context, item *domain.WorkItem) error {
	var payload Payload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return queue.NewNonRetryableError(fmt.Errorf("decode payload: %w", err))
	}
	if err := h.validate.Struct(payload); err != nil {
		return queue.NewNonRetryableError(fmt.Errorf("invalid payload: %w", err))
	}

	msg := h.buildMessage(item.ID, payload)
	addr := net.JoinHostPort(h.config.SMTPHost, fmt.Sprint(h.config.SMTPPort))
	tlsConfig := &tls.Config{
		ServerName: h.config.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	if err := h.sendWithSTARTTLS(ctx, addr, tlsConfig, payload.To, msg); err != nil {
		if IsRetryable(err) {
			return queue.NewRetryableError(err)
		}
		return queue.NewNonRetryableError(err)
	}

	slog.Debug("email sent", "item_id", item.ID, "recipient_count", len(payload.To))
	return nil
}

// buildMessage constructs the message with headers.
func (h *Handler) buildMessage(itemID string, payload Payload) []byte {
	var msg strings.Builder

	fmt.Fprintf(&msg, "From: %s\r\n", h.config.FromAddress)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(payload.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", payload.Subject))
	fmt.Fprintf(&msg, "Message-ID: <%s@%s>\r\n", itemID, extractDomain(h.config.FromAddress))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(payload.Body, "\n", "\r\n"))

	return []byte(msg.String())
}

// sendWithSTARTTLS upgrades the connection when the server offers STARTTLS.
func (h *Handler) sendWithSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config, recipients []string, msg []byte) error {
	dialer := &net.Dialer{Timeout: h.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, h.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if h.auth != nil {
		if err := client.Auth(h.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(h.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	// A rejected recipient fails the whole item so a retry reaches everyone.
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// extractEmail extracts the address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

func extractDomain(address string) string {
	email := extractEmail(address)
	if idx := strings.LastIndex(email, "@"); idx != -1 {
		return email[idx+1:]
	}
	return "relay.local"
}

// IsRetryable determines if an SMTP error is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// SMTP 4xx replies are temporary failures.
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 400 && protoErr.Code < 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection refused and resets.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
