// Package sms delivers work items through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/bissquit/relay/internal/domain"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultMaxLength = 1600
	defaultSender    = "relay"
)

// Config holds SMS gateway configuration.
type Config struct {
	GatewayURL string
	APIKey     string
	Sender     string
	Timeout    time.Duration
	RateLimit  float64 // messages per second, 0 disables limiting
	Burst      int
	MaxLength  int // characters after normalization
}

// Payload is the work item payload for the sms kind.
type Payload struct {
	To      string `json:"to" validate:"required,e164"`
	Message string `json:"message" validate:"required"`
	Sender  string `json:"sender,omitempty" validate:"omitempty,max=11"`
}

type gatewayRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
	Ref     string `json:"reference"`
}

// Handler sends sms work items.
type Handler struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	validate   *validator.Validate
}

// NewHandler creates a new SMS handler.
func NewHandler(config Config) (*Handler, error) {
	if config.GatewayURL == "" {
		return nil, fmt.Errorf("sms handler: gateway url is required")
	}
	if config.Sender == "" {
		config.Sender = defaultSender
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxLength == 0 {
		config.MaxLength = defaultMaxLength
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), max(config.Burst, 1))
	}

	slog.Info("sms handler configured",
		"rate_limit", config.RateLimit,
		"max_length", config.MaxLength,
		"timeout", config.Timeout,
	)

	return &Handler{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		validate:   validator.New(),
	}, nil
}

// Kind returns the work item kind.
func (h *Handler) Kind() string {
	return domain.KindSMS
}

// Handle sends the item's message to the gateway.
func (h *Handler) Handle(ctx context.Context, item *domain.WorkItem) error {
	var payload Payload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return &PermanentError{Message: fmt.Sprintf("decode payload: %v", err)}
	}
	if err := h.validate.Struct(payload); err != nil {
		return &PermanentError{Message: fmt.Sprintf("invalid payload: %v", err)}
	}

	message := norm.NFC.String(payload.Message)
	if n := utf8.RuneCountInString(message); n > h.config.MaxLength {
		return &PermanentError{Message: fmt.Sprintf("message has %d characters, limit is %d", n, h.config.MaxLength)}
	}

	sender := payload.Sender
	if sender == "" {
		sender = h.config.Sender
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return &RetryableError{Message: fmt.Sprintf("rate limiter: %v", err)}
	}

	body, err := json.Marshal(gatewayRequest{
		To:      payload.To,
		Message: message,
		Sender:  sender,
		Ref:     item.ID,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return h.handleResponse(resp, item)
}

func (h *Handler) handleResponse(resp *http.Response, item *domain.WorkItem) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("sms sent", "item_id", item.ID, "attempt", item.AttemptCount)
		return nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{Code: resp.StatusCode, Message: "rate limited"}

	case resp.StatusCode == http.StatusRequestTimeout:
		return &RetryableError{Code: resp.StatusCode, Message: "gateway timeout"}

	case resp.StatusCode >= 500:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("server error: %s", string(body)),
		}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Code: resp.StatusCode, Message: "gateway rejected credentials"}

	default:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("rejected: %s", string(body)),
		}
	}
}

// PermanentError indicates a delivery that must not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("sms gateway error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sms error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary delivery failure.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("sms gateway error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sms error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
