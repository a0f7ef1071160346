package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/bissquit/relay/internal/config"
	"github.com/bissquit/relay/internal/delivery/email"
	"github.com/bissquit/relay/internal/delivery/kafka"
	"github.com/bissquit/relay/internal/delivery/sms"
	"github.com/bissquit/relay/internal/queue"
)

// buildHandlers creates a delivery handler for every enabled kind.
func buildHandlers(cfg *config.Config) ([]queue.Handler, error) {
	var handlers []queue.Handler

	if cfg.SMS.Enabled {
		h, err := sms.NewHandler(sms.Config{
			GatewayURL: cfg.SMS.GatewayURL,
			APIKey:     cfg.SMS.APIKey,
			Sender:     cfg.SMS.Sender,
			Timeout:    cfg.SMS.Timeout,
			RateLimit:  cfg.SMS.RateLimit,
			Burst:      cfg.SMS.Burst,
			MaxLength:  cfg.SMS.MaxLength,
		})
		if err != nil {
			return nil, fmt.Errorf("create sms handler: %w", err)
		}
		handlers = append(handlers, h)
	}

	if cfg.Email.Enabled {
		h, err := email.NewHandler(email.Config{
			SMTPHost:     cfg.Email.SMTPHost,
			SMTPPort:     cfg.Email.SMTPPort,
			SMTPUser:     cfg.Email.SMTPUser,
			SMTPPassword: cfg.Email.SMTPPassword,
			FromAddress:  cfg.Email.FromAddress,
			DialTimeout:  cfg.Email.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create email handler: %w", err)
		}
		handlers = append(handlers, h)
	}

	if cfg.Kafka.Enabled {
		h, err := kafka.NewHandler(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			_ = closeHandlers(handlers)
			return nil, fmt.Errorf("create kafka handler: %w", err)
		}
		handlers = append(handlers, h)
	}

	if len(handlers) == 0 {
		return nil, errors.New("no delivery handler enabled: enable at least one of sms, email, kafka")
	}

	return handlers, nil
}

func closeHandlers(handlers []queue.Handler) error {
	var errs []error
	for _, h := range handlers {
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s handler: %w", h.Kind(), err))
			}
		}
	}
	return errors.Join(errs...)
}
