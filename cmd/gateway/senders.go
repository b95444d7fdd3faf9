package main

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/recipient"
	"github.com/lalithlochan/courier/internal/worker"
)

// breakerSet keeps every transport breaker so /health can report them
type breakerSet struct {
	mu       sync.Mutex
	breakers []*circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

func newBreakerSet(logger *zap.Logger) *breakerSet {
	return &breakerSet{logger: logger}
}

func (b *breakerSet) protect(sender worker.Sender, transport string) worker.Sender {
	cbCfg := circuitbreaker.DefaultConfig(transport)
	cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	cb := circuitbreaker.New(cbCfg, b.logger)

	b.mu.Lock()
	b.breakers = append(b.breakers, cb)
	b.mu.Unlock()

	return circuitbreaker.NewProtectedSender(sender, cb, worker.IsTransportFailure, b.logger)
}

func (b *breakerSet) Stats() []circuitbreaker.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]circuitbreaker.Stats, 0, len(b.breakers))
	for _, cb := range b.breakers {
		out = append(out, cb.Stats())
	}
	return out
}

func newSenders(ctx context.Context, cfg *config.Config, breakers *breakerSet, logger *zap.Logger) (*worker.MultiSender, error) {
	var email worker.Sender
	switch cfg.EmailProvider {
	case config.EmailProviderSES:
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.EmailFrom,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		email = breakers.protect(ses, config.EmailProviderSES)
	case config.EmailProviderLog:
		email = worker.NewLogSender(recipient.ChannelEmail, logger)
	default:
		email = breakers.protect(worker.NewSMTPSender(worker.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		}, logger), config.EmailProviderSMTP)
	}

	var messenger worker.Sender
	switch cfg.MessengerProvider {
	case config.MessengerProviderTelegram:
		if cfg.TelegramBotToken == "" {
			return nil, &config.Error{Key: "TELEGRAM_BOT_TOKEN", Reason: "required when MESSENGER_PROVIDER=telegram"}
		}
		messenger = breakers.protect(worker.NewTelegramSender(worker.TelegramConfig{
			BotToken:   cfg.TelegramBotToken,
			APIURL:     cfg.TelegramAPIURL,
			RatePerSec: cfg.TelegramRatePerSec,
		}, logger), config.MessengerProviderTelegram)
	case config.MessengerProviderLog:
		logger.Warn("MESSENGER_PROVIDER=log, messenger deliveries are only logged")
		messenger = worker.NewLogSender(recipient.ChannelMessenger, logger)
	default:
		return nil, &config.Error{Key: "MESSENGER_PROVIDER", Reason: fmt.Sprintf("unknown provider %q", cfg.MessengerProvider)}
	}

	return worker.NewMultiSender(logger, email, messenger), nil
}
