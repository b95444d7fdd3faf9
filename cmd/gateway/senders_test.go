package main

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/recipient"
)

type downSender struct{}

func (downSender) Send(ctx context.Context, address, message string) error {
	return errors.New("connection refused")
}

func (downSender) SupportsChannel(channel string) bool {
	return channel == recipient.ChannelEmail
}

func TestNewSenders_MissingBotToken(t *testing.T) {
	cfg := &config.Config{
		EmailProvider:     config.EmailProviderLog,
		MessengerProvider: config.MessengerProviderTelegram,
	}

	_, err := newSenders(context.Background(), cfg, newBreakerSet(zap.NewNop()), zap.NewNop())
	var cerr *config.Error
	if !errors.As(err, &cerr) || cerr.Key != "TELEGRAM_BOT_TOKEN" {
		t.Fatalf("expected config error for TELEGRAM_BOT_TOKEN, got %v", err)
	}
}

func TestNewSenders_Providers(t *testing.T) {
	tests := []struct {
		name         string
		email        string
		messenger    string
		token        string
		wantBreakers []string
	}{
		{"log only", config.EmailProviderLog, config.MessengerProviderLog, "", []string{}},
		{"smtp and telegram", config.EmailProviderSMTP, config.MessengerProviderTelegram, "123:abc", []string{"smtp", "telegram"}},
		{"log email with telegram", config.EmailProviderLog, config.MessengerProviderTelegram, "123:abc", []string{"telegram"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				EmailProvider:     tt.email,
				MessengerProvider: tt.messenger,
				TelegramBotToken:  tt.token,
				TelegramAPIURL:    "http://127.0.0.1:0",
				SMTPHost:          "localhost",
				SMTPPort:          1025,
			}
			breakers := newBreakerSet(zap.NewNop())

			senders, err := newSenders(context.Background(), cfg, breakers, zap.NewNop())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := senders.CheckChannels(); err != nil {
				t.Errorf("expected both channels covered: %v", err)
			}

			stats := breakers.Stats()
			if len(stats) != len(tt.wantBreakers) {
				t.Fatalf("expected %d breakers, got %d", len(tt.wantBreakers), len(stats))
			}
			for i, name := range tt.wantBreakers {
				if stats[i].Name != name || stats[i].State != "closed" {
					t.Errorf("breaker %d: got %s/%s, want %s/closed", i, stats[i].Name, stats[i].State, name)
				}
			}
		})
	}
}

func TestBreakerSet_StatsReflectTrips(t *testing.T) {
	breakers := newBreakerSet(zap.NewNop())
	sender := breakers.protect(downSender{}, "smtp")

	for i := 0; i < 5; i++ {
		_ = sender.Send(context.Background(), "a@b.co", "m")
	}

	stats := breakers.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 breaker, got %d", len(stats))
	}
	if stats[0].State != "open" {
		t.Errorf("expected open breaker after repeated failures, got %s", stats[0].State)
	}
	if stats[0].TotalFailures != 5 {
		t.Errorf("expected 5 failures, got %d", stats[0].TotalFailures)
	}
}
