package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/courier/internal/recipient"
)

type TelegramConfig struct {
	BotToken   string
	APIURL     string // e.g. https://api.telegram.org
	RatePerSec int
	Timeout    time.Duration
}

// TelegramSender delivers to a chat id through the Telegram Bot API sendMessage method.
// Any non-200 answer is a failed delivery.
type TelegramSender struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewTelegramSender(cfg TelegramConfig, logger *zap.Logger) *TelegramSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}

	return &TelegramSender{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.APIURL, "/") + "/bot" + cfg.BotToken,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		logger:  logger,
	}
}

func (s *TelegramSender) Send(ctx context.Context, chatID, message string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Channel: recipient.ChannelMessenger, Reason: "rate limiter: " + err.Error(), Err: err}
	}

	q := url.Values{}
	q.Set("chat_id", chatID)
	q.Set("text", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/sendMessage?"+q.Encode(), nil)
	if err != nil {
		return &DeliveryError{Channel: recipient.ChannelMessenger, Reason: "build request: " + err.Error(), Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// url.Error would echo the bot token back into the send log
		return &DeliveryError{Channel: recipient.ChannelMessenger, Reason: "request failed: " + redactToken(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Warn("telegram api rejected message",
			zap.String("chat_id", chatID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return &DeliveryError{
			Channel:  recipient.ChannelMessenger,
			Reason:   fmt.Sprintf("telegram api returned status %d", resp.StatusCode),
			Rejected: resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden,
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.Info("messenger notification sent", zap.String("chat_id", chatID))
	return nil
}

func (s *TelegramSender) SupportsChannel(channel string) bool {
	return channel == recipient.ChannelMessenger
}

func redactToken(err error) string {
	if uerr, ok := err.(*url.Error); ok {
		return uerr.Err.Error()
	}
	return err.Error()
}
