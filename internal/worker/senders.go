package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/recipient"
)

// Subject used for every email
const EmailSubject = "New notification"

// Sender delivers a message to one address over one channel.
// Send returns nil on success and a *DeliveryError otherwise.
type Sender interface {
	Send(ctx context.Context, address, message string) error
	SupportsChannel(channel string) bool
}

// DeliveryError is a failed delivery with a human readable reason.
// Rejected is set when the transport answered and refused this recipient,
// which says nothing about the transport's health.
type DeliveryError struct {
	Channel  string
	Reason   string
	Rejected bool
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed: %s", e.Channel, e.Reason)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsTransportFailure reports whether err means the transport itself is
// unhealthy, as opposed to a recipient it rejected.
func IsTransportFailure(err error) bool {
	var de *DeliveryError
	if !errors.As(err, &de) {
		return true
	}
	return !de.Rejected
}

// MultiSender routes by channel to the first sender that supports it
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// SenderFor returns the sender for channel
func (m *MultiSender) SenderFor(channel string) (Sender, bool) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return sender, true
		}
	}
	return nil, false
}

func (m *MultiSender) SupportsChannel(channel string) bool {
	_, ok := m.SenderFor(channel)
	return ok
}

// LogSender only logs. Used in development when a transport isn't configured.
type LogSender struct {
	channel string
	logger  *zap.Logger
}

func NewLogSender(channel string, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, address, message string) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("channel", s.channel),
		zap.String("recipient", address),
		zap.Int("message_length", len(message)),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == s.channel
}

// channels every deployment must be able to serve
var requiredChannels = []string{recipient.ChannelEmail, recipient.ChannelMessenger}

// CheckChannels returns an error naming the first channel no sender handles
func (m *MultiSender) CheckChannels() error {
	for _, ch := range requiredChannels {
		if !m.SupportsChannel(ch) {
			return fmt.Errorf("no sender configured for channel %s", ch)
		}
	}
	return nil
}
