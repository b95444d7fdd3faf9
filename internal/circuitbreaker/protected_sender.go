package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/recipient"
	"github.com/lalithlochan/courier/internal/worker"
)

// ProtectedSender fails fast while its transport's breaker is open.
// Only errors for which trips returns true count against the breaker, so a
// recipient the transport rejects (bad chat id, unknown mailbox) does not
// take the whole channel down.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	trips   func(error) bool
	channel string
	logger  *zap.Logger
}

// NewProtectedSender wraps sender. A nil trips uses worker.IsTransportFailure.
func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, trips func(error) bool, logger *zap.Logger) *ProtectedSender {
	if trips == nil {
		trips = worker.IsTransportFailure
	}
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		trips:   trips,
		channel: channelOf(sender),
		logger:  logger,
	}
}

// Send returns a *worker.DeliveryError wrapping ErrCircuitOpen while the
// breaker is open, without calling the transport.
func (p *ProtectedSender) Send(ctx context.Context, address, message string) error {
	if !p.breaker.Allow() {
		p.logger.Warn("transport unavailable, failing fast",
			zap.String("transport", p.breaker.config.Name),
			zap.String("recipient", address),
		)
		return &worker.DeliveryError{
			Channel: p.channel,
			Reason:  fmt.Sprintf("%s transport unavailable (circuit open)", p.breaker.config.Name),
			Err:     ErrCircuitOpen,
		}
	}

	err := p.sender.Send(ctx, address, message)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case p.trips(err):
		p.breaker.RecordFailure()
	default:
		// the transport answered; it is healthy even though this recipient failed
		p.breaker.RecordSuccess()
	}
	return err
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

func channelOf(sender worker.Sender) string {
	for _, ch := range []string{recipient.ChannelEmail, recipient.ChannelMessenger} {
		if sender.SupportsChannel(ch) {
			return ch
		}
	}
	return "unknown"
}
