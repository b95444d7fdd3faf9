package worker

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/recipient"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends email through a plain SMTP relay
type SMTPSender struct {
	config   SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger   *zap.Logger
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		config:   cfg,
		sendMail: smtp.SendMail,
		logger:   logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, address, message string) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Channel: recipient.ChannelEmail, Reason: err.Error(), Err: err}
	}

	msg := buildMessage(s.config.From, address, EmailSubject, message)
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	if err := s.sendMail(addr, auth, s.config.From, []string{address}, msg); err != nil {
		return &DeliveryError{
			Channel:  recipient.ChannelEmail,
			Reason:   "smtp: " + err.Error(),
			Rejected: mailboxRejected(err),
			Err:      err,
		}
	}

	s.logger.Info("email sent", zap.String("to", address))
	return nil
}

func (s *SMTPSender) SupportsChannel(channel string) bool {
	return channel == recipient.ChannelEmail
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// mailboxRejected reports a 550-553 reply: the relay is fine, the mailbox is not
func mailboxRejected(err error) bool {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return false
	}
	return tpErr.Code >= 550 && tpErr.Code <= 553
}
