// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package mail

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// SMTPSender is a Sender that delivers through an SMTP relay with plain
// auth. Credentials are optional for relays that accept unauthenticated
// local submission.
type SMTPSender struct {
	ServerAddress string
	Login         string
	Password      string
}

var _ Sender = (*SMTPSender)(nil)

// SendEmail implements Sender over SMTP.
func (sender *SMTPSender) SendEmail(ctx context.Context, msg *Message) error {
	host, _, err := net.SplitHostPort(sender.ServerAddress)
	if err != nil {
		return Error.Wrap(err)
	}

	var auth smtp.Auth
	if sender.Login != "" {
		auth = smtp.PlainAuth("", sender.Login, sender.Password, host)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", msg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", msg.Subject)
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	body.WriteString("\r\n")
	body.WriteString(msg.PlainText)

	err = smtp.SendMail(sender.ServerAddress, auth, msg.From, msg.To, []byte(body.String()))
	return Error.Wrap(err)
}

// SenderFromConfig picks the sender binding: SMTP when a server address is
// configured, the log otherwise.
func SenderFromConfig(log *zap.Logger, config Config) Sender {
	if config.SMTPServerAddress != "" {
		return &SMTPSender{
			ServerAddress: config.SMTPServerAddress,
			Login:         config.Login,
			Password:      config.Password,
		}
	}
	return NewLogSender(log.Named("mail:log"))
}
