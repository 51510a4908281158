// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package mail delivers operational email through a pluggable sender.
package mail

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Error is the default mail errs class.
var Error = errs.Class("mail")

// Config contains configuration for the mail service.
type Config struct {
	From string `help:"sender email address" default:"no-reply@inkwell.test"`

	SMTPServerAddress string `help:"smtp relay host:port, deliveries go to the log when empty" default:""`
	Login             string `help:"smtp login" default:""`
	Password          string `help:"smtp password" default:"" hidden:"true"`
}

// Message is a single outbound email.
type Message struct {
	From      string
	To        []string
	Subject   string
	PlainText string
}

// Sender delivers composed messages. Dispatch itself is an external
// collaborator; implementations adapt SMTP, an API, or a log.
type Sender interface {
	SendEmail(ctx context.Context, msg *Message) error
}

// Service sends email messages through the configured sender.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	sender Sender
	config Config
}

// NewService creates a new mail service.
func NewService(log *zap.Logger, sender Sender, config Config) *Service {
	return &Service{log: log, sender: sender, config: config}
}

// Send delivers the message, filling in the configured sender address.
func (service *Service) Send(ctx context.Context, msg *Message) (err error) {
	defer mon.Task()(&ctx)(&err)

	if msg.From == "" {
		msg.From = service.config.From
	}
	err = service.sender.SendEmail(ctx, msg)
	if err != nil {
		service.log.Error("failed sending email",
			zap.Strings("recipients", msg.To),
			zap.Error(err))
		return Error.Wrap(err)
	}
	service.log.Info("email sent",
		zap.Strings("recipients", msg.To),
		zap.String("subject", msg.Subject))
	return nil
}

// SendAsync delivers the message in the background; failures are logged
// and otherwise dropped.
func (service *Service) SendAsync(ctx context.Context, msg *Message) {
	go func() {
		// the originating request may finish before delivery does
		_ = service.Send(context.WithoutCancel(ctx), msg)
	}()
}

// LogSender is a Sender that writes messages to the log. It is the default
// binding when no real dispatcher is configured.
type LogSender struct {
	log *zap.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

// SendEmail implements Sender by logging the message.
func (sender *LogSender) SendEmail(ctx context.Context, msg *Message) error {
	sender.log.Info("outbound email",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.PlainText))
	return nil
}
