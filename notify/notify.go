package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// ErrInvalidAddress is returned for a recipient that is not an email address
var ErrInvalidAddress = errors.New("invalid email address")

// Notifier delivers one message. Send returns an error whenever delivery
// did not happen.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

const senderName = "Real-Time Competitor Tracker"

// SMTPConfig configures an SMTPNotifier
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string // defaults to Username
	Timeout  time.Duration
}

// SMTPNotifier sends plain-text mail over SMTP, upgrading with STARTTLS
// when the server offers it.
type SMTPNotifier struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

func NewSMTPNotifier(cfg SMTPConfig, logger *zap.Logger) *SMTPNotifier {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPNotifier{cfg: cfg, logger: logger}
}

// Timeout bounds a single delivery attempt
func (n *SMTPNotifier) Timeout() time.Duration {
	return n.cfg.Timeout
}

// Send delivers the message to a single recipient
func (n *SMTPNotifier) Send(ctx context.Context, to, subject, body string) error {
	msg, err := newMessage(to)
	if err != nil {
		return err
	}
	if err := msg.FromFormat(senderName, n.cfg.From); err != nil {
		return fmt.Errorf("invalid sender %q: %w", n.cfg.From, err)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := n.client()
	if err != nil {
		return err
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}

	n.logger.Info("Email sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

func (n *SMTPNotifier) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(n.cfg.Timeout),
	}
	if n.cfg.Port > 0 {
		opts = append(opts, mail.WithPort(n.cfg.Port))
	}
	if n.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Username),
			mail.WithPassword(n.cfg.Password))
	}
	client, err := mail.NewClient(n.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}
	return client, nil
}

// newMessage starts a message addressed to one recipient
func newMessage(to string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if to == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	return msg, nil
}

// LogNotifier writes messages to the log instead of sending them. It is used
// when no mail server is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := newMessage(to); err != nil {
		return err
	}
	n.logger.Info("Notification (mail disabled)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body))
	return nil
}
