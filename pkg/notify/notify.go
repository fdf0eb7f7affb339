// Package notify delivers lockout reports to the vault owner.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/wneessen/go-mail"
)

const (
	DefaultPort    = 465
	DefaultTimeout = 20 * time.Second
)

var (
	// ErrDelivery wraps every failure to hand a report to the transport.
	ErrDelivery      = errors.New("notify: delivery failed")
	ErrInvalidConfig = errors.New("notify: invalid configuration")
)

// Config describes the owner's mailbox. The report is sent from the owner's
// address to itself.
type Config struct {
	Address  string
	Password string
	Server   string
	Port     int
	// ImplicitTLS connects with TLS from the first byte (SMTPS). When false
	// the client requires STARTTLS.
	ImplicitTLS bool
	Timeout     time.Duration
}

// Validate checks that a report could be addressed and routed.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if err := mail.NewMsg().From(c.Address); err != nil {
		return fmt.Errorf("%w: address: %w", ErrInvalidConfig, err)
	}
	if c.Server == "" {
		return fmt.Errorf("%w: server is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	return nil
}

// Mailer sends reports over SMTP. Each Notify is a single attempt on a fresh
// connection.
type Mailer struct {
	cfg    Config
	logger *slog.Logger
}

// Option configures a Mailer or a LogNotifier.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMailer validates cfg and fills in the default port and timeout.
func NewMailer(cfg Config, opts ...Option) (*Mailer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	o := buildOptions(opts)
	return &Mailer{cfg: cfg, logger: o.logger}, nil
}

// Notify sends one report. A missing attachment is logged and the report is
// sent without it.
func (m *Mailer) Notify(ctx context.Context, subject, body, attachmentPath string) error {
	msg, err := m.message(subject, body, attachmentPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	client, err := mail.NewClient(m.cfg.Server, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	m.logger.Info("lockout report sent", "server", m.cfg.Server)
	return nil
}

func (m *Mailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(m.cfg.Timeout),
	}
	if m.cfg.ImplicitTLS {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}
	if m.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Address),
			mail.WithPassword(m.cfg.Password),
		)
	}
	return opts
}

func (m *Mailer) message(subject, body, attachmentPath string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.Address); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(m.cfg.Address); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, body)

	if attachmentPath != "" {
		if _, err := os.Stat(attachmentPath); err != nil {
			m.logger.Warn("report attachment unavailable", "path", attachmentPath, "error", err)
		} else {
			msg.AttachFile(attachmentPath)
		}
	}
	return msg, nil
}

// LogNotifier writes reports to a logger. It stands in for the mailer when
// email is disabled.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(opts ...Option) *LogNotifier {
	return &LogNotifier{logger: buildOptions(opts).logger}
}

func (n *LogNotifier) Notify(ctx context.Context, subject, body, attachmentPath string) error {
	n.logger.Warn(subject, "body", body, "attachment", attachmentPath)
	return nil
}
