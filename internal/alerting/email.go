package alerting

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cryptoalarm/internal/rules"
)

// EmailOptions hold SMTP settings.
type EmailOptions struct {
	Host     string // SMTP server host
	Port     int    // 465 for implicit TLS, 587 or 25 for STARTTLS
	Username string
	Password string
	From     string
}

// Validate checks the SMTP configuration.
func (o EmailOptions) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if o.Port == 0 {
		return fmt.Errorf("SMTP port is required")
	}
	if o.From == "" {
		return fmt.Errorf("from address is required")
	}
	return nil
}

type mailFunc func(ctx context.Context, opts EmailOptions, to string, msg []byte) error

// EmailSink sends alerts over SMTP.
type EmailSink struct {
	opts   EmailOptions
	send   mailFunc
	now    func() time.Time
	logger zerolog.Logger
}

// NewEmailSink validates opts and returns an SMTP sink.
func NewEmailSink(opts EmailOptions, logger zerolog.Logger) (*EmailSink, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid email config: %w", err)
	}
	return &EmailSink{
		opts:   opts,
		send:   sendSMTP,
		now:    time.Now,
		logger: logger.With().Str("component", "alert_email").Logger(),
	}, nil
}

func (s *EmailSink) Channel() rules.Channel { return rules.ChannelEmail }

func (s *EmailSink) Send(ctx context.Context, destination string, event rules.TriggerEvent) (string, error) {
	msg := s.buildMessage(destination, event)
	if err := s.send(ctx, s.opts, destination, msg); err != nil {
		return "", err
	}
	ref := fmt.Sprintf("email_%s_%d", event.RuleID, s.now().UnixNano())
	s.logger.Info().Str("rule_id", event.RuleID).Str("to", destination).Msg("告警已发送 (Email)")
	return ref, nil
}

func (s *EmailSink) buildMessage(to string, event rules.TriggerEvent) []byte {
	subject := fmt.Sprintf("CryptoAlarm: %s alert", event.Symbol)

	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.opts.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(event.Message)
	msg.WriteString("\r\n\r\n")
	msg.WriteString(fmt.Sprintf("Symbol: %s\r\n", event.Symbol))
	msg.WriteString(fmt.Sprintf("Price: %s\r\n", event.ObservedPrice.String()))
	msg.WriteString(fmt.Sprintf("Triggered at: %s\r\n", event.OccurredAt.UTC().Format(time.RFC3339)))
	return []byte(msg.String())
}

func sendSMTP(ctx context.Context, opts EmailOptions, to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	tlsConfig := &tls.Config{ServerName: opts.Host}

	var (
		client *smtp.Client
		err    error
	)
	if opts.Port == 465 {
		dialer := &tls.Dialer{Config: tlsConfig}
		var conn net.Conn
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			client, err = smtp.NewClient(conn, opts.Host)
		}
	} else {
		client, err = dialSTARTTLS(ctx, addr, opts.Host, tlsConfig)
	}
	if err != nil {
		return fmt.Errorf("connect to SMTP server: %w", err)
	}
	defer client.Close()

	if opts.Username != "" && opts.Password != "" {
		auth := smtp.PlainAuth("", opts.Username, opts.Password, opts.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(extractAddress(opts.From)); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("add recipient %s: %w", to, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("start data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}

func dialSTARTTLS(ctx context.Context, addr, host string, tlsConfig *tls.Config) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	return client, nil
}

// extractAddress returns the bare address of a "Name <addr>" string.
func extractAddress(addr string) string {
	if start := strings.Index(addr, "<"); start != -1 {
		if end := strings.Index(addr, ">"); end > start {
			return addr[start+1 : end]
		}
	}
	return addr
}

var _ Sink = (*EmailSink)(nil)
