// Package email delivers jobs over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/bissquit/notification-dispatch/internal/delivery"
	"github.com/bissquit/notification-dispatch/internal/domain"
)

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// RequireTLS fails the send when the server does not offer STARTTLS.
	RequireTLS  bool
	DialTimeout time.Duration
}

// Sender delivers email jobs via SMTP with STARTTLS.
type Sender struct {
	config Config
	auth   smtp.Auth
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
	)

	return &Sender{config: config, auth: auth}, nil
}

// Channel implements delivery.Sender.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelEmail
}

// Send implements delivery.Sender. job.Endpoint is the recipient address.
func (s *Sender) Send(ctx context.Context, job *domain.DeliveryJob) error {
	if !s.config.Enabled {
		slog.Warn("email sender disabled, skipping send", "job_id", job.JobID)
		return nil
	}
	if job.Endpoint == "" || !strings.Contains(job.Endpoint, "@") {
		return delivery.NewPermanentError(fmt.Errorf("invalid recipient %q", job.Endpoint))
	}

	msg := s.buildMessage(job)
	if err := s.send(ctx, job.Endpoint, msg); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Sender) buildMessage(job *domain.DeliveryJob) []byte {
	var msg strings.Builder

	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.FromAddress))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", job.Endpoint))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", job.Message.Subject)))
	msg.WriteString(fmt.Sprintf("Message-ID: <%s@notification-dispatch>\r\n", job.JobID))
	if job.CorrelationID != "" {
		msg.WriteString(fmt.Sprintf("X-Correlation-ID: %s\r\n", job.CorrelationID))
	}
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(job.Message.Body)

	return []byte(msg.String())
}

func (s *Sender) send(ctx context.Context, rcpt string, msg []byte) error {
	addr := net.JoinHostPort(s.config.SMTPHost, fmt.Sprint(s.config.SMTPPort))

	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: s.config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	} else if s.config.RequireTLS {
		return delivery.NewPermanentError(errors.New("smtp server does not support STARTTLS"))
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(s.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// extractEmail extracts the address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// classify maps SMTP replies to retry decisions: 4xx is transient,
// 5xx is permanent. Network failures are transient.
func classify(err error) error {
	var classified *delivery.RetryableError
	if errors.As(err, &classified) {
		return err
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return delivery.NewRetryableError(err)
		}
		if tpErr.Code >= 500 {
			return delivery.NewPermanentError(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return delivery.NewRetryableError(err)
	}

	return delivery.NewRetryableError(err)
}
