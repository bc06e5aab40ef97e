package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/rules"
)

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Validate reports missing required settings.
func (c EmailConfig) Validate() error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.Port <= 0 {
		missing = append(missing, "port")
	}
	if c.From == "" {
		missing = append(missing, "from")
	}
	if len(c.To) == 0 {
		missing = append(missing, "to")
	}
	if len(missing) > 0 {
		return fmt.Errorf("email: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// EmailSender delivers alerts over SMTP. STARTTLS is mandatory; PLAIN auth
// is used when a username is set.
type EmailSender struct {
	cfg     EmailConfig
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	now     func() time.Time
}

// NewEmailSender creates an EmailSender.
func NewEmailSender(cfg EmailConfig) *EmailSender {
	d := &net.Dialer{Timeout: 30 * time.Second}
	return &EmailSender{cfg: cfg, timeout: 30 * time.Second, dial: d.DialContext, now: time.Now}
}

// Channel implements Sender.
func (s *EmailSender) Channel() rules.Channel { return rules.ChannelEmail }

// Send delivers one alert to every configured recipient.
func (s *EmailSender) Send(ctx context.Context, e history.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.dial(ctx, "tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("dialing SMTP server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); !ok {
		return errors.New("SMTP server does not support STARTTLS, refusing to send without TLS")
	}
	if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
		return fmt.Errorf("starting TLS: %w", err)
	}
	if s.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	for _, rcpt := range s.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("adding recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("starting data: %w", err)
	}
	if _, err := w.Write(s.message(e)); err != nil {
		w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return client.Quit()
}

// message renders the RFC 5322 message with CRLF line endings.
func (s *EmailSender) message(e history.Event) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", Subject(e))
	fmt.Fprintf(&sb, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	sb.WriteString(strings.ReplaceAll(Body(e), "\n", "\r\n"))
	return []byte(sb.String())
}
