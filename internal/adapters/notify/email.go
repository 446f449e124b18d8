package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// ErrNoStartTLS is returned when the SMTP server does not offer STARTTLS.
// Credentials and alert text are never sent in the clear.
var ErrNoStartTLS = errors.New("smtp server does not offer STARTTLS")

// sendFunc delivers one RFC 5322 message.
type sendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// EmailNotifier mails a one-line alert to the configured recipients over
// SMTP with STARTTLS.
type EmailNotifier struct {
	host     string
	port     int
	username string
	password string
	from     *mail.Address
	to       []string
	timeout  time.Duration
	now      func() time.Time

	send    sendFunc
	breaker *gobreaker.CircuitBreaker[interface{}]
}

func NewEmailNotifier(cfg config.EmailConfig, logger *slog.Logger) (*EmailNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("email from %q: %w", cfg.From, err)
	}
	opts := DefaultHTTPOptions()
	n := &EmailNotifier{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     from,
		to:       append([]string(nil), cfg.To...),
		timeout:  opts.Timeout,
		now:      time.Now,
		breaker: gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
			Name:        "email",
			MaxRequests: 1,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.FailureThreshold
			},
			OnStateChange: func(name string, prev, next gobreaker.State) {
				logger.Warn("notifier circuit changed", "notifier", name, "from", prev.String(), "to", next.String())
			},
		}),
	}
	n.send = n.sendSMTP
	return n, nil
}

func (n *EmailNotifier) Name() string { return "email" }

// Subject is the mail subject line for alert.
func Subject(alert domain.Alert) string {
	return fmt.Sprintf("[PiGuard] %s %s", alert.Kind, alert.Severity)
}

func (n *EmailNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	msg := n.message(alert)
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.send(ctx, n.from.Address, n.to, msg)
	})
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) message(alert domain.Alert) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", n.from.String())
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(Subject(alert)))
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(FormatLine(alert))
	b.WriteString("\r\n")
	return b.Bytes()
}

// headerValue strips line breaks so a value cannot start a new header.
func headerValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func (n *EmailNotifier) sendSMTP(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(n.host, strconv.Itoa(n.port))
	dialer := &net.Dialer{Timeout: n.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	deadline := time.Now().Add(n.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, n.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); !ok {
		return ErrNoStartTLS
	}
	if err := client.StartTLS(&tls.Config{ServerName: n.host, MinVersion: tls.VersionTLS12}); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	if n.username != "" {
		if err := client.Auth(smtp.PlainAuth("", n.username, n.password, n.host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end message: %w", err)
	}
	// The server accepted the message; a failed QUIT changes nothing.
	_ = client.Quit()
	return nil
}
