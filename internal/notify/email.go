// Package notify delivers generated images over SMTP.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/verdure-mcp/gateway/internal/config"
)

// Sender delivers an HTML email with an optional image attachment.
// htmlBody must already be escaped by the caller.
type Sender interface {
	SendImageEmail(ctx context.Context, to, subject, htmlBody string, image []byte, fileName string) error
}

// ErrNotConfigured is returned by a Mailer without an SMTP host.
var ErrNotConfigured = errors.New("email delivery is not configured")

// Mailer sends mail through a single SMTP server.
type Mailer struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewMailer creates a mailer for cfg.
func NewMailer(cfg config.EmailConfig, logger *slog.Logger) *Mailer {
	return &Mailer{
		cfg:    cfg,
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// SendImageEmail composes and sends one message. The SMTP exchange is bounded
// by the configured timeout and by ctx.
func (m *Mailer) SendImageEmail(ctx context.Context, to, subject, htmlBody string, image []byte, fileName string) error {
	if !m.cfg.Enabled() {
		return ErrNotConfigured
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	msg, err := m.compose(to, subject, htmlBody, image, fileName)
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	timeout := m.cfg.Timeout.Duration
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.deliver(ctx, to, msg); err != nil {
		m.logger.Error("email send failed", "to", to, "error", err)
		return err
	}
	m.logger.Info("email sent", "to", to, "subject", subject)
	return nil
}

func (m *Mailer) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.SMTPHost, strconv.Itoa(m.cfg.SMTPPort))
	tlsConfig := &tls.Config{ServerName: m.cfg.SMTPHost}

	dialer := &net.Dialer{}
	var (
		conn net.Conn
		err  error
	)
	if m.cfg.UseSSL {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Closing the connection unblocks any in-flight SMTP command on cancel.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, m.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if !m.cfg.UseSSL {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}
	if err := client.Mail(m.cfg.FromEmail); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("open data writer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data writer: %w", err)
	}
	return client.Quit()
}

// compose renders a multipart/mixed message with an HTML part and, when
// image is non-empty, a base64 PNG attachment.
func (m *Mailer) compose(to, subject, htmlBody string, image []byte, fileName string) ([]byte, error) {
	var buf bytes.Buffer
	from := mail.Address{Name: m.cfg.FromName, Address: m.cfg.FromEmail}

	mw := multipart.NewWriter(&buf)
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", from.String())
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", m.now().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=UTF-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(part, []byte(htmlBody)); err != nil {
		return nil, err
	}

	if len(image) > 0 {
		if fileName == "" {
			fileName = "generated_image.png"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"image/png"},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": fileName})},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, image); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 writes data base64 encoded in 76 character lines.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:76]); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", enc)
	return err
}
