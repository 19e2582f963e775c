// Package notify delivers scans to people: the Mailer hands each
// downloaded file off as a mail attachment.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Config holds SMTP delivery settings.
type Config struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string // empty disables SMTP auth
	Subject  string
}

// Mailer sends each delivered scan as a MIME attachment. One attempt per
// handoff; delivery retries belong to whoever re-runs the cycle.
type Mailer struct {
	cfg    Config
	send   sendFunc
	logger *zap.Logger
}

// sendFunc matches smtp.SendMail, injectable for tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// New creates a Mailer.
func New(cfg Config, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Subject == "" {
		cfg.Subject = "New scan"
	}
	return &Mailer{cfg: cfg, send: smtp.SendMail, logger: logger}
}

// Deliver mails the file at localPath with the label as body text.
func (m *Mailer) Deliver(ctx context.Context, localPath, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.buildMessage(localPath, label)
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	if err := m.send(addr, auth, m.cfg.From, m.cfg.To, msg); err != nil {
		return fmt.Errorf("sending mail for %s: %w", label, err)
	}
	m.logger.Info("scan mailed",
		zap.String("label", label),
		zap.Strings("to", m.cfg.To),
	)
	return nil
}

// buildMessage assembles a multipart/mixed message with the scan attached.
func (m *Mailer) buildMessage(localPath, label string) ([]byte, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("reading attachment %s: %w", localPath, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(m.cfg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", m.cfg.Subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(body, "%s\r\n", label)

	name := filepath.Base(localPath)
	attachment, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"application/octet-stream"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", name)},
	})
	if err != nil {
		return nil, err
	}
	enc := base64.NewEncoder(base64.StdEncoding, attachment)
	if _, err := enc.Write(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
