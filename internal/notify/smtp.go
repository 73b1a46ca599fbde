package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	htmltemplate "html/template"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPConfig holds relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	TLS      string // "none", "starttls", "tls"
}

// Valid reports whether the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port > 0 && c.From != ""
}

// smtpClient is the subset of *smtp.Client the sender drives.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// SMTPSender sends welcome messages through an SMTP relay.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(ctx context.Context, addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// NewSMTPSender creates a sender for cfg.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{
		cfg:      cfg,
		logger:   logger.With("component", "notify"),
		dialFunc: defaultDial,
	}
}

// SendWelcome composes and submits the welcome message for w.
func (s *SMTPSender) SendWelcome(ctx context.Context, w Welcome) error {
	if !s.cfg.Valid() {
		return ErrNotConfigured
	}
	if w.To == "" {
		return fmt.Errorf("no recipient email address")
	}

	msg, err := buildWelcome(s.cfg, w)
	if err != nil {
		return fmt.Errorf("building welcome message: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	client, err := s.dialFunc(ctx, addr, tlsConfig, s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	if strings.EqualFold(s.cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(w.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	s.logger.Info("welcome message sent", "to", w.To, "extension", w.Extension)
	return nil
}

func defaultDial(ctx context.Context, addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	d := &net.Dialer{Timeout: 10 * time.Second}
	if strings.EqualFold(tlsMode, "tls") {
		td := &tls.Dialer{NetDialer: d, Config: tlsConfig}
		conn, err := td.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

var plainWelcome = template.Must(template.New("plain").Parse(`Hello {{.Name}},

Your phone account is ready.

Username:       {{.Username}}
Extension:      {{.Extension}}
SIP password:   {{.Password}}
Voicemail PIN:  {{.VoicemailPIN}}
{{- if .DIDNumber}}
Phone number:   {{.DIDNumber}}{{if .DIDShared}} (shared){{end}}
{{- end}}
{{- if .ServerAddress}}
Server:         {{.ServerAddress}}
{{- end}}

Keep these details private. Change your voicemail PIN after first login.
`))

var htmlWelcome = htmltemplate.Must(htmltemplate.New("html").Parse(`<html><body>
<p>Hello {{.Name}},</p>
<p>Your phone account is ready.</p>
<table>
<tr><td>Username</td><td>{{.Username}}</td></tr>
<tr><td>Extension</td><td>{{.Extension}}</td></tr>
<tr><td>SIP password</td><td><code>{{.Password}}</code></td></tr>
<tr><td>Voicemail PIN</td><td>{{.VoicemailPIN}}</td></tr>
{{- if .DIDNumber}}
<tr><td>Phone number</td><td>{{.DIDNumber}}{{if .DIDShared}} (shared){{end}}</td></tr>
{{- end}}
{{- if .ServerAddress}}
<tr><td>Server</td><td>{{.ServerAddress}}</td></tr>
{{- end}}
</table>
<p>Keep these details private. Change your voicemail PIN after first login.</p>
</body></html>
`))

// buildWelcome renders the MIME message with a plain text body and an HTML
// alternative.
func buildWelcome(cfg SMTPConfig, w Welcome) ([]byte, error) {
	if w.Name == "" {
		w.Name = w.Username
	}

	var plain, html bytes.Buffer
	if err := plainWelcome.Execute(&plain, w); err != nil {
		return nil, fmt.Errorf("rendering text body: %w", err)
	}
	if err := htmlWelcome.Execute(&html, w); err != nil {
		return nil, fmt.Errorf("rendering html body: %w", err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", cfg.From, cfg.FromName)
	m.SetAddressHeader("To", w.To, w.Name)
	m.SetHeader("Subject", "Your new extension "+w.Extension)
	m.SetDateHeader("Date", time.Now())
	m.SetBody("text/plain", plain.String())
	m.AddAlternative("text/html", html.String())

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return buf.Bytes(), nil
}
