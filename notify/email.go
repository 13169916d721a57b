package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"chainwatch/core"

	"go.uber.org/zap"
)

// EmailConfig holds SMTP settings for an email sink.
type EmailConfig struct {
	SMTPHost    string   `mapstructure:"smtp_host"`
	SMTPPort    int      `mapstructure:"smtp_port"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	FromAddress string   `mapstructure:"from_address"`
	ToAddresses []string `mapstructure:"to_addresses"`
	// RequireTLS fails delivery when the server does not offer STARTTLS
	RequireTLS bool `mapstructure:"require_tls"`
}

// EmailSink sends an HTML summary of the alert over SMTP.
type EmailSink struct {
	name   string
	cfg    EmailConfig
	logger *zap.SugaredLogger
}

// NewEmailSink validates cfg and creates the sink.
func NewEmailSink(name string, cfg EmailConfig, logger *zap.SugaredLogger) (*EmailSink, error) {
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("%w: email sink %s: smtp_host is required", ErrInvalidSinkConfig, name)
	}
	if cfg.FromAddress == "" || len(cfg.ToAddresses) == 0 {
		return nil, fmt.Errorf("%w: email sink %s: from_address and to_addresses are required", ErrInvalidSinkConfig, name)
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	return &EmailSink{name: name, cfg: cfg, logger: logger}, nil
}

// Name implements Sink.
func (s *EmailSink) Name() string { return s.name }

// Send implements Sink.
func (s *EmailSink) Send(ctx context.Context, alert *core.Alert) Result {
	start := time.Now()
	err := s.send(ctx, alert)
	if err == nil {
		s.logger.Infow("Sent email notification", "sink", s.name, "alert_id", alert.AlertID, "recipients", len(s.cfg.ToAddresses))
	}
	return newResult(s.name, start, err)
}

func (s *EmailSink) send(ctx context.Context, alert *core.Alert) error {
	msg, err := s.buildMessage(alert)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.SMTPHost, strconv.Itoa(s.cfg.SMTPPort))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start SMTP session: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
			s.logger.Debugw("Failed to close SMTP client", "error", err)
		}
	}()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: s.cfg.SMTPHost, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	} else if s.cfg.RequireTLS {
		return fmt.Errorf("SMTP server %s does not support STARTTLS", addr)
	}

	if s.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.SMTPHost)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("failed to authenticate: %w", err)
			}
		}
	}

	if err := client.Mail(s.cfg.FromAddress); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range s.cfg.ToAddresses {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	return client.Quit()
}

var emailTemplate = template.Must(template.New("email").Parse(`<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .alert { border-left: 4px solid #f44336; padding: 15px; background: #f9f9f9; }
        .alert.critical { border-color: #d32f2f; }
        .alert.high { border-color: #f44336; }
        .alert.medium { border-color: #ff9800; }
        .alert.low { border-color: #2196f3; }
        .label { font-weight: bold; color: #555; }
        .code { background: #f5f5f5; padding: 5px; border-radius: 3px; font-family: monospace; }
    </style>
</head>
<body>
    <div class="alert {{.Severity}}">
        <h2>{{.Title}}</h2>
        <p>{{.Description}}</p>
        <p><span class="label">Alert ID:</span> <span class="code">{{.AlertID}}</span></p>
        <p><span class="label">Type:</span> {{.Type}}</p>
        <p><span class="label">Severity:</span> {{.Severity}}</p>
        <p><span class="label">Entity:</span> <span class="code">{{.Entity}}</span></p>
        {{if .TxHash}}<p><span class="label">Transaction:</span> <span class="code">{{.TxHash}}</span></p>{{end}}
        {{if .Chain}}<p><span class="label">Chain:</span> {{.Chain}}</p>{{end}}
        <p><span class="label">Rule:</span> {{.RuleID}}</p>
        <p><span class="label">Time:</span> {{.Timestamp}}</p>
        {{if .Incomplete}}<p><em>Enrichment was incomplete for this alert.</em></p>{{end}}
    </div>
</body>
</html>
`))

type emailData struct {
	Title, Description, AlertID, Type, Severity string
	Entity, TxHash, Chain, RuleID, Timestamp    string
	Incomplete                                  bool
}

func (s *EmailSink) buildMessage(alert *core.Alert) ([]byte, error) {
	incomplete, _ := alert.Payload[core.PayloadEnrichmentIncomplete].(bool)
	data := emailData{
		Title:       alert.Title,
		Description: alert.Description,
		AlertID:     alert.AlertID,
		Type:        alert.Type,
		Severity:    string(alert.Severity),
		Entity:      alert.Entity,
		TxHash:      alert.TxHash,
		Chain:       alert.Chain,
		RuleID:      alert.RuleID,
		Timestamp:   alert.Timestamp.UTC().Format(time.RFC3339),
		Incomplete:  incomplete,
	}

	var body bytes.Buffer
	if err := emailTemplate.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("failed to render email: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.FromAddress)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.cfg.ToAddresses, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject(alert))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func subject(alert *core.Alert) string {
	title := alert.Title
	if title == "" {
		title = alert.Type
	}
	// header injection guard
	title = strings.NewReplacer("\r", " ", "\n", " ").Replace(title)
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), title)
}
