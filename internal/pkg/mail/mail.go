package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/gofiber/fiber/v2/log"
)

// Template names.
const (
	TemplateOrderConfirmation = "order_confirmation"
)

// ErrUnknownTemplate is returned for template names that are not registered.
var ErrUnknownTemplate = errors.New("mail: unknown template")

// Sender dispatches transactional email.
type Sender interface {
	Send(ctx context.Context, tmpl, to string, data any) error
}

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends emails via SMTP
type SMTPMailer struct {
	cfg  Config
	send sendFunc
}

// NewSMTPMailer creates a mailer. An empty sender falls back to no-reply@<host>.
func NewSMTPMailer(cfg Config) *SMTPMailer {
	if cfg.Sender == "" {
		cfg.Sender = fmt.Sprintf("no-reply@%s", cfg.Host)
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Send renders tmpl with data and delivers it to the recipient. net/smtp has
// no context support, so a canceled ctx returns early while the dial finishes
// in the background.
func (m *SMTPMailer) Send(ctx context.Context, tmpl, to string, data any) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("mail: recipient is required")
	}
	subject, body, err := Render(tmpl, data)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)
	msg := buildMessage(m.cfg.Sender, to, subject, body)

	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.cfg.Sender, []string{to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s via %s: %w", to, addr, err)
		}
		log.Infof("[Mail] Email %s sent to %s via %s", tmpl, to, addr)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", to, ctx.Err())
	}
}

func buildMessage(from, to, subject string, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", from, to, subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.Write(body)
	return b.Bytes()
}

// Nop drops every email. Used when SMTP is not configured.
type Nop struct{}

func (Nop) Send(ctx context.Context, tmpl, to string, data any) error {
	log.Debugf("[Mail] SMTP not configured, dropping %s for %s", tmpl, to)
	return nil
}

// LineItem is one order line in a confirmation email.
type LineItem struct {
	Title     string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// OrderConfirmation is the data of TemplateOrderConfirmation. Amounts are in
// minor currency units.
type OrderConfirmation struct {
	OrderID  string
	Currency string
	Amount   int64
	Items    []LineItem
}

var templates = map[string]struct {
	subject func(data any) string
	body    *template.Template
}{
	TemplateOrderConfirmation: {
		subject: func(data any) string {
			if oc, ok := data.(OrderConfirmation); ok && oc.OrderID != "" {
				return fmt.Sprintf("Your order %s is confirmed", oc.OrderID)
			}
			return "Your order is confirmed"
		},
		body: template.Must(template.New(TemplateOrderConfirmation).Funcs(funcs).Parse(`<html><body>
<h1>Thank you for your order</h1>
<p>We received your payment for order <strong>{{.OrderID}}</strong>.</p>
{{- if .Items}}
<table>
<tr><th>Item</th><th>Qty</th><th>Price</th></tr>
{{- range .Items}}
<tr><td>{{.Title}}</td><td>{{.Quantity}}</td><td>{{money .Total $.Currency}}</td></tr>
{{- end}}
</table>
{{- end}}
<p>Total paid: <strong>{{money .Amount .Currency}}</strong></p>
</body></html>`)),
	},
}

var funcs = template.FuncMap{"money": FormatMoney}

// Render returns the subject and HTML body for tmpl.
func Render(tmpl string, data any) (string, []byte, error) {
	t, ok := templates[tmpl]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, tmpl)
	}
	var body bytes.Buffer
	if err := t.body.Execute(&body, data); err != nil {
		return "", nil, fmt.Errorf("render %s: %w", tmpl, err)
	}
	return t.subject(data), body.Bytes(), nil
}

// zeroDecimal lists currencies whose minor unit is the major unit.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// FormatMoney renders an amount in minor units, e.g. 5000 usd as "50.00 USD".
func FormatMoney(amount int64, currency string) string {
	cur := strings.ToLower(strings.TrimSpace(currency))
	code := strings.ToUpper(cur)
	if zeroDecimal[cur] {
		return fmt.Sprintf("%d %s", amount, code)
	}
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, code)
}
