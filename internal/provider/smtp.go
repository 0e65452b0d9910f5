package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/go-gomail/gomail"
	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
)

// SMTPSettings configures a relay such as a PowerMTA or Postfix host.
type SMTPSettings struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// SMTP delivers through an SMTP relay with gomail.
type SMTP struct {
	name string
	cost float64
	host string
	send func(m *gomail.Message) error
}

// NewSMTP creates an SMTP provider. Each send dials a fresh connection.
func NewSMTP(name string, s SMTPSettings, cost float64) *SMTP {
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	if s.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: s.Host}
	}
	return &SMTP{name: name, cost: cost, host: s.Host, send: func(m *gomail.Message) error { return d.DialAndSend(m) }}
}

func (p *SMTP) Name() string              { return p.name }
func (p *SMTP) Type() domain.ProviderType { return domain.ProviderSMTP }

func (p *SMTP) Send(ctx context.Context, msg *domain.EmailMessage) (Receipt, error) {
	domainPart := p.host
	if i := strings.LastIndex(msg.FromEmail, "@"); i >= 0 {
		domainPart = msg.FromEmail[i+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainPart)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.Email)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	if msg.TextContent != "" {
		m.SetBody("text/plain", msg.TextContent)
		if msg.HTMLContent != "" {
			m.AddAlternative("text/html", msg.HTMLContent)
		}
	} else {
		m.SetBody("text/html", msg.HTMLContent)
	}

	// gomail has no context support; run the dial in the background and
	// abandon it on cancellation
	done := make(chan error, 1)
	go func() { done <- p.send(m) }()
	select {
	case <-ctx.Done():
		return Receipt{}, failure.Wrap(failure.ConnectionTimeout, p.name, ctx.Err())
	case err := <-done:
		if err != nil {
			return Receipt{}, failure.Wrap(failure.ClassifyProvider(err), p.name, err)
		}
	}
	return Receipt{MessageID: messageID, Cost: p.cost}, nil
}
