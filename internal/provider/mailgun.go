package provider

import (
	"context"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
)

// MailgunSettings configures the Mailgun messages API. BaseURL selects the
// EU region when set.
type MailgunSettings struct {
	Domain  string `yaml:"domain"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Mailgun delivers through mailgun-go.
type Mailgun struct {
	name   string
	cost   float64
	client mailgun.Mailgun
}

func NewMailgun(name string, s MailgunSettings, cost float64) *Mailgun {
	client := mailgun.NewMailgun(s.Domain, s.APIKey)
	if s.BaseURL != "" {
		client.SetAPIBase(s.BaseURL)
	}
	return &Mailgun{name: name, cost: cost, client: client}
}

func (p *Mailgun) Name() string              { return p.name }
func (p *Mailgun) Type() domain.ProviderType { return domain.ProviderMailgun }

func (p *Mailgun) Send(ctx context.Context, msg *domain.EmailMessage) (Receipt, error) {
	message := mailgun.NewMessage(formatFrom(msg), msg.Subject, msg.TextContent, msg.Email)
	if msg.HTMLContent != "" {
		message.SetHTML(msg.HTMLContent)
	}
	if msg.ReplyTo != "" {
		message.SetReplyTo(msg.ReplyTo)
	}
	message.AddHeader("X-Campaign-ID", msg.CampaignID)
	for k, v := range msg.Headers {
		message.AddHeader(k, v)
	}

	_, id, err := p.client.Send(ctx, message)
	if err != nil {
		if status := mailgun.GetStatusFromErr(err); status > 0 {
			return Receipt{}, failure.FromHTTPStatus(p.name, status, err.Error())
		}
		return Receipt{}, failure.Wrap(failure.ClassifyProvider(err), p.name, err)
	}
	return Receipt{MessageID: id, Cost: p.cost}, nil
}
