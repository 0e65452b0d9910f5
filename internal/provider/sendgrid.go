package provider

import (
	"context"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
)

// SendGridSettings configures the SendGrid v3 mail API.
type SendGridSettings struct {
	APIKey string `yaml:"api_key"`
}

type sendgridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGrid delivers through sendgrid-go.
type SendGrid struct {
	name   string
	cost   float64
	client sendgridAPI
}

func NewSendGrid(name string, s SendGridSettings, cost float64) *SendGrid {
	return &SendGrid{name: name, cost: cost, client: sendgrid.NewSendClient(s.APIKey)}
}

func (p *SendGrid) Name() string              { return p.name }
func (p *SendGrid) Type() domain.ProviderType { return domain.ProviderSendGrid }

func (p *SendGrid) Send(ctx context.Context, msg *domain.EmailMessage) (Receipt, error) {
	from := mail.NewEmail(msg.FromName, msg.FromEmail)
	to := mail.NewEmail("", msg.Email)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.TextContent, msg.HTMLContent)
	if msg.ReplyTo != "" {
		message.SetReplyTo(mail.NewEmail("", msg.ReplyTo))
	}
	message.SetCustomArg("campaign_id", msg.CampaignID)
	message.SetCustomArg("recipient_id", msg.RecipientID)
	if len(msg.Headers) > 0 {
		message.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			message.Headers[k] = v
		}
	}

	resp, err := p.client.SendWithContext(ctx, message)
	if err != nil {
		return Receipt{}, failure.Wrap(failure.ClassifyProvider(err), p.name, err)
	}
	if fe := failure.FromHTTPStatus(p.name, resp.StatusCode, resp.Body); fe != nil {
		return Receipt{}, fe
	}
	id := ""
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		id = ids[0]
	}
	return Receipt{MessageID: id, Cost: p.cost}, nil
}
