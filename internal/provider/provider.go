// Package provider wraps the outbound mail transports behind one Send
// contract and implements failover across them.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/ratelimit"
)

// Receipt is what a transport returns on acceptance.
type Receipt struct {
	MessageID string
	Cost      float64
}

// Provider is one outbound transport. Send must honour ctx cancellation and
// return a *failure.Error where the transport can classify the failure.
type Provider interface {
	Name() string
	Type() domain.ProviderType
	Send(ctx context.Context, msg *domain.EmailMessage) (Receipt, error)
}

// Settings is the configuration of one provider. Exactly the variant
// selected by Type must be set.
type Settings struct {
	Name           string              `yaml:"name"`
	Type           domain.ProviderType `yaml:"type"`
	Priority       int                 `yaml:"priority"`
	Enabled        *bool               `yaml:"enabled"`
	BaseRate       int                 `yaml:"base_rate"`
	MinRate        int                 `yaml:"min_rate"`
	MaxRate        int                 `yaml:"max_rate"`
	CostPerMessage float64             `yaml:"cost_per_message"`

	SMTP     *SMTPSettings     `yaml:"smtp,omitempty"`
	SES      *SESSettings      `yaml:"ses,omitempty"`
	SendGrid *SendGridSettings `yaml:"sendgrid,omitempty"`
	Mailgun  *MailgunSettings  `yaml:"mailgun,omitempty"`
	Mock     *MockSettings     `yaml:"mock,omitempty"`
}

// ErrInvalidSettings is wrapped by every Settings.Validate failure.
var ErrInvalidSettings = errors.New("invalid provider settings")

// IsEnabled defaults to true when unset.
func (s Settings) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Limits converts the rate band for the limiter.
func (s Settings) Limits() ratelimit.ProviderLimits {
	return ratelimit.ProviderLimits{Name: s.Name, BaseRate: s.BaseRate, MinRate: s.MinRate, MaxRate: s.MaxRate}
}

// Validate checks the discriminator and the fields of the selected variant.
func (s Settings) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSettings)
	}
	set := 0
	for _, v := range []bool{s.SMTP != nil, s.SES != nil, s.SendGrid != nil, s.Mailgun != nil, s.Mock != nil} {
		if v {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("%w: %s: more than one variant configured", ErrInvalidSettings, s.Name)
	}
	switch s.Type {
	case domain.ProviderSMTP:
		if s.SMTP == nil || s.SMTP.Host == "" || s.SMTP.Port == 0 {
			return fmt.Errorf("%w: %s: smtp host and port are required", ErrInvalidSettings, s.Name)
		}
	case domain.ProviderSES:
		if s.SES == nil || s.SES.Region == "" {
			return fmt.Errorf("%w: %s: ses region is required", ErrInvalidSettings, s.Name)
		}
	case domain.ProviderSendGrid:
		if s.SendGrid == nil || s.SendGrid.APIKey == "" {
			return fmt.Errorf("%w: %s: sendgrid api_key is required", ErrInvalidSettings, s.Name)
		}
	case domain.ProviderMailgun:
		if s.Mailgun == nil || s.Mailgun.APIKey == "" || s.Mailgun.Domain == "" {
			return fmt.Errorf("%w: %s: mailgun api_key and domain are required", ErrInvalidSettings, s.Name)
		}
	case domain.ProviderMock:
	default:
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidSettings, s.Name, s.Type)
	}
	return nil
}

// Build constructs the transport selected by s.Type.
func Build(ctx context.Context, s Settings) (Provider, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Type {
	case domain.ProviderSMTP:
		return NewSMTP(s.Name, *s.SMTP, s.CostPerMessage), nil
	case domain.ProviderSES:
		return NewSES(ctx, s.Name, *s.SES, s.CostPerMessage)
	case domain.ProviderSendGrid:
		return NewSendGrid(s.Name, *s.SendGrid, s.CostPerMessage), nil
	case domain.ProviderMailgun:
		return NewMailgun(s.Name, *s.Mailgun, s.CostPerMessage), nil
	default:
		ms := MockSettings{}
		if s.Mock != nil {
			ms = *s.Mock
		}
		return NewMock(s.Name, ms, s.CostPerMessage), nil
	}
}

func formatFrom(msg *domain.EmailMessage) string {
	if msg.FromName == "" {
		return msg.FromEmail
	}
	return fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
}
