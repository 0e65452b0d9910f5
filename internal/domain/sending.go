package domain

import "time"

// ProviderType identifies the transport family of a configured provider.
type ProviderType string

const (
	ProviderSMTP     ProviderType = "smtp"
	ProviderSES      ProviderType = "ses"
	ProviderSendGrid ProviderType = "sendgrid"
	ProviderMailgun  ProviderType = "mailgun"
	ProviderMock     ProviderType = "mock"
)

// Valid reports whether t is a known provider type.
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderSMTP, ProviderSES, ProviderSendGrid, ProviderMailgun, ProviderMock:
		return true
	}
	return false
}

// EmailMessage is the fully-resolved message ready for a provider.
// By the time a message reaches this struct, all personalization is complete.
type EmailMessage struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	RecipientID string            `json:"recipient_id"`
	Email       string            `json:"email"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendResult is the outcome of one send request through the provider manager.
type SendResult struct {
	Success            bool      `json:"success"`
	MessageID          string    `json:"message_id,omitempty"`
	Provider           string    `json:"provider,omitempty"`
	Cost               float64   `json:"cost"`
	AttemptedProviders []string  `json:"attempted_providers"`
	SentAt             time.Time `json:"sent_at"`
	Error              string    `json:"error,omitempty"`
}
