package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
)

// SESSettings configures Amazon SES v2. Empty keys fall back to the default
// AWS credential chain.
type SESSettings struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES delivers through the SES v2 SendEmail API.
type SES struct {
	name   string
	cost   float64
	cfgSet string
	client sesAPI
}

// NewSES loads AWS configuration and creates the client.
func NewSES(ctx context.Context, name string, s SESSettings, cost float64) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.Region)}
	if s.AccessKeyID != "" && s.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ses %s: load aws config: %w", name, err)
	}
	return &SES{name: name, cost: cost, cfgSet: s.ConfigurationSet, client: sesv2.NewFromConfig(cfg)}, nil
}

func (p *SES) Name() string              { return p.name }
func (p *SES) Type() domain.ProviderType { return domain.ProviderSES }

func (p *SES) Send(ctx context.Context, msg *domain.EmailMessage) (Receipt, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatFrom(msg)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("recipient_id"), Value: aws.String(msg.RecipientID)},
		},
	}
	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if p.cfgSet != "" {
		input.ConfigurationSetName = aws.String(p.cfgSet)
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return Receipt{}, failure.Wrap(classifySES(err), p.name, err)
	}
	return Receipt{MessageID: aws.ToString(out.MessageId), Cost: p.cost}, nil
}

func classifySES(err error) failure.Class {
	var (
		rejected *types.MessageRejected
		tooMany  *types.TooManyRequestsException
		limit    *types.LimitExceededException
		badReq   *types.BadRequestException
		notFound *types.NotFoundException
	)
	switch {
	case errors.As(err, &rejected):
		return failure.ContentBlocked
	case errors.As(err, &tooMany), errors.As(err, &limit):
		return failure.RateLimited
	case errors.As(err, &badReq):
		return failure.InvalidRecipient
	case errors.As(err, &notFound):
		return failure.AuthError
	}
	return failure.ClassifyProvider(err)
}
