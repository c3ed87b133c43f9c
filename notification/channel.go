package notification

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Channel sends one delivery to an external system. In-app delivery needs no
// channel: the stored notification is the inbox entry.
type Channel interface {
	Name() ChannelName
	Send(ctx context.Context, d Delivery, n Notification) error
}

// SESService is the slice of the SES client used here, for mocking.
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SNSService is the slice of the SNS client used here, for mocking.
type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SESChannel struct {
	client SESService
	from   string
}

func NewSESChannel(client SESService, from string) *SESChannel {
	return &SESChannel{client: client, from: from}
}

func (c *SESChannel) Name() ChannelName { return ChannelEmail }

func (c *SESChannel) Send(ctx context.Context, d Delivery, n Notification) error {
	_, err := c.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{d.Destination},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(n.Title)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(n.Message)},
			},
		},
		Source: aws.String(c.from),
	})
	return err
}

type SNSChannel struct {
	client SNSService
}

func NewSNSChannel(client SNSService) *SNSChannel {
	return &SNSChannel{client: client}
}

func (c *SNSChannel) Name() ChannelName { return ChannelSMS }

func (c *SNSChannel) Send(ctx context.Context, d Delivery, n Notification) error {
	_, err := c.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(d.Destination),
		Message:     aws.String(n.Title + ": " + n.Message),
	})
	return err
}

// AWSOptions configures NewAWSChannels.
type AWSOptions struct {
	Region       string
	FromEmail    string
	EmailEnabled bool
	SMSEnabled   bool
}

// NewAWSChannels builds the SES and SNS channels enabled in opts from the
// default AWS credential chain.
func NewAWSChannels(ctx context.Context, opts AWSOptions) ([]Channel, error) {
	if !opts.EmailEnabled && !opts.SMSEnabled {
		return nil, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("notification: load AWS config: %w", err)
	}
	var channels []Channel
	if opts.EmailEnabled {
		channels = append(channels, NewSESChannel(ses.NewFromConfig(cfg), opts.FromEmail))
	}
	if opts.SMSEnabled {
		channels = append(channels, NewSNSChannel(sns.NewFromConfig(cfg)))
	}
	return channels, nil
}
