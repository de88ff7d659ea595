package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// snsAPI is the subset of the SNS client the SMS driver uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	CheckIfPhoneNumberIsOptedOut(ctx context.Context, params *sns.CheckIfPhoneNumberIsOptedOutInput, optFns ...func(*sns.Options)) (*sns.CheckIfPhoneNumberIsOptedOutOutput, error)
}

// SNSConfig configures the SMS driver.
type SNSConfig struct {
	Region   string
	SenderID string
}

// SNSTransport sends SMS through AWS SNS. Every channel shares the account;
// the channel id only tags the message.
type SNSTransport struct {
	client   snsAPI
	senderID string
	logger   *zap.Logger
}

// NewSNSTransport creates a new SNS driver for SMS
func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return newSNSTransport(sns.NewFromConfig(awsCfg), cfg.SenderID, logger), nil
}

func newSNSTransport(client snsAPI, senderID string, logger *zap.Logger) *SNSTransport {
	return &SNSTransport{client: client, senderID: senderID, logger: logger}
}

func (t *SNSTransport) Name() string { return "sns" }

func e164(address string) string {
	if strings.HasPrefix(address, "+") {
		return address
	}
	return "+" + address
}

func (t *SNSTransport) Send(ctx context.Context, channelID, address, content string) error {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(e164(address)),
		Message:     aws.String(content),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Promotional"),
			},
		},
	}
	if t.senderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(t.senderID),
		}
	}

	result, err := t.client.Publish(ctx, input)
	if err != nil {
		return classifySNS(err)
	}

	t.logger.Info("SMS sent via SNS",
		zap.String("channel_id", channelID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SendMedia sends the caption followed by the media reference; SMS carries no attachments.
func (t *SNSTransport) SendMedia(ctx context.Context, channelID, address, mediaRef, caption string) error {
	text := mediaRef
	if caption != "" {
		text = caption + "\n" + mediaRef
	}
	return t.Send(ctx, channelID, address, text)
}

// IsRegistered treats an opted-out number as unreachable.
func (t *SNSTransport) IsRegistered(ctx context.Context, channelID, address string) (bool, error) {
	out, err := t.client.CheckIfPhoneNumberIsOptedOut(ctx, &sns.CheckIfPhoneNumberIsOptedOutInput{
		PhoneNumber: aws.String(e164(address)),
	})
	if err != nil {
		return false, classifySNS(err)
	}
	return !out.IsOptedOut, nil
}

func (t *SNSTransport) State(ctx context.Context, channelID string) db.ChannelState {
	return db.ChannelConnected
}

func classifySNS(err error) error {
	var throttled *types.ThrottledException
	if errors.As(err, &throttled) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: sns publish failed: %w", ErrFailure, err)
}
