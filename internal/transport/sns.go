package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// snsAPI is the slice of the SNS client used for direct SMS publishing.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSConfig struct {
	Region string
}

// SNSTransport sends SMS directly to a phone number through AWS SNS.
type SNSTransport struct {
	client snsAPI
	logger *zap.Logger
}

func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSTransport{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *SNSTransport) Name() string {
	return "sns"
}

func (s *SNSTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(msg.Body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.MM.SMS.OriginationNumber": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.From),
			},
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransportError{Err: fmt.Errorf("sns publish failed: %w", err)}
	}
	if result.MessageId == nil {
		return "", &TransportError{Body: "sns response missing message id"}
	}

	s.logger.Debug("sms published via sns",
		zap.String("message_id", *result.MessageId),
		zap.String("idempotency_key", msg.IdempotencyKey),
	)
	return *result.MessageId, nil
}
