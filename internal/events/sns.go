package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes outcomes to an SNS topic with the outcome kind as a
// message attribute, so subscribers can filter.
type SNSSink struct {
	client   snsPublisher
	topicARN string
}

func NewSNSSink(ctx context.Context, topicARN, region string) (*SNSSink, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SNSSink{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

func (s *SNSSink) Publish(ctx context.Context, o Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(o.Kind)),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(o.Status),
			},
		},
	}

	if _, err := s.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish outcome to SNS: %w", err)
	}
	return nil
}

func (s *SNSSink) Close() error { return nil }
