package mq

import (
	"context"
	"fmt"

	"indexcheck/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher maps each logical topic to a queue URL.
type SQSPublisher struct {
	client    SQSAPI
	queueURLs map[string]string
}

func NewSQSPublisher(client SQSAPI, queueURLs map[string]string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURLs: queueURLs}
}

func NewSQSPublisherFromConfig(ctx context.Context, cfg *config.SQSConfig) (*SQSPublisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.QueueURLs), nil
}

func (p *SQSPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	queueURL, ok := p.queueURLs[topic]
	if !ok || queueURL == "" {
		return fmt.Errorf("no sqs queue configured for topic %q", topic)
	}

	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"key": {DataType: aws.String("String"), StringValue: aws.String(key)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send message to SQS: %w", err)
	}
	return nil
}

func (p *SQSPublisher) Close() error {
	return nil
}
