package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type SESConfig struct {
	Region           string `mapstructure:"region"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	ConfigurationSet string `mapstructure:"configuration_set"`
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends raw MIME through Amazon SES v2. SES has no thread concept, so
// threads are keyed by the root message's Message-ID like SMTP.
type SES struct {
	client    sesAPI
	configSet string
}

func NewSES(ctx context.Context, cfg SESConfig) (*SES, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrUnavailable, err)
	}
	return &SES{client: sesv2.NewFromConfig(awsCfg), configSet: cfg.ConfigurationSet}, nil
}

func (s *SES) Name() string { return "ses" }

func (s *SES) Send(ctx context.Context, msg *Message) (*Result, error) {
	raw, messageID, err := Raw(msg)
	if err != nil {
		return nil, err
	}

	in := &sesv2.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Content:     &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
	}
	if s.configSet != "" {
		in.ConfigurationSetName = aws.String(s.configSet)
	}

	if _, err := s.client.SendEmail(ctx, in); err != nil {
		var suspended *types.AccountSuspendedException
		var paused *types.SendingPausedException
		if errors.As(err, &suspended) || errors.As(err, &paused) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return &Result{MessageID: messageID, ThreadID: threadOf(msg, messageID)}, nil
}
