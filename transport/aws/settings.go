package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/docflow/transport"
)

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// settings is the AWS part of the pipeline configuration. An explicit
// endpoint means LocalStack or another emulator.
type settings struct {
	region    string
	accountID string
	accessKey string
	secretKey string
	endpoint  *url.URL
}

func resolveSettings(cfg transport.Config) (settings, error) {
	if cfg == nil {
		return settings{}, nil
	}
	s := settings{
		region:    strings.TrimSpace(cfg.GetAWSRegion()),
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		accessKey: cfg.GetAWSAccessKeyID(),
		secretKey: cfg.GetAWSSecretAccessKey(),
	}
	if raw := cfg.GetAWSEndpoint(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return settings{}, fmt.Errorf("aws: parse endpoint %q: %w", raw, err)
		}
		s.endpoint = u
	}
	return s, nil
}

func (s settings) emulated() bool { return s.endpoint != nil }

// load resolves the SDK configuration. Region and endpoint from the pipeline
// configuration override whatever the environment or profile provides.
func (s settings) load(ctx context.Context, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.accessKey != "" && s.secretKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.accessKey, s.secretKey, ""),
		))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": s.region})
		return aws.Config{}, err
	}
	if s.region != "" {
		awsCfg.Region = s.region
	}
	if s.endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(s.endpoint.String())
	}
	return awsCfg, nil
}

// account returns the account used for SNS topic ARNs. LocalStack only knows
// its fixed account, so anything that is not a real account id is replaced
// there.
func (s settings) account(logger watermill.LoggerAdapter) string {
	if !s.emulated() || len(s.accountID) == awsAccountIDLength {
		return s.accountID
	}
	logger.Info("Using LocalStack account ID", watermill.LogFields{
		"configured_account_id": s.accountID,
		"account_id":            localstackAccountID,
	})
	return localstackAccountID
}

// endpointOptions routes SNS and SQS clients to awsCfg.BaseEndpoint, if set.
func endpointOptions(awsCfg aws.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	if awsCfg.BaseEndpoint == nil || *awsCfg.BaseEndpoint == "" {
		return nil, nil, nil
	}
	u, err := url.Parse(*awsCfg.BaseEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("aws: parse base endpoint: %w", err)
	}
	endpoint := smithyendpoints.Endpoint{URI: *u}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoint}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoint}),
	}
	return snsOpts, sqsOpts, nil
}
