// Package aws loads AWS SDK configuration for the KMS key backend.
package aws

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"
)

const serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// LoadAWSConfig resolves credentials the usual SDK way. Outside Kubernetes
// the shared profile named by AWS_PROFILE (or "default") is used; inside,
// the pod's web identity is left to the default chain.
func LoadAWSConfig(ctx context.Context, regionOverride string) (aws.Config, error) {
	var options []func(*config.LoadOptions) error

	if !inKubernetes() {
		options = append(options, config.WithSharedConfigProfile(profile()))
	}
	if regionOverride != "" {
		options = append(options, config.WithRegion(regionOverride))
	}

	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// VerifyCredentials calls STS GetCallerIdentity and logs who the service is
// running as, failing fast on bad credentials.
func VerifyCredentials(ctx context.Context, cfg aws.Config, logger *zap.Logger) error {
	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials: %w", err)
	}
	logger.Sugar().Infow("Using AWS identity",
		"arn", aws.ToString(out.Arn),
		"account", aws.ToString(out.Account),
		"region", cfg.Region,
	)
	return nil
}

func inKubernetes() bool {
	_, err := os.Stat(serviceAccountTokenPath)
	return err == nil
}

func profile() string {
	if p := os.Getenv("AWS_PROFILE"); p != "" {
		return p
	}
	return "default"
}
