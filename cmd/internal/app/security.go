package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"duet/cmd/internal/auth"
)

// secretSource resolves a named secret (SSM Parameter Store in production).
type secretSource interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// TokenManager builds the access token manager from cfg.Auth. The signing secret is
// taken from auth.jwt_secret_param (SSM) when set, else from auth.jwt_secret.
// Startup fails when no secret is configured: there is no unsigned fallback.
func TokenManager(ctx context.Context, cfg Config) (*auth.TokenManager, error) {
	var src secretSource
	if name := strings.TrimSpace(cfg.Auth.JWTSecretParam); name != "" {
		ps, err := newParamStore(ctx, cfg.Auth.AWSRegion)
		if err != nil {
			return nil, err
		}
		src = ps
	}
	return tokenManager(ctx, cfg.Auth, src)
}

func tokenManager(ctx context.Context, cfg AuthConfig, src secretSource) (*auth.TokenManager, error) {
	secret, err := resolveSecret(ctx, cfg, src)
	if err != nil {
		return nil, err
	}
	return auth.NewTokenManager(auth.Config{
		Secret:    []byte(secret),
		Issuer:    cfg.Issuer,
		TTL:       cfg.TokenTTL,
		ClockSkew: cfg.ClockSkew,
	})
}

func resolveSecret(ctx context.Context, cfg AuthConfig, src secretSource) (string, error) {
	if name := strings.TrimSpace(cfg.JWTSecretParam); name != "" {
		if src == nil {
			return "", errors.New("security policy: auth.jwt_secret_param is set but no parameter store is available")
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		v, err := src.GetParameter(ctx, name)
		if err != nil {
			return "", fmt.Errorf("security policy: load %s: %w", name, err)
		}
		return v, nil
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return "", fmt.Errorf("security policy: %s or %s must be set", EnvName("auth.jwt_secret"), EnvName("auth.jwt_secret_param"))
	}
	return cfg.JWTSecret, nil
}

func newParamStore(ctx context.Context, region string) (*auth.ParamStore, error) {
	awsCfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return auth.NewParamStore(ssm.NewFromConfig(awsCfg))
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region = strings.TrimSpace(region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config: %w", err)
	}
	return cfg, nil
}
