// Package paramstore reads secrets from AWS SSM Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned when the parameter does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter resolves a parameter name relative to the client prefix.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client fetches decrypted parameters below a common path prefix.
type Client struct {
	api    ssmAPI
	prefix string
}

// New creates a Client around api. prefix is joined in front of every name,
// e.g. "/bot-topup/prod".
func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, prefix: strings.TrimRight(strings.TrimSpace(prefix), "/")}, nil
}

// NewFromEnv builds a Client using the default AWS credential chain.
func NewFromEnv(ctx context.Context, prefix string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("paramstore: load aws config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg), prefix)
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	full := c.path(name)

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(full),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, full)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", full, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", full)
	}
	return *out.Parameter.Value, nil
}

func (c *Client) path(name string) string {
	if c.prefix == "" {
		return "/" + name
	}
	if !strings.HasPrefix(c.prefix, "/") {
		return "/" + c.prefix + "/" + name
	}
	return c.prefix + "/" + name
}
